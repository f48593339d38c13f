package controller

import (
	"github.com/tnqbao/gau-upload-service/config"
	"github.com/tnqbao/gau-upload-service/infra"
	"github.com/tnqbao/gau-upload-service/repository"
	"github.com/tnqbao/gau-upload-service/upload"
)

type Controller struct {
	Config     *config.Config
	Infra      *infra.Infra
	Repository *repository.Repository

	receiver  *upload.Receiver
	assembler *upload.Assembler
}

// NewController wires the HTTP handlers to the chunk receiver and assembler.
// Repository may be nil when the session index is not configured.
func NewController(config *config.Config, infra *infra.Infra, repo *repository.Repository) *Controller {
	return &Controller{
		Config:     config,
		Infra:      infra,
		Repository: repo,
		receiver:   upload.NewReceiver(infra.Storage),
		assembler:  upload.NewAssembler(infra.Storage),
	}
}
