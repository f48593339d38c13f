package main

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/tnqbao/gau-upload-service/config"
	"github.com/tnqbao/gau-upload-service/http/controller"
	routes "github.com/tnqbao/gau-upload-service/http/route"
	infraPkg "github.com/tnqbao/gau-upload-service/infra"
	"github.com/tnqbao/gau-upload-service/repository"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found, continuing with environment variables")
	}

	cfg := config.NewConfig()
	infra := infraPkg.InitInfra(cfg)
	repo := repository.InitRepository(infra)

	ctrl := controller.NewController(cfg, infra, repo)

	router := routes.SetupRouter(ctrl)

	addr := ":" + cfg.EnvConfig.Port
	log.Println("HTTP Server started on", addr)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
