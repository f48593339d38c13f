package repository

import (
	"github.com/tnqbao/gau-upload-service/infra"
	"gorm.io/gorm"
)

type Repository struct {
	UploadSessionRepo *UploadSessionRepository
	ObjectRepo        *ObjectRepository
}

var repository *Repository

// InitRepository builds the repository set on top of the Postgres client.
// Returns nil when Postgres is not configured; callers must nil-check.
func InitRepository(infra *infra.Infra) *Repository {
	if infra.Postgres == nil {
		return nil
	}
	repository = &Repository{
		UploadSessionRepo: NewUploadSessionRepository(infra.Postgres.DB),
		ObjectRepo:        NewObjectRepository(infra.Postgres.DB),
	}
	return repository
}

func GetRepository() *Repository {
	if repository == nil {
		panic("repository not initialized")
	}
	return repository
}

func (r *Repository) WithTransaction(tx *gorm.DB) *Repository {
	return &Repository{
		UploadSessionRepo: NewUploadSessionRepository(tx),
		ObjectRepo:        NewObjectRepository(tx),
	}
}
