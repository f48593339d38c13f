package repository

import (
	"github.com/tnqbao/gau-upload-service/entity"
	"gorm.io/gorm"
)

type ObjectRepository struct {
	db *gorm.DB
}

func NewObjectRepository(db *gorm.DB) *ObjectRepository {
	return &ObjectRepository{db: db}
}

// Create records a finalized object.
func (r *ObjectRepository) Create(object *entity.Object) error {
	return r.db.Create(object).Error
}

// FindByFinalKey finds an object by its storage key.
func (r *ObjectRepository) FindByFinalKey(finalKey string) (*entity.Object, error) {
	var object entity.Object
	err := r.db.Where("final_key = ?", finalKey).First(&object).Error
	if err != nil {
		return nil, err
	}
	return &object, nil
}

// FindBySessionID finds the object produced by an upload session, if any.
func (r *ObjectRepository) FindBySessionID(sessionID string) (*entity.Object, error) {
	var object entity.Object
	err := r.db.Where("session_id = ?", sessionID).First(&object).Error
	if err != nil {
		return nil, err
	}
	return &object, nil
}

// List returns the most recent objects, newest first.
func (r *ObjectRepository) List(limit int) ([]entity.Object, error) {
	var objects []entity.Object
	err := r.db.Order("created_at DESC").Limit(limit).Find(&objects).Error
	return objects, err
}
