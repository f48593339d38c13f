package repository

import (
	"time"

	"github.com/tnqbao/gau-upload-service/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type UploadSessionRepository struct {
	db *gorm.DB
}

func NewUploadSessionRepository(db *gorm.DB) *UploadSessionRepository {
	return &UploadSessionRepository{db: db}
}

// Upsert creates the session row or refreshes it if the session already
// exists. Chunk receipt is idempotent, so re-registering is not an error.
func (r *UploadSessionRepository) Upsert(session *entity.UploadSession) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"uploaded_chunks", "status", "updated_at",
		}),
	}).Create(session).Error
}

// FindByID finds an upload session by its ID.
func (r *UploadSessionRepository) FindByID(sessionID string) (*entity.UploadSession, error) {
	var session entity.UploadSession
	err := r.db.Where("session_id = ?", sessionID).First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// FindActive lists sessions that are still in flight.
func (r *UploadSessionRepository) FindActive() ([]entity.UploadSession, error) {
	var sessions []entity.UploadSession
	err := r.db.Where("status IN ?",
		[]entity.UploadStatus{entity.UploadStatusIdle, entity.UploadStatusUploading, entity.UploadStatusPaused}).
		Order("created_at DESC").Find(&sessions).Error
	return sessions, err
}

// UpdateStatus updates the status of an upload session.
func (r *UploadSessionRepository) UpdateStatus(sessionID string, status entity.UploadStatus) error {
	return r.db.Model(&entity.UploadSession{}).Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}

// UpdateProgress refreshes the uploaded chunk count from the durable store.
func (r *UploadSessionRepository) UpdateProgress(sessionID string, uploadedChunks int, status entity.UploadStatus) error {
	return r.db.Model(&entity.UploadSession{}).Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"uploaded_chunks": uploadedChunks,
			"status":          status,
			"updated_at":      time.Now(),
		}).Error
}

// Delete deletes an upload session row.
func (r *UploadSessionRepository) Delete(sessionID string) error {
	return r.db.Delete(&entity.UploadSession{}, "session_id = ?", sessionID).Error
}

// FindExpired finds sessions whose expiry has passed and that never reached
// a terminal state.
func (r *UploadSessionRepository) FindExpired() ([]entity.UploadSession, error) {
	var sessions []entity.UploadSession
	err := r.db.Where("expires_at < ? AND status NOT IN ?", time.Now(),
		[]entity.UploadStatus{entity.UploadStatusCompleted, entity.UploadStatusProcessing}).
		Find(&sessions).Error
	return sessions, err
}

// DeleteExpired deletes all expired upload session rows.
func (r *UploadSessionRepository) DeleteExpired() (int64, error) {
	result := r.db.Where("expires_at < ? AND status NOT IN ?", time.Now(),
		[]entity.UploadStatus{entity.UploadStatusCompleted, entity.UploadStatusProcessing}).
		Delete(&entity.UploadSession{})
	return result.RowsAffected, result.Error
}
