package entity

import (
	"time"
)

// UploadStatus represents the status of an upload session
type UploadStatus string

const (
	UploadStatusIdle       UploadStatus = "IDLE"
	UploadStatusUploading  UploadStatus = "UPLOADING"
	UploadStatusPaused     UploadStatus = "PAUSED"
	UploadStatusProcessing UploadStatus = "PROCESSING"
	UploadStatusCompleted  UploadStatus = "COMPLETED"
	UploadStatusError      UploadStatus = "ERROR"
	UploadStatusExpired    UploadStatus = "EXPIRED"
)

// UploadSession is the server-side index record for a chunked upload session.
// The set of accepted chunks is owned by the storage backend (one marker per
// chunk under the session prefix); this row carries counts for listing,
// progress display and expiry cleanup only.
type UploadSession struct {
	SessionID      string       `json:"session_id" gorm:"type:varchar(64);primaryKey"`
	FileName       string       `json:"file_name" gorm:"type:varchar(512);not null"`
	TotalSize      int64        `json:"total_size" gorm:"not null"`
	ChunkSize      int64        `json:"chunk_size"`
	TotalChunks    int          `json:"total_chunks" gorm:"not null"`
	UploadedChunks int          `json:"uploaded_chunks" gorm:"default:0"`
	Status         UploadStatus `json:"status" gorm:"type:varchar(32);not null;default:'UPLOADING'"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null;autoCreateTime"`
	UpdatedAt      time.Time    `json:"updated_at" gorm:"autoUpdateTime"`
	ExpiresAt      time.Time    `json:"expires_at" gorm:"not null;index"`
}
