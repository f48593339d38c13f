package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Object is the durable record of an assembled upload, written by the
// consumer once the assemble_completed event arrives.
type Object struct {
	ID          uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	FinalKey    string         `json:"final_key" gorm:"type:varchar(1024);not null;uniqueIndex"`
	OriginName  string         `json:"origin_name" gorm:"type:varchar(512);not null"`
	ContentType string         `json:"content_type" gorm:"type:varchar(255)"`
	Size        int64          `json:"size" gorm:"not null"`
	SessionID   string         `json:"session_id" gorm:"type:varchar(64);index"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at" gorm:"not null;autoCreateTime"`
}
