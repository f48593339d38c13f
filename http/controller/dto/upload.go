package dto

// ChunkAckResponse acknowledges one accepted chunk.
type ChunkAckResponse struct {
	Accepted       bool  `json:"accepted"`
	ChunkIndex     int   `json:"chunk_index"`
	UploadedChunks []int `json:"uploaded_chunks"`
	IsComplete     bool  `json:"is_complete"`
}

// AssembleRequest asks the server to concatenate a completed session.
type AssembleRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// AssembleResponse describes the finalized object.
type AssembleResponse struct {
	FinalKey     string `json:"final_key"`
	OriginalName string `json:"original_name"`
	Size         int64  `json:"size"`
}

// ProgressResponse reports the accept state of a session.
type ProgressResponse struct {
	SessionID      string  `json:"session_id"`
	FileName       string  `json:"file_name"`
	TotalSize      int64   `json:"total_size"`
	TotalChunks    int     `json:"total_chunks"`
	UploadedChunks []int   `json:"uploaded_chunks"`
	Progress       float64 `json:"progress"` // 0-100
	IsComplete     bool    `json:"is_complete"`
}

// SessionSummary is one row in the session listing.
type SessionSummary struct {
	SessionID      string `json:"session_id"`
	FileName       string `json:"file_name"`
	TotalSize      int64  `json:"total_size"`
	TotalChunks    int    `json:"total_chunks"`
	UploadedChunks int    `json:"uploaded_chunks"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}
