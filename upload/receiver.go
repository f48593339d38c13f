package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tnqbao/gau-upload-service/storage"
)

// ReceiveRequest carries one chunk and the session identity it belongs to.
type ReceiveRequest struct {
	SessionID   string
	ChunkIndex  int
	TotalChunks int
	FileName    string
	TotalSize   int64
	Payload     []byte
}

// ReceiveResult is the acknowledgment for an accepted chunk.
type ReceiveResult struct {
	ChunkIndex     int
	UploadedChunks []int
	IsComplete     bool
}

// Receiver accepts chunks one at a time and persists them as per-chunk
// marker objects. Re-receiving an already accepted index is a no-op on the
// accept set, which makes client retries after apparent timeouts safe.
type Receiver struct {
	store storage.ObjectStorage
}

func NewReceiver(store storage.ObjectStorage) *Receiver {
	return &Receiver{store: store}
}

// Receive validates, persists and acknowledges one chunk. Validation
// failures have no partial effect.
func (r *Receiver) Receive(ctx context.Context, req ReceiveRequest) (*ReceiveResult, error) {
	if err := validateReceive(req); err != nil {
		return nil, err
	}

	meta, err := loadMeta(ctx, r.store, req.SessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		now := time.Now().UTC()
		meta = &SessionMeta{
			SessionID:   req.SessionID,
			FileName:    req.FileName,
			TotalSize:   req.TotalSize,
			TotalChunks: req.TotalChunks,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := saveMeta(ctx, r.store, meta); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		// Session id match alone is not proof of the same file: the id is a
		// small hash and can collide. Require the identity attributes too.
		if meta.FileName != req.FileName || meta.TotalSize != req.TotalSize || meta.TotalChunks != req.TotalChunks {
			return nil, &MetadataMismatchError{SessionID: req.SessionID}
		}
	}

	key := chunkKey(req.SessionID, req.ChunkIndex)
	if err := r.store.Put(ctx, key, bytes.NewReader(req.Payload), int64(len(req.Payload))); err != nil {
		return nil, fmt.Errorf("failed to persist chunk %d: %w", req.ChunkIndex, err)
	}

	uploaded, err := listUploadedChunks(ctx, r.store, req.SessionID)
	if err != nil {
		return nil, err
	}

	meta.UpdatedAt = time.Now().UTC()
	if err := saveMeta(ctx, r.store, meta); err != nil {
		return nil, err
	}

	return &ReceiveResult{
		ChunkIndex:     req.ChunkIndex,
		UploadedChunks: uploaded,
		IsComplete:     len(uploaded) == meta.TotalChunks,
	}, nil
}

// Progress reports the current accept state of a session.
func (r *Receiver) Progress(ctx context.Context, sessionID string) (*SessionMeta, []int, error) {
	meta, err := loadMeta(ctx, r.store, sessionID)
	if err != nil {
		return nil, nil, err
	}
	uploaded, err := listUploadedChunks(ctx, r.store, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return meta, uploaded, nil
}

// Sessions scans the backend for every session that still has metadata.
func (r *Receiver) Sessions(ctx context.Context) ([]*SessionMeta, error) {
	keys, err := r.store.List(ctx, sessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var metas []*SessionMeta
	for _, key := range keys {
		if !strings.HasSuffix(key, "/"+metaFileName) {
			continue
		}
		sessionID := strings.TrimSuffix(strings.TrimPrefix(key, sessionPrefix), "/"+metaFileName)
		meta, err := loadMeta(ctx, r.store, sessionID)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// Abort removes all chunk payloads and metadata for a session.
func (r *Receiver) Abort(ctx context.Context, sessionID string) error {
	if _, err := loadMeta(ctx, r.store, sessionID); err != nil {
		return err
	}
	if err := storage.DeletePrefix(ctx, r.store, SessionPrefix(sessionID)); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

func validateReceive(req ReceiveRequest) error {
	if req.SessionID == "" {
		return &ValidationError{Reason: "session_id is required"}
	}
	if req.FileName == "" {
		return &ValidationError{Reason: "file_name is required"}
	}
	if req.TotalSize <= 0 {
		return &ValidationError{Reason: "total_size must be positive"}
	}
	if req.TotalChunks <= 0 {
		return &ValidationError{Reason: "total_chunks must be positive"}
	}
	if req.ChunkIndex < 0 || req.ChunkIndex >= req.TotalChunks {
		return &ValidationError{Reason: fmt.Sprintf("chunk_index must be between 0 and %d", req.TotalChunks-1)}
	}
	if len(req.Payload) == 0 {
		return &ValidationError{Reason: "chunk payload is empty"}
	}
	return nil
}
