// Package upload implements the server side of the resumable chunked-upload
// protocol: chunk receipt and idempotent assembly on top of an object-storage
// capability.
//
// Each accepted chunk is its own durable object under the session prefix, so
// the set of uploaded chunks is computed by listing markers instead of
// mutating a shared record. Concurrent chunk receipts for one session can
// never lose an update.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/tnqbao/gau-upload-service/storage"
)

const (
	sessionPrefix = "sessions/"
	finalPrefix   = "objects/"
	metaFileName  = "meta.json"
)

// ErrSessionNotFound is returned when no metadata exists for a session id.
// After a successful assembly this is the expected answer for that id.
var ErrSessionNotFound = errors.New("upload session not found")

// ValidationError marks a malformed request. Fatal, never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason
}

// MetadataMismatchError is returned when a chunk arrives for an existing
// session whose stored file identity does not match the request. The stored
// session is left untouched.
type MetadataMismatchError struct {
	SessionID string
}

func (e *MetadataMismatchError) Error() string {
	return fmt.Sprintf("session %s exists with different file metadata", e.SessionID)
}

// IncompleteError is returned by Assemble when chunks are missing. It carries
// the current accept set for diagnostics.
type IncompleteError struct {
	UploadedChunks []int
	TotalChunks    int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload incomplete: %d of %d chunks uploaded", len(e.UploadedChunks), e.TotalChunks)
}

// SessionMeta is the durable metadata record for a session, persisted once
// under sessions/<id>/meta.json. All fields except UpdatedAt are immutable
// after creation, so concurrent writers always write the same identity.
type SessionMeta struct {
	SessionID   string    `json:"session_id"`
	FileName    string    `json:"file_name"`
	TotalSize   int64     `json:"total_size"`
	TotalChunks int       `json:"total_chunks"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func metaKey(sessionID string) string {
	return sessionPrefix + sessionID + "/" + metaFileName
}

func chunkKey(sessionID string, index int) string {
	// Zero-padded so lexicographic listing order equals index order.
	return fmt.Sprintf("%s%s/chunk_%05d.part", sessionPrefix, sessionID, index)
}

// SessionPrefix returns the storage prefix holding all objects of a session.
func SessionPrefix(sessionID string) string {
	return sessionPrefix + sessionID + "/"
}

func loadMeta(ctx context.Context, store storage.ObjectStorage, sessionID string) (*SessionMeta, error) {
	data, err := store.Get(ctx, metaKey(sessionID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session metadata: %w", err)
	}
	var meta SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode session metadata: %w", err)
	}
	return &meta, nil
}

func saveMeta(ctx context.Context, store storage.ObjectStorage, meta *SessionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode session metadata: %w", err)
	}
	if err := store.Put(ctx, metaKey(meta.SessionID), bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("failed to persist session metadata: %w", err)
	}
	return nil
}

// listUploadedChunks reduces the chunk markers under the session prefix to
// the sorted set of accepted indices.
func listUploadedChunks(ctx context.Context, store storage.ObjectStorage, sessionID string) ([]int, error) {
	keys, err := store.List(ctx, SessionPrefix(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to list session chunks: %w", err)
	}
	indices := make([]int, 0, len(keys))
	for _, key := range keys {
		name := path.Base(key)
		var index int
		if _, err := fmt.Sscanf(name, "chunk_%05d.part", &index); err != nil {
			continue // meta.json and anything else
		}
		indices = append(indices, index)
	}
	return indices, nil
}
