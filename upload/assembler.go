package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tnqbao/gau-upload-service/storage"
)

// FinalObject describes the assembled file written to storage.
type FinalObject struct {
	FinalKey     string
	OriginalName string
	Size         int64
}

// Assembler concatenates the accepted chunks of a complete session into the
// final object and garbage-collects the transient chunk state.
type Assembler struct {
	store storage.ObjectStorage
}

func NewAssembler(store storage.ObjectStorage) *Assembler {
	return &Assembler{store: store}
}

// Assemble builds the final object for sessionID. It fails with
// ErrSessionNotFound for unknown (or already assembled) sessions and with
// IncompleteError when chunks are missing. Calling it twice is safe: the
// second call sees no metadata and reports ErrSessionNotFound without
// touching the final object.
func (a *Assembler) Assemble(ctx context.Context, sessionID string) (*FinalObject, error) {
	if sessionID == "" {
		return nil, &ValidationError{Reason: "session_id is required"}
	}

	meta, err := loadMeta(ctx, a.store, sessionID)
	if err != nil {
		return nil, err
	}

	// Completeness is re-verified against the durable markers immediately
	// before reading payloads, so a chunk receipt racing with assembly can
	// not slip an index in after the snapshot.
	uploaded, err := listUploadedChunks(ctx, a.store, sessionID)
	if err != nil {
		return nil, err
	}
	if len(uploaded) != meta.TotalChunks {
		return nil, &IncompleteError{UploadedChunks: uploaded, TotalChunks: meta.TotalChunks}
	}

	var buf bytes.Buffer
	buf.Grow(int(meta.TotalSize))
	for index := 0; index < meta.TotalChunks; index++ {
		payload, err := a.store.Get(ctx, chunkKey(sessionID, index))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, &IncompleteError{UploadedChunks: uploaded, TotalChunks: meta.TotalChunks}
			}
			return nil, fmt.Errorf("failed to read chunk %d: %w", index, err)
		}
		buf.Write(payload)
	}

	if int64(buf.Len()) != meta.TotalSize {
		return nil, fmt.Errorf("assembled size %d does not match expected %d", buf.Len(), meta.TotalSize)
	}

	// Fresh random token per assembly so repeated uploads of same-named
	// files never collide.
	finalKey := fmt.Sprintf("%s%s_%s", finalPrefix, uuid.New().String(), meta.FileName)
	if err := a.store.Put(ctx, finalKey, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		return nil, fmt.Errorf("failed to write final object: %w", err)
	}

	if err := storage.DeletePrefix(ctx, a.store, SessionPrefix(sessionID)); err != nil {
		return nil, fmt.Errorf("failed to clean up session %s: %w", sessionID, err)
	}

	return &FinalObject{
		FinalKey:     finalKey,
		OriginalName: meta.FileName,
		Size:         int64(buf.Len()),
	}, nil
}
