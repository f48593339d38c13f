package upload

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tnqbao/gau-upload-service/storage"
)

func chunkRequest(index int) ReceiveRequest {
	return ReceiveRequest{
		SessionID:   "file-42",
		ChunkIndex:  index,
		TotalChunks: 3,
		FileName:    "video.mp4",
		TotalSize:   12,
		Payload:     []byte(fmt.Sprintf("dat%d", index)),
	}
}

func TestReceive_AcknowledgesChunk(t *testing.T) {
	receiver := NewReceiver(storage.NewMemoryStorage())

	result, err := receiver.Receive(context.Background(), chunkRequest(0))
	require.NoError(t, err)
	assert.Equal(t, 0, result.ChunkIndex)
	assert.Equal(t, []int{0}, result.UploadedChunks)
	assert.False(t, result.IsComplete)

	result, err = receiver.Receive(context.Background(), chunkRequest(2))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, result.UploadedChunks)
	assert.False(t, result.IsComplete)

	result, err = receiver.Receive(context.Background(), chunkRequest(1))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, result.UploadedChunks)
	assert.True(t, result.IsComplete)
}

func TestReceive_ReReceiptIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStorage()
	receiver := NewReceiver(store)

	_, err := receiver.Receive(context.Background(), chunkRequest(0))
	require.NoError(t, err)

	// The client retries after a lost acknowledgment.
	result, err := receiver.Receive(context.Background(), chunkRequest(0))
	require.NoError(t, err)
	assert.Equal(t, []int{0}, result.UploadedChunks)

	keys, err := store.List(context.Background(), SessionPrefix("file-42"))
	require.NoError(t, err)
	assert.Len(t, keys, 2, "one chunk marker plus metadata")
}

func TestReceive_ValidationHasNoPartialEffect(t *testing.T) {
	store := storage.NewMemoryStorage()
	receiver := NewReceiver(store)

	bad := chunkRequest(0)
	bad.Payload = nil

	_, err := receiver.Receive(context.Background(), bad)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)

	keys, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, keys, "a rejected chunk must leave no state behind")
}

func TestReceive_RejectsOutOfRangeIndex(t *testing.T) {
	receiver := NewReceiver(storage.NewMemoryStorage())

	for _, index := range []int{-1, 3} {
		req := chunkRequest(0)
		req.ChunkIndex = index
		_, err := receiver.Receive(context.Background(), req)
		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr, "index %d", index)
	}
}

func TestReceive_MetadataMismatchLeavesSessionUntouched(t *testing.T) {
	store := storage.NewMemoryStorage()
	receiver := NewReceiver(store)

	_, err := receiver.Receive(context.Background(), chunkRequest(0))
	require.NoError(t, err)

	// Same session id, different file identity: a hash collision or a stale
	// client. Must be refused without touching the stored session.
	conflicting := chunkRequest(1)
	conflicting.TotalSize = 99

	_, err = receiver.Receive(context.Background(), conflicting)
	var mismatch *MetadataMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "file-42", mismatch.SessionID)

	meta, uploaded, err := receiver.Progress(context.Background(), "file-42")
	require.NoError(t, err)
	assert.Equal(t, int64(12), meta.TotalSize)
	assert.Equal(t, []int{0}, uploaded)
}

func TestReceive_ConcurrentChunksAllLand(t *testing.T) {
	receiver := NewReceiver(storage.NewMemoryStorage())

	const totalChunks = 8
	var wg sync.WaitGroup
	errs := make([]error, totalChunks)
	for index := 0; index < totalChunks; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			_, errs[index] = receiver.Receive(context.Background(), ReceiveRequest{
				SessionID:   "file-77",
				ChunkIndex:  index,
				TotalChunks: totalChunks,
				FileName:    "big.bin",
				TotalSize:   totalChunks * 4,
				Payload:     []byte(fmt.Sprintf("dat%d", index)),
			})
		}(index)
	}
	wg.Wait()

	for index, err := range errs {
		require.NoError(t, err, "chunk %d", index)
	}

	_, uploaded, err := receiver.Progress(context.Background(), "file-77")
	require.NoError(t, err)
	assert.Len(t, uploaded, totalChunks, "no concurrent receipt may be lost")
}

func TestProgress_UnknownSession(t *testing.T) {
	receiver := NewReceiver(storage.NewMemoryStorage())

	_, _, err := receiver.Progress(context.Background(), "file-404")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAbort_RemovesAllSessionState(t *testing.T) {
	store := storage.NewMemoryStorage()
	receiver := NewReceiver(store)

	_, err := receiver.Receive(context.Background(), chunkRequest(0))
	require.NoError(t, err)

	require.NoError(t, receiver.Abort(context.Background(), "file-42"))

	keys, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.ErrorIs(t, receiver.Abort(context.Background(), "file-42"), ErrSessionNotFound)
}

func TestSessions_ListsActiveMetadata(t *testing.T) {
	receiver := NewReceiver(storage.NewMemoryStorage())

	_, err := receiver.Receive(context.Background(), chunkRequest(0))
	require.NoError(t, err)

	other := chunkRequest(0)
	other.SessionID = "file-77"
	_, err = receiver.Receive(context.Background(), other)
	require.NoError(t, err)

	metas, err := receiver.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, metas, 2)

	ids := []string{metas[0].SessionID, metas[1].SessionID}
	assert.ElementsMatch(t, []string{"file-42", "file-77"}, ids)
}
