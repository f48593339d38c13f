package uploader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTransport(serverURL string) *Transport {
	transport := NewTransport(serverURL)
	transport.BaseDelay = time.Millisecond
	transport.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return transport
}

func testSession() *Session {
	return &Session{
		SessionID:   "file-42",
		FileName:    "video.mp4",
		TotalSize:   12,
		ChunkSize:   4,
		TotalChunks: 3,
	}
}

func writeAck(w http.ResponseWriter, ack ChunkAck) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ack)
}

func TestSendChunk_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "file-42", r.FormValue("session_id"))
		assert.Equal(t, "1", r.FormValue("chunk_index"))
		assert.Equal(t, "3", r.FormValue("total_chunks"))
		assert.Equal(t, "video.mp4", r.FormValue("file_name"))
		assert.Equal(t, "12", r.FormValue("total_size"))

		file, _, err := r.FormFile("chunk")
		require.NoError(t, err)
		defer file.Close()

		writeAck(w, ChunkAck{Accepted: true, ChunkIndex: 1, UploadedChunks: []int{0, 1}, IsComplete: false})
	}))
	defer server.Close()

	ack, err := testTransport(server.URL).SendChunk(context.Background(), testSession(), 1, []byte("data"))
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, 1, ack.ChunkIndex)
	assert.Equal(t, []int{0, 1}, ack.UploadedChunks)
	assert.False(t, ack.IsComplete)
}

func TestSendChunk_RetriesServerErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeAck(w, ChunkAck{ChunkIndex: 0, UploadedChunks: []int{0}})
	}))
	defer server.Close()

	ack, err := testTransport(server.URL).SendChunk(context.Background(), testSession(), 0, []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, []int{0}, ack.UploadedChunks)
}

func TestSendChunk_ExhaustionIsReported(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	transport := testTransport(server.URL)
	transport.MaxAttempts = 3

	_, err := transport.SendChunk(context.Background(), testSession(), 0, []byte("data"))
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrKindServer, te.Kind)
	assert.True(t, te.Exhausted)
	assert.True(t, te.Retryable())
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestSendChunk_ZeroMaxAttemptsStillSendsOnce(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	transport := testTransport(server.URL)
	transport.MaxAttempts = 0

	_, err := transport.SendChunk(context.Background(), testSession(), 0, []byte("data"))
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Exhausted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestSendChunk_ValidationIsFatal(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "chunk_index must be between 0 and 2"})
	}))
	defer server.Close()

	_, err := testTransport(server.URL).SendChunk(context.Background(), testSession(), 0, []byte("data"))
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrKindValidation, te.Kind)
	assert.False(t, te.Retryable())
	assert.Contains(t, te.Message, "chunk_index")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "4xx must not be retried")
}

func TestSendChunk_ConflictIsStateMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "session exists with different file metadata"})
	}))
	defer server.Close()

	_, err := testTransport(server.URL).SendChunk(context.Background(), testSession(), 0, []byte("data"))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrKindStateMismatch, te.Kind)
	assert.False(t, te.Retryable())
}

func TestSendChunk_CancelAbortsWithoutRetry(t *testing.T) {
	var attempts int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := testTransport(server.URL).SendChunk(ctx, testSession(), 0, []byte("data"))
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrKindCanceled, te.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "canceled sends must not be retried")
}

func TestSendChunk_BackoffDoubles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var delays []time.Duration
	transport := NewTransport(server.URL)
	transport.MaxAttempts = 4
	transport.BaseDelay = time.Second
	transport.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := transport.SendChunk(context.Background(), testSession(), 0, []byte("data"))
	require.Error(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
}

func TestFetchProgress_UnknownSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "session not found"})
	}))
	defer server.Close()

	_, err := testTransport(server.URL).FetchProgress(context.Background(), "file-404")
	assert.ErrorIs(t, err, ErrServerSessionUnknown)
}

func TestFetchProgress_ReturnsUploadedChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/upload/file-42/progress", r.URL.Path)
		_ = json.NewEncoder(w).Encode(ServerProgress{
			FileName:       "video.mp4",
			UploadedChunks: []int{0, 2},
			TotalChunks:    3,
			Progress:       200.0 / 3.0,
		})
	}))
	defer server.Close()

	progress, err := testTransport(server.URL).FetchProgress(context.Background(), "file-42")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, progress.UploadedChunks)
	assert.Equal(t, 3, progress.TotalChunks)
	assert.InDelta(t, 66.7, progress.Progress, 0.1)
}

func TestRequestAssembly_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/upload/assemble", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "file-42", body["session_id"])

		_ = json.NewEncoder(w).Encode(AssembleResult{
			FinalKey:     "objects/abc_video.mp4",
			OriginalName: "video.mp4",
			Size:         12,
		})
	}))
	defer server.Close()

	result, err := testTransport(server.URL).RequestAssembly(context.Background(), "file-42")
	require.NoError(t, err)
	assert.Equal(t, "objects/abc_video.mp4", result.FinalKey)
	assert.Equal(t, int64(12), result.Size)
}

func TestRequestAssembly_UnknownSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := testTransport(server.URL).RequestAssembly(context.Background(), "file-404")
	assert.ErrorIs(t, err, ErrServerSessionUnknown)
}

func TestSendChunk_ReportsProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAck(w, ChunkAck{ChunkIndex: 0, UploadedChunks: []int{0}})
	}))
	defer server.Close()

	transport := testTransport(server.URL)
	var last int64
	var total int64
	transport.OnProgress = func(sent, tot int64) {
		last = sent
		total = tot
	}

	_, err := transport.SendChunk(context.Background(), testSession(), 0, []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, total, last, "progress must end at the full body size")
	assert.Greater(t, total, int64(4), "total covers payload plus multipart framing")
}
