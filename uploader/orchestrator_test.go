package uploader

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tnqbao/gau-upload-service/entity"
	"github.com/tnqbao/gau-upload-service/storage"
	"github.com/tnqbao/gau-upload-service/upload"
)

// protocolServer is an in-process upload server backed by MemoryStorage, so
// orchestrator tests exercise the real receive and assembly semantics.
type protocolServer struct {
	*httptest.Server
	store      *storage.MemoryStorage
	receiver   *upload.Receiver
	chunkPosts int32
}

func newProtocolServer(t *testing.T) *protocolServer {
	t.Helper()

	store := storage.NewMemoryStorage()
	ps := &protocolServer{
		store:    store,
		receiver: upload.NewReceiver(store),
	}
	assembler := upload.NewAssembler(store)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/upload/chunks", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ps.chunkPosts, 1)
		require.NoError(t, r.ParseMultipartForm(4<<20))

		chunkIndex, _ := strconv.Atoi(r.FormValue("chunk_index"))
		totalChunks, _ := strconv.Atoi(r.FormValue("total_chunks"))
		totalSize, _ := strconv.ParseInt(r.FormValue("total_size"), 10, 64)

		file, _, err := r.FormFile("chunk")
		require.NoError(t, err)
		payload, err := io.ReadAll(file)
		file.Close()
		require.NoError(t, err)

		result, err := ps.receiver.Receive(r.Context(), upload.ReceiveRequest{
			SessionID:   r.FormValue("session_id"),
			ChunkIndex:  chunkIndex,
			TotalChunks: totalChunks,
			FileName:    r.FormValue("file_name"),
			TotalSize:   totalSize,
			Payload:     payload,
		})
		if err != nil {
			var mismatch *upload.MetadataMismatchError
			if errors.As(err, &mismatch) {
				writeJSONError(w, http.StatusConflict, err.Error())
				return
			}
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		_ = json.NewEncoder(w).Encode(ChunkAck{
			Accepted:       true,
			ChunkIndex:     result.ChunkIndex,
			UploadedChunks: result.UploadedChunks,
			IsComplete:     result.IsComplete,
		})
	})
	mux.HandleFunc("/api/v1/upload/assemble", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		final, err := assembler.Assemble(r.Context(), body["session_id"])
		if err != nil {
			if errors.Is(err, upload.ErrSessionNotFound) {
				writeJSONError(w, http.StatusNotFound, "session not found")
				return
			}
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		_ = json.NewEncoder(w).Encode(AssembleResult{
			FinalKey:     final.FinalKey,
			OriginalName: final.OriginalName,
			Size:         final.Size,
		})
	})
	mux.HandleFunc("/api/v1/upload/", func(w http.ResponseWriter, r *http.Request) {
		sessionID := strings.TrimPrefix(r.URL.Path, "/api/v1/upload/")
		sessionID = strings.TrimSuffix(sessionID, "/progress")

		switch r.Method {
		case http.MethodGet:
			meta, uploaded, err := ps.receiver.Progress(r.Context(), sessionID)
			if err != nil {
				writeJSONError(w, http.StatusNotFound, "session not found")
				return
			}
			_ = json.NewEncoder(w).Encode(ServerProgress{
				FileName:       meta.FileName,
				UploadedChunks: uploaded,
				TotalChunks:    meta.TotalChunks,
				Progress:       float64(len(uploaded)) / float64(meta.TotalChunks) * 100,
			})
		case http.MethodDelete:
			if err := ps.receiver.Abort(r.Context(), sessionID); err != nil {
				writeJSONError(w, http.StatusNotFound, "session not found")
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "aborted"})
		}
	})

	ps.Server = httptest.NewServer(mux)
	t.Cleanup(ps.Server.Close)
	return ps
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func newTestOrchestrator(serverURL string) (*Orchestrator, *MemorySessionStore) {
	store := NewMemorySessionStore()
	transport := NewTransport(serverURL)
	transport.BaseDelay = time.Millisecond
	transport.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return NewOrchestrator(store, transport), store
}

func (ps *protocolServer) finalObject(t *testing.T) []byte {
	t.Helper()
	keys, err := ps.store.List(context.Background(), "objects/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	data, err := ps.store.Get(context.Background(), keys[0])
	require.NoError(t, err)
	return data
}

func TestOrchestrator_RoundTrip(t *testing.T) {
	server := newProtocolServer(t)
	orch, store := newTestOrchestrator(server.URL)

	content := randomBytes(t, 2*1024*1024+512*1024)
	file := FileInfo{Name: "video.mp4", Size: int64(len(content)), LastModified: 1700000000000}

	var states []entity.UploadStatus
	orch.OnStateChange = func(status entity.UploadStatus) {
		states = append(states, status)
	}

	session, err := orch.Prepare(file, bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, 3, session.TotalChunks)

	require.NoError(t, orch.Run(context.Background()))

	assert.Equal(t, entity.UploadStatusCompleted, orch.Status())
	require.NotNil(t, orch.Result())
	assert.Equal(t, int64(len(content)), orch.Result().Size)
	assert.Equal(t, content, server.finalObject(t))

	assert.Equal(t, []entity.UploadStatus{
		entity.UploadStatusUploading,
		entity.UploadStatusProcessing,
		entity.UploadStatusCompleted,
	}, states)

	// Terminal success removes the stored record.
	stored, err := store.ListAll()
	require.NoError(t, err)
	assert.Empty(t, stored)

	// The transient session state is gone from the server too.
	keys, err := server.store.List(context.Background(), "sessions/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestOrchestrator_ResumeSendsOnlyMissingChunks(t *testing.T) {
	server := newProtocolServer(t)
	orch, store := newTestOrchestrator(server.URL)

	content := randomBytes(t, 2*1024*1024+512*1024)
	file := FileInfo{Name: "video.mp4", Size: int64(len(content)), LastModified: 1700000000000}
	sessionID := DeriveSessionID(file.Name, file.Size, file.LastModified)

	// Chunks 0 and 1 were accepted in an earlier run.
	for index := 0; index < 2; index++ {
		_, err := server.receiver.Receive(context.Background(), upload.ReceiveRequest{
			SessionID:   sessionID,
			ChunkIndex:  index,
			TotalChunks: 3,
			FileName:    file.Name,
			TotalSize:   file.Size,
			Payload:     content[int64(index)*DefaultChunkSize : int64(index+1)*DefaultChunkSize],
		})
		require.NoError(t, err)
	}
	now := time.Now().UTC()
	require.NoError(t, store.Save(&Session{
		SessionID:      sessionID,
		FileName:       file.Name,
		TotalSize:      file.Size,
		LastModified:   file.LastModified,
		ChunkSize:      DefaultChunkSize,
		TotalChunks:    3,
		UploadedChunks: []int{0, 1},
		Status:         entity.UploadStatusPaused,
		CreatedAt:      now,
		LastActivityAt: now,
	}))

	session, err := orch.Prepare(file, bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, sessionID, session.SessionID)

	require.NoError(t, orch.Run(context.Background()))

	assert.Equal(t, entity.UploadStatusCompleted, orch.Status())
	assert.Equal(t, int32(1), atomic.LoadInt32(&server.chunkPosts), "only the missing chunk may be sent")
	assert.Equal(t, content, server.finalObject(t))
}

func TestOrchestrator_ReconcileTrustsServerOverClient(t *testing.T) {
	server := newProtocolServer(t)
	orch, store := newTestOrchestrator(server.URL)

	content := randomBytes(t, 2*1024*1024+512*1024)
	file := FileInfo{Name: "video.mp4", Size: int64(len(content)), LastModified: 1700000000000}
	sessionID := DeriveSessionID(file.Name, file.Size, file.LastModified)

	// Client believes all chunks were accepted, but the server lost them.
	now := time.Now().UTC()
	require.NoError(t, store.Save(&Session{
		SessionID:      sessionID,
		FileName:       file.Name,
		TotalSize:      file.Size,
		LastModified:   file.LastModified,
		ChunkSize:      DefaultChunkSize,
		TotalChunks:    3,
		UploadedChunks: []int{0, 1},
		Status:         entity.UploadStatusPaused,
		CreatedAt:      now,
		LastActivityAt: now,
	}))

	_, err := orch.Prepare(file, bytes.NewReader(content))
	require.NoError(t, err)

	require.NoError(t, orch.Run(context.Background()))

	assert.Equal(t, entity.UploadStatusCompleted, orch.Status())
	assert.Equal(t, int32(3), atomic.LoadInt32(&server.chunkPosts), "every chunk must be re-sent")
	assert.Equal(t, content, server.finalObject(t))
}

func TestOrchestrator_ExhaustedRetriesPauseInsteadOfFailing(t *testing.T) {
	var chunkPosts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/progress") {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		atomic.AddInt32(&chunkPosts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	orch, store := newTestOrchestrator(server.URL)
	orch.transport.MaxAttempts = 2

	content := randomBytes(t, 512)
	file := FileInfo{Name: "video.mp4", Size: int64(len(content)), LastModified: 1700000000000}

	_, err := orch.Prepare(file, bytes.NewReader(content))
	require.NoError(t, err)

	require.NoError(t, orch.Run(context.Background()), "exhaustion pauses, it does not fail the session")

	assert.Equal(t, entity.UploadStatusPaused, orch.Status())
	assert.NotEmpty(t, orch.ErrorMessage())
	assert.Equal(t, int32(2), atomic.LoadInt32(&chunkPosts))

	// The stored session survives for a later resume.
	stored, err := store.ListAll()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, entity.UploadStatusPaused, stored[0].Status)
}

func TestOrchestrator_WrongFileGuard(t *testing.T) {
	server := newProtocolServer(t)
	orch, store := newTestOrchestrator(server.URL)

	now := time.Now().UTC()
	existing := &Session{
		SessionID:      "file-111",
		FileName:       "other.mp4",
		TotalSize:      4096,
		LastModified:   1600000000000,
		ChunkSize:      DefaultChunkSize,
		TotalChunks:    1,
		Status:         entity.UploadStatusPaused,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	require.NoError(t, store.Save(existing))

	content := randomBytes(t, 512)
	file := FileInfo{Name: "video.mp4", Size: int64(len(content)), LastModified: 1700000000000}

	_, err := orch.Prepare(file, bytes.NewReader(content))

	var mismatch *StateMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "other.mp4", mismatch.StoredFileName)

	// The guard must not modify stored state.
	stored, err := store.Load("file-111")
	require.NoError(t, err)
	assert.Equal(t, existing.FileName, stored.FileName)

	// StartNew is the explicit escape hatch.
	_, err = orch.StartNew(file, bytes.NewReader(content))
	require.NoError(t, err)
	_, err = store.Load("file-111")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestOrchestrator_EmptyFileIsRejected(t *testing.T) {
	server := newProtocolServer(t)
	orch, _ := newTestOrchestrator(server.URL)

	_, err := orch.Prepare(FileInfo{Name: "empty.bin", Size: 0}, bytes.NewReader(nil))

	var failure *ValidationFailure
	require.ErrorAs(t, err, &failure)
}

func TestOrchestrator_PauseKeepsAcceptedChunks(t *testing.T) {
	server := newProtocolServer(t)
	orch, store := newTestOrchestrator(server.URL)

	content := randomBytes(t, 2*1024*1024+512*1024)
	file := FileInfo{Name: "video.mp4", Size: int64(len(content)), LastModified: 1700000000000}

	session, err := orch.Prepare(file, bytes.NewReader(content))
	require.NoError(t, err)

	// Pause as soon as the first chunk completes; the second send is aborted
	// before it can be acknowledged.
	var paused int32
	orch.OnProgress = func(transferred, total int64) {
		if transferred >= DefaultChunkSize && atomic.CompareAndSwapInt32(&paused, 0, 1) {
			orch.Pause()
		}
	}

	require.NoError(t, orch.Run(context.Background()))

	assert.Equal(t, entity.UploadStatusPaused, orch.Status())
	assert.Empty(t, orch.ErrorMessage(), "a user pause is not a failure")
	assert.LessOrEqual(t, atomic.LoadInt32(&server.chunkPosts), int32(2),
		"no chunk may be sent after the pause")

	stored, err := store.Load(session.SessionID)
	require.NoError(t, err)
	assert.Less(t, len(stored.UploadedChunks), session.TotalChunks)

	// Resume finishes the upload without re-sending accepted chunks.
	posts := atomic.LoadInt32(&server.chunkPosts)
	_, err = orch.Prepare(file, bytes.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, orch.Run(context.Background()))

	assert.Equal(t, entity.UploadStatusCompleted, orch.Status())
	assert.Equal(t, content, server.finalObject(t))
	assert.LessOrEqual(t, atomic.LoadInt32(&server.chunkPosts)-posts, int32(3))
}

func TestOrchestrator_AssembleUnknownSessionIsSuccessEcho(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/progress"):
			writeJSONError(w, http.StatusNotFound, "session not found")
		case strings.HasSuffix(r.URL.Path, "/chunks"):
			require.NoError(t, r.ParseMultipartForm(4<<20))
			index, _ := strconv.Atoi(r.FormValue("chunk_index"))
			_ = json.NewEncoder(w).Encode(ChunkAck{Accepted: true, ChunkIndex: index, UploadedChunks: []int{0}, IsComplete: true})
		default:
			// Assembly finds nothing: another actor already assembled.
			writeJSONError(w, http.StatusNotFound, "session not found")
		}
	}))
	defer server.Close()

	orch, store := newTestOrchestrator(server.URL)

	content := randomBytes(t, 512)
	file := FileInfo{Name: "video.mp4", Size: int64(len(content)), LastModified: 1700000000000}

	_, err := orch.Prepare(file, bytes.NewReader(content))
	require.NoError(t, err)

	require.NoError(t, orch.Run(context.Background()))

	assert.Equal(t, entity.UploadStatusCompleted, orch.Status())
	assert.Nil(t, orch.Result(), "no assembly result is available from the echo")

	stored, err := store.ListAll()
	require.NoError(t, err)
	assert.Empty(t, stored)
}
