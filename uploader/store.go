package uploader

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tnqbao/gau-upload-service/entity"
)

// ErrSessionNotFound is returned by SessionStore.Load for unknown ids.
var ErrSessionNotFound = errors.New("stored session not found")

// Session is the client-side durable record of one resumable upload.
type Session struct {
	SessionID      string              `json:"session_id"`
	FileName       string              `json:"file_name"`
	TotalSize      int64               `json:"total_size"`
	LastModified   int64               `json:"last_modified"`
	ChunkSize      int64               `json:"chunk_size"`
	TotalChunks    int                 `json:"total_chunks"`
	UploadedChunks []int               `json:"uploaded_chunks"`
	Status         entity.UploadStatus `json:"status"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	LastActivityAt time.Time           `json:"last_activity_at"`
}

// HasUploaded reports whether the chunk index is in the accept set.
func (s *Session) HasUploaded(index int) bool {
	for _, i := range s.UploadedChunks {
		if i == index {
			return true
		}
	}
	return false
}

// MarkUploaded adds the index to the accept set; re-adding is a no-op.
func (s *Session) MarkUploaded(index int) {
	if s.HasUploaded(index) {
		return
	}
	s.UploadedChunks = append(s.UploadedChunks, index)
	sort.Ints(s.UploadedChunks)
}

// IsComplete reports whether every planned chunk has been accepted.
func (s *Session) IsComplete() bool {
	return len(s.UploadedChunks) == s.TotalChunks
}

// Touch updates the activity timestamp used to pick the most recent session.
func (s *Session) Touch() {
	s.LastActivityAt = time.Now().UTC()
}

// SessionStore is the injected persistence capability for client session
// state. Implementations must survive process restart for resumption to
// work; tests use the in-memory one.
type SessionStore interface {
	Load(sessionID string) (*Session, error)
	Save(session *Session) error
	Delete(sessionID string) error
	ListAll() ([]*Session, error)
}

const sessionFilePrefix = "upload-"

// FileSessionStore persists one JSON file per session under a state
// directory, keyed "upload-<sessionId>.json".
type FileSessionStore struct {
	dir string
}

func NewFileSessionStore(dir string) (*FileSessionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session state dir %s: %w", dir, err)
	}
	return &FileSessionStore{dir: dir}, nil
}

func (s *FileSessionStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionFilePrefix+sessionID+".json")
}

func (s *FileSessionStore) Load(sessionID string) (*Session, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &session, nil
}

func (s *FileSessionStore) Save(session *Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", session.SessionID, err)
	}
	if err := os.WriteFile(s.path(session.SessionID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write session %s: %w", session.SessionID, err)
	}
	return nil
}

func (s *FileSessionStore) Delete(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *FileSessionStore) ListAll() ([]*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list session state dir: %w", err)
	}
	var sessions []*Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, sessionFilePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(strings.TrimPrefix(name, sessionFilePrefix), ".json")
		session, err := s.Load(sessionID)
		if err != nil {
			continue // skip corrupted records
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// MemorySessionStore is the in-memory SessionStore used in tests.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

func (s *MemorySessionStore) Load(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	clone := *session
	clone.UploadedChunks = append([]int(nil), session.UploadedChunks...)
	return &clone, nil
}

func (s *MemorySessionStore) Save(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *session
	clone.UploadedChunks = append([]int(nil), session.UploadedChunks...)
	s.sessions[session.SessionID] = &clone
	return nil
}

func (s *MemorySessionStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemorySessionStore) ListAll() ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		clone := *session
		clone.UploadedChunks = append([]int(nil), session.UploadedChunks...)
		sessions = append(sessions, &clone)
	}
	return sessions, nil
}
