package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tnqbao/gau-upload-service/entity"
)

// FileInfo is the identity triple of the file being uploaded.
type FileInfo struct {
	Name         string
	Size         int64
	LastModified int64
}

// StateMismatchError is returned when an incomplete stored session exists
// and the supplied file does not match its identity. The stored session is
// left untouched; the caller must supply the matching file or explicitly
// start a new upload.
type StateMismatchError struct {
	StoredID       string
	StoredFileName string
	SuppliedID     string
}

func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("an incomplete upload of %q exists; select that file again or start a new upload", e.StoredFileName)
}

// Orchestrator drives the client upload state machine:
//
//	idle → uploading → {paused, processing, error}
//	paused → uploading
//	processing → {completed, error}
//
// Chunk sends are strictly sequential; a single transport is in flight per
// session, so pausing aborts exactly one request and resuming re-derives the
// next unsent index from durable state alone.
type Orchestrator struct {
	store     Store
	transport *Transport

	// OnProgress receives cumulative file-level progress.
	OnProgress func(bytesTransferred, totalBytes int64)
	// OnStateChange observes every state transition.
	OnStateChange func(status entity.UploadStatus)

	mu             sync.Mutex
	session        *Session
	source         io.ReaderAt
	plan           []ByteRange
	result         *AssembleResult
	errorMessage   string
	pauseRequested bool
	cancelRun      context.CancelFunc
}

// Store is the subset of SessionStore the orchestrator needs; declared here
// so tests can hand in fakes without importing anything extra.
type Store = SessionStore

func NewOrchestrator(store Store, transport *Transport) *Orchestrator {
	return &Orchestrator{
		store:     store,
		transport: transport,
	}
}

// Prepare resolves the session for the given file: it recovers a stored
// incomplete session with matching identity, or creates a fresh one. Stored
// sessions that are already complete are garbage and removed eagerly. If the
// most recent incomplete stored session belongs to a different file, Prepare
// refuses with StateMismatchError and changes nothing.
func (o *Orchestrator) Prepare(file FileInfo, source io.ReaderAt) (*Session, error) {
	if file.Size == 0 {
		return nil, &ValidationFailure{Reason: "file is empty"}
	}

	derivedID := DeriveSessionID(file.Name, file.Size, file.LastModified)

	stored, err := o.store.ListAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list stored sessions: %w", err)
	}

	var latest *Session
	for _, s := range stored {
		if s.IsComplete() {
			_ = o.store.Delete(s.SessionID)
			continue
		}
		if latest == nil || s.LastActivityAt.After(latest.LastActivityAt) {
			latest = s
		}
	}

	if latest != nil && latest.SessionID != derivedID {
		return nil, &StateMismatchError{
			StoredID:       latest.SessionID,
			StoredFileName: latest.FileName,
			SuppliedID:     derivedID,
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if latest != nil && matchesIdentity(latest, file) {
		o.session = latest
	} else {
		now := time.Now().UTC()
		plan := PlanChunks(file.Size, DefaultChunkSize)
		o.session = &Session{
			SessionID:      derivedID,
			FileName:       file.Name,
			TotalSize:      file.Size,
			LastModified:   file.LastModified,
			ChunkSize:      DefaultChunkSize,
			TotalChunks:    len(plan),
			Status:         entity.UploadStatusIdle,
			CreatedAt:      now,
			LastActivityAt: now,
		}
	}
	o.source = source
	o.plan = PlanChunks(o.session.TotalSize, o.session.ChunkSize)
	o.result = nil
	o.errorMessage = ""

	if err := o.store.Save(o.session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	return o.session, nil
}

// StartNew discards every stored incomplete session and prepares a fresh
// upload for the given file. This is the explicit escape hatch from the
// wrong-file guard.
func (o *Orchestrator) StartNew(file FileInfo, source io.ReaderAt) (*Session, error) {
	stored, err := o.store.ListAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list stored sessions: %w", err)
	}
	for _, s := range stored {
		if err := o.store.Delete(s.SessionID); err != nil {
			return nil, fmt.Errorf("failed to discard session %s: %w", s.SessionID, err)
		}
	}
	return o.Prepare(file, source)
}

// errStopped marks a run that ended in the paused state. It never escapes
// Run; it only stops the send loop without failing the session.
var errStopped = errors.New("upload stopped")

// ValidationFailure marks client-side input problems (empty file etc).
type ValidationFailure struct {
	Reason string
}

func (e *ValidationFailure) Error() string {
	return e.Reason
}

// Run executes the upload until it completes, pauses or fails. It is safe to
// call again after a pause; the next unsent index is re-derived from the
// persisted session.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return &ValidationFailure{Reason: "no session prepared"}
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancelRun = cancel
	o.pauseRequested = false
	session := o.session
	o.mu.Unlock()
	defer cancel()

	o.setStatus(entity.UploadStatusUploading)

	if err := o.reconcile(runCtx, session); err != nil {
		if errors.Is(err, errStopped) {
			return nil
		}
		return err
	}

	for index := 0; index < session.TotalChunks; index++ {
		if session.HasUploaded(index) {
			continue
		}
		if err := o.sendOne(runCtx, session, index); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
	}

	if !session.IsComplete() {
		o.failWith(fmt.Sprintf("upload ended with %d of %d chunks accepted", len(session.UploadedChunks), session.TotalChunks))
		return errors.New(o.errorMessage)
	}

	return o.assemble(runCtx, session)
}

// Pause aborts the in-flight chunk send. Already-accepted chunks are kept;
// the session persists as paused with a fresh activity timestamp.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pauseRequested = true
	if o.cancelRun != nil {
		o.cancelRun()
	}
}

// Reset deletes the stored session and aborts it on the server. The next
// upload of the same file starts from byte zero.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.mu.Lock()
	session := o.session
	o.session = nil
	o.result = nil
	o.errorMessage = ""
	o.mu.Unlock()

	if session == nil {
		return nil
	}
	if err := o.store.Delete(session.SessionID); err != nil {
		return err
	}
	// Best effort: the server GC reaps abandoned sessions anyway.
	_ = o.transport.AbortSession(ctx, session.SessionID)
	return nil
}

// Status returns the current session status.
func (o *Orchestrator) Status() entity.UploadStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return entity.UploadStatusIdle
	}
	return o.session.Status
}

// ErrorMessage returns the human-readable failure message, if any.
func (o *Orchestrator) ErrorMessage() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errorMessage
}

// Result returns the assembly result after a completed run.
func (o *Orchestrator) Result() *AssembleResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// reconcile adopts the server's record of accepted chunks. The server is the
// durable source of truth: chunks it has are never re-sent, chunks it lost
// are sent again even if the client believed them accepted.
func (o *Orchestrator) reconcile(ctx context.Context, session *Session) error {
	progress, err := o.transport.FetchProgress(ctx, session.SessionID)
	switch {
	case errors.Is(err, ErrServerSessionUnknown):
		session.UploadedChunks = nil
	case err != nil:
		return o.handleTransportFailure(err, "failed to reconcile with server")
	default:
		session.UploadedChunks = nil
		for _, index := range progress.UploadedChunks {
			if index >= 0 && index < session.TotalChunks {
				session.MarkUploaded(index)
			}
		}
	}
	session.Touch()
	if err := o.store.Save(session); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

func (o *Orchestrator) sendOne(ctx context.Context, session *Session, index int) error {
	chunkRange := o.plan[index]
	payload := make([]byte, chunkRange.Len())
	if _, err := o.source.ReadAt(payload, chunkRange.Start); err != nil && err != io.EOF {
		o.failWith(fmt.Sprintf("failed to read chunk %d: %v", index, err))
		return err
	}

	completedBase := o.bytesCompleted(session)
	o.transport.OnProgress = func(sent, total int64) {
		if sent > chunkRange.Len() {
			sent = chunkRange.Len()
		}
		o.reportProgress(completedBase+sent, session.TotalSize)
	}

	_, err := o.transport.SendChunk(ctx, session, index, payload)
	if err != nil {
		return o.handleTransportFailure(err, fmt.Sprintf("chunk %d failed", index))
	}

	session.MarkUploaded(index)
	session.Touch()
	if err := o.store.Save(session); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	o.reportProgress(o.bytesCompleted(session), session.TotalSize)
	return nil
}

func (o *Orchestrator) assemble(ctx context.Context, session *Session) error {
	o.setStatus(entity.UploadStatusProcessing)

	result, err := o.transport.RequestAssembly(ctx, session.SessionID)
	if errors.Is(err, ErrServerSessionUnknown) {
		// Already assembled: the terminal success echo, not a new error.
		o.finish(session, nil)
		return nil
	}
	if err != nil {
		// Assembly failures do not imply any chunk needs re-sending, so the
		// accept set stays intact for a later retry of assembly alone.
		o.mu.Lock()
		o.errorMessage = "assembly failed: " + err.Error()
		o.mu.Unlock()
		o.setStatus(entity.UploadStatusError)
		return err
	}

	o.finish(session, result)
	return nil
}

func (o *Orchestrator) finish(session *Session, result *AssembleResult) {
	o.mu.Lock()
	o.result = result
	o.mu.Unlock()
	o.setStatus(entity.UploadStatusCompleted)
	_ = o.store.Delete(session.SessionID)
}

// handleTransportFailure translates a transport error into a state-machine
// transition. A chunk is never left partially marked as accepted.
func (o *Orchestrator) handleTransportFailure(err error, context string) error {
	var te *TransportError
	if errors.As(err, &te) {
		switch {
		case te.Kind == ErrKindCanceled:
			o.mu.Lock()
			paused := o.pauseRequested
			o.mu.Unlock()
			o.setStatus(entity.UploadStatusPaused)
			if paused {
				return errStopped
			}
			return err
		case te.Retryable() && te.Exhausted:
			// Give up for now but allow manual resume without losing
			// already-accepted chunks.
			o.mu.Lock()
			o.errorMessage = context + ": " + te.Error()
			o.mu.Unlock()
			o.setStatus(entity.UploadStatusPaused)
			return errStopped
		}
	}
	o.failWith(context + ": " + err.Error())
	return err
}

func (o *Orchestrator) failWith(message string) {
	o.mu.Lock()
	o.errorMessage = message
	o.mu.Unlock()
	o.setStatus(entity.UploadStatusError)
}

func (o *Orchestrator) setStatus(status entity.UploadStatus) {
	o.mu.Lock()
	session := o.session
	if session != nil {
		session.Status = status
		session.Touch()
		// On completion the stored record is deleted by finish instead.
		if status != entity.UploadStatusCompleted {
			_ = o.store.Save(session)
		}
	}
	callback := o.OnStateChange
	o.mu.Unlock()
	if callback != nil {
		callback(status)
	}
}

func (o *Orchestrator) bytesCompleted(session *Session) int64 {
	var total int64
	for _, index := range session.UploadedChunks {
		if index >= 0 && index < len(o.plan) {
			total += o.plan[index].Len()
		}
	}
	return total
}

func (o *Orchestrator) reportProgress(transferred, total int64) {
	callback := o.OnProgress
	if callback != nil {
		callback(transferred, total)
	}
}

func matchesIdentity(session *Session, file FileInfo) bool {
	return session.FileName == file.Name &&
		session.TotalSize == file.Size &&
		session.LastModified == file.LastModified
}
