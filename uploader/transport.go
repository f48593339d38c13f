package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies a transport failure for the orchestrator.
type ErrorKind int

const (
	// ErrKindNetwork is a connection-level failure. Retryable.
	ErrKindNetwork ErrorKind = iota
	// ErrKindTimeout is a chunk send exceeding its fixed timeout. Retryable.
	ErrKindTimeout
	// ErrKindServer is a 5xx response. Retryable, but reported separately
	// from network failures for diagnostics.
	ErrKindServer
	// ErrKindValidation is a 4xx response. Fatal, never retried.
	ErrKindValidation
	// ErrKindStateMismatch is a 409: the session exists on the server with
	// different file metadata. Fatal, requires explicit user action.
	ErrKindStateMismatch
	// ErrKindCanceled is an aborted in-flight send (pause). Never retried
	// and never marks the chunk as acknowledged.
	ErrKindCanceled
)

// TransportError wraps a failed chunk send with its classification.
type TransportError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Exhausted  bool // retryable failure that used up every attempt
	Err        error
}

func (e *TransportError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "chunk transport failed"
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure class may be retried with backoff.
func (e *TransportError) Retryable() bool {
	switch e.Kind {
	case ErrKindNetwork, ErrKindTimeout, ErrKindServer:
		return true
	default:
		return false
	}
}

// ErrServerSessionUnknown is returned when the server has no record of the
// session (progress 404, or assembly after cleanup).
var ErrServerSessionUnknown = errors.New("session unknown to server")

// ChunkAck is the server acknowledgment for one accepted chunk.
type ChunkAck struct {
	Accepted       bool  `json:"accepted"`
	ChunkIndex     int   `json:"chunk_index"`
	UploadedChunks []int `json:"uploaded_chunks"`
	IsComplete     bool  `json:"is_complete"`
}

// ServerProgress is the server's durable view of a session.
type ServerProgress struct {
	FileName       string  `json:"file_name"`
	UploadedChunks []int   `json:"uploaded_chunks"`
	TotalChunks    int     `json:"total_chunks"`
	Progress       float64 `json:"progress"` // 0-100 percentage
}

// AssembleResult describes the final object reported by the server.
type AssembleResult struct {
	FinalKey     string `json:"final_key"`
	OriginalName string `json:"original_name"`
	Size         int64  `json:"size"`
}

// ProgressFunc receives byte-level progress for the in-flight chunk only.
// Aggregation into file-level progress is the orchestrator's job.
type ProgressFunc func(bytesSent, bytesTotal int64)

// Transport sends one chunk at a time, retrying transient failures with
// exponential backoff. A send is cancellable through its context; an aborted
// send is never retried.
type Transport struct {
	BaseURL      string
	Client       *http.Client
	MaxAttempts  int
	BaseDelay    time.Duration
	ChunkTimeout time.Duration
	OnProgress   ProgressFunc

	// sleep is replaced in tests for deterministic backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

const (
	defaultMaxAttempts  = 5
	defaultBaseDelay    = 1 * time.Second
	defaultChunkTimeout = 30 * time.Second
)

func NewTransport(baseURL string) *Transport {
	return &Transport{
		BaseURL:      baseURL,
		Client:       &http.Client{},
		MaxAttempts:  defaultMaxAttempts,
		BaseDelay:    defaultBaseDelay,
		ChunkTimeout: defaultChunkTimeout,
		sleep:        sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SendChunk uploads one chunk with a bounded retry loop. On exhaustion the
// returned TransportError has Exhausted set so the orchestrator can pause
// instead of failing the session.
func (t *Transport) SendChunk(ctx context.Context, session *Session, index int, payload []byte) (*ChunkAck, error) {
	var lastErr *TransportError

	attempts := t.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := t.BaseDelay << (attempt - 1)
			if err := t.sleep(ctx, backoff); err != nil {
				return nil, &TransportError{Kind: ErrKindCanceled, Err: err}
			}
		}

		ack, sendErr := t.sendChunkOnce(ctx, session, index, payload)
		if sendErr == nil {
			return ack, nil
		}
		if !sendErr.Retryable() {
			return nil, sendErr
		}
		lastErr = sendErr
	}

	lastErr.Exhausted = true
	lastErr.Message = fmt.Sprintf("chunk %d failed after %d attempts: %s", index, attempts, lastErr.Error())
	return nil, lastErr
}

func (t *Transport) sendChunkOnce(ctx context.Context, session *Session, index int, payload []byte) (*ChunkAck, *TransportError) {
	attemptCtx, cancel := context.WithTimeout(ctx, t.ChunkTimeout)
	defer cancel()

	body, contentType, err := buildChunkForm(session, index, payload)
	if err != nil {
		return nil, &TransportError{Kind: ErrKindValidation, Err: err}
	}

	total := int64(body.Len())
	if t.OnProgress != nil {
		t.OnProgress(0, total)
	}
	reader := &progressReader{
		r:        body,
		total:    total,
		callback: t.OnProgress,
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, t.BaseURL+"/api/v1/upload/chunks", reader)
	if err != nil {
		return nil, &TransportError{Kind: ErrKindValidation, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = total

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, classifySendError(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var ack ChunkAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, &TransportError{Kind: ErrKindServer, Err: fmt.Errorf("failed to decode chunk ack: %w", err)}
	}
	if t.OnProgress != nil {
		t.OnProgress(total, total)
	}
	return &ack, nil
}

// FetchProgress queries the server's record of uploadedChunks for a session.
// The server is the durable source of truth during reconciliation.
func (t *Transport) FetchProgress(ctx context.Context, sessionID string) (*ServerProgress, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+"/api/v1/upload/"+sessionID+"/progress", nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, &TransportError{Kind: ErrKindNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrServerSessionUnknown
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var progress ServerProgress
	if err := json.NewDecoder(resp.Body).Decode(&progress); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	return &progress, nil
}

// RequestAssembly asks the server to concatenate all accepted chunks into
// the final object.
func (t *Transport) RequestAssembly(ctx context.Context, sessionID string) (*AssembleResult, error) {
	payload, _ := json.Marshal(map[string]string{"session_id": sessionID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/api/v1/upload/assemble", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, &TransportError{Kind: ErrKindNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrServerSessionUnknown
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var result AssembleResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode assembly result: %w", err)
	}
	return &result, nil
}

// AbortSession deletes the session's chunks and metadata on the server.
func (t *Transport) AbortSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.BaseURL+"/api/v1/upload/"+sessionID, nil)
	if err != nil {
		return err
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return &TransportError{Kind: ErrKindNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrServerSessionUnknown
	}
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp)
	}
	return nil
}

func buildChunkForm(session *Session, index int, payload []byte) (*bytes.Buffer, string, error) {
	body := new(bytes.Buffer)
	w := multipart.NewWriter(body)

	fields := map[string]string{
		"session_id":   session.SessionID,
		"chunk_index":  strconv.Itoa(index),
		"total_chunks": strconv.Itoa(session.TotalChunks),
		"file_name":    session.FileName,
		"total_size":   strconv.FormatInt(session.TotalSize, 10),
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", name, err)
		}
	}

	fw, err := w.CreateFormFile("chunk", fmt.Sprintf("chunk_%05d.part", index))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create chunk part: %w", err)
	}
	if _, err := fw.Write(payload); err != nil {
		return nil, "", fmt.Errorf("failed to write chunk payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return body, w.FormDataContentType(), nil
}

func classifySendError(parentCtx, attemptCtx context.Context, err error) *TransportError {
	if parentCtx.Err() != nil {
		return &TransportError{Kind: ErrKindCanceled, Err: parentCtx.Err()}
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &TransportError{Kind: ErrKindTimeout, Err: err, Message: "chunk send timed out"}
	}
	return &TransportError{Kind: ErrKindNetwork, Err: err}
}

func classifyStatus(resp *http.Response) *TransportError {
	message := decodeErrorMessage(resp.Body)
	te := &TransportError{
		StatusCode: resp.StatusCode,
		Message:    message,
	}
	switch {
	case resp.StatusCode == http.StatusConflict:
		te.Kind = ErrKindStateMismatch
	case resp.StatusCode >= 500:
		te.Kind = ErrKindServer
	default:
		te.Kind = ErrKindValidation
	}
	if te.Message == "" {
		te.Message = fmt.Sprintf("server returned status %d", resp.StatusCode)
	}
	return te
}

func decodeErrorMessage(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&payload); err != nil {
		return ""
	}
	return payload.Error
}

// progressReader reports bytes consumed by the HTTP client as incremental
// progress for the in-flight chunk.
type progressReader struct {
	r        io.Reader
	sent     int64
	total    int64
	callback ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.sent += int64(n)
		if p.callback != nil {
			p.callback(p.sent, p.total)
		}
	}
	return n, err
}
