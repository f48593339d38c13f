package worker

import (
	"context"
	"time"

	"github.com/tnqbao/gau-upload-service/entity"
	"github.com/tnqbao/gau-upload-service/infra"
	"github.com/tnqbao/gau-upload-service/repository"
	"github.com/tnqbao/gau-upload-service/storage"
	"github.com/tnqbao/gau-upload-service/upload"
)

// ExpiryWorker periodically discards sessions that outlived their expiry
// without completing, reclaiming their chunk storage.
type ExpiryWorker struct {
	infra      *infra.Infra
	repository *repository.Repository
	interval   time.Duration
}

func NewExpiryWorker(infra *infra.Infra, repo *repository.Repository, sessionExpiry time.Duration) *ExpiryWorker {
	interval := sessionExpiry / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	return &ExpiryWorker{
		infra:      infra,
		repository: repo,
		interval:   interval,
	}
}

func (w *ExpiryWorker) Start(ctx context.Context) {
	if w.repository == nil {
		w.infra.Logger.WarningWithContextf(ctx, "[Expiry Worker] Session index not configured, expiry sweep disabled")
		return
	}

	w.infra.Logger.InfoWithContextf(ctx, "[Expiry Worker] Sweeping expired sessions every %s", w.interval)

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				w.infra.Logger.InfoWithContextf(ctx, "[Expiry Worker] Shutting down...")
				return
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
}

func (w *ExpiryWorker) sweep(ctx context.Context) {
	sessions, err := w.repository.UploadSessionRepo.FindExpired()
	if err != nil {
		w.infra.Logger.ErrorWithContextf(ctx, err, "[Expiry Worker] Failed to find expired sessions: %v", err)
		return
	}

	for _, session := range sessions {
		prefix := upload.SessionPrefix(session.SessionID)
		if err := storage.DeletePrefix(ctx, w.infra.Storage, prefix); err != nil {
			w.infra.Logger.ErrorWithContextf(ctx, err, "[Expiry Worker] Failed to purge chunks of session %s: %v", session.SessionID, err)
			continue
		}

		if err := w.repository.UploadSessionRepo.UpdateStatus(session.SessionID, entity.UploadStatusExpired); err != nil {
			w.infra.Logger.WarningWithContextf(ctx, "[Expiry Worker] Failed to mark session %s expired: %v", session.SessionID, err)
			continue
		}

		if w.infra.Redis != nil {
			_ = w.infra.Redis.Delete(ctx, "upload:progress:"+session.SessionID)
		}

		w.infra.Logger.InfoWithContextf(ctx, "[Expiry Worker] Session %s expired and purged", session.SessionID)
	}
}
