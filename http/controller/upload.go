package controller

import (
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tnqbao/gau-upload-service/entity"
	"github.com/tnqbao/gau-upload-service/http/controller/dto"
	"github.com/tnqbao/gau-upload-service/infra/produce"
	"github.com/tnqbao/gau-upload-service/upload"
	"github.com/tnqbao/gau-upload-service/utils"
)

const progressCachePrefix = "upload:progress:"

// ReceiveChunk accepts one chunk of a session as multipart form data.
// Re-sending an already accepted chunk returns the same acknowledgment.
func (ctrl *Controller) ReceiveChunk(c *gin.Context) {
	ctx := c.Request.Context()

	chunkIndex, err := strconv.Atoi(c.PostForm("chunk_index"))
	if err != nil {
		utils.JSON400(c, "chunk_index must be an integer")
		return
	}
	totalChunks, err := strconv.Atoi(c.PostForm("total_chunks"))
	if err != nil {
		utils.JSON400(c, "total_chunks must be an integer")
		return
	}
	totalSize, err := strconv.ParseInt(c.PostForm("total_size"), 10, 64)
	if err != nil {
		utils.JSON400(c, "total_size must be an integer")
		return
	}

	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		utils.JSON400(c, "Failed to get chunk: "+err.Error())
		return
	}
	if fileHeader.Size > ctrl.Config.EnvConfig.Upload.MaxChunkSize {
		utils.JSON400(c, "chunk exceeds maximum allowed size")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Upload] Failed to open chunk part: %v", err)
		utils.JSON500(c, "Failed to read chunk")
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Upload] Failed to read chunk part: %v", err)
		utils.JSON500(c, "Failed to read chunk")
		return
	}

	req := upload.ReceiveRequest{
		SessionID:   c.PostForm("session_id"),
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
		FileName:    c.PostForm("file_name"),
		TotalSize:   totalSize,
		Payload:     payload,
	}

	result, err := ctrl.receiver.Receive(ctx, req)
	if err != nil {
		var validationErr *upload.ValidationError
		var mismatchErr *upload.MetadataMismatchError
		switch {
		case errors.As(err, &validationErr):
			utils.JSON400(c, validationErr.Reason)
		case errors.As(err, &mismatchErr):
			ctrl.Infra.Logger.WarningWithContextf(ctx, "[Upload] Metadata mismatch for session %s", req.SessionID)
			utils.JSON409(c, "session exists with different file metadata")
		default:
			ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Upload] Failed to receive chunk %d of session %s: %v", chunkIndex, req.SessionID, err)
			utils.JSON500(c, "Failed to persist chunk")
		}
		return
	}

	ctrl.indexSessionProgress(c, &req, result)

	utils.JSON200(c, dto.ChunkAckResponse{
		Accepted:       true,
		ChunkIndex:     result.ChunkIndex,
		UploadedChunks: result.UploadedChunks,
		IsComplete:     result.IsComplete,
	})
}

// AssembleChunks concatenates a completed session into its final object.
func (ctrl *Controller) AssembleChunks(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.AssembleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.JSON400(c, "session_id is required")
		return
	}

	if ctrl.Repository != nil {
		_ = ctrl.Repository.UploadSessionRepo.UpdateStatus(req.SessionID, entity.UploadStatusProcessing)
	}

	final, err := ctrl.assembler.Assemble(ctx, req.SessionID)
	if err != nil {
		var incompleteErr *upload.IncompleteError
		switch {
		case errors.Is(err, upload.ErrSessionNotFound):
			utils.JSON404(c, "session not found")
		case errors.As(err, &incompleteErr):
			ctrl.Infra.Logger.WarningWithContextf(ctx, "[Upload] Assemble rejected for session %s: %v", req.SessionID, err)
			utils.JSON400WithData(c, incompleteErr.Error(), gin.H{
				"uploaded_chunks": incompleteErr.UploadedChunks,
				"total_chunks":    incompleteErr.TotalChunks,
			})
		default:
			ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Upload] Failed to assemble session %s: %v", req.SessionID, err)
			if ctrl.Repository != nil {
				_ = ctrl.Repository.UploadSessionRepo.UpdateStatus(req.SessionID, entity.UploadStatusError)
			}
			utils.JSON500(c, "Failed to assemble upload")
		}
		return
	}

	ctrl.Infra.Logger.InfoWithContextf(ctx, "[Upload] Session %s assembled into %s (%d bytes)", req.SessionID, final.FinalKey, final.Size)

	if ctrl.Infra.Redis != nil {
		_ = ctrl.Infra.Redis.Delete(ctx, progressCachePrefix+req.SessionID)
	}

	if ctrl.Infra.Produce != nil {
		msg := produce.AssembleCompletedMessage{
			SessionID:    req.SessionID,
			FinalKey:     final.FinalKey,
			OriginalName: final.OriginalName,
			ContentType:  "application/octet-stream",
			Size:         final.Size,
		}
		if err := ctrl.Infra.Produce.UploadService.PublishAssembleCompleted(ctx, msg); err != nil {
			ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Upload] Failed to publish assemble event for session %s: %v", req.SessionID, err)
		}
	} else if ctrl.Repository != nil {
		// No consumer to finalize the index, do it inline.
		ctrl.finalizeSessionIndex(c, req.SessionID, final)
	}

	utils.JSON200(c, dto.AssembleResponse{
		FinalKey:     final.FinalKey,
		OriginalName: final.OriginalName,
		Size:         final.Size,
	})
}

// GetUploadProgress reports the accept state of a session.
func (ctrl *Controller) GetUploadProgress(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")

	if ctrl.Infra.Redis != nil {
		var cached dto.ProgressResponse
		if err := ctrl.Infra.Redis.Get(ctx, progressCachePrefix+sessionID, &cached); err == nil {
			utils.JSON200(c, cached)
			return
		}
	}

	meta, uploaded, err := ctrl.receiver.Progress(ctx, sessionID)
	if err != nil {
		if errors.Is(err, upload.ErrSessionNotFound) {
			utils.JSON404(c, "session not found")
			return
		}
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Upload] Failed to read progress for session %s: %v", sessionID, err)
		utils.JSON500(c, "Failed to read progress")
		return
	}

	response := dto.ProgressResponse{
		SessionID:      meta.SessionID,
		FileName:       meta.FileName,
		TotalSize:      meta.TotalSize,
		TotalChunks:    meta.TotalChunks,
		UploadedChunks: uploaded,
		Progress:       float64(len(uploaded)) / float64(meta.TotalChunks) * 100,
		IsComplete:     len(uploaded) == meta.TotalChunks,
	}

	if ctrl.Infra.Redis != nil {
		_ = ctrl.Infra.Redis.Set(ctx, progressCachePrefix+sessionID, response, 30*time.Second)
	}

	utils.JSON200(c, response)
}

// AbortUpload discards all chunks and metadata of a session.
func (ctrl *Controller) AbortUpload(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")

	if err := ctrl.receiver.Abort(ctx, sessionID); err != nil {
		if errors.Is(err, upload.ErrSessionNotFound) {
			utils.JSON404(c, "session not found")
			return
		}
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Upload] Failed to abort session %s: %v", sessionID, err)
		utils.JSON500(c, "Failed to abort upload")
		return
	}

	if ctrl.Repository != nil {
		_ = ctrl.Repository.UploadSessionRepo.Delete(sessionID)
	}
	if ctrl.Infra.Redis != nil {
		_ = ctrl.Infra.Redis.Delete(ctx, progressCachePrefix+sessionID)
	}

	ctrl.Infra.Logger.InfoWithContextf(ctx, "[Upload] Session %s aborted", sessionID)
	utils.JSON200(c, gin.H{"message": "Upload session aborted"})
}

// ListSessions lists sessions that still have durable metadata.
func (ctrl *Controller) ListSessions(c *gin.Context) {
	ctx := c.Request.Context()

	metas, err := ctrl.receiver.Sessions(ctx)
	if err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Upload] Failed to list sessions: %v", err)
		utils.JSON500(c, "Failed to list sessions")
		return
	}

	summaries := make([]dto.SessionSummary, 0, len(metas))
	for _, meta := range metas {
		summary := dto.SessionSummary{
			SessionID:   meta.SessionID,
			FileName:    meta.FileName,
			TotalSize:   meta.TotalSize,
			TotalChunks: meta.TotalChunks,
			Status:      string(entity.UploadStatusUploading),
			CreatedAt:   meta.CreatedAt.Format(time.RFC3339),
			UpdatedAt:   meta.UpdatedAt.Format(time.RFC3339),
		}
		if ctrl.Repository != nil {
			if row, err := ctrl.Repository.UploadSessionRepo.FindByID(meta.SessionID); err == nil {
				summary.UploadedChunks = row.UploadedChunks
				summary.Status = string(row.Status)
			}
		}
		summaries = append(summaries, summary)
	}

	utils.JSON200(c, gin.H{"sessions": summaries})
}

// indexSessionProgress refreshes the secondary index and invalidates the
// cached progress after a chunk receipt. Best effort, never fails the upload.
func (ctrl *Controller) indexSessionProgress(c *gin.Context, req *upload.ReceiveRequest, result *upload.ReceiveResult) {
	ctx := c.Request.Context()

	if ctrl.Repository != nil {
		now := time.Now()
		session := &entity.UploadSession{
			SessionID:      req.SessionID,
			FileName:       req.FileName,
			TotalSize:      req.TotalSize,
			ChunkSize:      int64(len(req.Payload)),
			TotalChunks:    req.TotalChunks,
			UploadedChunks: len(result.UploadedChunks),
			Status:         entity.UploadStatusUploading,
			ExpiresAt:      now.Add(ctrl.Config.EnvConfig.Upload.SessionExpiry),
		}
		if err := ctrl.Repository.UploadSessionRepo.Upsert(session); err != nil {
			ctrl.Infra.Logger.WarningWithContextf(ctx, "[Upload] Failed to index session %s: %v", req.SessionID, err)
		}
	}

	if ctrl.Infra.Redis != nil {
		_ = ctrl.Infra.Redis.Delete(ctx, progressCachePrefix+req.SessionID)
	}
}

// finalizeSessionIndex records the final object and completes the session row
// when no message broker is configured.
func (ctrl *Controller) finalizeSessionIndex(c *gin.Context, sessionID string, final *upload.FinalObject) {
	ctx := c.Request.Context()

	object := &entity.Object{
		ID:          uuid.New(),
		FinalKey:    final.FinalKey,
		OriginName:  final.OriginalName,
		ContentType: "application/octet-stream",
		Size:        final.Size,
		SessionID:   sessionID,
	}
	if err := ctrl.Repository.ObjectRepo.Create(object); err != nil {
		ctrl.Infra.Logger.WarningWithContextf(ctx, "[Upload] Failed to record object for session %s: %v", sessionID, err)
	}
	if err := ctrl.Repository.UploadSessionRepo.UpdateStatus(sessionID, entity.UploadStatusCompleted); err != nil {
		ctrl.Infra.Logger.WarningWithContextf(ctx, "[Upload] Failed to complete session %s: %v", sessionID, err)
	}
}
