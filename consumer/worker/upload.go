package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tnqbao/gau-upload-service/entity"
	"github.com/tnqbao/gau-upload-service/infra"
	"github.com/tnqbao/gau-upload-service/infra/produce"
	"github.com/tnqbao/gau-upload-service/repository"
)

// UploadConsumer finalizes the session index once the HTTP server has
// assembled an upload.
type UploadConsumer struct {
	channel    *amqp.Channel
	infra      *infra.Infra
	repository *repository.Repository
}

func NewUploadConsumer(channel *amqp.Channel, infra *infra.Infra, repo *repository.Repository) *UploadConsumer {
	return &UploadConsumer{
		channel:    channel,
		infra:      infra,
		repository: repo,
	}
}

func (c *UploadConsumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		produce.AssembleCompletedQueue,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register assemble completed consumer: %w", err)
	}

	c.infra.Logger.InfoWithContextf(ctx, "[Upload Consumer] Started listening on queue: %s", produce.AssembleCompletedQueue)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.infra.Logger.InfoWithContextf(ctx, "[Upload Consumer] Shutting down...")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.infra.Logger.WarningWithContextf(ctx, "[Upload Consumer] Channel closed")
					return
				}
				c.handleAssembleCompleted(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *UploadConsumer) handleAssembleCompleted(ctx context.Context, msg amqp.Delivery) {
	var payload produce.AssembleCompletedMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		c.infra.Logger.ErrorWithContextf(ctx, err, "[Upload Consumer] Failed to unmarshal message")
		_ = msg.Nack(false, false)
		return
	}

	c.infra.Logger.InfoWithContextf(ctx, "[Upload Consumer] Session %s assembled into %s", payload.SessionID, payload.FinalKey)

	if c.repository == nil {
		_ = msg.Ack(false)
		return
	}

	object := &entity.Object{
		ID:          uuid.New(),
		FinalKey:    payload.FinalKey,
		OriginName:  payload.OriginalName,
		ContentType: payload.ContentType,
		Size:        payload.Size,
		SessionID:   payload.SessionID,
	}
	if err := c.repository.ObjectRepo.Create(object); err != nil {
		// Redeliveries hit the unique index on final_key.
		if _, findErr := c.repository.ObjectRepo.FindByFinalKey(payload.FinalKey); findErr != nil {
			c.infra.Logger.ErrorWithContextf(ctx, err, "[Upload Consumer] Failed to record object for session %s", payload.SessionID)
			_ = msg.Nack(false, true)
			return
		}
	}

	if err := c.repository.UploadSessionRepo.UpdateStatus(payload.SessionID, entity.UploadStatusCompleted); err != nil {
		c.infra.Logger.WarningWithContextf(ctx, "[Upload Consumer] Failed to complete session %s: %v", payload.SessionID, err)
	}

	if c.infra.Redis != nil {
		_ = c.infra.Redis.Delete(ctx, "upload:progress:"+payload.SessionID)
	}

	_ = msg.Ack(false)
}
