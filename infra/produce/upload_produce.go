package produce

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	UploadExchange = "upload.exchange"

	AssembleCompletedQueue      = "upload.assemble_completed"
	AssembleCompletedRoutingKey = "upload.assemble_completed"
)

// AssembleCompletedMessage is published after an upload session has been
// assembled into its final object.
type AssembleCompletedMessage struct {
	SessionID    string `json:"session_id"`
	FinalKey     string `json:"final_key"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
	Size         int64  `json:"size"`
	Timestamp    int64  `json:"timestamp"`
}

// UploadProduceService publishes upload lifecycle events.
type UploadProduceService struct {
	channel *amqp.Channel
}

func InitUploadProduceService(channel *amqp.Channel) *UploadProduceService {
	service := &UploadProduceService{
		channel: channel,
	}

	err := channel.ExchangeDeclare(
		UploadExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		panic("Failed to declare Upload exchange: " + err.Error())
	}

	_, err = channel.QueueDeclare(
		AssembleCompletedQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		panic("Failed to declare Assemble Completed queue: " + err.Error())
	}

	err = channel.QueueBind(
		AssembleCompletedQueue,
		AssembleCompletedRoutingKey,
		UploadExchange,
		false,
		nil,
	)
	if err != nil {
		panic("Failed to bind Assemble Completed queue: " + err.Error())
	}

	return service
}

// PublishAssembleCompleted publishes an assemble completed event.
func (s *UploadProduceService) PublishAssembleCompleted(ctx context.Context, msg AssembleCompletedMessage) error {
	msg.Timestamp = time.Now().Unix()

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return s.channel.PublishWithContext(
		ctx,
		UploadExchange,
		AssembleCompletedRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
}
