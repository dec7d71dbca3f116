package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const publisherAppID = "webhook-engine"

// RabbitMQPublisher publishes delivery messages as persistent JSON. First
// attempts carry a higher priority than retries so fresh events are not starved
// by a backlog of failing endpoints.
type RabbitMQPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg DeliveryMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid delivery message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery message: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     fmt.Sprintf("%s:%d", msg.LogID, msg.Attempt),
		CorrelationId: msg.LogID,
		Priority:      PriorityValue(msg.Attempt),
		Type:          msg.Event.String(),
		AppId:         publisherAppID,
		Headers: amqp.Table{
			"x-webhook-id": msg.WebhookID,
			"x-attempt":    int32(msg.Attempt),
		},
		Body: payload,
	}

	if err := ch.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", queue, err)
	}

	return nil
}

// Close is a no-op: the connection is owned by the RabbitMQ client.
func (p *RabbitMQPublisher) Close() error {
	return nil
}
