package queue

import (
	"context"
	"errors"
	"fmt"
)

// ErrQueueFull is returned when a bounded queue cannot accept more work.
var ErrQueueFull = errors.New("queue is full")

// Publisher publishes delivery messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg DeliveryMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg DeliveryMessage) error

// Consumer consumes delivery messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// DeliveryQueue is the work queue every delivery attempt goes through.
	DeliveryQueue = "webhook.deliveries"

	// queueMaxPriority is the RabbitMQ x-max-priority value for the work queue.
	queueMaxPriority int32 = 2
)

// DLQName returns the dead-letter queue name for a work queue.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// PriorityValue ranks first attempts ahead of retries so a burst of failing
// endpoints does not delay fresh events.
func PriorityValue(attempt int) uint8 {
	if attempt <= 0 {
		return 2
	}
	return 1
}
