package queue

import (
	"context"
	"fmt"
	"sync"
)

// MemoryQueue is a bounded in-process queue used when no broker is configured.
// Publish never blocks; a full buffer is reported as ErrQueueFull.
type MemoryQueue struct {
	mu     sync.RWMutex
	queues map[string]chan DeliveryMessage
	depth  int
	closed bool
	done   chan struct{}
}

var (
	_ Publisher = (*MemoryQueue)(nil)
	_ Consumer  = (*MemoryQueue)(nil)
)

func NewMemoryQueue(depth int) *MemoryQueue {
	if depth < 1 {
		depth = 1
	}
	return &MemoryQueue{
		queues: make(map[string]chan DeliveryMessage),
		depth:  depth,
		done:   make(chan struct{}),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, queue string, msg DeliveryMessage) error {
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid delivery message: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fmt.Errorf("queue %q is closed", queue)
	}

	ch, err := q.lookup(queue)
	if err != nil {
		return err
	}

	select {
	case ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// lookup must be called with at least the read lock held.
func (q *MemoryQueue) lookup(queue string) (chan DeliveryMessage, error) {
	if ch, ok := q.queues[queue]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("queue %q is not declared", queue)
}

// Declare creates the named queue if it does not exist yet.
func (q *MemoryQueue) Declare(queue string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[queue]; !ok {
		q.queues[queue] = make(chan DeliveryMessage, q.depth)
	}
}

// Len reports how many messages are buffered on queue.
func (q *MemoryQueue) Len(queue string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	ch, ok := q.queues[queue]
	if !ok {
		return 0
	}
	return len(ch)
}

// Consume delivers messages to handler until ctx is canceled or the queue is
// closed. Handler errors are not redelivered: the delivery log is the source of
// truth and the retry scanner picks up anything left open.
func (q *MemoryQueue) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	q.Declare(queue)
	q.mu.RLock()
	ch := q.queues[queue]
	q.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case msg := <-ch:
			_ = handler(ctx, msg)
		}
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}
