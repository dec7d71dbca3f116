package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/observability"
	"github.com/kursadbilgin/webhook-engine/internal/queue"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRetryScanInterval = 30 * time.Second
	defaultRetryStaleAfter   = time.Minute
	defaultRetryScanLimit    = 100
)

// RetryScanner re-queues open delivery sequences that nothing is driving any
// more: retries lost with a restarted process and first attempts the queue
// refused. It runs once on start and then on every interval.
type RetryScanner struct {
	logs       repository.LogRepository
	publisher  queue.Publisher
	logger     *zap.Logger
	metrics    *observability.Metrics
	queueName  string
	interval   time.Duration
	staleAfter time.Duration
	limit      int
	now        func() time.Time
}

func NewRetryScanner(
	logs repository.LogRepository,
	publisher queue.Publisher,
	interval time.Duration,
	staleAfter time.Duration,
	limit int,
	logger *zap.Logger,
) (*RetryScanner, error) {
	if logs == nil {
		return nil, fmt.Errorf("log repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultRetryScanInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultRetryStaleAfter
	}
	if limit <= 0 {
		limit = defaultRetryScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScanner{
		logs:       logs,
		publisher:  publisher,
		logger:     logger,
		queueName:  queue.DeliveryQueue,
		interval:   interval,
		staleAfter: staleAfter,
		limit:      limit,
		now:        time.Now,
	}, nil
}

func (s *RetryScanner) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *RetryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Recover whatever the previous process left behind before waiting a full interval.
	if _, err := s.scanOrphaned(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retry scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.scanOrphaned(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("retry scanner scan failed", zap.Error(err))
			}
		}
	}
}

// scanOrphaned re-publishes each orphaned sequence at its current attempt and
// stamps recovered_at so the following scan leaves it alone.
func (s *RetryScanner) scanOrphaned(ctx context.Context) (int, error) {
	now := s.now().UTC()
	orphaned, err := s.logs.GetOrphaned(ctx, now.Add(-s.staleAfter), s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch orphaned deliveries: %w", err)
	}

	requeued := 0
	for i := range orphaned {
		log := orphaned[i]
		msg := queue.DeliveryMessage{
			LogID:     log.ID,
			WebhookID: log.WebhookID,
			Event:     log.Event,
			Attempt:   log.RetryCount,
		}

		if err := s.publisher.Publish(ctx, s.queueName, msg); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				s.logger.Warn("queue full, stopping recovery scan",
					zap.Int("requeued", requeued),
					zap.Int("remaining", len(orphaned)-i),
				)
				break
			}
			s.logger.Error("failed to re-enqueue orphaned delivery",
				zap.String("logId", log.ID),
				zap.Error(err),
			)
			continue
		}

		if err := s.logs.MarkRecovered(ctx, log.ID, now); err != nil {
			s.logger.Error("failed to mark delivery recovered after enqueue",
				zap.String("logId", log.ID),
				zap.Error(err),
			)
		}
		requeued++
	}

	if requeued > 0 {
		s.metrics.AddRecovered(requeued)
		s.logger.Info("orphaned deliveries re-queued", zap.Int("count", requeued))
	}
	return requeued, nil
}
