package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/observability"
	"github.com/kursadbilgin/webhook-engine/internal/provider"
	"github.com/kursadbilgin/webhook-engine/internal/queue"
	"github.com/kursadbilgin/webhook-engine/internal/ratelimit"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
	"github.com/kursadbilgin/webhook-engine/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency = 1
	retryPublishTimeout  = 5 * time.Second

	// reasonWebhookDeleted is recorded when a sequence outlives its webhook.
	reasonWebhookDeleted = "webhook deleted"
)

// scheduleFunc runs fn once after delay. The returned stop func cancels it and
// reports whether it was still pending.
type scheduleFunc func(delay time.Duration, fn func()) (stop func() bool)

// DeliveryWorker is the bounded pool that executes delivery attempts. Each
// attempt is one queue message; a retry is the next message, published once
// its backoff has elapsed.
type DeliveryWorker struct {
	logs        repository.LogRepository
	webhooks    repository.WebhookRepository
	recorder    *LogRecorder
	consumer    queue.Consumer
	publisher   queue.Publisher
	executor    provider.Executor
	rateLimiter ratelimit.RateLimiter
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
	queueName   string
	schedule    scheduleFunc

	mu      sync.Mutex
	pending map[string]func() bool
	stopped bool
}

func NewDeliveryWorker(
	logs repository.LogRepository,
	webhooks repository.WebhookRepository,
	recorder *LogRecorder,
	consumer queue.Consumer,
	publisher queue.Publisher,
	executor provider.Executor,
	rateLimiter ratelimit.RateLimiter,
	concurrency int,
	logger *zap.Logger,
) (*DeliveryWorker, error) {
	if logs == nil || webhooks == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("log recorder is required")
	}
	if consumer == nil || publisher == nil {
		return nil, fmt.Errorf("consumer and publisher are required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if rateLimiter == nil {
		rateLimiter = ratelimit.Unlimited{}
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryWorker{
		logs:        logs,
		webhooks:    webhooks,
		recorder:    recorder,
		consumer:    consumer,
		publisher:   publisher,
		executor:    executor,
		rateLimiter: rateLimiter,
		logger:      logger,
		concurrency: concurrency,
		queueName:   queue.DeliveryQueue,
		schedule:    afterFunc,
		pending:     make(map[string]func() bool),
	}, nil
}

func afterFunc(delay time.Duration, fn func()) func() bool {
	return time.AfterFunc(delay, fn).Stop
}

func (w *DeliveryWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// Start runs the pool until ctx is canceled. Retries still waiting on their
// backoff are dropped on return; their next_retry_at is persisted and the
// retry scanner re-queues them.
func (w *DeliveryWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer w.stopPending()

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Debug("worker started", zap.Int("workerId", workerID))

			if err := w.consumer.Consume(groupCtx, w.queueName, w.processMessage); err != nil {
				w.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			w.logger.Debug("worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	w.logger.Info("delivery workers started",
		zap.Int("concurrency", w.concurrency),
		zap.String("queue", w.queueName),
	)
	return g.Wait()
}

func (w *DeliveryWorker) processMessage(ctx context.Context, msg queue.DeliveryMessage) error {
	logger := w.logger.With(observability.DeliveryFields(msg.LogID, msg.WebhookID, msg.Event.String(), msg.Attempt)...)

	log, err := w.logs.GetByID(ctx, msg.LogID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("delivery log not found, skipping")
			return nil
		}
		return fmt.Errorf("failed to load delivery log: %w", err)
	}

	// Duplicate or stale message for a sequence that has already moved on.
	if log.Status.IsTerminal() || log.RetryCount != msg.Attempt {
		logger.Debug("stale delivery message, skipping",
			zap.String("status", log.Status.String()),
			zap.Int("retryCount", log.RetryCount),
		)
		return nil
	}

	webhook, err := w.webhooks.GetByID(ctx, log.WebhookID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			if abandonErr := w.recorder.Abandon(ctx, log, msg.Attempt, reasonWebhookDeleted); abandonErr != nil && !errors.Is(abandonErr, domain.ErrConflict) {
				return fmt.Errorf("failed to abandon delivery: %w", abandonErr)
			}
			w.metrics.IncDeliveryFailed(log.Event.String(), "webhook_deleted")
			logger.Warn("webhook deleted, delivery abandoned")
			return nil
		}
		return fmt.Errorf("failed to load webhook: %w", err)
	}

	w.metrics.IncWorkerInFlight()
	defer w.metrics.DecWorkerInFlight()

	if err := w.rateLimiter.Wait(ctx, webhook.ID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Fail open: a limiter outage must not stall deliveries.
		logger.Warn("rate limiter unavailable, delivering without throttle", zap.Error(err))
	}

	outcome := w.executor.Attempt(ctx, *webhook, log.Event, log.Payload, msg.Attempt)
	w.metrics.ObserveAttemptDuration(log.Event.String(), outcome.Duration)

	// Shutting down mid-attempt: leave the sequence open for recovery.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var decision retry.Decision
	if !outcome.Success {
		decision = retry.Evaluate(msg.Attempt, webhook.RetryPolicy)
	}

	status, err := w.recorder.RecordOutcome(ctx, log, msg.Attempt, outcome, decision)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Debug("delivery already recorded by another attempt")
			return nil
		}
		return fmt.Errorf("failed to record delivery outcome: %w", err)
	}

	switch status {
	case domain.DeliveryStatusSuccess:
		w.metrics.IncDeliverySucceeded(log.Event.String())
		logger.Info("delivery succeeded", zap.Int("statusCode", outcome.StatusCode))

	case domain.DeliveryStatusRetrying:
		w.metrics.IncRetryScheduled(log.Event.String())
		logger.Info("delivery failed, retry scheduled",
			zap.Duration("delay", decision.Delay),
			zap.Int("statusCode", outcome.StatusCode),
			zap.String("error", outcome.ErrorMessage()),
		)
		w.scheduleRetry(queue.DeliveryMessage{
			LogID:     log.ID,
			WebhookID: log.WebhookID,
			Event:     log.Event,
			Attempt:   msg.Attempt + 1,
		}, decision.Delay)

	case domain.DeliveryStatusFailed:
		w.metrics.IncDeliveryFailed(log.Event.String(), provider.FailureReason(outcome.Err))
		logger.Warn("delivery failed, retries exhausted",
			zap.Int("statusCode", outcome.StatusCode),
			zap.String("error", outcome.ErrorMessage()),
		)
	}

	return nil
}

// scheduleRetry publishes msg once delay has elapsed. A failed publish is only
// logged: the record is RETRYING with next_retry_at set, so the scanner recovers it.
func (w *DeliveryWorker) scheduleRetry(msg queue.DeliveryMessage, delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	w.pending[msg.LogID] = w.schedule(delay, func() {
		w.mu.Lock()
		delete(w.pending, msg.LogID)
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), retryPublishTimeout)
		defer cancel()

		if err := w.publisher.Publish(ctx, w.queueName, msg); err != nil {
			w.metrics.IncEnqueueRejected()
			w.logger.Warn("failed to enqueue retry, left for recovery",
				append(observability.DeliveryFields(msg.LogID, msg.WebhookID, msg.Event.String(), msg.Attempt), zap.Error(err))...,
			)
		}
	})
}

// PendingRetries reports how many retries are waiting on their backoff.
func (w *DeliveryWorker) PendingRetries() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *DeliveryWorker) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	for id, stop := range w.pending {
		stop()
		delete(w.pending, id)
	}
}
