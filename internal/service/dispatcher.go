package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/observability"
	"github.com/kursadbilgin/webhook-engine/internal/queue"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
	"github.com/kursadbilgin/webhook-engine/internal/signature"
	"go.uber.org/zap"
)

// Dispatcher turns domain events into delivery sequences. It only records and
// enqueues; delivery itself happens on the worker pool.
type Dispatcher struct {
	webhooks  repository.WebhookRepository
	recorder  *LogRecorder
	publisher queue.Publisher
	queueName string
	logger    *zap.Logger
	metrics   *observability.Metrics
}

func NewDispatcher(
	webhooks repository.WebhookRepository,
	recorder *LogRecorder,
	publisher queue.Publisher,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if webhooks == nil {
		return nil, fmt.Errorf("webhook repository is required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("log recorder is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		webhooks:  webhooks,
		recorder:  recorder,
		publisher: publisher,
		queueName: queue.DeliveryQueue,
		logger:    logger,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Dispatch fans event out to every active webhook subscribed to it and returns
// how many sequences were started. A failure for one webhook is logged and does
// not stop the others.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.Event, payload any) (int, error) {
	if !event.IsValid() {
		return 0, fmt.Errorf("%w: unknown event %q", domain.ErrValidation, event)
	}

	body, err := signature.Canonicalize(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid payload: %v", domain.ErrValidation, err)
	}

	webhooks, err := d.webhooks.ListActiveForEvent(ctx, event)
	if err != nil {
		return 0, fmt.Errorf("failed to load subscribed webhooks: %w", err)
	}

	logger := observability.ContextLogger(d.logger, ctx)
	started := 0
	for i := range webhooks {
		webhook := webhooks[i]
		// Storage filters on both already; re-check so a stale read never delivers.
		if !webhook.Active || !webhook.Subscribes(event) {
			continue
		}

		if _, err := d.start(ctx, webhook.ID, event, body); err != nil {
			logger.Error("failed to start delivery",
				zap.String("webhookId", webhook.ID),
				zap.String("event", event.String()),
				zap.Error(err),
			)
			continue
		}
		started++
	}

	logger.Debug("event dispatched",
		zap.String("event", event.String()),
		zap.Int("matched", len(webhooks)),
		zap.Int("started", started),
	)
	return started, nil
}

// DispatchToOne starts a single delivery sequence for a manual or test trigger.
// Unlike Dispatch it rejects an inactive webhook instead of skipping it, and it
// does not require the webhook to subscribe to event.
func (d *Dispatcher) DispatchToOne(ctx context.Context, webhookID string, event domain.Event, payload any) (string, error) {
	webhookID = strings.TrimSpace(webhookID)
	if webhookID == "" {
		return "", fmt.Errorf("%w: webhook id is required", domain.ErrValidation)
	}
	if !event.IsValid() {
		return "", fmt.Errorf("%w: unknown event %q", domain.ErrValidation, event)
	}

	webhook, err := d.webhooks.GetByID(ctx, webhookID)
	if err != nil {
		return "", err
	}
	if !webhook.Active {
		return "", fmt.Errorf("%w: %s", domain.ErrInactive, webhook.ID)
	}

	body, err := signature.Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("%w: invalid payload: %v", domain.ErrValidation, err)
	}

	return d.start(ctx, webhook.ID, event, body)
}

// start records the sequence and enqueues its first attempt. An enqueue failure
// is not returned: the record stays PENDING and the retry scanner picks it up.
func (d *Dispatcher) start(ctx context.Context, webhookID string, event domain.Event, body json.RawMessage) (string, error) {
	log, err := d.recorder.Start(ctx, webhookID, event, body)
	if err != nil {
		return "", err
	}
	d.metrics.IncEventDispatched(event.String())

	msg := queue.DeliveryMessage{
		LogID:     log.ID,
		WebhookID: webhookID,
		Event:     event,
		Attempt:   0,
	}
	if err := d.publisher.Publish(ctx, d.queueName, msg); err != nil {
		d.metrics.IncEnqueueRejected()
		level := zap.ErrorLevel
		if errors.Is(err, queue.ErrQueueFull) {
			level = zap.WarnLevel
		}
		observability.ContextLogger(d.logger, ctx).Log(level, "delivery left pending for recovery",
			zap.String("logId", log.ID),
			zap.String("webhookId", webhookID),
			zap.Error(err),
		)
	}

	return log.ID, nil
}
