package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/provider"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
	"github.com/kursadbilgin/webhook-engine/internal/retry"
	"go.uber.org/zap"
)

const (
	defaultLogsLimit = 50
	maxLogsLimit     = 500
)

// LogRecorder owns the durable record of every delivery sequence and the
// subscription counters derived from it.
type LogRecorder struct {
	logs     repository.LogRepository
	webhooks repository.WebhookRepository
	logger   *zap.Logger
	now      func() time.Time
}

func NewLogRecorder(
	logs repository.LogRepository,
	webhooks repository.WebhookRepository,
	logger *zap.Logger,
) (*LogRecorder, error) {
	if logs == nil {
		return nil, fmt.Errorf("log repository is required")
	}
	if webhooks == nil {
		return nil, fmt.Errorf("webhook repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LogRecorder{
		logs:     logs,
		webhooks: webhooks,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start creates the PENDING record for a new delivery sequence.
func (r *LogRecorder) Start(
	ctx context.Context,
	webhookID string,
	event domain.Event,
	payload json.RawMessage,
) (*domain.DeliveryLog, error) {
	now := r.now().UTC()
	log := &domain.DeliveryLog{
		ID:        uuid.NewString(),
		WebhookID: webhookID,
		Event:     event,
		Payload:   payload,
		Status:    domain.DeliveryStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.logs.Create(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to create delivery log: %w", err)
	}
	return log, nil
}

// RecordOutcome applies the result of attempt to the sequence and returns the
// status it moved to. domain.ErrConflict means the sequence was already past
// this attempt and nothing was written.
func (r *LogRecorder) RecordOutcome(
	ctx context.Context,
	log *domain.DeliveryLog,
	attempt int,
	outcome provider.Outcome,
	decision retry.Decision,
) (domain.DeliveryStatus, error) {
	now := r.now().UTC()
	result := attemptResult(outcome)

	switch {
	case outcome.Success:
		if err := r.logs.MarkSuccess(ctx, log.ID, attempt, result, now); err != nil {
			return "", err
		}
		if err := r.webhooks.IncrementSuccess(ctx, log.WebhookID, now); err != nil {
			r.counterFailed(log, err)
		}
		return domain.DeliveryStatusSuccess, nil

	case decision.Retry:
		if err := r.logs.MarkRetrying(ctx, log.ID, attempt, result, now.Add(decision.Delay)); err != nil {
			return "", err
		}
		return domain.DeliveryStatusRetrying, nil

	default:
		if decision.Overrun > 0 {
			capped := attempt - decision.Overrun
			result.RetryCount = &capped
		}
		if err := r.logs.MarkFailed(ctx, log.ID, attempt, result, now); err != nil {
			return "", err
		}
		if err := r.webhooks.IncrementFailure(ctx, log.WebhookID); err != nil {
			r.counterFailed(log, err)
		}
		return domain.DeliveryStatusFailed, nil
	}
}

// Abandon resolves an open sequence as FAILED without touching counters, for
// sequences whose webhook no longer exists.
func (r *LogRecorder) Abandon(ctx context.Context, log *domain.DeliveryLog, attempt int, reason string) error {
	msg := reason
	return r.logs.MarkFailed(ctx, log.ID, attempt, repository.AttemptResult{Error: &msg}, r.now().UTC())
}

// GetLogs returns the delivery history of a webhook, most recent first. page is 1-based.
func (r *LogRecorder) GetLogs(ctx context.Context, webhookID string, limit int, page int) ([]domain.DeliveryLog, error) {
	if strings.TrimSpace(webhookID) == "" {
		return nil, fmt.Errorf("%w: webhook id is required", domain.ErrValidation)
	}
	if limit <= 0 {
		limit = defaultLogsLimit
	}
	if limit > maxLogsLimit {
		limit = maxLogsLimit
	}
	if page < 1 {
		page = 1
	}
	return r.logs.ListByWebhook(ctx, webhookID, limit, (page-1)*limit)
}

// GetStats aggregates the history of a webhook. SuccessRate is the rounded
// percentage of successful sequences over all sequences, 0 when there are none.
func (r *LogRecorder) GetStats(ctx context.Context, webhookID string) (*domain.DeliveryStats, error) {
	if strings.TrimSpace(webhookID) == "" {
		return nil, fmt.Errorf("%w: webhook id is required", domain.ErrValidation)
	}

	counts, err := r.logs.CountByStatus(ctx, webhookID)
	if err != nil {
		return nil, fmt.Errorf("failed to count delivery logs: %w", err)
	}

	stats := &domain.DeliveryStats{}
	for _, c := range counts {
		stats.Total += c.Count
		switch c.Status {
		case domain.DeliveryStatusSuccess:
			stats.Success += c.Count
		case domain.DeliveryStatusFailed:
			stats.Failed += c.Count
		case domain.DeliveryStatusPending, domain.DeliveryStatusRetrying:
			stats.Pending += c.Count
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = int(math.Round(float64(stats.Success) * 100 / float64(stats.Total)))
	}
	return stats, nil
}

func (r *LogRecorder) counterFailed(log *domain.DeliveryLog, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		r.logger.Warn("webhook removed before counters were updated",
			zap.String("logId", log.ID),
			zap.String("webhookId", log.WebhookID),
		)
		return
	}
	r.logger.Error("failed to update webhook counters",
		zap.String("logId", log.ID),
		zap.String("webhookId", log.WebhookID),
		zap.Error(err),
	)
}

func attemptResult(outcome provider.Outcome) repository.AttemptResult {
	var result repository.AttemptResult
	if outcome.StatusCode > 0 {
		code := outcome.StatusCode
		result.StatusCode = &code
	}
	if outcome.Body != "" {
		body := outcome.Body
		result.ResponseBody = &body
	}
	if !outcome.Success {
		msg := outcome.ErrorMessage()
		if msg == "" {
			msg = "delivery failed"
		}
		result.Error = &msg
	}
	return result
}
