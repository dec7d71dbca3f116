package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"gorm.io/gorm"
)

var openStatuses = []domain.DeliveryStatus{domain.DeliveryStatusPending, domain.DeliveryStatusRetrying}

// AttemptResult carries what was observed on the last HTTP attempt.
type AttemptResult struct {
	StatusCode   *int
	ResponseBody *string
	Error        *string
	// RetryCount overrides retry_count when a sequence is failed; nil keeps it.
	RetryCount   *int
}

type StatusCount struct {
	Status domain.DeliveryStatus `gorm:"column:status"`
	Count  int64                 `gorm:"column:count"`
}

type LogRepository interface {
	Create(ctx context.Context, l *domain.DeliveryLog) error
	GetByID(ctx context.Context, id string) (*domain.DeliveryLog, error)
	ListByWebhook(ctx context.Context, webhookID string, limit int, offset int) ([]domain.DeliveryLog, error)
	CountByStatus(ctx context.Context, webhookID string) ([]StatusCount, error)
	MarkSuccess(ctx context.Context, id string, attempt int, result AttemptResult, resolvedAt time.Time) error
	MarkRetrying(ctx context.Context, id string, attempt int, result AttemptResult, nextRetryAt time.Time) error
	MarkFailed(ctx context.Context, id string, attempt int, result AttemptResult, resolvedAt time.Time) error
	GetOrphaned(ctx context.Context, cutoff time.Time, limit int) ([]domain.DeliveryLog, error)
	MarkRecovered(ctx context.Context, id string, at time.Time) error
	DeleteByWebhook(ctx context.Context, webhookID string) (int64, error)
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type GormLogRepo struct {
	db *gorm.DB
}

func NewGormLogRepo(db *gorm.DB) *GormLogRepo {
	return &GormLogRepo{db: db}
}

func (r *GormLogRepo) Create(ctx context.Context, l *domain.DeliveryLog) error {
	model := logModelFromDomain(l)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if l != nil {
		*l = *logModelToDomain(model)
	}
	return nil
}

func (r *GormLogRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryLog, error) {
	var model WebhookLogModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return logModelToDomain(&model), nil
}

func (r *GormLogRepo) ListByWebhook(ctx context.Context, webhookID string, limit int, offset int) ([]domain.DeliveryLog, error) {
	if limit < 1 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var models []WebhookLogModel
	err := r.db.WithContext(ctx).
		Where("webhook_id = ?", webhookID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return logsToDomain(models), nil
}

func (r *GormLogRepo) CountByStatus(ctx context.Context, webhookID string) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.db.WithContext(ctx).
		Model(&WebhookLogModel{}).
		Select("status, COUNT(*) as count").
		Where("webhook_id = ?", webhookID).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// MarkSuccess resolves an open sequence. Resolved sequences are never touched again.
func (r *GormLogRepo) MarkSuccess(ctx context.Context, id string, attempt int, result AttemptResult, resolvedAt time.Time) error {
	return r.transition(ctx, id, attempt, map[string]any{
		"status":        domain.DeliveryStatusSuccess,
		"status_code":   result.StatusCode,
		"response_body": result.ResponseBody,
		"error":         nil,
		"next_retry_at": nil,
		"resolved_at":   resolvedAt,
	})
}

// MarkRetrying records a failed attempt and advances retry_count to attempt+1.
func (r *GormLogRepo) MarkRetrying(ctx context.Context, id string, attempt int, result AttemptResult, nextRetryAt time.Time) error {
	return r.transition(ctx, id, attempt, map[string]any{
		"status":        domain.DeliveryStatusRetrying,
		"status_code":   result.StatusCode,
		"response_body": result.ResponseBody,
		"error":         result.Error,
		"retry_count":   attempt + 1,
		"next_retry_at": nextRetryAt,
		"recovered_at":  nil,
	})
}

func (r *GormLogRepo) MarkFailed(ctx context.Context, id string, attempt int, result AttemptResult, resolvedAt time.Time) error {
	updates := map[string]any{
		"status":        domain.DeliveryStatusFailed,
		"status_code":   result.StatusCode,
		"response_body": result.ResponseBody,
		"error":         result.Error,
		"next_retry_at": nil,
		"resolved_at":   resolvedAt,
	}
	if result.RetryCount != nil {
		updates["retry_count"] = *result.RetryCount
	}
	return r.transition(ctx, id, attempt, updates)
}

// transition applies updates only while the sequence is open and still at the
// given attempt, so a stale or duplicated attempt cannot move the record.
func (r *GormLogRepo) transition(ctx context.Context, id string, attempt int, updates map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&WebhookLogModel{}).
		Where("id = ? AND status IN ? AND retry_count = ?", id, openStatuses, attempt).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// GetOrphaned returns open sequences nobody is driving anymore: PENDING rows
// created before cutoff and RETRYING rows whose retry was due before cutoff.
// A sequence re-queued by recovery is left alone until recovered_at is stale too.
func (r *GormLogRepo) GetOrphaned(ctx context.Context, cutoff time.Time, limit int) ([]domain.DeliveryLog, error) {
	var models []WebhookLogModel
	err := r.db.WithContext(ctx).
		Where(
			"(status = ? AND GREATEST(created_at, recovered_at) <= ?) OR (status = ? AND GREATEST(next_retry_at, recovered_at) <= ?)",
			domain.DeliveryStatusPending, cutoff,
			domain.DeliveryStatusRetrying, cutoff,
		).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return logsToDomain(models), nil
}

// MarkRecovered stamps a re-queued open sequence. next_retry_at is left as the
// retry schedule wrote it.
func (r *GormLogRepo) MarkRecovered(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&WebhookLogModel{}).
		Where("id = ? AND status IN ?", id, openStatuses).
		Update("recovered_at", at).Error
}

func (r *GormLogRepo) DeleteByWebhook(ctx context.Context, webhookID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("webhook_id = ?", webhookID).
		Delete(&WebhookLogModel{})
	return result.RowsAffected, result.Error
}

func (r *GormLogRepo) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("resolved_at IS NOT NULL AND resolved_at < ?", cutoff).
		Delete(&WebhookLogModel{})
	return result.RowsAffected, result.Error
}

func logsToDomain(models []WebhookLogModel) []domain.DeliveryLog {
	logs := make([]domain.DeliveryLog, 0, len(models))
	for i := range models {
		logs = append(logs, *logModelToDomain(&models[i]))
	}
	return logs
}
