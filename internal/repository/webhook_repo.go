package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"gorm.io/gorm"
)

type WebhookRepository interface {
	Create(ctx context.Context, w *domain.Webhook) error
	GetByID(ctx context.Context, id string) (*domain.Webhook, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Webhook, error)
	ListActiveForEvent(ctx context.Context, event domain.Event) ([]domain.Webhook, error)
	Update(ctx context.Context, w *domain.Webhook) error
	Delete(ctx context.Context, id string) error
	IncrementSuccess(ctx context.Context, id string, at time.Time) error
	IncrementFailure(ctx context.Context, id string) error
}

type GormWebhookRepo struct {
	db *gorm.DB
}

func NewGormWebhookRepo(db *gorm.DB) *GormWebhookRepo {
	return &GormWebhookRepo{db: db}
}

func (r *GormWebhookRepo) Create(ctx context.Context, w *domain.Webhook) error {
	model := webhookModelFromDomain(w)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if w != nil {
		*w = *webhookModelToDomain(model)
	}
	return nil
}

func (r *GormWebhookRepo) GetByID(ctx context.Context, id string) (*domain.Webhook, error) {
	var model WebhookModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return webhookModelToDomain(&model), nil
}

func (r *GormWebhookRepo) ListByOwner(ctx context.Context, ownerID string) ([]domain.Webhook, error) {
	query := r.db.WithContext(ctx).Model(&WebhookModel{})
	if ownerID != "" {
		query = query.Where("owner_id = ?", ownerID)
	}

	var models []WebhookModel
	if err := query.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	return webhooksToDomain(models), nil
}

func (r *GormWebhookRepo) ListActiveForEvent(ctx context.Context, event domain.Event) ([]domain.Webhook, error) {
	filter, err := json.Marshal([]string{event.String()})
	if err != nil {
		return nil, err
	}

	var models []WebhookModel
	err = r.db.WithContext(ctx).
		Where("active = ? AND events @> ?::jsonb", true, string(filter)).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return webhooksToDomain(models), nil
}

// Update persists the mutable subscription fields. Delivery counters are only
// ever changed through the increment methods.
func (r *GormWebhookRepo) Update(ctx context.Context, w *domain.Webhook) error {
	model := webhookModelFromDomain(w)
	result := r.db.WithContext(ctx).
		Model(&WebhookModel{}).
		Where("id = ?", model.ID).
		Select(
			"name", "description", "url", "secret", "events", "headers",
			"max_retries", "retry_delay_ms", "backoff_multiplier", "active", "updated_at",
		).
		Updates(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormWebhookRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&WebhookModel{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IncrementSuccess bumps the success counter in a single UPDATE so concurrent
// deliveries never lose increments.
func (r *GormWebhookRepo) IncrementSuccess(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&WebhookModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"success_count":     gorm.Expr("success_count + ?", 1),
			"last_triggered_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormWebhookRepo) IncrementFailure(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&WebhookModel{}).
		Where("id = ?", id).
		Update("failure_count", gorm.Expr("failure_count + ?", 1))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func webhooksToDomain(models []WebhookModel) []domain.Webhook {
	webhooks := make([]domain.Webhook, 0, len(models))
	for i := range models {
		webhooks = append(webhooks, *webhookModelToDomain(&models[i]))
	}
	return webhooks
}
