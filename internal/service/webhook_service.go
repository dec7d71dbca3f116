package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
	"go.uber.org/zap"
)

// RetryPolicyInput is a partially specified retry policy. Omitted fields keep the
// value of the policy it is applied to.
type RetryPolicyInput struct {
	MaxRetries        *int
	RetryDelayMs      *int64
	BackoffMultiplier *float64
}

func (in *RetryPolicyInput) applyTo(base domain.RetryPolicy) domain.RetryPolicy {
	if in == nil {
		return base
	}
	if in.MaxRetries != nil {
		base.MaxRetries = *in.MaxRetries
	}
	if in.RetryDelayMs != nil {
		base.RetryDelayMs = *in.RetryDelayMs
	}
	if in.BackoffMultiplier != nil {
		base.BackoffMultiplier = *in.BackoffMultiplier
	}
	return base
}

// WebhookInput describes a new subscription.
type WebhookInput struct {
	OwnerID     string
	Name        string
	Description *string
	URL         string
	Secret      *string
	Events      []string
	Headers     map[string]string
	RetryPolicy *RetryPolicyInput
	Active      *bool
}

// WebhookPatch is a partial update. Nil fields are left unchanged; an empty
// Secret or Description clears it.
type WebhookPatch struct {
	Name        *string
	Description *string
	URL         *string
	Secret      *string
	Events      *[]string
	Headers     *map[string]string
	RetryPolicy *RetryPolicyInput
	Active      *bool
}

// WebhookService is the subscription registry.
type WebhookService struct {
	webhooks repository.WebhookRepository
	logs     repository.LogRepository
	logger   *zap.Logger
	now      func() time.Time
}

func NewWebhookService(
	webhooks repository.WebhookRepository,
	logs repository.LogRepository,
	logger *zap.Logger,
) (*WebhookService, error) {
	if webhooks == nil {
		return nil, fmt.Errorf("webhook repository is required")
	}
	if logs == nil {
		return nil, fmt.Errorf("log repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebhookService{
		webhooks: webhooks,
		logs:     logs,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (s *WebhookService) Create(ctx context.Context, in WebhookInput) (*domain.Webhook, error) {
	ownerID := strings.TrimSpace(in.OwnerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", domain.ErrValidation)
	}

	events, err := parseEvents(in.Events)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	webhook := &domain.Webhook{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Name:        strings.TrimSpace(in.Name),
		Description: normalizeOptionalString(in.Description),
		URL:         strings.TrimSpace(in.URL),
		Secret:      normalizeOptionalString(in.Secret),
		Events:      events,
		Headers:     normalizeHeaders(in.Headers),
		RetryPolicy: in.RetryPolicy.applyTo(domain.DefaultRetryPolicy()),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.Active != nil {
		webhook.Active = *in.Active
	}

	if err := webhook.Validate(); err != nil {
		return nil, err
	}

	if err := s.webhooks.Create(ctx, webhook); err != nil {
		return nil, fmt.Errorf("failed to create webhook: %w", err)
	}

	s.logger.Info("webhook created",
		zap.String("webhookId", webhook.ID),
		zap.String("ownerId", webhook.OwnerID),
		zap.Int("events", len(webhook.Events)),
	)
	return webhook, nil
}

// List returns the webhooks of ownerID, newest first. An empty owner lists all.
func (s *WebhookService) List(ctx context.Context, ownerID string) ([]domain.Webhook, error) {
	return s.webhooks.ListByOwner(ctx, strings.TrimSpace(ownerID))
}

func (s *WebhookService) Get(ctx context.Context, id string) (*domain.Webhook, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: webhook id is required", domain.ErrValidation)
	}
	return s.webhooks.GetByID(ctx, strings.TrimSpace(id))
}

func (s *WebhookService) Update(ctx context.Context, id string, patch WebhookPatch) (*domain.Webhook, error) {
	webhook, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		webhook.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		webhook.Description = normalizeOptionalString(patch.Description)
	}
	if patch.URL != nil {
		webhook.URL = strings.TrimSpace(*patch.URL)
	}
	if patch.Secret != nil {
		webhook.Secret = normalizeOptionalString(patch.Secret)
	}
	if patch.Events != nil {
		events, err := parseEvents(*patch.Events)
		if err != nil {
			return nil, err
		}
		webhook.Events = events
	}
	if patch.Headers != nil {
		webhook.Headers = normalizeHeaders(*patch.Headers)
	}
	webhook.RetryPolicy = patch.RetryPolicy.applyTo(webhook.RetryPolicy)
	if patch.Active != nil {
		webhook.Active = *patch.Active
	}
	webhook.UpdatedAt = s.now().UTC()

	if err := webhook.Validate(); err != nil {
		return nil, err
	}

	if err := s.webhooks.Update(ctx, webhook); err != nil {
		return nil, err
	}
	return webhook, nil
}

// Delete removes the subscription only. Its delivery history stays until
// DeleteLogs is called or retention prunes it.
func (s *WebhookService) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: webhook id is required", domain.ErrValidation)
	}
	if err := s.webhooks.Delete(ctx, strings.TrimSpace(id)); err != nil {
		return err
	}
	s.logger.Info("webhook deleted", zap.String("webhookId", id))
	return nil
}

func (s *WebhookService) DeleteLogs(ctx context.Context, id string) (int64, error) {
	if strings.TrimSpace(id) == "" {
		return 0, fmt.Errorf("%w: webhook id is required", domain.ErrValidation)
	}
	deleted, err := s.logs.DeleteByWebhook(ctx, strings.TrimSpace(id))
	if err != nil {
		return 0, fmt.Errorf("failed to delete webhook logs: %w", err)
	}
	s.logger.Info("webhook logs deleted",
		zap.String("webhookId", id),
		zap.Int64("deleted", deleted),
	)
	return deleted, nil
}

// parseEvents normalizes and de-duplicates event names, keeping input order.
func parseEvents(raw []string) ([]domain.Event, error) {
	events := make([]domain.Event, 0, len(raw))
	seen := make(map[domain.Event]struct{}, len(raw))
	for _, name := range raw {
		event, err := domain.ParseEventFromString(name)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[event]; ok {
			continue
		}
		seen[event] = struct{}{}
		events = append(events, event)
	}
	return events, nil
}

func normalizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	normalized := make(map[string]string, len(headers))
	for name, value := range headers {
		normalized[http.CanonicalHeaderKey(strings.TrimSpace(name))] = value
	}
	return normalized
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
