package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
)

// WebhookModel is the persistence model for the webhooks table.
type WebhookModel struct {
	ID                string            `gorm:"type:uuid;primaryKey"`
	OwnerID           string            `gorm:"type:varchar(64);not null;index"`
	Name              string            `gorm:"type:varchar(255);not null"`
	Description       *string           `gorm:"type:text"`
	URL               string            `gorm:"type:text;not null"`
	Secret            *string           `gorm:"type:varchar(255)"`
	Events            []string          `gorm:"type:jsonb;serializer:json;not null"`
	Headers           map[string]string `gorm:"type:jsonb;serializer:json"`
	MaxRetries        int               `gorm:"not null"`
	RetryDelayMs      int64             `gorm:"not null"`
	BackoffMultiplier float64           `gorm:"not null"`
	Active            bool              `gorm:"not null"`
	SuccessCount      int64             `gorm:"not null;default:0"`
	FailureCount      int64             `gorm:"not null;default:0"`
	LastTriggeredAt   *time.Time        `gorm:"type:timestamptz"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (WebhookModel) TableName() string {
	return "webhooks"
}

// WebhookLogModel is the persistence model for webhook_logs, one row per delivery sequence.
type WebhookLogModel struct {
	ID           string                `gorm:"type:uuid;primaryKey"`
	WebhookID    string                `gorm:"type:uuid;not null"`
	Event        domain.Event          `gorm:"type:varchar(64);not null"`
	Payload      string                `gorm:"type:json;not null"`
	Status       domain.DeliveryStatus `gorm:"type:varchar(20);not null"`
	StatusCode   *int                  `gorm:"type:int"`
	ResponseBody *string               `gorm:"type:text"`
	Error        *string               `gorm:"type:text"`
	RetryCount   int                   `gorm:"not null;default:0"`
	NextRetryAt  *time.Time            `gorm:"type:timestamptz"`
	RecoveredAt  *time.Time            `gorm:"type:timestamptz"`
	ResolvedAt   *time.Time            `gorm:"type:timestamptz"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (WebhookLogModel) TableName() string {
	return "webhook_logs"
}

func webhookModelFromDomain(w *domain.Webhook) *WebhookModel {
	if w == nil {
		return nil
	}

	events := make([]string, 0, len(w.Events))
	for _, e := range w.Events {
		events = append(events, e.String())
	}

	return &WebhookModel{
		ID:                w.ID,
		OwnerID:           w.OwnerID,
		Name:              w.Name,
		Description:       w.Description,
		URL:               w.URL,
		Secret:            w.Secret,
		Events:            events,
		Headers:           w.Headers,
		MaxRetries:        w.RetryPolicy.MaxRetries,
		RetryDelayMs:      w.RetryPolicy.RetryDelayMs,
		BackoffMultiplier: w.RetryPolicy.BackoffMultiplier,
		Active:            w.Active,
		SuccessCount:      w.SuccessCount,
		FailureCount:      w.FailureCount,
		LastTriggeredAt:   w.LastTriggeredAt,
		CreatedAt:         w.CreatedAt,
		UpdatedAt:         w.UpdatedAt,
	}
}

func webhookModelToDomain(m *WebhookModel) *domain.Webhook {
	if m == nil {
		return nil
	}

	events := make([]domain.Event, 0, len(m.Events))
	for _, e := range m.Events {
		events = append(events, domain.Event(e))
	}

	return &domain.Webhook{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Name:        m.Name,
		Description: m.Description,
		URL:         m.URL,
		Secret:      m.Secret,
		Events:      events,
		Headers:     m.Headers,
		RetryPolicy: domain.RetryPolicy{
			MaxRetries:        m.MaxRetries,
			RetryDelayMs:      m.RetryDelayMs,
			BackoffMultiplier: m.BackoffMultiplier,
		},
		Active:          m.Active,
		SuccessCount:    m.SuccessCount,
		FailureCount:    m.FailureCount,
		LastTriggeredAt: m.LastTriggeredAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func logModelFromDomain(l *domain.DeliveryLog) *WebhookLogModel {
	if l == nil {
		return nil
	}

	payload := string(l.Payload)
	if payload == "" {
		payload = "null"
	}

	return &WebhookLogModel{
		ID:           l.ID,
		WebhookID:    l.WebhookID,
		Event:        l.Event,
		Payload:      payload,
		Status:       l.Status,
		StatusCode:   l.StatusCode,
		ResponseBody: l.ResponseBody,
		Error:        l.Error,
		RetryCount:   l.RetryCount,
		NextRetryAt:  l.NextRetryAt,
		RecoveredAt:  l.RecoveredAt,
		ResolvedAt:   l.ResolvedAt,
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.UpdatedAt,
	}
}

func logModelToDomain(m *WebhookLogModel) *domain.DeliveryLog {
	if m == nil {
		return nil
	}

	return &domain.DeliveryLog{
		ID:           m.ID,
		WebhookID:    m.WebhookID,
		Event:        m.Event,
		Payload:      json.RawMessage(m.Payload),
		Status:       m.Status,
		StatusCode:   m.StatusCode,
		ResponseBody: m.ResponseBody,
		Error:        m.Error,
		RetryCount:   m.RetryCount,
		NextRetryAt:  m.NextRetryAt,
		RecoveredAt:  m.RecoveredAt,
		ResolvedAt:   m.ResolvedAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
