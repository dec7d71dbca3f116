package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus is the lifecycle state of one delivery sequence.
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "PENDING"
	DeliveryStatusRetrying DeliveryStatus = "RETRYING"
	DeliveryStatusSuccess  DeliveryStatus = "SUCCESS"
	DeliveryStatusFailed   DeliveryStatus = "FAILED"
)

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusRetrying, DeliveryStatusSuccess, DeliveryStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusSuccess || s == DeliveryStatusFailed
}

// CanTransitionTo enforces PENDING -> RETRYING* -> SUCCESS|FAILED.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusRetrying:
		return next == DeliveryStatusRetrying || next == DeliveryStatusSuccess || next == DeliveryStatusFailed
	}
	return false
}

func ParseDeliveryStatusFromString(s string) (DeliveryStatus, error) {
	st := DeliveryStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// DeliveryLog tracks one delivery sequence (initial attempt plus retries) and is
// updated in place as the sequence progresses.
type DeliveryLog struct {
	ID           string
	WebhookID    string
	Event        Event
	Payload      json.RawMessage
	Status       DeliveryStatus
	StatusCode   *int
	ResponseBody *string
	Error        *string
	RetryCount   int
	NextRetryAt  *time.Time
	// RecoveredAt is when the retry scanner last re-queued the sequence.
	RecoveredAt  *time.Time
	ResolvedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeliveryStats aggregates the delivery history of one webhook.
type DeliveryStats struct {
	Total       int64
	Success     int64
	Failed      int64
	Pending     int64
	SuccessRate int
}
