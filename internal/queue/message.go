package queue

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
)

// DeliveryMessage is the broker payload for one delivery attempt. The payload
// itself stays in the delivery log so every attempt sends the stored bytes.
type DeliveryMessage struct {
	LogID     string       `json:"logId"`
	WebhookID string       `json:"webhookId"`
	Event     domain.Event `json:"event"`
	Attempt   int          `json:"attempt"`
}

func (m DeliveryMessage) Validate() error {
	if strings.TrimSpace(m.LogID) == "" {
		return fmt.Errorf("logId is required")
	}
	if strings.TrimSpace(m.WebhookID) == "" {
		return fmt.Errorf("webhookId is required")
	}
	if !m.Event.IsValid() {
		return fmt.Errorf("invalid event %q", m.Event)
	}
	if m.Attempt < 0 {
		return fmt.Errorf("attempt must be >= 0")
	}
	return nil
}
