package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
)

// Executor performs a single delivery attempt against a webhook endpoint.
// Failures are reported through Outcome, never as a Go error.
type Executor interface {
	Attempt(ctx context.Context, webhook domain.Webhook, event domain.Event, payload json.RawMessage, attempt int) Outcome
}

// Outcome is the classified result of one HTTP attempt.
type Outcome struct {
	Success    bool
	StatusCode int
	// Body is the response body, compacted when it is JSON, raw text otherwise.
	Body     string
	Err      error
	Duration time.Duration
}

// ErrorMessage is the storable form of Err, empty on success.
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	msg, _ := storableText(o.Err.Error(), maxErrorMessageBytes)
	return msg
}
