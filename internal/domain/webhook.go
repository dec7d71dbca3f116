package domain

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Event is the name of a domain event a webhook can subscribe to.
type Event string

const (
	EventProjectCreated       Event = "PROJECT_CREATED"
	EventProjectUpdated       Event = "PROJECT_UPDATED"
	EventProjectDeleted       Event = "PROJECT_DELETED"
	EventMilestoneCreated     Event = "MILESTONE_CREATED"
	EventMilestoneUpdated     Event = "MILESTONE_UPDATED"
	EventMilestoneValidated   Event = "MILESTONE_VALIDATED"
	EventMilestoneDeleted     Event = "MILESTONE_DELETED"
	EventLeaveCreated         Event = "LEAVE_CREATED"
	EventLeaveApproved        Event = "LEAVE_APPROVED"
	EventLeaveRejected        Event = "LEAVE_REJECTED"
	EventPresenceCreated      Event = "PRESENCE_CREATED"
	EventPresenceUpdated      Event = "PRESENCE_UPDATED"
	EventTimeEntryCreated     Event = "TIME_ENTRY_CREATED"
	EventTimeEntryUpdated     Event = "TIME_ENTRY_UPDATED"
	EventSchoolHolidayCreated Event = "SCHOOL_HOLIDAY_CREATED"
	EventWebhookTest          Event = "WEBHOOK_TEST"
)

var knownEvents = map[Event]struct{}{
	EventProjectCreated:       {},
	EventProjectUpdated:       {},
	EventProjectDeleted:       {},
	EventMilestoneCreated:     {},
	EventMilestoneUpdated:     {},
	EventMilestoneValidated:   {},
	EventMilestoneDeleted:     {},
	EventLeaveCreated:         {},
	EventLeaveApproved:        {},
	EventLeaveRejected:        {},
	EventPresenceCreated:      {},
	EventPresenceUpdated:      {},
	EventTimeEntryCreated:     {},
	EventTimeEntryUpdated:     {},
	EventSchoolHolidayCreated: {},
	EventWebhookTest:          {},
}

func (e Event) String() string { return string(e) }

func (e Event) IsValid() bool {
	_, ok := knownEvents[e]
	return ok
}

func ParseEventFromString(s string) (Event, error) {
	ev := Event(strings.ToUpper(strings.TrimSpace(s)))
	if !ev.IsValid() {
		return "", fmt.Errorf("%w: unknown event %q", ErrValidation, s)
	}
	return ev, nil
}

// Retry policy defaults applied when a webhook omits them.
const (
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 1000 * time.Millisecond
	DefaultBackoffMultiplier = 2.0
)

// RetryPolicy controls how a failed delivery sequence is retried.
// RetryDelayMs is the base delay of the first retry in milliseconds.
type RetryPolicy struct {
	MaxRetries        int     `json:"maxRetries"`
	RetryDelayMs      int64   `json:"retryDelay"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        DefaultMaxRetries,
		RetryDelayMs:      DefaultRetryDelay.Milliseconds(),
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

func (p RetryPolicy) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >= 0", ErrValidation)
	}
	if p.RetryDelayMs <= 0 {
		return fmt.Errorf("%w: retryDelay must be > 0", ErrValidation)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoffMultiplier must be >= 1", ErrValidation)
	}
	return nil
}

// Headers reserved for the delivery envelope. Custom headers may not set them.
const (
	HeaderContentType = "Content-Type"
	HeaderEvent       = "X-Webhook-Event"
	HeaderWebhookID   = "X-Webhook-ID"
	HeaderSignature   = "X-Webhook-Signature"
)

var reservedHeaders = []string{HeaderContentType, HeaderEvent, HeaderWebhookID, HeaderSignature}

// IsReservedHeader reports whether name collides with a delivery envelope header.
func IsReservedHeader(name string) bool {
	canonical := http.CanonicalHeaderKey(strings.TrimSpace(name))
	for _, reserved := range reservedHeaders {
		if canonical == http.CanonicalHeaderKey(reserved) {
			return true
		}
	}
	return false
}

// Webhook is a registered subscription to one or more domain events.
type Webhook struct {
	ID              string
	OwnerID         string
	Name            string
	Description     *string
	URL             string
	Secret          *string
	Events          []Event
	Headers         map[string]string
	RetryPolicy     RetryPolicy
	Active          bool
	SuccessCount    int64
	FailureCount    int64
	LastTriggeredAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Subscribes reports whether the webhook is registered for event.
func (w *Webhook) Subscribes(event Event) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (w *Webhook) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if err := ValidateURL(w.URL); err != nil {
		return err
	}
	if len(w.Events) == 0 {
		return fmt.Errorf("%w: at least one event is required", ErrValidation)
	}
	for _, e := range w.Events {
		if !e.IsValid() {
			return fmt.Errorf("%w: unknown event %q", ErrValidation, e)
		}
	}
	for name := range w.Headers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: header name is required", ErrValidation)
		}
		if IsReservedHeader(name) {
			return fmt.Errorf("%w: header %q is reserved", ErrValidation, name)
		}
	}
	return w.RetryPolicy.Validate()
}

// ValidateURL requires an absolute http(s) URL with a host.
func ValidateURL(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	u, err := url.ParseRequestURI(trimmed)
	if err != nil {
		return fmt.Errorf("%w: invalid url: %v", ErrValidation, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url scheme must be http or https", ErrValidation)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url host is required", ErrValidation)
	}
	return nil
}
