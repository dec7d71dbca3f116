package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/signature"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	// maxResponseBodyBytes bounds what is kept of a subscriber response.
	maxResponseBodyBytes = 4096
	maxErrorBodyBytes    = 256
	maxErrorMessageBytes = 1024
	userAgent            = "webhook-engine/1.0"
)

var _ Executor = (*WebhookProvider)(nil)

// WebhookProvider delivers signed JSON payloads to subscriber endpoints.
type WebhookProvider struct {
	client *resty.Client
	now    func() time.Time
}

func NewWebhookProvider(timeout time.Duration) *WebhookProvider {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}

	client := resty.New()
	client.SetTimeout(timeout)

	provider, _ := NewWebhookProviderWithClient(client)
	return provider
}

func NewWebhookProviderWithClient(client *resty.Client) (*WebhookProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	// Retries are owned by the delivery pipeline, one call here is one attempt.
	client.SetRetryCount(0)

	return &WebhookProvider{
		client: client,
		now:    time.Now,
	}, nil
}

// Headers builds the outbound header set. Custom headers are applied first so the
// reserved envelope headers always win.
func Headers(webhook domain.Webhook, event domain.Event, payload []byte) map[string]string {
	headers := make(map[string]string, len(webhook.Headers)+4)
	for name, value := range webhook.Headers {
		if domain.IsReservedHeader(name) {
			continue
		}
		headers[http.CanonicalHeaderKey(strings.TrimSpace(name))] = value
	}

	secret := ""
	if webhook.Secret != nil {
		secret = *webhook.Secret
	}

	headers[domain.HeaderContentType] = "application/json"
	headers[domain.HeaderEvent] = event.String()
	headers[domain.HeaderWebhookID] = webhook.ID
	headers[domain.HeaderSignature] = signature.Sign(secret, payload)
	return headers
}

func (p *WebhookProvider) Attempt(
	ctx context.Context,
	webhook domain.Webhook,
	event domain.Event,
	payload json.RawMessage,
	attempt int,
) Outcome {
	if p == nil || p.client == nil {
		return Outcome{Err: &DeliveryError{Message: "provider is not initialized"}}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := p.now()
	outcome := p.send(ctx, webhook, event, payload, attempt)
	outcome.Duration = p.now().Sub(start)
	return outcome
}

func (p *WebhookProvider) send(
	ctx context.Context,
	webhook domain.Webhook,
	event domain.Event,
	payload json.RawMessage,
	attempt int,
) Outcome {
	request := p.client.R().
		SetContext(ctx).
		SetHeader("User-Agent", userAgent).
		SetHeader("X-Webhook-Attempt", strconv.Itoa(attempt)).
		SetHeaders(Headers(webhook, event, payload)).
		SetBody([]byte(payload))

	response, err := request.Post(webhook.URL)
	if err != nil {
		return Outcome{Err: &DeliveryError{
			Message: "request failed",
			Cause:   err,
		}}
	}
	if response == nil {
		return Outcome{Err: &DeliveryError{Message: "empty response"}}
	}

	statusCode := response.StatusCode()
	body := normalizeResponseBody(response.Body())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return Outcome{
			Success:    true,
			StatusCode: statusCode,
			Body:       body,
		}
	}

	return Outcome{
		StatusCode: statusCode,
		Body:       body,
		Err: &DeliveryError{
			StatusCode: statusCode,
			Message:    deliveryErrorMessage(statusCode, body),
		},
	}
}

// normalizeResponseBody compacts JSON bodies and falls back to trimmed raw text.
// Binary or cut bodies are reduced to valid UTF-8 without NUL bytes.
func normalizeResponseBody(raw []byte) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}

	if json.Valid(trimmed) {
		var compacted bytes.Buffer
		if err := json.Compact(&compacted, trimmed); err == nil {
			trimmed = compacted.Bytes()
		}
	}

	text, truncated := storableText(string(trimmed), maxResponseBodyBytes)
	if truncated {
		return text + "...(truncated)"
	}
	return text
}

func deliveryErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("endpoint returned status %d", statusCode)
	if body == "" {
		return base
	}
	body, _ = storableText(body, maxErrorBodyBytes)
	return fmt.Sprintf("%s: %s", base, body)
}
