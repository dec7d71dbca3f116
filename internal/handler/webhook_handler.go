package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/observability"
	"github.com/kursadbilgin/webhook-engine/internal/service"
)

const (
	// HeaderUserID identifies the caller that owns the webhooks.
	HeaderUserID = "X-User-ID"

	defaultLogsPage  = 1
	defaultLogsLimit = 50
	maxLogsLimit     = 500
)

type WebhookService interface {
	Create(ctx context.Context, in service.WebhookInput) (*domain.Webhook, error)
	List(ctx context.Context, ownerID string) ([]domain.Webhook, error)
	Get(ctx context.Context, id string) (*domain.Webhook, error)
	Update(ctx context.Context, id string, patch service.WebhookPatch) (*domain.Webhook, error)
	Delete(ctx context.Context, id string) error
	DeleteLogs(ctx context.Context, id string) (int64, error)
}

type DeliveryLogReader interface {
	GetLogs(ctx context.Context, webhookID string, limit int, page int) ([]domain.DeliveryLog, error)
	GetStats(ctx context.Context, webhookID string) (*domain.DeliveryStats, error)
}

type EventDispatcher interface {
	Dispatch(ctx context.Context, event domain.Event, payload any) (int, error)
	DispatchToOne(ctx context.Context, webhookID string, event domain.Event, payload any) (string, error)
}

type WebhookHandler struct {
	webhooks   WebhookService
	logs       DeliveryLogReader
	dispatcher EventDispatcher
	now        func() time.Time
}

func NewWebhookHandler(webhooks WebhookService, logs DeliveryLogReader, dispatcher EventDispatcher) (*WebhookHandler, error) {
	if webhooks == nil {
		return nil, fmt.Errorf("webhook service is required")
	}
	if logs == nil {
		return nil, fmt.Errorf("delivery log reader is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("event dispatcher is required")
	}
	return &WebhookHandler{
		webhooks:   webhooks,
		logs:       logs,
		dispatcher: dispatcher,
		now:        time.Now,
	}, nil
}

func RegisterWebhookRoutes(router fiber.Router, webhooks WebhookService, logs DeliveryLogReader, dispatcher EventDispatcher) error {
	h, err := NewWebhookHandler(webhooks, logs, dispatcher)
	if err != nil {
		return err
	}
	h.Register(router)
	return nil
}

func (h *WebhookHandler) Register(router fiber.Router) {
	v1 := router.Group("/v1")
	v1.Post("/webhooks", h.CreateWebhook)
	v1.Get("/webhooks", h.ListWebhooks)
	v1.Get("/webhooks/:id", h.GetWebhook)
	v1.Patch("/webhooks/:id", h.UpdateWebhook)
	v1.Delete("/webhooks/:id", h.DeleteWebhook)
	v1.Get("/webhooks/:id/logs", h.GetLogs)
	v1.Delete("/webhooks/:id/logs", h.DeleteLogs)
	v1.Get("/webhooks/:id/stats", h.GetStats)
	v1.Post("/webhooks/:id/test", h.TestWebhook)
	v1.Post("/events", h.DispatchEvent)
}

type retryPolicyRequest struct {
	MaxRetries        *int     `json:"maxRetries"`
	RetryDelay        *int64   `json:"retryDelay"`
	BackoffMultiplier *float64 `json:"backoffMultiplier"`
}

type createWebhookRequest struct {
	Name        string              `json:"name"`
	Description *string             `json:"description"`
	URL         string              `json:"url"`
	Secret      *string             `json:"secret"`
	Events      []string            `json:"events"`
	Headers     map[string]string   `json:"headers"`
	RetryPolicy *retryPolicyRequest `json:"retryPolicy"`
	Active      *bool               `json:"active"`
}

type updateWebhookRequest struct {
	Name        *string             `json:"name"`
	Description *string             `json:"description"`
	URL         *string             `json:"url"`
	Secret      *string             `json:"secret"`
	Events      *[]string           `json:"events"`
	Headers     *map[string]string  `json:"headers"`
	RetryPolicy *retryPolicyRequest `json:"retryPolicy"`
	Active      *bool               `json:"active"`
}

type testWebhookRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type dispatchEventRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type webhookResponse struct {
	ID              string             `json:"id"`
	OwnerID         string             `json:"userId"`
	Name            string             `json:"name"`
	Description     *string            `json:"description,omitempty"`
	URL             string             `json:"url"`
	HasSecret       bool               `json:"hasSecret"`
	Events          []string           `json:"events"`
	Headers         map[string]string  `json:"headers"`
	RetryPolicy     domain.RetryPolicy `json:"retryPolicy"`
	Active          bool               `json:"active"`
	SuccessCount    int64              `json:"successCount"`
	FailureCount    int64              `json:"failureCount"`
	LastTriggeredAt *time.Time         `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

type deliveryLogResponse struct {
	ID           string          `json:"id"`
	WebhookID    string          `json:"webhookId"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	StatusCode   *int            `json:"statusCode,omitempty"`
	ResponseBody *string         `json:"responseBody,omitempty"`
	Error        *string         `json:"error,omitempty"`
	RetryCount   int             `json:"retryCount"`
	NextRetryAt  *time.Time      `json:"nextRetryAt,omitempty"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type listLogsResponse struct {
	Data []deliveryLogResponse `json:"data"`
	Meta logsMeta              `json:"meta"`
}

type logsMeta struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

type statsResponse struct {
	Total       int64 `json:"total"`
	Success     int64 `json:"success"`
	Failed      int64 `json:"failed"`
	Pending     int64 `json:"pending"`
	SuccessRate int   `json:"successRate"`
}

func (h *WebhookHandler) CreateWebhook(c *fiber.Ctx) error {
	var req createWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	created, err := h.webhooks.Create(requestContext(c), service.WebhookInput{
		OwnerID:     requestUserID(c),
		Name:        req.Name,
		Description: req.Description,
		URL:         req.URL,
		Secret:      req.Secret,
		Events:      req.Events,
		Headers:     req.Headers,
		RetryPolicy: req.RetryPolicy.toInput(),
		Active:      req.Active,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(toWebhookResponse(created))
}

func (h *WebhookHandler) ListWebhooks(c *fiber.Ctx) error {
	ownerID := requestUserID(c)
	if ownerID == "" {
		return toHTTPError(fmt.Errorf("%w: %s header is required", domain.ErrValidation, HeaderUserID))
	}

	webhooks, err := h.webhooks.List(requestContext(c), ownerID)
	if err != nil {
		return toHTTPError(err)
	}

	responses := make([]webhookResponse, 0, len(webhooks))
	for i := range webhooks {
		responses = append(responses, toWebhookResponse(&webhooks[i]))
	}
	return c.Status(fiber.StatusOK).JSON(responses)
}

func (h *WebhookHandler) GetWebhook(c *fiber.Ctx) error {
	webhook, err := h.webhooks.Get(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toWebhookResponse(webhook))
}

func (h *WebhookHandler) UpdateWebhook(c *fiber.Ctx) error {
	var req updateWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	updated, err := h.webhooks.Update(requestContext(c), strings.TrimSpace(c.Params("id")), service.WebhookPatch{
		Name:        req.Name,
		Description: req.Description,
		URL:         req.URL,
		Secret:      req.Secret,
		Events:      req.Events,
		Headers:     req.Headers,
		RetryPolicy: req.RetryPolicy.toInput(),
		Active:      req.Active,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toWebhookResponse(updated))
}

func (h *WebhookHandler) DeleteWebhook(c *fiber.Ctx) error {
	if err := h.webhooks.Delete(requestContext(c), strings.TrimSpace(c.Params("id"))); err != nil {
		return toHTTPError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *WebhookHandler) GetLogs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultLogsLimit)
	page := c.QueryInt("page", defaultLogsPage)
	if limit < 1 || limit > maxLogsLimit {
		return toHTTPError(fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxLogsLimit))
	}
	if page < 1 {
		return toHTTPError(fmt.Errorf("%w: page must be >= 1", domain.ErrValidation))
	}

	logs, err := h.logs.GetLogs(requestContext(c), strings.TrimSpace(c.Params("id")), limit, page)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]deliveryLogResponse, 0, len(logs))
	for i := range logs {
		data = append(data, toDeliveryLogResponse(&logs[i]))
	}
	return c.Status(fiber.StatusOK).JSON(listLogsResponse{
		Data: data,
		Meta: logsMeta{Page: page, Limit: limit},
	})
}

func (h *WebhookHandler) DeleteLogs(c *fiber.Ctx) error {
	if _, err := h.webhooks.DeleteLogs(requestContext(c), strings.TrimSpace(c.Params("id"))); err != nil {
		return toHTTPError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *WebhookHandler) GetStats(c *fiber.Ctx) error {
	stats, err := h.logs.GetStats(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(statsResponse{
		Total:       stats.Total,
		Success:     stats.Success,
		Failed:      stats.Failed,
		Pending:     stats.Pending,
		SuccessRate: stats.SuccessRate,
	})
}

// TestWebhook queues a single delivery to one webhook regardless of its event
// subscriptions. Without a body it sends WEBHOOK_TEST with a synthetic payload.
func (h *WebhookHandler) TestWebhook(c *fiber.Ctx) error {
	var req testWebhookRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	id := strings.TrimSpace(c.Params("id"))
	event := domain.EventWebhookTest
	if strings.TrimSpace(req.Event) != "" {
		parsed, err := domain.ParseEventFromString(req.Event)
		if err != nil {
			return toHTTPError(err)
		}
		event = parsed
	}

	var payload any = req.Payload
	if len(req.Payload) == 0 {
		payload = fiber.Map{
			"message":   "This is a test webhook delivery",
			"webhookId": id,
			"timestamp": h.now().UTC().Format(time.RFC3339),
		}
	}

	logID, err := h.dispatcher.DispatchToOne(requestContext(c), id, event, payload)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"logId": logID,
		"event": event.String(),
	})
}

// DispatchEvent fans a domain event out to every active subscriber.
func (h *WebhookHandler) DispatchEvent(c *fiber.Ctx) error {
	var req dispatchEventRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	event, err := domain.ParseEventFromString(req.Event)
	if err != nil {
		return toHTTPError(err)
	}

	started, err := h.dispatcher.Dispatch(requestContext(c), event, req.Payload)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"event":      event.String(),
		"deliveries": started,
	})
}

func (r *retryPolicyRequest) toInput() *service.RetryPolicyInput {
	if r == nil {
		return nil
	}
	return &service.RetryPolicyInput{
		MaxRetries:        r.MaxRetries,
		RetryDelayMs:      r.RetryDelay,
		BackoffMultiplier: r.BackoffMultiplier,
	}
}

func requestUserID(c *fiber.Ctx) string {
	return strings.TrimSpace(c.Get(HeaderUserID))
}

// requestContext carries the request id into the service layer.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := requestID(c); id != "" {
		ctx = observability.WithRequestID(ctx, id)
	}
	return ctx
}

func requestID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toWebhookResponse(w *domain.Webhook) webhookResponse {
	if w == nil {
		return webhookResponse{}
	}

	events := make([]string, 0, len(w.Events))
	for _, e := range w.Events {
		events = append(events, e.String())
	}
	headers := w.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	return webhookResponse{
		ID:              w.ID,
		OwnerID:         w.OwnerID,
		Name:            w.Name,
		Description:     w.Description,
		URL:             w.URL,
		HasSecret:       w.Secret != nil && *w.Secret != "",
		Events:          events,
		Headers:         headers,
		RetryPolicy:     w.RetryPolicy,
		Active:          w.Active,
		SuccessCount:    w.SuccessCount,
		FailureCount:    w.FailureCount,
		LastTriggeredAt: w.LastTriggeredAt,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
	}
}

func toDeliveryLogResponse(l *domain.DeliveryLog) deliveryLogResponse {
	return deliveryLogResponse{
		ID:           l.ID,
		WebhookID:    l.WebhookID,
		Event:        l.Event.String(),
		Payload:      l.Payload,
		Status:       l.Status.String(),
		StatusCode:   l.StatusCode,
		ResponseBody: l.ResponseBody,
		Error:        l.Error,
		RetryCount:   l.RetryCount,
		NextRetryAt:  l.NextRetryAt,
		ResolvedAt:   l.ResolvedAt,
		CreatedAt:    l.CreatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInactive):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	default:
		return err
	}
}
