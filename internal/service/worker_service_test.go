package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/provider"
	"github.com/kursadbilgin/webhook-engine/internal/queue"
	"github.com/kursadbilgin/webhook-engine/internal/ratelimit"
	"go.uber.org/zap"
)

type workerFixture struct {
	store     *memStore
	publisher *fakePublisher
	schedule  *manualSchedule
	worker    *DeliveryWorker
}

func newWorkerFixture(t *testing.T, executor provider.Executor, limiter ratelimit.RateLimiter, webhooks ...domain.Webhook) *workerFixture {
	t.Helper()

	store := newMemStore(webhooks...)
	publisher := &fakePublisher{}
	recorder := newTestRecorder(t, store)

	worker, err := NewDeliveryWorker(
		store.logRepo(),
		store,
		recorder,
		&fakeConsumer{},
		publisher,
		executor,
		limiter,
		2,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewDeliveryWorker() error = %v", err)
	}

	schedule := &manualSchedule{}
	worker.schedule = schedule.schedule

	return &workerFixture{store: store, publisher: publisher, schedule: schedule, worker: worker}
}

func (f *workerFixture) startSequence(t *testing.T, webhookID string) queue.DeliveryMessage {
	t.Helper()

	log, err := f.worker.recorder.Start(context.Background(), webhookID, domain.EventProjectCreated, json.RawMessage(`{"id":"p1"}`))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return queue.DeliveryMessage{LogID: log.ID, WebhookID: webhookID, Event: domain.EventProjectCreated}
}

func TestDeliveryWorkerUnsignedSuccess(t *testing.T) {
	t.Parallel()

	var (
		mu         sync.Mutex
		sigValues  []string
		sigPresent bool
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sigValues, sigPresent = r.Header["X-Webhook-Signature"]
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := domain.Webhook{
		ID:          "wh-1",
		URL:         server.URL,
		Active:      true,
		Events:      []domain.Event{domain.EventProjectCreated},
		RetryPolicy: domain.DefaultRetryPolicy(),
	}
	f := newWorkerFixture(t, provider.NewWebhookProvider(time.Second), nil, webhook)
	msg := f.startSequence(t, "wh-1")

	if err := f.worker.processMessage(context.Background(), msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	log := f.store.log(msg.LogID)
	if log.Status != domain.DeliveryStatusSuccess || log.RetryCount != 0 || log.ResolvedAt == nil {
		t.Fatalf("log = %+v, want SUCCESS on first attempt", log)
	}
	if got := f.store.webhook("wh-1").SuccessCount; got != 1 {
		t.Fatalf("success count = %d, want 1", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if !sigPresent || len(sigValues) != 1 || sigValues[0] != "" {
		t.Fatalf("signature header = %v (present=%v), want present and empty", sigValues, sigPresent)
	}
}

func TestDeliveryWorkerRetriesUntilExhausted(t *testing.T) {
	t.Parallel()

	attempts := make([]int, 0, 3)
	executor := &fakeExecutor{
		attemptFn: func(ctx context.Context, webhook domain.Webhook, event domain.Event, payload json.RawMessage, attempt int) provider.Outcome {
			attempts = append(attempts, attempt)
			return provider.Outcome{StatusCode: 500, Err: &provider.DeliveryError{StatusCode: 500, Message: "endpoint returned status 500"}}
		},
	}
	webhook := domain.Webhook{
		ID:          "wh-1",
		Active:      true,
		RetryPolicy: domain.RetryPolicy{MaxRetries: 2, RetryDelayMs: 100, BackoffMultiplier: 2},
	}
	f := newWorkerFixture(t, executor, nil, webhook)
	msg := f.startSequence(t, "wh-1")

	for i := 0; i < 3; i++ {
		if err := f.worker.processMessage(context.Background(), msg); err != nil {
			t.Fatalf("processMessage(attempt %d) error = %v", msg.Attempt, err)
		}
		f.schedule.fireAll()
		if published := f.publisher.messages(); len(published) > i {
			msg = published[i]
		}
	}

	if len(attempts) != 3 || attempts[0] != 0 || attempts[1] != 1 || attempts[2] != 2 {
		t.Fatalf("attempts = %v, want [0 1 2]", attempts)
	}
	if len(f.schedule.delays) != 2 || f.schedule.delays[0] != 100*time.Millisecond || f.schedule.delays[1] != 200*time.Millisecond {
		t.Fatalf("delays = %v, want [100ms 200ms]", f.schedule.delays)
	}

	log := f.store.log(msg.LogID)
	if log.Status != domain.DeliveryStatusFailed {
		t.Fatalf("status = %s, want FAILED", log.Status)
	}
	if log.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2 (maxRetries)", log.RetryCount)
	}
	if log.Error == nil || *log.Error != "endpoint returned status 500" {
		t.Fatalf("error = %v, want last error retained", log.Error)
	}
	if got := f.store.webhook("wh-1").FailureCount; got != 1 {
		t.Fatalf("failure count = %d, want 1", got)
	}
}

func TestDeliveryWorkerSkipsStaleMessage(t *testing.T) {
	t.Parallel()

	called := false
	executor := &fakeExecutor{
		attemptFn: func(ctx context.Context, webhook domain.Webhook, event domain.Event, payload json.RawMessage, attempt int) provider.Outcome {
			called = true
			return provider.Outcome{Success: true, StatusCode: 200}
		},
	}
	f := newWorkerFixture(t, executor, nil, domain.Webhook{ID: "wh-1", Active: true, RetryPolicy: domain.DefaultRetryPolicy()})

	msg := f.startSequence(t, "wh-1")
	msg.Attempt = 1
	if err := f.worker.processMessage(context.Background(), msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	resolved := f.startSequence(t, "wh-1")
	log := f.store.log(resolved.LogID)
	log.Status = domain.DeliveryStatusSuccess
	f.store.putLog(log)
	if err := f.worker.processMessage(context.Background(), resolved); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	missing := queue.DeliveryMessage{LogID: "pruned", WebhookID: "wh-1", Event: domain.EventProjectCreated}
	if err := f.worker.processMessage(context.Background(), missing); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	if called {
		t.Fatal("executor must not be called for stale, resolved or missing sequences")
	}
}

func TestDeliveryWorkerWebhookDeleted(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, &fakeExecutor{}, nil)
	msg := f.startSequence(t, "deleted")

	if err := f.worker.processMessage(context.Background(), msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	log := f.store.log(msg.LogID)
	if log.Status != domain.DeliveryStatusFailed || log.Error == nil || *log.Error != "webhook deleted" {
		t.Fatalf("log = %+v, want FAILED with webhook deleted", log)
	}
}

func TestDeliveryWorkerRateLimiterFailOpen(t *testing.T) {
	t.Parallel()

	var limitedID string
	limiter := &fakeRateLimiter{
		waitFn: func(ctx context.Context, webhookID string) error {
			limitedID = webhookID
			return errors.New("redis unavailable")
		},
	}
	f := newWorkerFixture(t, &fakeExecutor{}, limiter, domain.Webhook{ID: "wh-1", Active: true, RetryPolicy: domain.DefaultRetryPolicy()})
	msg := f.startSequence(t, "wh-1")

	if err := f.worker.processMessage(context.Background(), msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}
	if limitedID != "wh-1" {
		t.Fatalf("rate limited key = %q, want wh-1", limitedID)
	}
	if got := f.store.log(msg.LogID).Status; got != domain.DeliveryStatusSuccess {
		t.Fatalf("status = %s, want SUCCESS despite limiter error", got)
	}
}

func TestDeliveryWorkerCanceledAttemptLeavesSequenceOpen(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	executor := &fakeExecutor{
		attemptFn: func(ctx context.Context, webhook domain.Webhook, event domain.Event, payload json.RawMessage, attempt int) provider.Outcome {
			cancel()
			return provider.Outcome{Err: context.Canceled}
		},
	}
	f := newWorkerFixture(t, executor, nil, domain.Webhook{ID: "wh-1", Active: true, RetryPolicy: domain.DefaultRetryPolicy()})
	msg := f.startSequence(t, "wh-1")

	if err := f.worker.processMessage(ctx, msg); !errors.Is(err, context.Canceled) {
		t.Fatalf("processMessage() error = %v, want context.Canceled", err)
	}
	if got := f.store.log(msg.LogID).Status; got != domain.DeliveryStatusPending {
		t.Fatalf("status = %s, want PENDING left for recovery", got)
	}
}

func TestDeliveryWorkerStopDropsPendingRetries(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{
		attemptFn: func(ctx context.Context, webhook domain.Webhook, event domain.Event, payload json.RawMessage, attempt int) provider.Outcome {
			return provider.Outcome{Err: errors.New("connection refused")}
		},
	}
	f := newWorkerFixture(t, executor, nil, domain.Webhook{ID: "wh-1", Active: true, RetryPolicy: domain.DefaultRetryPolicy()})
	msg := f.startSequence(t, "wh-1")

	if err := f.worker.processMessage(context.Background(), msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}
	if got := f.worker.PendingRetries(); got != 1 {
		t.Fatalf("pending retries = %d, want 1", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.worker.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := f.worker.PendingRetries(); got != 0 {
		t.Fatalf("pending retries = %d, want 0 after stop", got)
	}
	if got := f.store.log(msg.LogID); got.Status != domain.DeliveryStatusRetrying || got.NextRetryAt == nil {
		t.Fatalf("log = %+v, want RETRYING with next_retry_at for recovery", got)
	}
}

// Attempts of a failing sequence with policy {2, 100ms, 2} run at about
// 0ms, 100ms and 300ms through the real queue and timers.
func TestDeliveryWorkerBackoffTiming(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		times []time.Time
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := newMemStore(domain.Webhook{
		ID:          "wh-1",
		URL:         server.URL,
		Active:      true,
		Events:      []domain.Event{domain.EventProjectCreated},
		RetryPolicy: domain.RetryPolicy{MaxRetries: 2, RetryDelayMs: 100, BackoffMultiplier: 2},
	})
	recorder, err := NewLogRecorder(store.logRepo(), store, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLogRecorder() error = %v", err)
	}

	mq := queue.NewMemoryQueue(16)
	mq.Declare(queue.DeliveryQueue)

	worker, err := NewDeliveryWorker(store.logRepo(), store, recorder, mq, mq, provider.NewWebhookProvider(time.Second), ratelimit.Unlimited{}, 2, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDeliveryWorker() error = %v", err)
	}
	dispatcher, err := NewDispatcher(store, recorder, mq, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- worker.Start(ctx) }()

	if _, err := dispatcher.Dispatch(context.Background(), domain.EventProjectCreated, map[string]any{"id": "p1"}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	var log domain.DeliveryLog
	for time.Now().Before(deadline) {
		logs, _ := store.ListByWebhook(context.Background(), "wh-1", 1, 0)
		if len(logs) == 1 && logs[0].Status.IsTerminal() {
			log = logs[0]
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if log.Status != domain.DeliveryStatusFailed || log.RetryCount != 2 {
		t.Fatalf("log = %+v, want FAILED with retry count 2", log)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(times) != 3 {
		t.Fatalf("attempts = %d, want 3", len(times))
	}
	first := times[1].Sub(times[0])
	second := times[2].Sub(times[1])
	if first < 100*time.Millisecond || first > 400*time.Millisecond {
		t.Fatalf("first backoff = %s, want about 100ms", first)
	}
	if second < 200*time.Millisecond || second > 600*time.Millisecond {
		t.Fatalf("second backoff = %s, want about 200ms", second)
	}
}

func TestDeliveryWorkerResolvesUnstorableResponses(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		statusCode  int
		body        string
		wantStatus  domain.DeliveryStatus
		wantSuccess int64
		wantFailure int64
	}{
		{
			name:        "long multibyte success body",
			statusCode:  http.StatusOK,
			body:        strings.Repeat("a", 4095) + "é",
			wantStatus:  domain.DeliveryStatusSuccess,
			wantSuccess: 1,
		},
		{
			name:        "binary error body",
			statusCode:  http.StatusInternalServerError,
			body:        "\xff\xfe\x00",
			wantStatus:  domain.DeliveryStatusFailed,
			wantFailure: 1,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			webhook := domain.Webhook{
				ID:          "wh-1",
				URL:         server.URL,
				Active:      true,
				Events:      []domain.Event{domain.EventProjectCreated},
				RetryPolicy: domain.RetryPolicy{MaxRetries: 0, RetryDelayMs: 100, BackoffMultiplier: 2},
			}
			f := newWorkerFixture(t, provider.NewWebhookProvider(time.Second), nil, webhook)
			msg := f.startSequence(t, "wh-1")

			if err := f.worker.processMessage(context.Background(), msg); err != nil {
				t.Fatalf("processMessage() error = %v", err)
			}

			log := f.store.log(msg.LogID)
			if log.Status != tc.wantStatus || log.ResolvedAt == nil {
				t.Fatalf("log = %+v, want resolved %s", log, tc.wantStatus)
			}
			if got := f.store.webhook("wh-1"); got.SuccessCount != tc.wantSuccess || got.FailureCount != tc.wantFailure {
				t.Fatalf("counters = %d/%d, want %d/%d", got.SuccessCount, got.FailureCount, tc.wantSuccess, tc.wantFailure)
			}
			if got := hits.Load(); got != 1 {
				t.Fatalf("endpoint hits = %d, want 1", got)
			}
		})
	}
}

func TestDeliveryWorkerLoweredPolicyCapsRetryCount(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{
		attemptFn: func(ctx context.Context, webhook domain.Webhook, event domain.Event, payload json.RawMessage, attempt int) provider.Outcome {
			return provider.Outcome{StatusCode: 502, Err: &provider.DeliveryError{StatusCode: 502}}
		},
	}
	webhook := domain.Webhook{
		ID:          "wh-1",
		Active:      true,
		RetryPolicy: domain.RetryPolicy{MaxRetries: 1, RetryDelayMs: 100, BackoffMultiplier: 2},
	}
	f := newWorkerFixture(t, executor, nil, webhook)

	due := time.Now().Add(-time.Second)
	f.store.putLog(domain.DeliveryLog{
		ID:          "log-1",
		WebhookID:   "wh-1",
		Event:       domain.EventTimeEntryUpdated,
		Payload:     json.RawMessage(`{}`),
		Status:      domain.DeliveryStatusRetrying,
		RetryCount:  3,
		NextRetryAt: &due,
		CreatedAt:   due.Add(-time.Minute),
	})

	msg := queue.DeliveryMessage{LogID: "log-1", WebhookID: "wh-1", Event: domain.EventTimeEntryUpdated, Attempt: 3}
	if err := f.worker.processMessage(context.Background(), msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	log := f.store.log("log-1")
	if log.Status != domain.DeliveryStatusFailed || log.RetryCount != webhook.RetryPolicy.MaxRetries {
		t.Fatalf("log = %+v, want FAILED with retry count %d", log, webhook.RetryPolicy.MaxRetries)
	}
	if published := f.publisher.messages(); len(published) != 0 {
		t.Fatalf("published = %v, want no further attempt", published)
	}
}
