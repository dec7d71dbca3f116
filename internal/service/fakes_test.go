package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
	"github.com/kursadbilgin/webhook-engine/internal/provider"
	"github.com/kursadbilgin/webhook-engine/internal/queue"
	"github.com/kursadbilgin/webhook-engine/internal/ratelimit"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
)

// memStore is an in-memory WebhookRepository and LogRepository that applies the
// same open-status and retry_count guard as the gorm repositories. Like
// Postgres text columns, it rejects invalid UTF-8 and NUL bytes.
type memStore struct {
	mu       sync.Mutex
	webhooks map[string]domain.Webhook
	logs     map[string]domain.DeliveryLog
	seq      int
}

var _ repository.WebhookRepository = (*memStore)(nil)

func newMemStore(webhooks ...domain.Webhook) *memStore {
	s := &memStore{
		webhooks: make(map[string]domain.Webhook),
		logs:     make(map[string]domain.DeliveryLog),
	}
	for _, w := range webhooks {
		s.webhooks[w.ID] = w
	}
	return s
}

func (s *memStore) Create(ctx context.Context, w *domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[w.ID] = *w
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (*domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &w, nil
}

func (s *memStore) ListByOwner(ctx context.Context, ownerID string) ([]domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Webhook, 0)
	for _, w := range s.webhooks {
		if ownerID == "" || w.OwnerID == ownerID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ListActiveForEvent(ctx context.Context, event domain.Event) ([]domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Webhook, 0)
	for _, w := range s.webhooks {
		if w.Active && w.Subscribes(event) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Update(ctx context.Context, w *domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[w.ID]; !ok {
		return domain.ErrNotFound
	}
	s.webhooks[w.ID] = *w
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.webhooks, id)
	return nil
}

func (s *memStore) IncrementSuccess(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.SuccessCount++
	w.LastTriggeredAt = &at
	s.webhooks[id] = w
	return nil
}

func (s *memStore) IncrementFailure(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.FailureCount++
	s.webhooks[id] = w
	return nil
}

// logStore exposes the LogRepository half of memStore, since both interfaces
// declare Create and GetByID.
type logStore struct{ *memStore }

var _ repository.LogRepository = logStore{}

func (s *memStore) logRepo() logStore { return logStore{s} }

func (s logStore) Create(ctx context.Context, l *domain.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	l.CreatedAt = l.CreatedAt.Add(time.Duration(s.seq) * time.Microsecond)
	s.logs[l.ID] = *l
	return nil
}

func (s logStore) GetByID(ctx context.Context, id string) (*domain.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &l, nil
}

func (s *memStore) ListByWebhook(ctx context.Context, webhookID string, limit int, offset int) ([]domain.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeliveryLog, 0)
	for _, l := range s.logs {
		if l.WebhookID == webhookID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []domain.DeliveryLog{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CountByStatus(ctx context.Context, webhookID string) ([]repository.StatusCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.DeliveryStatus]int64)
	for _, l := range s.logs {
		if l.WebhookID == webhookID {
			counts[l.Status]++
		}
	}
	out := make([]repository.StatusCount, 0, len(counts))
	for status, count := range counts {
		out = append(out, repository.StatusCount{Status: status, Count: count})
	}
	return out, nil
}

var errInvalidText = errors.New("invalid byte sequence for encoding \"UTF8\" (SQLSTATE 22021)")

func checkText(result repository.AttemptResult) error {
	for _, v := range []*string{result.ResponseBody, result.Error} {
		if v != nil && (!utf8.ValidString(*v) || strings.ContainsRune(*v, 0)) {
			return errInvalidText
		}
	}
	return nil
}

func (s *memStore) transition(id string, attempt int, result repository.AttemptResult, apply func(l *domain.DeliveryLog)) error {
	if err := checkText(result); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok || l.Status.IsTerminal() || l.RetryCount != attempt {
		return domain.ErrConflict
	}
	apply(&l)
	s.logs[id] = l
	return nil
}

func (s *memStore) MarkSuccess(ctx context.Context, id string, attempt int, result repository.AttemptResult, resolvedAt time.Time) error {
	return s.transition(id, attempt, result, func(l *domain.DeliveryLog) {
		l.Status = domain.DeliveryStatusSuccess
		l.StatusCode, l.ResponseBody, l.Error = result.StatusCode, result.ResponseBody, nil
		l.NextRetryAt = nil
		l.ResolvedAt = &resolvedAt
	})
}

func (s *memStore) MarkRetrying(ctx context.Context, id string, attempt int, result repository.AttemptResult, nextRetryAt time.Time) error {
	return s.transition(id, attempt, result, func(l *domain.DeliveryLog) {
		l.Status = domain.DeliveryStatusRetrying
		l.StatusCode, l.ResponseBody, l.Error = result.StatusCode, result.ResponseBody, result.Error
		l.RetryCount = attempt + 1
		l.NextRetryAt = &nextRetryAt
		l.RecoveredAt = nil
	})
}

func (s *memStore) MarkFailed(ctx context.Context, id string, attempt int, result repository.AttemptResult, resolvedAt time.Time) error {
	return s.transition(id, attempt, result, func(l *domain.DeliveryLog) {
		l.Status = domain.DeliveryStatusFailed
		l.StatusCode, l.ResponseBody, l.Error = result.StatusCode, result.ResponseBody, result.Error
		if result.RetryCount != nil {
			l.RetryCount = *result.RetryCount
		}
		l.NextRetryAt = nil
		l.ResolvedAt = &resolvedAt
	})
}

func (s *memStore) GetOrphaned(ctx context.Context, cutoff time.Time, limit int) ([]domain.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeliveryLog, 0)
	for _, l := range s.logs {
		due := l.CreatedAt
		if l.Status == domain.DeliveryStatusRetrying && l.NextRetryAt != nil {
			due = *l.NextRetryAt
		}
		if l.RecoveredAt != nil && l.RecoveredAt.After(due) {
			due = *l.RecoveredAt
		}
		if !l.Status.IsTerminal() && !due.After(cutoff) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MarkRecovered(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[id]; ok && !l.Status.IsTerminal() {
		l.RecoveredAt = &at
		s.logs[id] = l
	}
	return nil
}

func (s *memStore) DeleteByWebhook(ctx context.Context, webhookID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, l := range s.logs {
		if l.WebhookID == webhookID {
			delete(s.logs, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, l := range s.logs {
		if l.ResolvedAt != nil && l.ResolvedAt.Before(cutoff) {
			delete(s.logs, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) webhook(id string) domain.Webhook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webhooks[id]
}

func (s *memStore) log(id string) domain.DeliveryLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[id]
}

func (s *memStore) logCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

func (s *memStore) putLog(l domain.DeliveryLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[l.ID] = l
}

type fakePublisher struct {
	mu        sync.Mutex
	published []queue.DeliveryMessage
	publishFn func(ctx context.Context, queueName string, msg queue.DeliveryMessage) error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.DeliveryMessage) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, queueName, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) messages() []queue.DeliveryMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.DeliveryMessage(nil), f.published...)
}

type fakeExecutor struct {
	attemptFn func(ctx context.Context, webhook domain.Webhook, event domain.Event, payload json.RawMessage, attempt int) provider.Outcome
}

func (f *fakeExecutor) Attempt(ctx context.Context, webhook domain.Webhook, event domain.Event, payload json.RawMessage, attempt int) provider.Outcome {
	if f.attemptFn != nil {
		return f.attemptFn(ctx, webhook, event, payload, attempt)
	}
	return provider.Outcome{Success: true, StatusCode: 200}
}

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, webhookID string) (bool, error)
	waitFn  func(ctx context.Context, webhookID string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, webhookID string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, webhookID)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, webhookID string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, webhookID)
	}
	return nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

// manualSchedule captures scheduled retries so tests decide when they fire.
type manualSchedule struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (m *manualSchedule) schedule(delay time.Duration, fn func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, delay)
	m.fns = append(m.fns, fn)
	return func() bool { return true }
}

func (m *manualSchedule) fireAll() {
	m.mu.Lock()
	fns := m.fns
	m.fns = nil
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
