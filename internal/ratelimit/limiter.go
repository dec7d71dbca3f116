package ratelimit

import "context"

// RateLimiter throttles outbound deliveries per subscriber endpoint.
type RateLimiter interface {
	Allow(ctx context.Context, webhookID string) (bool, error)
	Wait(ctx context.Context, webhookID string) error
}

// Unlimited never throttles. It is used when rate limiting is switched off.
type Unlimited struct{}

var _ RateLimiter = Unlimited{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

func (Unlimited) Wait(ctx context.Context, _ string) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
