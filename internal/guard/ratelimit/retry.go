package ratelimit

import (
	"context"

	"github.com/convergio/core/internal/domain"
	"github.com/convergio/core/internal/retry"
)

// AcquireWithRetry retries a rate-limit acquisition with jitter up to 3
// times before failing the turn (spec §4.6: "the orchestrator retries
// with jitter up to 3 times before failing the turn"). It never blocks
// past the retry budget — callers get back a RateLimited error, not a
// stall.
func AcquireWithRetry(ctx context.Context, l *Limiter, key Key) error {
	cfg := retry.Config{
		MaxAttempts:  3,
		InitialDelay: retryInitialDelay,
		MaxDelay:     retryMaxDelay,
		Factor:       2.0,
		Jitter:       true,
	}
	res := retry.Do(ctx, cfg, func() error {
		if l.Allow(key) {
			return nil
		}
		return domain.NewError(domain.ErrKindRateLimited, nil)
	})
	return res.Err
}
