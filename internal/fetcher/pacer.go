package fetcher

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer enforces a floor on the spacing between consecutive requests. A loop
// that calls Wait at the top of every iteration sleeps
// max(0, delay - elapsed since the previous iteration started).
type Pacer struct {
	delay   time.Duration
	limiter *rate.Limiter
}

// NewPacer builds a pacer; a non-positive delay disables pacing.
func NewPacer(delay time.Duration) *Pacer {
	if delay <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{delay: delay, limiter: rate.NewLimiter(rate.Every(delay), 1)}
}

// Wait blocks until the next request may be issued or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

// Delay returns the configured spacing.
func (p *Pacer) Delay() time.Duration {
	if p == nil {
		return 0
	}
	return p.delay
}
