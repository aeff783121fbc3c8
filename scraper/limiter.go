package scraper

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// pacer spaces requests against the target host. One pacer is shared by
// reference across every fetching goroutine, so the aggregate request
// rate stays bounded no matter how many workers run.
type pacer struct {
	limiter *rate.Limiter
}

// newPacer builds a pacer that releases one request per delay interval.
// A zero delay disables pacing.
func newPacer(delay time.Duration) *pacer {
	if delay <= 0 {
		return &pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &pacer{limiter: rate.NewLimiter(rate.Every(delay), 1)}
}

// Wait blocks until the next request slot opens, respecting the context.
func (p *pacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait: %w", err)
	}
	return nil
}
