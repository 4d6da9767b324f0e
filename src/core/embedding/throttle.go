package embedding

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the pause between two embedding calls of the indexer.
const DefaultInterval = 100 * time.Millisecond

// Throttle spaces embedding calls at a fixed interval. It is a token bucket
// of size one refilled every interval, shared by every caller holding it.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle returns a throttle allowing one call per interval. A zero or
// negative interval disables throttling.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next call is allowed or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return ctx.Err()
	}
	return t.limiter.Wait(ctx)
}
