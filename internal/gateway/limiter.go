package gateway

import (
	"context"
	"sync"
	"time"
)

// limiter enforces a per-provider in-flight cap and a minimum spacing between
// request starts. Callers block until a slot is free rather than failing.
type limiter struct {
	slots chan struct{}

	mu      sync.Mutex
	nextAt  time.Time
	spacing time.Duration
}

func newLimiter(maxInFlight int, spacing time.Duration) *limiter {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &limiter{
		slots:   make(chan struct{}, maxInFlight),
		spacing: spacing,
	}
}

// acquire blocks until an in-flight slot is available and the spacing window
// has elapsed. Returns the context error on cancellation.
func (l *limiter) acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	now := time.Now()
	wait := l.nextAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	l.nextAt = now.Add(wait + l.spacing)
	l.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			<-l.slots
			return ctx.Err()
		}
	}
	return nil
}

func (l *limiter) release() {
	<-l.slots
}
