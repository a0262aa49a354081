package fetcher

import (
	"context"
	"sync"
	"time"
)

// Limiter spaces successive calls at least delay apart. The first call passes
// immediately. A zero delay never waits.
type Limiter struct {
	mu    sync.Mutex
	delay time.Duration
	next  time.Time
	now   func() time.Time
}

func NewLimiter(delay time.Duration) *Limiter {
	return &Limiter{delay: delay, now: time.Now}
}

// Wait blocks until the caller may proceed or ctx is done. A cancelled wait
// does not consume the slot.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if wait := l.next.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		now = l.now()
	}

	l.next = now.Add(l.delay)
	return nil
}
