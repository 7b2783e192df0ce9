package oracle

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limited caps how often the wrapped oracle is consulted. Calls over the limit
// fail fast with ErrThrottled instead of blocking a worker.
type Limited struct {
	next Oracle

	mu  sync.Mutex
	lim *rate.Limiter
}

// NewLimited wraps next with a token bucket of perSec tokens per second.
// perSec <= 0 disables limiting.
func NewLimited(next Oracle, perSec float64, burst int) *Limited {
	l := &Limited{next: next}
	l.SetRate(perSec, burst)
	return l
}

// SetRate swaps the limiter. Safe to call during hot-reload.
func (l *Limited) SetRate(perSec float64, burst int) {
	var lim *rate.Limiter
	if perSec > 0 {
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSec), burst)
	}
	l.mu.Lock()
	l.lim = lim
	l.mu.Unlock()
}

// SetNext swaps the wrapped oracle.
func (l *Limited) SetNext(next Oracle) {
	l.mu.Lock()
	l.next = next
	l.mu.Unlock()
}

func (l *Limited) Prioritize(ctx context.Context, req Request) (*Response, error) {
	if l == nil {
		return nil, ErrNoOracle
	}
	l.mu.Lock()
	lim, next := l.lim, l.next
	l.mu.Unlock()
	if next == nil {
		return nil, ErrNoOracle
	}
	if lim != nil && !lim.Allow() {
		return nil, ErrThrottled
	}
	return next.Prioritize(ctx, req)
}
