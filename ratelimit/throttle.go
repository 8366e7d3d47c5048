package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle paces outbound calls to upstream APIs (social API reads and
// writes, generation requests) so a burst of tasks does not trip their quotas.
// Each resource is a token bucket holding capacity tokens and refilled at
// capacity/window. It is process-local and safe for concurrent use.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	closed   bool
	nowFunc  func() time.Time
}

func NewThrottle() *Throttle {
	return &Throttle{
		limiters: make(map[string]*rate.Limiter),
		nowFunc:  time.Now,
	}
}

// SetRate allows capacity calls per window for resource. A non-positive
// capacity or window removes the limit.
func (t *Throttle) SetRate(resource string, capacity int, window time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if capacity <= 0 || window <= 0 {
		delete(t.limiters, resource)
		return
	}
	limit := rate.Limit(float64(capacity) / window.Seconds())
	if l, ok := t.limiters[resource]; ok {
		now := t.nowFunc()
		l.SetLimitAt(now, limit)
		l.SetBurstAt(now, capacity)
		return
	}
	t.limiters[resource] = rate.NewLimiter(limit, capacity)
}

func (t *Throttle) limiter(resource string) (*rate.Limiter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	return t.limiters[resource], nil
}

// TryAcquire takes a token if one is available. Unlimited resources always
// succeed.
func (t *Throttle) TryAcquire(resource string) bool {
	l, err := t.limiter(resource)
	if err != nil {
		return false
	}
	if l == nil {
		return true
	}
	return l.AllowN(t.nowFunc(), 1)
}

// Wait blocks until a token for resource is available or ctx ends.
// Resources without a configured rate pass straight through.
func (t *Throttle) Wait(ctx context.Context, resource string) error {
	l, err := t.limiter(resource)
	if err != nil {
		return err
	}
	if l == nil {
		return nil
	}

	now := t.nowFunc()
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return ErrInvalidConfig
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Available returns the whole tokens left for resource, or -1 if unlimited.
func (t *Throttle) Available(resource string) int {
	l, err := t.limiter(resource)
	if err != nil || l == nil {
		return -1
	}
	tokens := l.TokensAt(t.nowFunc())
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}

// Close makes every later Wait fail with ErrClosed.
func (t *Throttle) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.closed = true
	return nil
}
