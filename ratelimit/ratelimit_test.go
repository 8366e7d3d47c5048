package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/replykit/errors"
	"github.com/vinayprograms/replykit/state"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, max int, window time.Duration) (*Limiter, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := state.NewMemoryStore(state.WithClock(c.Now))
	t.Cleanup(func() { store.Close() })

	l, err := New(store, Config{MaxRequests: max, Window: window})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.nowFunc = c.Now
	return l, c
}

func TestLimiter_AllowsUpToMaxThenDenies(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Hour)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ok, err := l.IsAllowed(ctx, "u1")
		if err != nil {
			t.Fatalf("IsAllowed #%d failed: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	ok, err := l.IsAllowed(ctx, "u1")
	if err != nil {
		t.Fatalf("IsAllowed failed: %v", err)
	}
	if ok {
		t.Error("4th request should be denied")
	}

	n, _ := l.Count(ctx, "u1")
	if n != 3 {
		t.Errorf("Count = %d, want 3 (denied requests are not counted)", n)
	}
	r, _ := l.Remaining(ctx, "u1")
	if r != 0 {
		t.Errorf("Remaining = %d, want 0", r)
	}
}

func TestLimiter_WindowExpiryRestartsCount(t *testing.T) {
	l, c := newTestLimiter(t, 3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.IsAllowed(ctx, "u1")
	}

	c.Advance(time.Hour)

	ok, err := l.IsAllowed(ctx, "u1")
	if err != nil {
		t.Fatalf("IsAllowed failed: %v", err)
	}
	if !ok {
		t.Error("request after window should be allowed")
	}
	if n, _ := l.Count(ctx, "u1"); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestLimiter_IncrementDoesNotExtendWindow(t *testing.T) {
	l, c := newTestLimiter(t, 10, time.Hour)
	ctx := context.Background()

	l.IsAllowed(ctx, "u1")
	c.Advance(50 * time.Minute)
	l.IsAllowed(ctx, "u1")

	if n, _ := l.Count(ctx, "u1"); n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}

	// The window opened by the first request closes at +60m, not +110m.
	c.Advance(10 * time.Minute)
	if n, _ := l.Count(ctx, "u1"); n != 0 {
		t.Errorf("Count after window = %d, want 0", n)
	}
}

func TestLimiter_UsersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Hour)
	ctx := context.Background()

	if ok, _ := l.IsAllowed(ctx, "alice"); !ok {
		t.Error("alice first request denied")
	}
	if ok, _ := l.IsAllowed(ctx, "bob"); !ok {
		t.Error("bob first request denied")
	}
	if ok, _ := l.IsAllowed(ctx, "alice"); ok {
		t.Error("alice second request allowed")
	}
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Hour)
	ctx := context.Background()

	l.IsAllowed(ctx, "u1")
	if err := l.Reset(ctx, "u1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if r, _ := l.Remaining(ctx, "u1"); r != 1 {
		t.Errorf("Remaining after reset = %d, want 1", r)
	}
	if ok, _ := l.IsAllowed(ctx, "u1"); !ok {
		t.Error("request after reset denied")
	}
}

func TestLimiter_ConcurrentCallersNeverExceedMax(t *testing.T) {
	l, _ := newTestLimiter(t, 25, time.Hour)
	l.cfg.CASRetries = 1000
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.IsAllowed(ctx, "hot")
			if err != nil {
				t.Errorf("IsAllowed failed: %v", err)
				return
			}
			if ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 25 {
		t.Errorf("allowed = %d, want exactly 25", allowed.Load())
	}
	if n, _ := l.Count(ctx, "hot"); n != 25 {
		t.Errorf("Count = %d, want 25", n)
	}
}

func TestLimiter_EmptyUserID(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Hour)
	_, err := l.IsAllowed(context.Background(), "")
	if !errors.Is(err, errors.CodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestLimiter_CorruptCounter(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Hour)
	ctx := context.Background()
	l.store.Put(ctx, Key("u1"), []byte("{not json"), time.Hour)

	_, err := l.IsAllowed(ctx, "u1")
	if !errors.Is(err, errors.CodeCorruption) {
		t.Errorf("expected CORRUPTION, got %v", err)
	}
}

func TestNewDefaultsAndValidation(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()

	l, err := New(store, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if l.Config().MaxRequests != DefaultMaxRequests || l.Config().Window != DefaultWindow {
		t.Errorf("defaults not applied: %+v", l.Config())
	}

	if _, err := New(store, Config{MaxRequests: -1}); err == nil {
		t.Error("expected error for negative max")
	}
	if _, err := New(nil, Config{}); err == nil {
		t.Error("expected error for nil store")
	}
}
