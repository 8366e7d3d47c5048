package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestThrottle_TryAcquire(t *testing.T) {
	th := NewThrottle()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	th.nowFunc = func() time.Time { return now }

	th.SetRate("social.write", 3, time.Minute)
	for i := 0; i < 3; i++ {
		if !th.TryAcquire("social.write") {
			t.Fatalf("TryAcquire #%d failed", i+1)
		}
	}
	if th.TryAcquire("social.write") {
		t.Error("4th TryAcquire should fail")
	}

	now = now.Add(21 * time.Second)
	if !th.TryAcquire("social.write") {
		t.Error("token should refill after capacity/window")
	}
	if th.Available("social.write") != 0 {
		t.Errorf("Available = %d, want 0", th.Available("social.write"))
	}
}

func TestThrottle_UnknownResourcePassesThrough(t *testing.T) {
	th := NewThrottle()
	if err := th.Wait(context.Background(), "llm.generate"); err != nil {
		t.Errorf("Wait on unlimited resource: %v", err)
	}
	if th.Available("llm.generate") != -1 {
		t.Error("unlimited resource should report -1")
	}
}

func TestThrottle_WaitHonorsContext(t *testing.T) {
	th := NewThrottle()
	th.SetRate("social.read", 1, time.Hour)
	th.TryAcquire("social.read")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := th.Wait(ctx, "social.read"); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestThrottle_WaitGetsRefilledToken(t *testing.T) {
	th := NewThrottle()
	th.SetRate("social.read", 100, time.Second)
	for th.TryAcquire("social.read") {
	}

	start := time.Now()
	if err := th.Wait(context.Background(), "social.read"); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Wait took %v", time.Since(start))
	}
}

func TestThrottle_SetRateRemoves(t *testing.T) {
	th := NewThrottle()
	th.SetRate("x", 1, time.Hour)
	th.SetRate("x", 0, 0)
	if th.Available("x") != -1 {
		t.Error("SetRate(0) should remove the limit")
	}
}

func TestThrottle_Closed(t *testing.T) {
	th := NewThrottle()
	th.SetRate("x", 1, time.Hour)
	th.Close()
	if err := th.Wait(context.Background(), "x"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := th.Close(); err != ErrClosed {
		t.Errorf("second Close: expected ErrClosed, got %v", err)
	}
}
