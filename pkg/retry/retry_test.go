package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")

	err := Do(context.Background(), Fixed(3, time.Millisecond, nil), func() error {
		calls++
		return boom
	})

	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoReturnsOnFirstSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(3, time.Millisecond, nil), func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDoPermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	bad := errors.New("bad request")

	err := Do(context.Background(), Fixed(5, time.Millisecond, nil), func() error {
		calls++
		return Permanent(bad)
	})

	if !errors.Is(err, bad) {
		t.Fatalf("err = %v, want %v", err, bad)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, Fixed(3, time.Millisecond, nil), func() error {
		calls++
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestFixedDelayDoesNotGrow(t *testing.T) {
	cfg := Fixed(3, 20*time.Millisecond, nil)

	start := time.Now()
	_ = Do(context.Background(), cfg, func() error { return errors.New("x") })
	elapsed := time.Since(start)

	// two pauses of 20ms each; exponential growth would take at least 60ms
	if elapsed < 40*time.Millisecond {
		t.Errorf("elapsed = %v, want at least 40ms", elapsed)
	}
	if elapsed > 55*time.Millisecond*4 {
		t.Errorf("elapsed = %v, delay appears to grow", elapsed)
	}
}

func TestDoWithResult(t *testing.T) {
	got, err := DoWithResult(context.Background(), Fixed(2, time.Millisecond, nil), func() (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q, want %q", got, "ok")
	}
}
