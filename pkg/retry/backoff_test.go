package retry

import (
	"context"
	"testing"
	"time"
)

func TestDelayDoubles(t *testing.T) {
	p := BackoffPolicy{BaseMs: 100, MaxMs: 30000}

	want := []time.Duration{100, 200, 400, 800}
	for i, w := range want {
		if got := p.Delay("tx-1", i); got != w*time.Millisecond {
			t.Errorf("attempt %d: got %v, want %v", i, got, w*time.Millisecond)
		}
	}
}

func TestDelayCapped(t *testing.T) {
	p := BackoffPolicy{BaseMs: 100, MaxMs: 1000}
	if got := p.Delay("tx-1", 10); got != time.Second {
		t.Errorf("got %v, want cap of 1s", got)
	}
	if got := p.Delay("tx-1", 90); got != time.Second {
		t.Errorf("large exponent: got %v", got)
	}
}

func TestDeterministicJitter(t *testing.T) {
	p := BackoffPolicy{BaseMs: 100, MaxMs: 1000, MaxJitterMs: 50}

	d1 := p.Delay("tx-1", 2)
	d2 := p.Delay("tx-1", 2)
	if d1 != d2 {
		t.Fatalf("jitter not deterministic: %v vs %v", d1, d2)
	}
	if d1 < 400*time.Millisecond || d1 >= 450*time.Millisecond {
		t.Errorf("jitter out of range: %v", d1)
	}
}

func TestSchedule(t *testing.T) {
	p := BackoffPolicy{BaseMs: 10, MaxMs: 1000, MaxAttempts: 4}
	s := p.Schedule("k")
	if len(s) != 3 {
		t.Fatalf("expected 3 retry delays, got %d", len(s))
	}
	if (BackoffPolicy{MaxAttempts: 1}).Schedule("k") != nil {
		t.Error("single attempt should have no retries")
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); err == nil {
		t.Fatal("expected context error")
	}
}
