package backoffx

import (
	"context"
	"testing"
	"time"
)

func TestPolicyGrowsToCap(t *testing.T) {
	b := Policy{Min: 200 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.1}.New()

	first := b.NextBackOff()
	if first < 180*time.Millisecond || first > 220*time.Millisecond {
		t.Fatalf("first delay outside jitter window: %s", first)
	}
	var last time.Duration
	for i := 0; i < 20; i++ {
		last = b.NextBackOff()
	}
	if last > 5500*time.Millisecond || last < 4500*time.Millisecond {
		t.Fatalf("expected delay capped near 5s, got %s", last)
	}
	b.Reset()
	if again := b.NextBackOff(); again > 220*time.Millisecond {
		t.Fatalf("expected reset to start over, got %s", again)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); err == nil {
		t.Fatalf("expected context error")
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
