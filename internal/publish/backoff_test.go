package publish

import (
	"context"
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := newBackoff(time.Millisecond, 8*time.Millisecond)
	ctx := context.Background()

	want := []time.Duration{
		time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		8 * time.Millisecond,
		8 * time.Millisecond,
	}
	for i, w := range want {
		if got := b.Current(); got != w {
			t.Fatalf("step %d: Current() = %v, want %v", i, got, w)
		}
		if err := b.Sleep(ctx); err != nil {
			t.Fatalf("Sleep: %v", err)
		}
	}
}

func TestBackoffSleepCanceled(t *testing.T) {
	b := newBackoff(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.Sleep(ctx); err != context.Canceled {
		t.Fatalf("Sleep on canceled context = %v, want context.Canceled", err)
	}
}
