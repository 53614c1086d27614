package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestWaitConsumesBurstWithoutBlocking(t *testing.T) {
	b := New(3, 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := b.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("expected burst capacity to drain without blocking, took %v", elapsed)
	}
}

func TestWaitBlocksUntilRefill(t *testing.T) {
	b := New(1, 20) // 1 token burst, refills every 50ms
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	start := time.Now()
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("expected second Wait to block for a refill, only took %v", elapsed)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	b := New(1, 0.01) // effectively never refills within the test window
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := b.Wait(ctx); err == nil {
		t.Fatal("expected context deadline error, got nil")
	}
}
