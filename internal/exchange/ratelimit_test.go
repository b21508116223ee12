package exchange

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketStartsAtCapacity(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(10, 1)
	if tb.tokens != 10 {
		t.Errorf("tokens = %v, want 10", tb.tokens)
	}
}

func TestTokenBucketBurstDoesNotBlock(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() token %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("burst of 5 took %v, want immediate", elapsed)
	}
}

func TestTokenBucketBlocksUntilRefill(t *testing.T) {
	t.Parallel()
	// one-token bucket refilling at 10/s, so the second Wait costs ~100ms
	tb := NewTokenBucket(1, 10)
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("second Wait returned after %v, want ~100ms", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("second Wait blocked %v, too long", elapsed)
	}
}

func TestTokenBucketHonoursContext(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.1)
	_ = tb.Wait(context.Background()) // drain

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tb.Wait(ctx); err == nil {
		t.Error("Wait() = nil, want context error")
	}
}

func TestRateLimiterBucketsAreIndependent(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter()

	before := rl.Book.tokens
	if err := rl.Order.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rl.Book.tokens != before {
		t.Errorf("Book.tokens = %v after Order.Wait, want %v", rl.Book.tokens, before)
	}
}
