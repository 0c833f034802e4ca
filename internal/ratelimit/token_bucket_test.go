package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"scribe/internal/clock"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *clock.FakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill, time.Minute).WithClock(fake), fake, mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _, mr := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "transcribe:127.0.0.1")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "transcribe:127.0.0.1")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "transcribe:127.0.0.1")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if !mr.Exists(KeyPrefix + "transcribe:127.0.0.1") {
		t.Fatalf("expected namespaced bucket key")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, fake, _ := newBucket(t, 1, 1)

	if allowed, _, _ := bucket.Allow(ctx, "summarize"); !allowed {
		t.Fatalf("expected first token allowed")
	}
	if allowed, _, _ := bucket.Allow(ctx, "summarize"); allowed {
		t.Fatalf("expected bucket empty")
	}
	fake.Advance(1500 * time.Millisecond)
	if allowed, _, _ := bucket.Allow(ctx, "summarize"); !allowed {
		t.Fatalf("expected refill after advancing the clock")
	}
}
