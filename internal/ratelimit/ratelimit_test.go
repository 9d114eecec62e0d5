package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryAllowsExactlyMaxPerWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	lim := NewMemory(clock.Now)
	const n = 3
	window := time.Minute

	for i := 0; i < n; i++ {
		if !lim.AllowAt("login:a@example.com", window, n) {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if lim.AllowAt("login:a@example.com", window, n) {
		t.Fatalf("call %d should be rejected", n+1)
	}
	if got := lim.Count("login:a@example.com"); got != n {
		t.Fatalf("rejected calls must not increment past the cap, count=%d", got)
	}

	clock.Advance(window)
	if lim.AllowAt("login:a@example.com", window, n) {
		t.Fatalf("window boundary is inclusive, expected rejection at exactly resetAt")
	}
	clock.Advance(time.Millisecond)
	if !lim.AllowAt("login:a@example.com", window, n) {
		t.Fatalf("expected new window to allow")
	}
	if got := lim.Count("login:a@example.com"); got != 1 {
		t.Fatalf("expected fresh window count 1, got %d", got)
	}
}

func TestMemoryKeysAreIndependent(t *testing.T) {
	lim := NewMemory(nil)
	if !lim.AllowAt("a", time.Minute, 1) {
		t.Fatalf("expected first call for a")
	}
	if lim.AllowAt("a", time.Minute, 1) {
		t.Fatalf("expected a to be capped")
	}
	if !lim.AllowAt("b", time.Minute, 1) {
		t.Fatalf("expected b to be unaffected")
	}
	lim.Reset("a")
	if !lim.AllowAt("a", time.Minute, 1) {
		t.Fatalf("expected reset to clear a")
	}
}

func TestMemorySweepsExpiredWindows(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	lim := NewMemory(clock.Now)
	for i := range 1000 {
		lim.AllowAt(fmt.Sprintf("login:user%d@example.com", i), time.Second, 5)
	}
	lim.AllowAt("login:steady@example.com", time.Hour, 5)
	if got := lim.Len(); got != 1001 {
		t.Fatalf("expected 1001 windows, got %d", got)
	}

	clock.Advance(sweepEvery)
	lim.AllowAt("login:fresh@example.com", time.Second, 5)
	if got := lim.Len(); got != 2 {
		t.Fatalf("expected expired windows to be dropped, %d left", got)
	}
	if got := lim.Count("login:steady@example.com"); got != 1 {
		t.Fatalf("live window lost by sweep, count=%d", got)
	}
}

func TestMemoryConcurrentCallsRespectCap(t *testing.T) {
	lim := NewMemory(nil)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := lim.Allow(context.Background(), "k", time.Hour, 10)
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Fatalf("expected 10 allowed, got %d", allowed)
	}
}

func TestRedisFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lim, err := NewRedis(client, "test:")
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := lim.Allow(ctx, "login:b@example.com", time.Second, 2)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !ok {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	ok, err := lim.Allow(ctx, "login:b@example.com", time.Second, 2)
	if err != nil || ok {
		t.Fatalf("expected third call rejected, ok=%v err=%v", ok, err)
	}
	if got, _ := mr.Get("test:login:b@example.com"); got != "2" {
		t.Fatalf("counter must stay at cap, got %q", got)
	}

	mr.FastForward(1100 * time.Millisecond)
	ok, err = lim.Allow(ctx, "login:b@example.com", time.Second, 2)
	if err != nil || !ok {
		t.Fatalf("expected window reset, ok=%v err=%v", ok, err)
	}
}

func TestNewRedisRequiresClient(t *testing.T) {
	if _, err := NewRedis(nil, ""); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
