package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"groupcast/pkg/logx"
)

func testLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, cfg, logx.Nop()), mr
}

func TestAllowUpToLimit(t *testing.T) {
	t.Parallel()
	l, _ := testLimiter(t, Config{Connection: Window{Limit: 3, Size: time.Minute}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.AllowConnection(ctx, 1)
		if err != nil {
			t.Fatalf("allow #%d: %v", i+1, err)
		}
		if !res.Allowed {
			t.Fatalf("allow #%d refused, want allowed", i+1)
		}
	}

	res, err := l.AllowConnection(ctx, 1)
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if res.Allowed {
		t.Fatal("4th event within the window must be refused")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want > 0", res.RetryAfter)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	t.Parallel()
	l, _ := testLimiter(t, Config{
		Connection: Window{Limit: 1, Size: time.Minute},
		Account:    Window{Limit: 1, Size: time.Minute},
	})
	ctx := context.Background()

	if res, _ := l.AllowConnection(ctx, 1); !res.Allowed {
		t.Fatal("conn 1 first event refused")
	}
	if res, _ := l.AllowConnection(ctx, 2); !res.Allowed {
		t.Fatal("conn 2 must have its own window")
	}
	if res, _ := l.AllowAccount(ctx, 1); !res.Allowed {
		t.Fatal("account scope must not share the connection counter")
	}
	if res, _ := l.AllowConnection(ctx, 1); res.Allowed {
		t.Fatal("conn 1 second event must be refused")
	}
}

func TestWindowExpiryResetsCounter(t *testing.T) {
	t.Parallel()
	l, mr := testLimiter(t, Config{Connection: Window{Limit: 1, Size: time.Second}})
	ctx := context.Background()

	if res, _ := l.AllowConnection(ctx, 9); !res.Allowed {
		t.Fatal("first event refused")
	}
	if res, _ := l.AllowConnection(ctx, 9); res.Allowed {
		t.Fatal("second event within window must be refused")
	}

	mr.FastForward(2 * time.Second)

	res, err := l.AllowConnection(ctx, 9)
	if err != nil {
		t.Fatalf("allow after expiry: %v", err)
	}
	if !res.Allowed {
		t.Fatal("a fresh window must allow again")
	}
}

func TestConcurrentAllowsNeverExceedLimit(t *testing.T) {
	t.Parallel()
	const limit = 10
	l, _ := testLimiter(t, Config{Account: Window{Limit: limit, Size: time.Minute}})
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.AllowAccount(ctx, 5)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Fatalf("allowed %d events, want exactly %d", got, limit)
	}
}

func TestUnconfiguredScopeIsUnlimited(t *testing.T) {
	t.Parallel()
	l, _ := testLimiter(t, Config{})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		res, err := l.AllowMessage(ctx, "abc")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !res.Allowed {
			t.Fatal("zero-limit scope class must be unlimited")
		}
	}
}

func TestApplySwapsLimits(t *testing.T) {
	t.Parallel()
	l, _ := testLimiter(t, Config{Connection: Window{Limit: 1, Size: time.Minute}})
	ctx := context.Background()

	if res, _ := l.AllowConnection(ctx, 3); !res.Allowed {
		t.Fatal("first event refused")
	}
	if res, _ := l.AllowConnection(ctx, 3); res.Allowed {
		t.Fatal("limit 1 must refuse the second event")
	}

	l.Apply(Config{Connection: Window{Limit: 10, Size: time.Minute}})

	res, err := l.AllowConnection(ctx, 3)
	if err != nil {
		t.Fatalf("allow after apply: %v", err)
	}
	if !res.Allowed {
		t.Fatal("raised limit must allow the third event")
	}
}
