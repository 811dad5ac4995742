// Package ratelimit is a fixed-window counter limiter on shared Redis state.
//
// The limiter is advisory: Allow never blocks and never sleeps. Callers that
// get a refusal defer their work (re-delay the job) for RetryAfter.
//
// Counters live in Redis so every worker process shares the same windows.
// The increment is atomic (INCR), so concurrent workers never lose updates
// to a read-modify-write race.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"groupcast/pkg/logx"
)

const keyPrefix = "gc:rl:"

// Window is one scope class's budget: at most Limit events per Size.
type Window struct {
	Limit int
	Size  time.Duration
}

// Config holds the per-scope-class windows.
type Config struct {
	Connection Window
	Account    Window
	Message    Window
}

// Result is the limiter's verdict. RetryAfter is how long until the current
// window expires; it is only meaningful when Allowed is false.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type Limiter struct {
	client *redis.Client
	log    logx.Logger

	mu  sync.Mutex
	cfg Config
}

func New(client *redis.Client, cfg Config, log logx.Logger) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{client: client, cfg: cfg, log: log}
}

// Apply swaps the window configuration. Existing windows keep their TTL;
// the new limits take effect on the next Allow call.
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

// AllowConnection checks the per-bot-connection window.
func (l *Limiter) AllowConnection(ctx context.Context, connID int64) (Result, error) {
	l.mu.Lock()
	w := l.cfg.Connection
	l.mu.Unlock()
	return l.allow(ctx, "conn:"+strconv.FormatInt(connID, 10), w)
}

// AllowAccount checks the per-account window.
func (l *Limiter) AllowAccount(ctx context.Context, accountID int64) (Result, error) {
	l.mu.Lock()
	w := l.cfg.Account
	l.mu.Unlock()
	return l.allow(ctx, "acct:"+strconv.FormatInt(accountID, 10), w)
}

// AllowMessage checks the per-message-identity window (dedupe-style cap on
// how often one logical message may be attempted).
func (l *Limiter) AllowMessage(ctx context.Context, msgID string) (Result, error) {
	l.mu.Lock()
	w := l.cfg.Message
	l.mu.Unlock()
	return l.allow(ctx, "msg:"+msgID, w)
}

func (l *Limiter) allow(ctx context.Context, scope string, w Window) (Result, error) {
	if w.Limit <= 0 {
		// Unconfigured scope class: unlimited.
		return Result{Allowed: true, Remaining: -1}, nil
	}
	size := w.Size
	if size <= 0 {
		size = time.Minute
	}

	key := keyPrefix + scope

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("ratelimit: %s: %w", scope, err)
	}

	count := incr.Val()
	ttl := pttl.Val()
	if count == 1 || ttl < 0 {
		// First event of the window (or a counter that lost its TTL, e.g.
		// after a Redis restart): start the window now.
		if err := l.client.PExpire(ctx, key, size).Err(); err != nil {
			return Result{}, fmt.Errorf("ratelimit: %s expire: %w", scope, err)
		}
		ttl = size
	}

	if count > int64(w.Limit) {
		l.log.Debug("rate limit refused",
			logx.String("scope", scope), logx.Int64("count", count),
			logx.Int("limit", w.Limit), logx.Duration("retry_after", ttl))
		return Result{Allowed: false, Remaining: 0, RetryAfter: ttl}, nil
	}

	return Result{Allowed: true, Remaining: w.Limit - int(count)}, nil
}
