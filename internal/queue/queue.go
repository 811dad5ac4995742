// Package queue is a durable Redis-backed job queue.
//
// Every job lives in a hash keyed by its ID; the ready and delayed sorted
// sets only order IDs by due time. Jobs survive process restarts, and
// multiple worker processes may dequeue concurrently: the ZRem claim makes
// exactly one of them win each job.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"groupcast/pkg/logx"
)

var (
	// ErrNoJob means nothing is due right now.
	ErrNoJob = errors.New("queue: no job due")

	ErrJobNotFound = errors.New("queue: job not found")
)

const (
	jobKeyPrefix = "gc:job:"
	readyKey     = "gc:q:ready"
	delayedKey   = "gc:q:delayed"
	deadKey      = "gc:q:dead"
	claimPrefix  = "gc:claim:"

	// promoteBatch bounds how many delayed jobs one Dequeue call promotes.
	promoteBatch = 64
)

func jobKey(id string) string { return jobKeyPrefix + id }

// Queue is safe for concurrent use from any number of processes.
type Queue struct {
	client *redis.Client
	log    logx.Logger
}

func New(client *redis.Client, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{client: client, log: log}
}

// Enqueue stores a job due immediately.
func (q *Queue) Enqueue(ctx context.Context, typ Type, payload any) (*Job, error) {
	return q.EnqueueAt(ctx, typ, payload, time.Now())
}

// EnqueueAt stores a job due at runAt. A future runAt lands in the delayed
// set and is promoted once due.
func (q *Queue) EnqueueAt(ctx context.Context, typ Type, payload any, runAt time.Time) (*Job, error) {
	j, err := newJob(typ, payload, runAt, policyFor(typ).MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal payload: %w", err)
	}

	set := readyKey
	if runAt.After(time.Now()) {
		j.State = StateDelayed
		set = delayedKey
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(j.ID), jobToMap(j))
	pipe.ZAdd(ctx, set, redis.Z{Score: float64(j.RunAt.UnixMilli()), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", typ, err)
	}

	q.log.Debug("job enqueued",
		logx.String("job", j.ID), logx.String("type", string(typ)), logx.Time("run_at", j.RunAt))
	return j, nil
}

// Dequeue promotes due delayed jobs, then claims the earliest due ready job.
// Returns ErrNoJob when nothing is due.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	now := time.Now()
	if err := q.promoteDue(ctx, now); err != nil {
		return nil, err
	}

	nowScore := strconv.FormatInt(now.UnixMilli(), 10)
	for {
		ids, err := q.client.ZRangeByScore(ctx, readyKey, &redis.ZRangeBy{
			Min: "-inf", Max: nowScore, Count: 1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: dequeue range: %w", err)
		}
		if len(ids) == 0 {
			return nil, ErrNoJob
		}

		id := ids[0]
		// The ZRem is the claim: only one concurrent worker removes the member.
		removed, err := q.client.ZRem(ctx, readyKey, id).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: dequeue claim: %w", err)
		}
		if removed == 0 {
			continue // lost the race, try the next candidate
		}

		j, err := q.job(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			// Orphaned set member (hash expired or deleted); skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		return j, nil
	}
}

func (q *Queue) promoteDue(ctx context.Context, now time.Time) error {
	ids, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: promote range: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, delayedKey, id)
		pipe.ZAdd(ctx, readyKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
		pipe.HSet(ctx, jobKey(id), "state", string(StatePending))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: promote: %w", err)
	}
	return nil
}

// Complete removes a finished job entirely.
func (q *Queue) Complete(ctx context.Context, j *Job) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, jobKey(j.ID))
	pipe.ZRem(ctx, readyKey, j.ID)
	pipe.ZRem(ctx, delayedKey, j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: complete: %w", err)
	}
	return nil
}

// MoveToDelayed reschedules a claimed job for notBefore WITHOUT consuming an
// attempt. This is the path for rate-limit refusals and provider throttling:
// the work was never tried, so the retry budget stays intact.
func (q *Queue) MoveToDelayed(ctx context.Context, j *Job, notBefore time.Time) error {
	j.State = StateDelayed
	j.RunAt = notBefore.UTC()
	j.UpdatedAt = time.Now().UTC()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(j.ID),
		"state", string(StateDelayed),
		"run_at", j.RunAt.Format(time.RFC3339Nano),
		"updated_at", j.UpdatedAt.Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(notBefore.UnixMilli()), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: move to delayed: %w", err)
	}
	return nil
}

// Fail records a failed attempt. If the retry budget allows, the job is
// re-delayed per its type's backoff and Fail returns true. On exhaustion the
// job is parked in the dead set (never silently dropped) and Fail returns
// false.
func (q *Queue) Fail(ctx context.Context, j *Job, cause error) (retried bool, err error) {
	j.Attempts++
	j.UpdatedAt = time.Now().UTC()
	if cause != nil {
		j.LastError = cause.Error()
	}

	pol := policyFor(j.Type)

	if j.Attempts >= pol.MaxAttempts {
		j.State = StateDead
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, jobKey(j.ID),
			"state", string(StateDead),
			"attempts", strconv.Itoa(j.Attempts),
			"last_error", j.LastError,
			"updated_at", j.UpdatedAt.Format(time.RFC3339Nano),
		)
		pipe.ZAdd(ctx, deadKey, redis.Z{Score: float64(j.UpdatedAt.UnixMilli()), Member: j.ID})
		if _, perr := pipe.Exec(ctx); perr != nil {
			return false, fmt.Errorf("queue: park dead: %w", perr)
		}
		q.log.Warn("job exhausted retries",
			logx.String("job", j.ID), logx.String("type", string(j.Type)),
			logx.Int("attempts", j.Attempts), logx.String("last_error", j.LastError))
		return false, nil
	}

	delay := pol.Backoff.Delay(j.Attempts)
	notBefore := time.Now().Add(delay)
	j.State = StateDelayed
	j.RunAt = notBefore.UTC()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(j.ID),
		"state", string(StateDelayed),
		"attempts", strconv.Itoa(j.Attempts),
		"last_error", j.LastError,
		"run_at", j.RunAt.Format(time.RFC3339Nano),
		"updated_at", j.UpdatedAt.Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(notBefore.UnixMilli()), Member: j.ID})
	if _, perr := pipe.Exec(ctx); perr != nil {
		return false, fmt.Errorf("queue: fail requeue: %w", perr)
	}

	q.log.Debug("job retry scheduled",
		logx.String("job", j.ID), logx.String("type", string(j.Type)),
		logx.Int("attempt", j.Attempts), logx.Duration("delay", delay))
	return true, nil
}

// Kill parks a job in the dead set immediately, regardless of remaining
// retry budget. For errors that can never succeed (missing campaign,
// inactive connection), retrying would only delay the inevitable.
func (q *Queue) Kill(ctx context.Context, j *Job, cause error) error {
	j.State = StateDead
	j.UpdatedAt = time.Now().UTC()
	if cause != nil {
		j.LastError = cause.Error()
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(j.ID),
		"state", string(StateDead),
		"last_error", j.LastError,
		"updated_at", j.UpdatedAt.Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, deadKey, redis.Z{Score: float64(j.UpdatedAt.UnixMilli()), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: kill: %w", err)
	}
	q.log.Warn("job killed",
		logx.String("job", j.ID), logx.String("type", string(j.Type)), logx.String("cause", j.LastError))
	return nil
}

// Claim takes a one-shot named lock (SET NX). Used by the scheduler so only
// one process enqueues a campaign's daily run even before the first send
// record lands.
func (q *Queue) Claim(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, claimPrefix+name, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("queue: claim %s: %w", name, err)
	}
	return ok, nil
}

// Stats reports set sizes for operator diagnostics.
type Stats struct {
	Ready   int64
	Delayed int64
	Dead    int64
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, readyKey)
	delayed := pipe.ZCard(ctx, delayedKey)
	dead := pipe.ZCard(ctx, deadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return Stats{Ready: ready.Val(), Delayed: delayed.Val(), Dead: dead.Val()}, nil
}

func (q *Queue) job(ctx context.Context, id string) (*Job, error) {
	vals, err := q.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrJobNotFound
	}
	return mapToJob(vals), nil
}

func jobToMap(j *Job) map[string]any {
	return map[string]any{
		"id":           j.ID,
		"type":         string(j.Type),
		"payload":      string(j.Payload),
		"state":        string(j.State),
		"attempts":     strconv.Itoa(j.Attempts),
		"max_attempts": strconv.Itoa(j.MaxAttempts),
		"last_error":   j.LastError,
		"run_at":       j.RunAt.Format(time.RFC3339Nano),
		"created_at":   j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   j.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func mapToJob(m map[string]string) *Job {
	attempts, _ := strconv.Atoi(m["attempts"])
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])
	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])

	return &Job{
		ID:          m["id"],
		Type:        Type(m["type"]),
		Payload:     []byte(m["payload"]),
		State:       State(m["state"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		LastError:   m["last_error"],
		RunAt:       runAt,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
}
