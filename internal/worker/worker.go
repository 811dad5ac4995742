// Package worker consumes the job queue and dispatches to per-type handlers.
//
// Deferral versus failure is the load-bearing distinction here: a deferral
// (rate-limit refusal, provider throttle, early fire time) re-delays the job
// with its retry budget intact, while a failure consumes an attempt and
// eventually parks the job dead. Handlers express this through the error
// they return.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"groupcast/internal/model"
	"groupcast/internal/provider"
	"groupcast/internal/queue"
	"groupcast/internal/ratelimit"
	"groupcast/pkg/logx"
)

// Jobs is the queue surface the pool drives.
type Jobs interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, j *queue.Job) error
	Fail(ctx context.Context, j *queue.Job, cause error) (bool, error)
	MoveToDelayed(ctx context.Context, j *queue.Job, notBefore time.Time) error
	Kill(ctx context.Context, j *queue.Job, cause error) error
	Enqueue(ctx context.Context, typ queue.Type, payload any) (*queue.Job, error)
	EnqueueAt(ctx context.Context, typ queue.Type, payload any, runAt time.Time) (*queue.Job, error)
}

// Store is the storage surface the handlers touch.
type Store interface {
	Campaign(ctx context.Context, id int64) (*model.Campaign, error)
	CampaignStatus(ctx context.Context, id int64) (model.CampaignStatus, error)
	SetCampaignStatus(ctx context.Context, id int64, to model.CampaignStatus, from ...model.CampaignStatus) error
	AddCampaignStats(ctx context.Context, id int64, delta model.Stats) error
	Account(ctx context.Context, id int64) (*model.Account, error)
	Connection(ctx context.Context, id int64) (*model.Connection, error)
	InsertSendRecord(ctx context.Context, rec *model.SendRecord) error
	Target(ctx context.Context, campaignID, targetID int64) (*model.Target, error)
	Variant(ctx context.Context, campaignID, variantID int64) (*model.Variant, error)
	Media(ctx context.Context, campaignID, mediaID int64) (*model.MediaItem, error)
}

// Limiter gates message:send / message:retry deliveries.
type Limiter interface {
	AllowConnection(ctx context.Context, connID int64) (ratelimit.Result, error)
	AllowAccount(ctx context.Context, accountID int64) (ratelimit.Result, error)
	AllowMessage(ctx context.Context, msgID string) (ratelimit.Result, error)
}

// Clients builds (or reuses) a provider client for a bot connection.
type Clients interface {
	For(conn *model.Connection) (provider.Client, error)
}

type Config struct {
	Enabled   bool
	Count     int
	IdleSleep time.Duration
}

func (c Config) count() int {
	if c.Count <= 0 {
		return 4
	}
	return c.Count
}

func (c Config) idleSleep() time.Duration {
	if c.IdleSleep <= 0 {
		return time.Second
	}
	return c.IdleSleep
}

// deferral re-delays a job without consuming an attempt.
type deferral struct {
	until time.Time
}

func (d *deferral) Error() string { return "deferred until " + d.until.Format(time.RFC3339) }

// Defer builds the deferral signal handlers return for throttles and refusals.
func Defer(until time.Time) error { return &deferral{until: until} }

// terminal kills a job immediately; retrying cannot help.
type terminal struct {
	cause error
}

func (t *terminal) Error() string { return "terminal: " + t.cause.Error() }
func (t *terminal) Unwrap() error { return t.cause }

// Terminal wraps an error that no retry can fix.
func Terminal(cause error) error { return &terminal{cause: cause} }

type Pool struct {
	mu  sync.Mutex
	cfg Config

	jobs     Jobs
	store    Store
	limiter  Limiter
	clients  Clients
	campaign CampaignRunner
	log      logx.Logger

	stopCh   chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup
}

// CampaignRunner is the campaign:start handler's delegate (the sender,
// adapted by the app so the pool stays decoupled from its package).
type CampaignRunner func(ctx context.Context, c *model.Campaign, client provider.Client) error

func New(cfg Config, jobs Jobs, store Store, limiter Limiter, clients Clients, run CampaignRunner, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{cfg: cfg, jobs: jobs, store: store, limiter: limiter, clients: clients, campaign: run, log: log}
}

func (p *Pool) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	// Pool size changes take effect on the next Start.
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.stopCh != nil || !p.cfg.Enabled {
		p.mu.Unlock()
		return
	}
	p.stopCh = make(chan struct{})
	p.stopDone = make(chan struct{})
	stopCh := p.stopCh
	stopDone := p.stopDone
	count := p.cfg.count()
	idle := p.cfg.idleSleep()
	p.mu.Unlock()

	p.wg.Add(count)
	for i := 0; i < count; i++ {
		idx := i
		go func() {
			defer p.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("panic in worker",
						logx.Int("worker", idx), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			p.loop(ctx, stopCh, idle, idx)
		}()
	}
	go func() {
		p.wg.Wait()
		close(stopDone)
	}()

	p.log.Info("workers started", logx.Int("count", count), logx.Duration("idle_sleep", idle))
}

func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	stopCh := p.stopCh
	stopDone := p.stopDone
	p.stopCh = nil
	p.stopDone = nil
	p.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-stopDone:
		p.log.Info("workers stopped")
	case <-ctx.Done():
	}
}

func (p *Pool) loop(ctx context.Context, stopCh <-chan struct{}, idle time.Duration, idx int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		j, err := p.jobs.Dequeue(ctx)
		if errors.Is(err, queue.ErrNoJob) {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-time.After(idle):
			}
			continue
		}
		if err != nil {
			p.log.Warn("dequeue failed", logx.Int("worker", idx), logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-time.After(idle):
			}
			continue
		}

		p.Dispatch(ctx, j)
	}
}

// Dispatch runs the job's handler and settles the job accordingly.
// Exported so the manual trigger path and tests can push a claimed job
// through the same settlement logic as the pool.
func (p *Pool) Dispatch(ctx context.Context, j *queue.Job) {
	start := time.Now()
	err := p.handle(ctx, j)
	took := time.Since(start)

	var def *deferral
	var term *terminal
	switch {
	case err == nil:
		if cerr := p.jobs.Complete(ctx, j); cerr != nil {
			p.log.Error("complete failed", logx.String("job", j.ID), logx.Err(cerr))
		}
		p.log.Debug("job done",
			logx.String("job", j.ID), logx.String("type", string(j.Type)), logx.Duration("took", took))

	case errors.As(err, &def):
		if derr := p.jobs.MoveToDelayed(ctx, j, def.until); derr != nil {
			p.log.Error("defer failed", logx.String("job", j.ID), logx.Err(derr))
		}
		p.log.Debug("job deferred",
			logx.String("job", j.ID), logx.String("type", string(j.Type)), logx.Time("until", def.until))

	case errors.As(err, &term):
		if kerr := p.jobs.Kill(ctx, j, term.cause); kerr != nil {
			p.log.Error("kill failed", logx.String("job", j.ID), logx.Err(kerr))
		}

	default:
		retried, ferr := p.jobs.Fail(ctx, j, err)
		if ferr != nil {
			p.log.Error("fail settlement error", logx.String("job", j.ID), logx.Err(ferr))
			return
		}
		if !retried {
			p.exhausted(ctx, j, err)
		}
	}
}

func (p *Pool) handle(ctx context.Context, j *queue.Job) error {
	switch j.Type {
	case queue.TypeCampaignStart:
		return p.handleStart(ctx, j)
	case queue.TypeMessageSend, queue.TypeMessageRetry:
		return p.handleSend(ctx, j)
	case queue.TypeCampaignNotify:
		return p.handleNotify(ctx, j)
	default:
		return Terminal(fmt.Errorf("worker: unknown job type %q", j.Type))
	}
}

// exhausted runs after a job's last attempt failed. A spent message delivery
// still deserves its failure record so the run's ledger stays complete.
func (p *Pool) exhausted(ctx context.Context, j *queue.Job, cause error) {
	if j.Type != queue.TypeMessageSend && j.Type != queue.TypeMessageRetry {
		return
	}
	var sp queue.SendPayload
	if err := j.Unmarshal(&sp); err != nil {
		return
	}
	rec := &model.SendRecord{
		CampaignID: sp.CampaignID,
		TargetID:   sp.TargetID,
		VariantID:  sp.VariantID,
		MediaID:    sp.MediaID,
		Outcome:    model.OutcomeFailed,
		Error:      cause.Error(),
	}
	if err := p.store.InsertSendRecord(ctx, rec); err != nil {
		p.log.Error("exhausted record insert failed", logx.Int64("campaign", sp.CampaignID), logx.Err(err))
		return
	}
	if err := p.store.AddCampaignStats(ctx, sp.CampaignID, model.Stats{Failed: 1, Total: 1}); err != nil {
		p.log.Error("exhausted stats update failed", logx.Int64("campaign", sp.CampaignID), logx.Err(err))
	}
}
