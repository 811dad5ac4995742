// Package app wires the delivery engine together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"groupcast/internal/clock"
	"groupcast/internal/config"
	"groupcast/internal/model"
	"groupcast/internal/pprof"
	"groupcast/internal/provider"
	"groupcast/internal/queue"
	"groupcast/internal/ratelimit"
	"groupcast/internal/scheduler"
	"groupcast/internal/sender"
	"groupcast/internal/storage"
	"groupcast/internal/worker"
	"groupcast/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	clk     clock.Clock
	store   storage.Store
	rdb     *redis.Client
	jobs    *queue.Queue
	limiter *ratelimit.Limiter
	clients *clientCache
	snd     *sender.Sender
	pool    *worker.Pool
	sched   *scheduler.Service
	prof    *pprof.Service

	watchCancel context.CancelFunc
	wg          sync.WaitGroup
}

// New loads the config file and builds every component. Nothing is running
// until Start.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	clk, err := clock.NewZoned(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy},
		log.With(logx.String("svc", "storage")))
	if err != nil {
		return nil, fmt.Errorf("app: open storage: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	jobs := queue.New(rdb, log.With(logx.String("svc", "queue")))
	limiter := ratelimit.New(rdb, limiterConfig(cfg), log.With(logx.String("svc", "ratelimit")))
	clients := newClientCache(float64(cfg.Provider.SendRatePerSec), log.With(logx.String("svc", "provider")))
	snd := sender.New(store, limiter, jobs, log.With(logx.String("svc", "sender")))

	pool := worker.New(
		workerConfig(cfg),
		jobs, store, limiter, clients,
		func(ctx context.Context, c *model.Campaign, client provider.Client) error {
			_, err := snd.Run(ctx, c, client)
			return err
		},
		log.With(logx.String("svc", "worker")),
	)

	sched := scheduler.New(schedulerConfig(cfg), store, jobs, clk,
		log.With(logx.String("svc", "scheduler")))

	prof := pprof.New(pprof.Config{Enabled: cfg.Pprof.Enabled, Addr: cfg.Pprof.Addr},
		log.With(logx.String("svc", "pprof")))

	a := &App{
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log.With(logx.String("svc", "app")),
		clk:     clk,
		store:   store,
		rdb:     rdb,
		jobs:    jobs,
		limiter: limiter,
		clients: clients,
		snd:     snd,
		pool:    pool,
		sched:   sched,
		prof:    prof,
	}

	mgr.SetValidator(func(_ context.Context, next *config.Config) error {
		// The timezone cannot move under running schedule math.
		if next.Timezone != cfg.Timezone {
			return errors.New("timezone change requires a restart")
		}
		return nil
	})
	return a, nil
}

// Start brings up the workers, the scheduler, the pprof listener, and the
// config watch loop.
func (a *App) Start(ctx context.Context) error {
	a.pool.Start(ctx)
	a.sched.Start(ctx)
	a.prof.Start(ctx)

	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel

	updates := a.cfgMgr.Subscribe(1)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(wctx)
	}()
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-wctx.Done():
				a.cfgMgr.Unsubscribe(updates)
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.apply(cfg)
			}
		}
	}()

	a.log.Info("started")
	return nil
}

// apply re-points the tunable components at a freshly committed config.
func (a *App) apply(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.limiter.Apply(limiterConfig(cfg))
	a.sched.Apply(schedulerConfig(cfg))
	a.pool.Apply(workerConfig(cfg))
	a.clients.Apply(float64(cfg.Provider.SendRatePerSec))
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) {
	if a.watchCancel != nil {
		a.watchCancel()
	}
	a.sched.Stop(ctx)
	a.pool.Stop(ctx)
	a.prof.Stop(ctx)
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	if err := a.rdb.Close(); err != nil {
		a.log.Warn("redis close failed", logx.Err(err))
	}
	a.logSvc.Close()
	a.log.Info("stopped")
}

// ExecuteCampaign runs one campaign immediately, bypassing the scheduler.
// The campaign must be in a startable state and its connection active.
func (a *App) ExecuteCampaign(ctx context.Context, id int64) (sender.Summary, error) {
	c, err := a.store.Campaign(ctx, id)
	if err != nil {
		return sender.Summary{}, fmt.Errorf("app: load campaign %d: %w", id, err)
	}
	if !c.Status.Schedulable() && c.Status != model.StatusDraft {
		return sender.Summary{}, fmt.Errorf("app: campaign %d is %s, not startable", id, c.Status)
	}

	conn, err := a.store.Connection(ctx, c.ConnectionID)
	if err != nil {
		return sender.Summary{}, fmt.Errorf("app: load connection %d: %w", c.ConnectionID, err)
	}
	if !conn.Active {
		return sender.Summary{}, fmt.Errorf("app: connection %d is inactive", conn.ID)
	}
	client, err := a.clients.For(conn)
	if err != nil {
		return sender.Summary{}, err
	}

	if err := a.store.SetCampaignStatus(ctx, id, model.StatusRunning, c.Status); err != nil {
		return sender.Summary{}, fmt.Errorf("app: start transition: %w", err)
	}
	return a.snd.Run(ctx, c, client)
}

func limiterConfig(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{
		Connection: ratelimit.Window{
			Limit: cfg.RateLimit.Connection.Limit,
			Size:  cfg.RateLimit.Connection.WindowDuration(),
		},
		Account: ratelimit.Window{
			Limit: cfg.RateLimit.Account.Limit,
			Size:  cfg.RateLimit.Account.WindowDuration(),
		},
		Message: ratelimit.Window{
			Limit: cfg.RateLimit.Message.Limit,
			Size:  cfg.RateLimit.Message.WindowDuration(),
		},
	}
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		Enabled:   cfg.Workers.Enabled,
		Count:     cfg.WorkerCount(),
		IdleSleep: cfg.IdleSleep(),
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:   cfg.Scheduler.Enabled,
		Tick:      cfg.TickInterval(),
		Tolerance: cfg.Tolerance(),
	}
}
