// Package scheduler turns campaign schedules into campaign:start jobs.
//
// The loop ticks every minute and evaluates each active schedule in the
// engine's configured timezone. Firing is guarded twice: a send-record check
// covers "already ran today", and a Redis claim covers the window between
// enqueueing the job and the first send record landing, so two scheduler
// processes cannot double-fire the same campaign on the same day.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"groupcast/internal/clock"
	"groupcast/internal/model"
	"groupcast/internal/queue"
	"groupcast/internal/storage"
	"groupcast/pkg/logx"
)

// Store is the slice of the storage API the scheduler reads.
type Store interface {
	SchedulableCampaigns(ctx context.Context) ([]storage.ScheduledCampaign, error)
	HasSendRecordSince(ctx context.Context, campaignID int64, since time.Time) (bool, error)
}

// Jobs is the queue surface the scheduler produces into.
type Jobs interface {
	Enqueue(ctx context.Context, typ queue.Type, payload any) (*queue.Job, error)
	Claim(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

type Config struct {
	Enabled   bool
	Tick      time.Duration
	Tolerance time.Duration
}

func (c Config) tick() time.Duration {
	if c.Tick <= 0 {
		return time.Minute
	}
	return c.Tick
}

func (c Config) tolerance() time.Duration {
	if c.Tolerance <= 0 {
		return time.Minute
	}
	return c.Tolerance
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type Service struct {
	mu  sync.Mutex
	cfg Config

	store Store
	jobs  Jobs
	clk   clock.Clock
	log   logx.Logger

	stopCh   chan struct{}
	stopDone chan struct{}
}

func New(cfg Config, store Store, jobs Jobs, clk clock.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, jobs: jobs, clk: clk, log: log}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	stopCh := s.stopCh
	stopDone := s.stopDone
	tick := s.cfg.tick()
	s.mu.Unlock()

	go func() {
		defer close(stopDone)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduler loop",
					logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()

		s.log.Info("scheduler started", logx.Duration("tick", tick))
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	stopDone := s.stopDone
	s.stopCh = nil
	s.stopDone = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-stopDone:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
	}
}

// Tick evaluates every schedule once. Exported so tests and the manual
// trigger path can drive the scheduler without the ticker.
func (s *Service) Tick(ctx context.Context) {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tol := s.cfg.tolerance()
	s.mu.Unlock()
	if !enabled {
		return
	}

	now := s.clk.Now()
	cands, err := s.store.SchedulableCampaigns(ctx)
	if err != nil {
		s.log.Warn("schedule scan failed", logx.Err(err))
		return
	}

	for _, cand := range cands {
		if !cand.Status.Schedulable() {
			continue
		}
		for _, sch := range cand.Schedules {
			fireAt, due, err := dueAt(sch, now, tol)
			if err != nil {
				s.log.Warn("invalid schedule skipped",
					logx.Int64("campaign", cand.CampaignID), logx.Int64("schedule", sch.ID), logx.Err(err))
				continue
			}
			if !due {
				continue
			}
			s.fire(ctx, cand.CampaignID, sch, fireAt, now)
			break // one run per campaign per tick
		}
	}
}

func (s *Service) fire(ctx context.Context, campaignID int64, sch model.Schedule, fireAt, now time.Time) {
	ran, err := s.store.HasSendRecordSince(ctx, campaignID, clock.StartOfDay(now))
	if err != nil {
		s.log.Warn("idempotence check failed", logx.Int64("campaign", campaignID), logx.Err(err))
		return
	}
	if ran {
		return
	}

	// The claim closes the gap between enqueueing and the first send record.
	name := claimName(campaignID, now)
	ok, err := s.jobs.Claim(ctx, name, time.Until(clock.EndOfDay(now)))
	if err != nil {
		s.log.Warn("daily claim failed", logx.Int64("campaign", campaignID), logx.Err(err))
		return
	}
	if !ok {
		return
	}

	_, err = s.jobs.Enqueue(ctx, queue.TypeCampaignStart, queue.StartPayload{
		CampaignID: campaignID,
		ScheduleID: sch.ID,
		FireAt:     fireAt,
	})
	if err != nil {
		s.log.Error("enqueue campaign start failed", logx.Int64("campaign", campaignID), logx.Err(err))
		return
	}
	s.log.Info("campaign run enqueued",
		logx.Int64("campaign", campaignID), logx.Int64("schedule", sch.ID), logx.Time("fire_at", fireAt))
}

func claimName(campaignID int64, now time.Time) string {
	return strconv.FormatInt(campaignID, 10) + ":" + clock.DayKey(now)
}

// dueAt reports whether the schedule's next occurrence falls inside
// [now-tol, now+tol], computed in now's timezone.
func dueAt(sch model.Schedule, now time.Time, tol time.Duration) (time.Time, bool, error) {
	spec, err := cronSpec(sch)
	if err != nil {
		return time.Time{}, false, err
	}
	compiled, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("scheduler: parse %q: %w", spec, err)
	}
	next := compiled.Next(now.Add(-tol - time.Second))
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	if next.After(now.Add(tol)) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// cronSpec renders "M H * * dow" from the schedule's civil time and ISO
// weekdays (1=Mon..7=Sun; cron wants Sunday as 0).
func cronSpec(sch model.Schedule) (string, error) {
	hhmm := strings.TrimSpace(sch.TimeOfDay)
	parts := strings.Split(hhmm, ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("scheduler: bad time of day %q", sch.TimeOfDay)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return "", fmt.Errorf("scheduler: bad hour %q", sch.TimeOfDay)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return "", fmt.Errorf("scheduler: bad minute %q", sch.TimeOfDay)
	}
	if len(sch.Days) == 0 {
		return "", fmt.Errorf("scheduler: schedule %d has no weekdays", sch.ID)
	}

	days := make([]string, 0, len(sch.Days))
	for _, d := range sch.Days {
		if d < 1 || d > 7 {
			return "", fmt.Errorf("scheduler: bad weekday %d", d)
		}
		if d == 7 {
			d = 0
		}
		days = append(days, strconv.Itoa(d))
	}
	return fmt.Sprintf("%d %d * * %s", m, h, strings.Join(days, ",")), nil
}
