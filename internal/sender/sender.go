// Package sender runs one campaign delivery pass over its target list.
//
// A run walks targets in position order, rotating message variants, pacing
// with the configured delays, and re-reading the campaign status before every
// wait and every send so an operator pause/cancel lands within one delay
// period. Rate-limit refusals and provider throttles defer the delivery into
// the job queue instead of failing it; only genuine provider errors produce
// failed send records and retry jobs.
package sender

import (
	"context"
	"fmt"
	"time"

	"groupcast/internal/model"
	"groupcast/internal/provider"
	"groupcast/internal/queue"
	"groupcast/internal/ratelimit"
	"groupcast/pkg/logx"
)

// Store is the storage surface a run needs.
type Store interface {
	CampaignStatus(ctx context.Context, id int64) (model.CampaignStatus, error)
	SetCampaignStatus(ctx context.Context, id int64, to model.CampaignStatus, from ...model.CampaignStatus) error
	InsertSendRecord(ctx context.Context, rec *model.SendRecord) error
	AddCampaignStats(ctx context.Context, id int64, delta model.Stats) error
}

// Limiter is consulted before each target's deliveries. Advisory: a refusal
// defers the work, it never blocks the run.
type Limiter interface {
	AllowConnection(ctx context.Context, connID int64) (ratelimit.Result, error)
	AllowAccount(ctx context.Context, accountID int64) (ratelimit.Result, error)
}

// Jobs receives deferred deliveries, retries, and the end-of-run notification.
type Jobs interface {
	Enqueue(ctx context.Context, typ queue.Type, payload any) (*queue.Job, error)
	EnqueueAt(ctx context.Context, typ queue.Type, payload any, runAt time.Time) (*queue.Job, error)
}

// Summary is what one run did.
type Summary struct {
	CampaignID  int64
	Sent        int
	Failed      int
	Deferred    int
	Interrupted bool
	Message     string
	Errors      []string
	Started     time.Time
	Finished    time.Time
}

type Sender struct {
	store   Store
	limiter Limiter
	jobs    Jobs
	log     logx.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(store Store, limiter Limiter, jobs Jobs, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{store: store, limiter: limiter, jobs: jobs, log: log, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run delivers the campaign to every active target using the given provider
// client. Operator interruptions (pause/cancel) are reported via
// Summary.Interrupted with a nil error; provider failures are swallowed into
// send records. Run never transitions the campaign into running; the caller
// owns that. An uninterrupted run transitions running to completed.
func (s *Sender) Run(ctx context.Context, c *model.Campaign, client provider.Client) (Summary, error) {
	sum := Summary{CampaignID: c.ID, Started: time.Now()}
	log := s.log.With(logx.Int64("campaign", c.ID))
	log.Info("run started",
		logx.Int("targets", len(c.Targets)), logx.Int("variants", len(c.Variants)))

	interrupted := false

targets:
	for i, tgt := range c.Targets {
		if st, err := s.liveStatus(ctx, c.ID); err != nil {
			return s.finish(ctx, c, sum, err)
		} else if st != model.StatusRunning {
			sum.Interrupted, sum.Message = true, "campaign "+string(st)
			interrupted = true
			break targets
		}

		// Pacing: the inter-target delay between consecutive targets, plus
		// the target's own extra delay.
		if i > 0 {
			if err := s.sleep(ctx, c.InterTargetDelay); err != nil {
				return s.finish(ctx, c, sum, err)
			}
		}
		if err := s.sleep(ctx, tgt.Delay); err != nil {
			return s.finish(ctx, c, sum, err)
		}

		// Re-read after waiting: the operator may have paused mid-delay.
		if st, err := s.liveStatus(ctx, c.ID); err != nil {
			return s.finish(ctx, c, sum, err)
		} else if st != model.StatusRunning {
			sum.Interrupted, sum.Message = true, "campaign "+string(st)
			interrupted = true
			break targets
		}

		variant, hasVariant := c.VariantFor(i)
		deliveries := buildDeliveries(c, tgt, variant, hasVariant)

		if retryAfter, refused, err := s.limited(ctx, c); err != nil {
			return s.finish(ctx, c, sum, err)
		} else if refused {
			// Window exhausted: push every pending delivery of this target
			// into the delayed queue. No send record, no attempt consumed.
			s.deferAll(ctx, deliveries, retryAfter, &sum, log)
			continue targets
		}

		for _, d := range deliveries {
			res, err := d.send(ctx, client)
			if err == nil {
				s.record(ctx, d, model.OutcomeSent, res.MessageID, "", log)
				sum.Sent++
				continue
			}
			if retryAfter, ok := provider.IsThrottle(err); ok {
				s.deferOne(ctx, d, retryAfter, &sum, log)
				continue
			}
			s.record(ctx, d, model.OutcomeFailed, "", err.Error(), log)
			sum.Failed++
			sum.Errors = append(sum.Errors, fmt.Sprintf("target %d: %v", d.targetID, err))
			if _, qerr := s.jobs.Enqueue(ctx, queue.TypeMessageRetry, d.payload()); qerr != nil {
				log.Error("enqueue retry failed", logx.Int64("target", d.targetID), logx.Err(qerr))
			}
		}
	}

	sum.Interrupted = sum.Interrupted || interrupted
	return s.finish(ctx, c, sum, nil)
}

// finish writes the aggregate stats once, completes uninterrupted runs, and
// enqueues the owner notification. It runs even on abort so partial progress
// is never lost.
func (s *Sender) finish(ctx context.Context, c *model.Campaign, sum Summary, runErr error) (Summary, error) {
	sum.Finished = time.Now()

	if sum.Sent > 0 || sum.Failed > 0 {
		delta := model.Stats{Sent: sum.Sent, Failed: sum.Failed, Total: sum.Sent + sum.Failed}
		if err := s.store.AddCampaignStats(ctx, c.ID, delta); err != nil {
			s.log.Error("stats update failed", logx.Int64("campaign", c.ID), logx.Err(err))
		}
	}

	event := "completed"
	switch {
	case runErr != nil:
		event = "aborted"
	case sum.Interrupted:
		event = "interrupted"
	default:
		// Only a clean, uninterrupted run reaches the terminal transition.
		// A pause/cancel already moved the status, so the conditional update
		// simply finds nothing to do in that case.
		if err := s.store.SetCampaignStatus(ctx, c.ID, model.StatusCompleted, model.StatusRunning); err != nil {
			s.log.Warn("completion transition failed", logx.Int64("campaign", c.ID), logx.Err(err))
		}
	}

	if _, err := s.jobs.Enqueue(ctx, queue.TypeCampaignNotify, queue.NotifyPayload{
		CampaignID: c.ID,
		Event:      event,
		Sent:       sum.Sent,
		Failed:     sum.Failed,
		Message:    sum.Message,
	}); err != nil {
		s.log.Warn("enqueue notify failed", logx.Int64("campaign", c.ID), logx.Err(err))
	}

	s.log.Info("run finished",
		logx.Int64("campaign", c.ID), logx.String("event", event),
		logx.Int("sent", sum.Sent), logx.Int("failed", sum.Failed),
		logx.Int("deferred", sum.Deferred), logx.Duration("took", sum.Finished.Sub(sum.Started)))
	return sum, runErr
}

func (s *Sender) liveStatus(ctx context.Context, id int64) (model.CampaignStatus, error) {
	st, err := s.store.CampaignStatus(ctx, id)
	if err != nil {
		return "", fmt.Errorf("sender: status re-read: %w", err)
	}
	return st, nil
}

func (s *Sender) limited(ctx context.Context, c *model.Campaign) (time.Duration, bool, error) {
	res, err := s.limiter.AllowConnection(ctx, c.ConnectionID)
	if err != nil {
		return 0, false, fmt.Errorf("sender: connection limit: %w", err)
	}
	if !res.Allowed {
		return res.RetryAfter, true, nil
	}
	res, err = s.limiter.AllowAccount(ctx, c.AccountID)
	if err != nil {
		return 0, false, fmt.Errorf("sender: account limit: %w", err)
	}
	if !res.Allowed {
		return res.RetryAfter, true, nil
	}
	return 0, false, nil
}

func (s *Sender) deferAll(ctx context.Context, ds []delivery, retryAfter time.Duration, sum *Summary, log logx.Logger) {
	for _, d := range ds {
		s.deferOne(ctx, d, retryAfter, sum, log)
	}
}

func (s *Sender) deferOne(ctx context.Context, d delivery, retryAfter time.Duration, sum *Summary, log logx.Logger) {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	_, err := s.jobs.EnqueueAt(ctx, queue.TypeMessageSend, d.payload(), time.Now().Add(retryAfter))
	if err != nil {
		log.Error("defer delivery failed", logx.Int64("target", d.targetID), logx.Err(err))
		return
	}
	sum.Deferred++
	log.Debug("delivery deferred",
		logx.Int64("target", d.targetID), logx.Duration("retry_after", retryAfter))
}

func (s *Sender) record(ctx context.Context, d delivery, outcome model.SendOutcome, providerMsgID, errText string, log logx.Logger) {
	rec := &model.SendRecord{
		CampaignID:        d.campaignID,
		TargetID:          d.targetID,
		VariantID:         d.variantID,
		MediaID:           d.mediaID,
		Outcome:           outcome,
		ProviderMessageID: providerMsgID,
		Error:             errText,
	}
	if err := s.store.InsertSendRecord(ctx, rec); err != nil {
		log.Error("send record insert failed", logx.Int64("target", d.targetID), logx.Err(err))
	}
}

// delivery is one provider call: either the composed text or one media item.
type delivery struct {
	campaignID int64
	targetID   int64
	chatID     int64
	variantID  int64
	mediaID    int64

	text string // text delivery
	kind string // media delivery
	url  string
}

func (d delivery) payload() queue.SendPayload {
	return queue.SendPayload{
		CampaignID: d.campaignID,
		TargetID:   d.targetID,
		VariantID:  d.variantID,
		MediaID:    d.mediaID,
	}
}

func (d delivery) send(ctx context.Context, client provider.Client) (provider.SendResult, error) {
	if d.mediaID != 0 {
		return client.SendMedia(ctx, d.chatID, d.kind, d.url, "")
	}
	return client.SendText(ctx, d.chatID, d.text)
}

// buildDeliveries expands one target into its provider calls: the composed
// text (base + variant, either half optional) followed by every media item
// tied to the selected variant's sort order.
func buildDeliveries(c *model.Campaign, tgt model.Target, v model.Variant, hasVariant bool) []delivery {
	var out []delivery

	text := ComposeText(c.BaseMessage, v.Text)
	variantID := int64(0)
	if hasVariant {
		variantID = v.ID
	}
	if text != "" {
		out = append(out, delivery{
			campaignID: c.ID, targetID: tgt.ID, chatID: tgt.ChatID,
			variantID: variantID, text: text,
		})
	}
	if hasVariant {
		for _, m := range c.MediaForOrder(v.SortOrder) {
			out = append(out, delivery{
				campaignID: c.ID, targetID: tgt.ID, chatID: tgt.ChatID,
				variantID: variantID, mediaID: m.ID, kind: m.Kind, url: m.URL,
			})
		}
	}
	return out
}

// ComposeText joins the campaign base message and a variant text with a blank
// line. Either part may be empty.
func ComposeText(base, variant string) string {
	switch {
	case base == "":
		return variant
	case variant == "":
		return base
	default:
		return base + "\n\n" + variant
	}
}
