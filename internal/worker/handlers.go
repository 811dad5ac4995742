package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"groupcast/internal/model"
	"groupcast/internal/provider"
	"groupcast/internal/queue"
	"groupcast/internal/sender"
	"groupcast/internal/storage"
	"groupcast/pkg/logx"
)

// fireSkew is how early a campaign:start job may run before its FireAt.
// Anything earlier is clock skew between producer and consumer; re-defer.
const fireSkew = 5 * time.Second

func (p *Pool) handleStart(ctx context.Context, j *queue.Job) error {
	var sp queue.StartPayload
	if err := j.Unmarshal(&sp); err != nil {
		return Terminal(fmt.Errorf("worker: bad start payload: %w", err))
	}

	if until := time.Until(sp.FireAt); until > fireSkew {
		return Defer(sp.FireAt)
	}

	c, err := p.store.Campaign(ctx, sp.CampaignID)
	if errors.Is(err, storage.ErrNotFound) {
		return Terminal(fmt.Errorf("worker: campaign %d gone: %w", sp.CampaignID, err))
	}
	if err != nil {
		return fmt.Errorf("worker: load campaign %d: %w", sp.CampaignID, err)
	}

	if !c.Status.Schedulable() {
		// Paused/cancelled/draft between enqueue and pickup is an operator
		// decision, not an error; running means another process won the job.
		p.log.Info("campaign not startable, dropping run",
			logx.Int64("campaign", c.ID), logx.String("status", string(c.Status)))
		return nil
	}

	conn, err := p.store.Connection(ctx, c.ConnectionID)
	if errors.Is(err, storage.ErrNotFound) {
		return p.failCampaign(ctx, c.ID, fmt.Errorf("worker: connection %d gone", c.ConnectionID))
	}
	if err != nil {
		return fmt.Errorf("worker: load connection %d: %w", c.ConnectionID, err)
	}
	if !conn.Active {
		return p.failCampaign(ctx, c.ID, fmt.Errorf("worker: connection %d inactive", conn.ID))
	}

	client, err := p.clients.For(conn)
	if err != nil {
		return fmt.Errorf("worker: provider client: %w", err)
	}

	if err := p.store.SetCampaignStatus(ctx, c.ID, model.StatusRunning, model.StatusScheduled, model.StatusCompleted); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			p.log.Info("lost start race, dropping run", logx.Int64("campaign", c.ID))
			return nil
		}
		return fmt.Errorf("worker: start transition: %w", err)
	}

	if err := p.campaign(ctx, c, client); err != nil {
		return fmt.Errorf("worker: campaign run: %w", err)
	}
	return nil
}

// failCampaign marks a campaign failed over a configuration problem and
// kills the job; a retry cannot activate a missing connection.
func (p *Pool) failCampaign(ctx context.Context, campaignID int64, cause error) error {
	if err := p.store.SetCampaignStatus(ctx, campaignID, model.StatusFailed); err != nil {
		p.log.Error("failed transition error", logx.Int64("campaign", campaignID), logx.Err(err))
	}
	return Terminal(cause)
}

func (p *Pool) handleSend(ctx context.Context, j *queue.Job) error {
	var sp queue.SendPayload
	if err := j.Unmarshal(&sp); err != nil {
		return Terminal(fmt.Errorf("worker: bad send payload: %w", err))
	}

	st, err := p.store.CampaignStatus(ctx, sp.CampaignID)
	if errors.Is(err, storage.ErrNotFound) {
		return Terminal(fmt.Errorf("worker: campaign %d gone", sp.CampaignID))
	}
	if err != nil {
		return fmt.Errorf("worker: campaign status: %w", err)
	}
	switch st {
	case model.StatusRunning, model.StatusCompleted, model.StatusScheduled:
		// A deferred delivery outlives its run; completed is still deliverable.
	default:
		// Operator stopped the campaign; drop the delivery silently.
		p.log.Info("dropping delivery for stopped campaign",
			logx.Int64("campaign", sp.CampaignID), logx.String("status", string(st)))
		return nil
	}

	c, err := p.store.Campaign(ctx, sp.CampaignID)
	if err != nil {
		return fmt.Errorf("worker: load campaign %d: %w", sp.CampaignID, err)
	}
	tgt, err := p.store.Target(ctx, sp.CampaignID, sp.TargetID)
	if errors.Is(err, storage.ErrNotFound) {
		return Terminal(fmt.Errorf("worker: target %d gone", sp.TargetID))
	}
	if err != nil {
		return fmt.Errorf("worker: load target %d: %w", sp.TargetID, err)
	}

	// Limiter first: refusals must not touch the provider or the budget.
	if res, lerr := p.limiter.AllowConnection(ctx, c.ConnectionID); lerr != nil {
		return fmt.Errorf("worker: connection limit: %w", lerr)
	} else if !res.Allowed {
		return Defer(time.Now().Add(res.RetryAfter))
	}
	if res, lerr := p.limiter.AllowAccount(ctx, c.AccountID); lerr != nil {
		return fmt.Errorf("worker: account limit: %w", lerr)
	} else if !res.Allowed {
		return Defer(time.Now().Add(res.RetryAfter))
	}
	// Per-delivery window, keyed by the job identity: caps how often one
	// delivery can reach the provider across its redelivery cycles.
	if res, lerr := p.limiter.AllowMessage(ctx, j.ID); lerr != nil {
		return fmt.Errorf("worker: message limit: %w", lerr)
	} else if !res.Allowed {
		return Defer(time.Now().Add(res.RetryAfter))
	}

	conn, err := p.store.Connection(ctx, c.ConnectionID)
	if err != nil || !conn.Active {
		return Terminal(fmt.Errorf("worker: connection %d unusable", c.ConnectionID))
	}
	client, err := p.clients.For(conn)
	if err != nil {
		return fmt.Errorf("worker: provider client: %w", err)
	}

	res, err := p.deliver(ctx, client, c, tgt, sp)
	if err != nil {
		if ra, ok := provider.IsThrottle(err); ok {
			return Defer(time.Now().Add(ra))
		}
		// Genuine failure: consume an attempt. The final failure record is
		// written by exhausted() once the budget runs out.
		return err
	}

	rec := &model.SendRecord{
		CampaignID:        sp.CampaignID,
		TargetID:          sp.TargetID,
		VariantID:         sp.VariantID,
		MediaID:           sp.MediaID,
		Outcome:           model.OutcomeSent,
		ProviderMessageID: res.MessageID,
	}
	if err := p.store.InsertSendRecord(ctx, rec); err != nil {
		p.log.Error("send record insert failed", logx.Int64("campaign", sp.CampaignID), logx.Err(err))
	}
	if err := p.store.AddCampaignStats(ctx, sp.CampaignID, model.Stats{Sent: 1, Total: 1}); err != nil {
		p.log.Error("stats update failed", logx.Int64("campaign", sp.CampaignID), logx.Err(err))
	}
	return nil
}

func (p *Pool) deliver(ctx context.Context, client provider.Client, c *model.Campaign, tgt *model.Target, sp queue.SendPayload) (provider.SendResult, error) {
	if sp.MediaID != 0 {
		m, err := p.store.Media(ctx, c.ID, sp.MediaID)
		if errors.Is(err, storage.ErrNotFound) {
			return provider.SendResult{}, Terminal(fmt.Errorf("worker: media %d gone", sp.MediaID))
		}
		if err != nil {
			return provider.SendResult{}, fmt.Errorf("worker: load media %d: %w", sp.MediaID, err)
		}
		return client.SendMedia(ctx, tgt.ChatID, m.Kind, m.URL, "")
	}

	variantText := ""
	if sp.VariantID != 0 {
		v, err := p.store.Variant(ctx, c.ID, sp.VariantID)
		if errors.Is(err, storage.ErrNotFound) {
			return provider.SendResult{}, Terminal(fmt.Errorf("worker: variant %d gone", sp.VariantID))
		}
		if err != nil {
			return provider.SendResult{}, fmt.Errorf("worker: load variant %d: %w", sp.VariantID, err)
		}
		variantText = v.Text
	}
	text := sender.ComposeText(c.BaseMessage, variantText)
	if text == "" {
		return provider.SendResult{}, Terminal(fmt.Errorf("worker: empty delivery for target %d", tgt.ID))
	}
	return client.SendText(ctx, tgt.ChatID, text)
}

func (p *Pool) handleNotify(ctx context.Context, j *queue.Job) error {
	var np queue.NotifyPayload
	if err := j.Unmarshal(&np); err != nil {
		return Terminal(fmt.Errorf("worker: bad notify payload: %w", err))
	}

	c, err := p.store.Campaign(ctx, np.CampaignID)
	if errors.Is(err, storage.ErrNotFound) {
		return Terminal(fmt.Errorf("worker: campaign %d gone", np.CampaignID))
	}
	if err != nil {
		return fmt.Errorf("worker: load campaign %d: %w", np.CampaignID, err)
	}
	acct, err := p.store.Account(ctx, c.AccountID)
	if err != nil {
		return fmt.Errorf("worker: load account %d: %w", c.AccountID, err)
	}
	if acct.NotifyChatID == 0 {
		return nil // account opted out
	}

	conn, err := p.store.Connection(ctx, c.ConnectionID)
	if err != nil || !conn.Active {
		return Terminal(fmt.Errorf("worker: connection %d unusable for notify", c.ConnectionID))
	}
	client, err := p.clients.For(conn)
	if err != nil {
		return fmt.Errorf("worker: provider client: %w", err)
	}

	text := notifyText(c.Name, np)
	if _, err := client.SendText(ctx, acct.NotifyChatID, text); err != nil {
		if ra, ok := provider.IsThrottle(err); ok {
			return Defer(time.Now().Add(ra))
		}
		return fmt.Errorf("worker: notify send: %w", err)
	}
	return nil
}

func notifyText(name string, np queue.NotifyPayload) string {
	text := fmt.Sprintf("Campaign %q %s: %d sent, %d failed.", name, np.Event, np.Sent, np.Failed)
	if np.Message != "" {
		text += " (" + np.Message + ")"
	}
	return text
}
