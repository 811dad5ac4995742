package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"groupcast/internal/model"
	"groupcast/pkg/logx"
)

func testStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "groupcast.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedCampaign(t *testing.T, st Store, status model.CampaignStatus) *model.Campaign {
	t.Helper()
	ctx := context.Background()

	acct := &model.Account{Name: "acme", NotifyChatID: 42}
	if err := st.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("create account: %v", err)
	}
	conn := &model.Connection{AccountID: acct.ID, Token: "tok", Active: true}
	if err := st.CreateConnection(ctx, conn); err != nil {
		t.Fatalf("create connection: %v", err)
	}

	c := &model.Campaign{
		AccountID:        acct.ID,
		ConnectionID:     conn.ID,
		Name:             "launch",
		Status:           status,
		BaseMessage:      "hello",
		InterTargetDelay: 2 * time.Second,
		Variants: []model.Variant{
			{Text: "v0", SortOrder: 0, Active: true},
			{Text: "v1", SortOrder: 1, Active: true},
		},
		Media: []model.MediaItem{
			{URL: "https://x/a.jpg", Kind: "photo", SortOrder: 0, Active: true},
		},
		Targets: []model.Target{
			{ChatID: -100, Delay: time.Second, Position: 0, Active: true},
			{ChatID: -200, Position: 1, Active: true},
		},
	}
	if err := st.CreateCampaign(ctx, c); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}

func TestCampaignRoundTrip(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()
	seeded := seedCampaign(t, st, model.StatusScheduled)

	got, err := st.Campaign(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("campaign: %v", err)
	}
	if got.Name != "launch" || got.Status != model.StatusScheduled {
		t.Fatalf("got %q/%s, want launch/scheduled", got.Name, got.Status)
	}
	if got.InterTargetDelay != 2*time.Second {
		t.Fatalf("inter-target delay = %v, want 2s", got.InterTargetDelay)
	}
	if len(got.Variants) != 2 || got.Variants[0].Text != "v0" || got.Variants[1].Text != "v1" {
		t.Fatalf("variants = %+v, want v0,v1 ordered by sort_order", got.Variants)
	}
	if len(got.Media) != 1 || got.Media[0].Kind != "photo" {
		t.Fatalf("media = %+v, want one photo", got.Media)
	}
	if len(got.Targets) != 2 || got.Targets[0].ChatID != -100 || got.Targets[0].Delay != time.Second {
		t.Fatalf("targets = %+v, want position order with delays", got.Targets)
	}
}

func TestCampaignNotFound(t *testing.T) {
	t.Parallel()
	st := testStore(t)

	if _, err := st.Campaign(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := st.CampaignStatus(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("status err = %v, want ErrNotFound", err)
	}
}

func TestConditionalStatusTransition(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()
	c := seedCampaign(t, st, model.StatusScheduled)

	if err := st.SetCampaignStatus(ctx, c.ID, model.StatusRunning, model.StatusScheduled); err != nil {
		t.Fatalf("scheduled→running: %v", err)
	}
	got, _ := st.CampaignStatus(ctx, c.ID)
	if got != model.StatusRunning {
		t.Fatalf("status = %s, want running", got)
	}

	// A second identical transition loses: the from-state no longer matches.
	err := st.SetCampaignStatus(ctx, c.ID, model.StatusRunning, model.StatusScheduled)
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("err = %v, want ErrStatusConflict", err)
	}

	// Unconditional transition always applies.
	if err := st.SetCampaignStatus(ctx, c.ID, model.StatusPaused); err != nil {
		t.Fatalf("unconditional: %v", err)
	}
}

func TestAddCampaignStats(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()
	c := seedCampaign(t, st, model.StatusRunning)

	if err := st.AddCampaignStats(ctx, c.ID, model.Stats{Sent: 3, Failed: 1, Total: 4}); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if err := st.AddCampaignStats(ctx, c.ID, model.Stats{Sent: 2, Total: 2}); err != nil {
		t.Fatalf("stats: %v", err)
	}

	got, err := st.Campaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("campaign: %v", err)
	}
	if got.Stats.Sent != 5 || got.Stats.Failed != 1 || got.Stats.Total != 6 {
		t.Fatalf("stats = %+v, want cumulative 5/1/6", got.Stats)
	}
}

func TestSendRecordsAndDailyIdempotence(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()
	c := seedCampaign(t, st, model.StatusRunning)
	target := c.Targets[0]

	midnight := time.Now().Add(-time.Hour)

	ran, err := st.HasSendRecordSince(ctx, c.ID, midnight)
	if err != nil {
		t.Fatalf("has record: %v", err)
	}
	if ran {
		t.Fatal("fresh campaign must have no records")
	}

	rec := &model.SendRecord{
		CampaignID:        c.ID,
		TargetID:          target.ID,
		VariantID:         c.Variants[0].ID,
		Outcome:           model.OutcomeSent,
		ProviderMessageID: "m1",
	}
	if err := st.InsertSendRecord(ctx, rec); err != nil {
		t.Fatalf("insert record: %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("record ID not assigned")
	}

	ran, err = st.HasSendRecordSince(ctx, c.ID, midnight)
	if err != nil {
		t.Fatalf("has record: %v", err)
	}
	if !ran {
		t.Fatal("record within the day must flip the idempotence check")
	}

	// A failed record without variant/media keeps its NULLs.
	if err := st.InsertSendRecord(ctx, &model.SendRecord{
		CampaignID: c.ID,
		TargetID:   target.ID,
		Outcome:    model.OutcomeFailed,
		Error:      "chat not found",
	}); err != nil {
		t.Fatalf("insert failed record: %v", err)
	}

	recs, err := st.SendRecordsBetween(ctx, c.ID, midnight, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("records between: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].VariantID != c.Variants[0].ID || recs[0].ProviderMessageID != "m1" {
		t.Fatalf("first record = %+v", recs[0])
	}
	if recs[1].VariantID != 0 || recs[1].Error != "chat not found" {
		t.Fatalf("second record = %+v, want nil variant and error text", recs[1])
	}
}

func TestSchedulableCampaigns(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	scheduled := seedCampaign(t, st, model.StatusScheduled)
	seedCampaign(t, st, model.StatusDraft) // must not appear

	sch := &model.Schedule{
		CampaignID: scheduled.ID,
		Label:      "weekday mornings",
		TimeOfDay:  "09:00",
		Days:       []int{1, 2, 3, 4, 5},
		Active:     true,
	}
	if err := st.CreateSchedule(ctx, sch); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	got, err := st.SchedulableCampaigns(ctx)
	if err != nil {
		t.Fatalf("schedulable: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("schedulable = %d campaigns, want 1", len(got))
	}
	if got[0].CampaignID != scheduled.ID || got[0].Status != model.StatusScheduled {
		t.Fatalf("candidate = %+v", got[0])
	}
	if len(got[0].Schedules) != 1 {
		t.Fatalf("schedules = %d, want 1", len(got[0].Schedules))
	}
	s := got[0].Schedules[0]
	if s.TimeOfDay != "09:00" || len(s.Days) != 5 || s.Days[0] != 1 || s.Days[4] != 5 {
		t.Fatalf("schedule = %+v, want 09:00 Mon-Fri", s)
	}
}

func TestSingleRowLookups(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()
	c := seedCampaign(t, st, model.StatusRunning)

	tgt, err := st.Target(ctx, c.ID, c.Targets[0].ID)
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if tgt.ChatID != -100 || tgt.Delay != time.Second {
		t.Fatalf("target = %+v", tgt)
	}

	v, err := st.Variant(ctx, c.ID, c.Variants[1].ID)
	if err != nil {
		t.Fatalf("variant: %v", err)
	}
	if v.Text != "v1" {
		t.Fatalf("variant = %+v", v)
	}

	m, err := st.Media(ctx, c.ID, c.Media[0].ID)
	if err != nil {
		t.Fatalf("media: %v", err)
	}
	if m.URL != "https://x/a.jpg" {
		t.Fatalf("media = %+v", m)
	}

	// Lookups are scoped by campaign: another campaign's ID finds nothing.
	if _, err := st.Target(ctx, c.ID+1000, c.Targets[0].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-campaign lookup err = %v, want ErrNotFound", err)
	}
}

func TestAccountAndConnection(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()
	c := seedCampaign(t, st, model.StatusScheduled)

	acct, err := st.Account(ctx, c.AccountID)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.Name != "acme" || acct.NotifyChatID != 42 {
		t.Fatalf("account = %+v", acct)
	}

	conn, err := st.Connection(ctx, c.ConnectionID)
	if err != nil {
		t.Fatalf("connection: %v", err)
	}
	if conn.Token != "tok" || !conn.Active {
		t.Fatalf("connection = %+v", conn)
	}
}
