package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"groupcast/internal/model"
	"groupcast/internal/provider"
	"groupcast/internal/queue"
	"groupcast/internal/ratelimit"
	"groupcast/internal/storage"
	"groupcast/pkg/logx"
)

type fakeStore struct {
	mu        sync.Mutex
	campaigns map[int64]*model.Campaign
	accounts  map[int64]*model.Account
	conns     map[int64]*model.Connection
	records   []model.SendRecord
	stats     []model.Stats
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: map[int64]*model.Campaign{},
		accounts:  map[int64]*model.Account{},
		conns:     map[int64]*model.Connection{},
	}
}

func (f *fakeStore) Campaign(_ context.Context, id int64) (*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) CampaignStatus(_ context.Context, id int64) (model.CampaignStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return "", storage.ErrNotFound
	}
	return c.Status, nil
}

func (f *fakeStore) SetCampaignStatus(_ context.Context, id int64, to model.CampaignStatus, from ...model.CampaignStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return storage.ErrNotFound
	}
	if len(from) == 0 {
		c.Status = to
		return nil
	}
	for _, fr := range from {
		if c.Status == fr {
			c.Status = to
			return nil
		}
	}
	return storage.ErrStatusConflict
}

func (f *fakeStore) AddCampaignStats(_ context.Context, _ int64, delta model.Stats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, delta)
	return nil
}

func (f *fakeStore) Account(_ context.Context, id int64) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) Connection(_ context.Context, id int64) (*model.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) InsertSendRecord(_ context.Context, rec *model.SendRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeStore) Target(_ context.Context, campaignID, targetID int64) (*model.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[campaignID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	for _, t := range c.Targets {
		if t.ID == targetID {
			tt := t
			return &tt, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) Variant(_ context.Context, campaignID, variantID int64) (*model.Variant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[campaignID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	for _, v := range c.Variants {
		if v.ID == variantID {
			vv := v
			return &vv, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) Media(_ context.Context, campaignID, mediaID int64) (*model.MediaItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[campaignID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	for _, m := range c.Media {
		if m.ID == mediaID {
			mm := m
			return &mm, nil
		}
	}
	return nil, storage.ErrNotFound
}

type fakeLimiter struct {
	refuseConn bool
	retryAfter time.Duration
}

func (f *fakeLimiter) AllowConnection(context.Context, int64) (ratelimit.Result, error) {
	if f.refuseConn {
		return ratelimit.Result{Allowed: false, RetryAfter: f.retryAfter}, nil
	}
	return ratelimit.Result{Allowed: true}, nil
}

func (f *fakeLimiter) AllowAccount(context.Context, int64) (ratelimit.Result, error) {
	return ratelimit.Result{Allowed: true}, nil
}

func (f *fakeLimiter) AllowMessage(context.Context, string) (ratelimit.Result, error) {
	return ratelimit.Result{Allowed: true}, nil
}

type fakeClient struct {
	mu    sync.Mutex
	texts []string
	chats []int64
	err   error
	seq   int
}

func (f *fakeClient) SendText(_ context.Context, chatID int64, text string) (provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return provider.SendResult{}, f.err
	}
	f.texts = append(f.texts, text)
	f.chats = append(f.chats, chatID)
	f.seq++
	return provider.SendResult{MessageID: strconv.Itoa(f.seq)}, nil
}

func (f *fakeClient) SendMedia(_ context.Context, chatID int64, _, url, _ string) (provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return provider.SendResult{}, f.err
	}
	f.texts = append(f.texts, url)
	f.chats = append(f.chats, chatID)
	f.seq++
	return provider.SendResult{MessageID: strconv.Itoa(f.seq)}, nil
}

type fakeClients struct {
	client *fakeClient
}

func (f *fakeClients) For(*model.Connection) (provider.Client, error) {
	return f.client, nil
}

type harness struct {
	pool   *Pool
	jobs   *queue.Queue
	store  *fakeStore
	client *fakeClient
	runs   *int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	jobs := queue.New(rc, logx.Nop())
	store := newFakeStore()
	client := &fakeClient{}
	runs := 0
	run := func(context.Context, *model.Campaign, provider.Client) error {
		runs++
		return nil
	}
	pool := New(Config{Enabled: true}, jobs, store, &fakeLimiter{}, &fakeClients{client: client}, run, logx.Nop())
	return &harness{pool: pool, jobs: jobs, store: store, client: client, runs: &runs}
}

func (h *harness) seed() {
	h.store.accounts[10] = &model.Account{ID: 10, Name: "acme", NotifyChatID: 555}
	h.store.conns[20] = &model.Connection{ID: 20, AccountID: 10, Token: "t", Active: true}
	h.store.campaigns[1] = &model.Campaign{
		ID: 1, AccountID: 10, ConnectionID: 20, Name: "launch",
		Status: model.StatusScheduled, BaseMessage: "hi",
		Variants: []model.Variant{{ID: 100, CampaignID: 1, Text: "v0", SortOrder: 0, Active: true}},
		Targets:  []model.Target{{ID: 200, CampaignID: 1, ChatID: -1000, Position: 0, Active: true}},
	}
}

func (h *harness) dispatchOne(t *testing.T) *queue.Job {
	t.Helper()
	j, err := h.jobs.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	h.pool.Dispatch(context.Background(), j)
	return j
}

func TestStartRunsCampaign(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed()
	ctx := context.Background()

	if _, err := h.jobs.Enqueue(ctx, queue.TypeCampaignStart, queue.StartPayload{CampaignID: 1, FireAt: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.dispatchOne(t)

	if *h.runs != 1 {
		t.Fatalf("campaign runs = %d, want 1", *h.runs)
	}
	if h.store.campaigns[1].Status != model.StatusRunning {
		t.Fatalf("status = %s, want running", h.store.campaigns[1].Status)
	}
	st, _ := h.jobs.Stats(ctx)
	if st.Ready != 0 || st.Delayed != 0 || st.Dead != 0 {
		t.Fatalf("queue stats = %+v, want empty after completion", st)
	}
}

func TestStartDefersEarlyFire(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed()
	ctx := context.Background()

	fireAt := time.Now().Add(time.Hour)
	if _, err := h.jobs.Enqueue(ctx, queue.TypeCampaignStart, queue.StartPayload{CampaignID: 1, FireAt: fireAt}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j := h.dispatchOne(t)

	if *h.runs != 0 {
		t.Fatal("early job must not run the campaign")
	}
	if j.Attempts != 0 {
		t.Fatalf("attempts = %d, clock-skew deferral must not consume the budget", j.Attempts)
	}
	st, _ := h.jobs.Stats(ctx)
	if st.Delayed != 1 {
		t.Fatalf("queue stats = %+v, want the job re-delayed", st)
	}
}

func TestStartKillsJobForMissingCampaign(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.jobs.Enqueue(ctx, queue.TypeCampaignStart, queue.StartPayload{CampaignID: 404, FireAt: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.dispatchOne(t)

	st, _ := h.jobs.Stats(ctx)
	if st.Dead != 1 {
		t.Fatalf("queue stats = %+v, a missing campaign must park the job dead", st)
	}
}

func TestStartFailsCampaignOnInactiveConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed()
	h.store.conns[20].Active = false
	ctx := context.Background()

	if _, err := h.jobs.Enqueue(ctx, queue.TypeCampaignStart, queue.StartPayload{CampaignID: 1, FireAt: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.dispatchOne(t)

	if *h.runs != 0 {
		t.Fatal("must not run on an inactive connection")
	}
	if h.store.campaigns[1].Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", h.store.campaigns[1].Status)
	}
	st, _ := h.jobs.Stats(ctx)
	if st.Dead != 1 {
		t.Fatalf("queue stats = %+v, config error must not be retried", st)
	}
}

func TestSendDeliversAndRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed()
	h.store.campaigns[1].Status = model.StatusRunning
	ctx := context.Background()

	if _, err := h.jobs.Enqueue(ctx, queue.TypeMessageSend, queue.SendPayload{CampaignID: 1, TargetID: 200, VariantID: 100}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.dispatchOne(t)

	if len(h.client.texts) != 1 || h.client.texts[0] != "hi\n\nv0" {
		t.Fatalf("sent = %v, want one composed text", h.client.texts)
	}
	if h.client.chats[0] != -1000 {
		t.Fatalf("chat = %d, want -1000", h.client.chats[0])
	}
	if len(h.store.records) != 1 || h.store.records[0].Outcome != model.OutcomeSent {
		t.Fatalf("records = %+v, want one sent record", h.store.records)
	}
	if len(h.store.stats) != 1 || h.store.stats[0].Sent != 1 {
		t.Fatalf("stats = %+v, want one sent increment", h.store.stats)
	}
}

func TestSendLimiterRefusalKeepsBudget(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed()
	h.store.campaigns[1].Status = model.StatusRunning
	h.pool.limiter = &fakeLimiter{refuseConn: true, retryAfter: 20 * time.Millisecond}
	ctx := context.Background()

	if _, err := h.jobs.Enqueue(ctx, queue.TypeMessageSend, queue.SendPayload{CampaignID: 1, TargetID: 200, VariantID: 100}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.dispatchOne(t)

	if len(h.client.texts) != 0 {
		t.Fatal("refused delivery must not reach the provider")
	}
	if len(h.store.records) != 0 {
		t.Fatal("refused delivery must not write a record")
	}

	// Once due again, the job still has its full retry budget.
	h.pool.limiter = &fakeLimiter{}
	time.Sleep(40 * time.Millisecond)
	j, err := h.jobs.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue after deferral: %v", err)
	}
	if j.Attempts != 0 {
		t.Fatalf("attempts = %d, deferral must not consume the budget", j.Attempts)
	}
}

func TestSendThrottleDefers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed()
	h.store.campaigns[1].Status = model.StatusRunning
	h.client.err = &provider.ThrottleError{RetryAfter: time.Minute}
	ctx := context.Background()

	if _, err := h.jobs.Enqueue(ctx, queue.TypeMessageSend, queue.SendPayload{CampaignID: 1, TargetID: 200, VariantID: 100}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j := h.dispatchOne(t)

	if j.Attempts != 0 {
		t.Fatalf("attempts = %d, throttle must not consume the budget", j.Attempts)
	}
	if len(h.store.records) != 0 {
		t.Fatal("throttle must not write a record")
	}
	st, _ := h.jobs.Stats(ctx)
	if st.Delayed != 1 {
		t.Fatalf("queue stats = %+v, want the job delayed", st)
	}
}

func TestSendExhaustionWritesFailureRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed()
	h.store.campaigns[1].Status = model.StatusRunning
	h.client.err = errors.New("chat not found")
	ctx := context.Background()

	if _, err := h.jobs.Enqueue(ctx, queue.TypeMessageSend, queue.SendPayload{CampaignID: 1, TargetID: 200, VariantID: 100}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j, err := h.jobs.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	j.Attempts = j.MaxAttempts - 1 // last attempt
	h.pool.Dispatch(ctx, j)

	st, _ := h.jobs.Stats(ctx)
	if st.Dead != 1 {
		t.Fatalf("queue stats = %+v, want the job dead", st)
	}
	if len(h.store.records) != 1 || h.store.records[0].Outcome != model.OutcomeFailed {
		t.Fatalf("records = %+v, want one failed record", h.store.records)
	}
	if h.store.records[0].Error == "" {
		t.Fatal("failure record must carry the error text")
	}
	if len(h.store.stats) != 1 || h.store.stats[0].Failed != 1 {
		t.Fatalf("stats = %+v, want one failed increment", h.store.stats)
	}
}

func TestSendDroppedForStoppedCampaign(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed()
	h.store.campaigns[1].Status = model.StatusPaused
	ctx := context.Background()

	if _, err := h.jobs.Enqueue(ctx, queue.TypeMessageSend, queue.SendPayload{CampaignID: 1, TargetID: 200, VariantID: 100}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.dispatchOne(t)

	if len(h.client.texts) != 0 || len(h.store.records) != 0 {
		t.Fatal("paused campaign's delivery must be dropped")
	}
	st, _ := h.jobs.Stats(ctx)
	if st.Ready != 0 || st.Delayed != 0 || st.Dead != 0 {
		t.Fatalf("queue stats = %+v, want the job completed away", st)
	}
}

func TestNotifySendsSummary(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed()
	ctx := context.Background()

	if _, err := h.jobs.Enqueue(ctx, queue.TypeCampaignNotify, queue.NotifyPayload{
		CampaignID: 1, Event: "completed", Sent: 9, Failed: 1,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.dispatchOne(t)

	if len(h.client.texts) != 1 {
		t.Fatalf("notify sends = %d, want 1", len(h.client.texts))
	}
	if h.client.chats[0] != 555 {
		t.Fatalf("notify chat = %d, want the account's notify chat", h.client.chats[0])
	}
	want := `Campaign "launch" completed: 9 sent, 1 failed.`
	if h.client.texts[0] != want {
		t.Fatalf("notify text = %q, want %q", h.client.texts[0], want)
	}
}

func TestPoolProcessesJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed()
	h.store.campaigns[1].Status = model.StatusRunning
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.jobs.Enqueue(ctx, queue.TypeMessageSend, queue.SendPayload{CampaignID: 1, TargetID: 200, VariantID: 100}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	h.pool.Apply(Config{Enabled: true, Count: 2, IdleSleep: 10 * time.Millisecond})
	h.pool.Start(ctx)
	defer h.pool.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.store.mu.Lock()
		done := len(h.store.records) == 3
		h.store.mu.Unlock()
		if done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pool did not process all jobs in time")
}
