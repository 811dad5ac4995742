package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"groupcast/internal/model"
	"groupcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store, creating the file and schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- campaigns ----

func (s *sqliteStore) Campaign(ctx context.Context, id int64) (*model.Campaign, error) {
	var (
		c       model.Campaign
		status  string
		delayMS int64
		created int64
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, connection_id, name, status, base_message, inter_target_delay_ms,
		        stat_sent, stat_delivered, stat_read, stat_failed, stat_total, created_at, updated_at
		 FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.AccountID, &c.ConnectionID, &c.Name, &status, &c.BaseMessage, &delayMS,
		&c.Stats.Sent, &c.Stats.Delivered, &c.Stats.Read, &c.Stats.Failed, &c.Stats.Total, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = model.CampaignStatus(status)
	c.InterTargetDelay = time.Duration(delayMS) * time.Millisecond
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(updated)

	if c.Variants, err = s.campaignVariants(ctx, id); err != nil {
		return nil, err
	}
	if c.Media, err = s.campaignMedia(ctx, id); err != nil {
		return nil, err
	}
	if c.Targets, err = s.campaignTargets(ctx, id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqliteStore) campaignVariants(ctx context.Context, campaignID int64) ([]model.Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, text, sort_order, active FROM variants
		 WHERE campaign_id = ? AND active = 1 ORDER BY sort_order, id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Variant
	for rows.Next() {
		var v model.Variant
		var active int
		if err := rows.Scan(&v.ID, &v.CampaignID, &v.Text, &v.SortOrder, &active); err != nil {
			return nil, err
		}
		v.Active = active != 0
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) campaignMedia(ctx context.Context, campaignID int64) ([]model.MediaItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, url, kind, sort_order, active FROM media
		 WHERE campaign_id = ? AND active = 1 ORDER BY sort_order, id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MediaItem
	for rows.Next() {
		var m model.MediaItem
		var active int
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.URL, &m.Kind, &m.SortOrder, &active); err != nil {
			return nil, err
		}
		m.Active = active != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) campaignTargets(ctx context.Context, campaignID int64) ([]model.Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, chat_id, delay_ms, position, active FROM targets
		 WHERE campaign_id = ? AND active = 1 ORDER BY position, id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Target
	for rows.Next() {
		var t model.Target
		var delayMS int64
		var active int
		if err := rows.Scan(&t.ID, &t.CampaignID, &t.ChatID, &delayMS, &t.Position, &active); err != nil {
			return nil, err
		}
		t.Delay = time.Duration(delayMS) * time.Millisecond
		t.Active = active != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CampaignStatus(ctx context.Context, id int64) (model.CampaignStatus, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return model.CampaignStatus(st), nil
}

func (s *sqliteStore) SetCampaignStatus(ctx context.Context, id int64, to model.CampaignStatus, from ...model.CampaignStatus) error {
	now := time.Now().UnixMilli()

	var res sql.Result
	var err error
	if len(from) == 0 {
		res, err = s.db.ExecContext(ctx,
			`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`, string(to), now, id)
	} else {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(from)), ",")
		args := make([]any, 0, len(from)+3)
		args = append(args, string(to), now, id)
		for _, f := range from {
			args = append(args, string(f))
		}
		res, err = s.db.ExecContext(ctx,
			`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing campaign from a lost transition race.
		if _, serr := s.CampaignStatus(ctx, id); serr != nil {
			return serr
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *sqliteStore) AddCampaignStats(ctx context.Context, id int64, delta model.Stats) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET
		   stat_sent = stat_sent + ?,
		   stat_delivered = stat_delivered + ?,
		   stat_read = stat_read + ?,
		   stat_failed = stat_failed + ?,
		   stat_total = stat_total + ?,
		   updated_at = ?
		 WHERE id = ?`,
		delta.Sent, delta.Delivered, delta.Read, delta.Failed, delta.Total, time.Now().UnixMilli(), id)
	return err
}

// ---- accounts / connections ----

func (s *sqliteStore) Account(ctx context.Context, id int64) (*model.Account, error) {
	var a model.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, notify_chat_id FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.NotifyChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *sqliteStore) Connection(ctx context.Context, id int64) (*model.Connection, error) {
	var c model.Connection
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, token, active FROM connections WHERE id = ?`, id,
	).Scan(&c.ID, &c.AccountID, &c.Token, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Active = active != 0
	return &c, nil
}

// ---- schedules ----

func (s *sqliteStore) SchedulableCampaigns(ctx context.Context) ([]ScheduledCampaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.status, s.id, s.label, s.time_of_day, s.days
		 FROM campaigns c
		 JOIN schedules s ON s.campaign_id = c.id AND s.active = 1
		 WHERE c.status IN ('scheduled', 'completed')
		 ORDER BY c.id, s.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledCampaign
	byID := map[int64]int{}
	for rows.Next() {
		var (
			cid    int64
			status string
			sch    model.Schedule
			days   string
		)
		if err := rows.Scan(&cid, &status, &sch.ID, &sch.Label, &sch.TimeOfDay, &days); err != nil {
			return nil, err
		}
		sch.CampaignID = cid
		sch.Active = true
		sch.Days = parseDays(days)

		idx, ok := byID[cid]
		if !ok {
			out = append(out, ScheduledCampaign{CampaignID: cid, Status: model.CampaignStatus(status)})
			idx = len(out) - 1
			byID[cid] = idx
		}
		out[idx].Schedules = append(out[idx].Schedules, sch)
	}
	return out, rows.Err()
}

func parseDays(csv string) []int {
	var out []int
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 7 {
			continue
		}
		out = append(out, n)
	}
	return out
}

func formatDays(days []int) string {
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, strconv.Itoa(d))
	}
	return strings.Join(parts, ",")
}

// ---- send records ----

func (s *sqliteStore) InsertSendRecord(ctx context.Context, rec *model.SendRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO send_records(campaign_id, target_id, variant_id, media_id, outcome, provider_message_id, error, at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		rec.CampaignID, rec.TargetID, nullID(rec.VariantID), nullID(rec.MediaID),
		string(rec.Outcome), nullStr(rec.ProviderMessageID), nullStr(rec.Error), rec.At.UnixMilli())
	if err != nil {
		return err
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *sqliteStore) HasSendRecordSince(ctx context.Context, campaignID int64, since time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM send_records WHERE campaign_id = ? AND at >= ? LIMIT 1`,
		campaignID, since.UnixMilli()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) SendRecordsBetween(ctx context.Context, campaignID int64, from, to time.Time) ([]model.SendRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, target_id, variant_id, media_id, outcome, provider_message_id, error, at
		 FROM send_records WHERE campaign_id = ? AND at >= ? AND at < ? ORDER BY at, id`,
		campaignID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SendRecord
	for rows.Next() {
		var (
			rec       model.SendRecord
			outcome   string
			variantID sql.NullInt64
			mediaID   sql.NullInt64
			provMsgID sql.NullString
			errText   sql.NullString
			atMS      int64
		)
		if err := rows.Scan(&rec.ID, &rec.CampaignID, &rec.TargetID, &variantID, &mediaID,
			&outcome, &provMsgID, &errText, &atMS); err != nil {
			return nil, err
		}
		rec.Outcome = model.SendOutcome(outcome)
		rec.VariantID = variantID.Int64
		rec.MediaID = mediaID.Int64
		rec.ProviderMessageID = provMsgID.String
		rec.Error = errText.String
		rec.At = time.UnixMilli(atMS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- single-row lookups for retry jobs ----

func (s *sqliteStore) Target(ctx context.Context, campaignID, targetID int64) (*model.Target, error) {
	var t model.Target
	var delayMS int64
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, campaign_id, chat_id, delay_ms, position, active FROM targets
		 WHERE campaign_id = ? AND id = ?`, campaignID, targetID,
	).Scan(&t.ID, &t.CampaignID, &t.ChatID, &delayMS, &t.Position, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Delay = time.Duration(delayMS) * time.Millisecond
	t.Active = active != 0
	return &t, nil
}

func (s *sqliteStore) Variant(ctx context.Context, campaignID, variantID int64) (*model.Variant, error) {
	var v model.Variant
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, campaign_id, text, sort_order, active FROM variants
		 WHERE campaign_id = ? AND id = ?`, campaignID, variantID,
	).Scan(&v.ID, &v.CampaignID, &v.Text, &v.SortOrder, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.Active = active != 0
	return &v, nil
}

func (s *sqliteStore) Media(ctx context.Context, campaignID, mediaID int64) (*model.MediaItem, error) {
	var m model.MediaItem
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, campaign_id, url, kind, sort_order, active FROM media
		 WHERE campaign_id = ? AND id = ?`, campaignID, mediaID,
	).Scan(&m.ID, &m.CampaignID, &m.URL, &m.Kind, &m.SortOrder, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Active = active != 0
	return &m, nil
}

// ---- fixture/seed writes ----

func (s *sqliteStore) CreateAccount(ctx context.Context, a *model.Account) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(name, notify_chat_id) VALUES(?,?)`, a.Name, a.NotifyChatID)
	if err != nil {
		return err
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

func (s *sqliteStore) CreateConnection(ctx context.Context, c *model.Connection) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO connections(account_id, token, active) VALUES(?,?,?)`,
		c.AccountID, c.Token, boolInt(c.Active))
	if err != nil {
		return err
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

func (s *sqliteStore) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	now := time.Now().UnixMilli()
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO campaigns(account_id, connection_id, name, status, base_message, inter_target_delay_ms,
		                       created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		c.AccountID, c.ConnectionID, c.Name, string(c.Status), c.BaseMessage,
		c.InterTargetDelay.Milliseconds(), now, now)
	if err != nil {
		return err
	}
	c.ID, _ = res.LastInsertId()

	for i := range c.Variants {
		v := &c.Variants[i]
		v.CampaignID = c.ID
		r, err := tx.ExecContext(ctx,
			`INSERT INTO variants(campaign_id, text, sort_order, active) VALUES(?,?,?,?)`,
			c.ID, v.Text, v.SortOrder, boolInt(v.Active))
		if err != nil {
			return err
		}
		v.ID, _ = r.LastInsertId()
	}
	for i := range c.Media {
		m := &c.Media[i]
		m.CampaignID = c.ID
		r, err := tx.ExecContext(ctx,
			`INSERT INTO media(campaign_id, url, kind, sort_order, active) VALUES(?,?,?,?,?)`,
			c.ID, m.URL, m.Kind, m.SortOrder, boolInt(m.Active))
		if err != nil {
			return err
		}
		m.ID, _ = r.LastInsertId()
	}
	for i := range c.Targets {
		t := &c.Targets[i]
		t.CampaignID = c.ID
		r, err := tx.ExecContext(ctx,
			`INSERT INTO targets(campaign_id, chat_id, delay_ms, position, active) VALUES(?,?,?,?,?)`,
			c.ID, t.ChatID, t.Delay.Milliseconds(), t.Position, boolInt(t.Active))
		if err != nil {
			return err
		}
		t.ID, _ = r.LastInsertId()
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	c.CreatedAt = time.UnixMilli(now)
	c.UpdatedAt = time.UnixMilli(now)
	return nil
}

func (s *sqliteStore) CreateSchedule(ctx context.Context, sch *model.Schedule) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(campaign_id, label, time_of_day, days, active) VALUES(?,?,?,?,?)`,
		sch.CampaignID, sch.Label, sch.TimeOfDay, formatDays(sch.Days), boolInt(sch.Active))
	if err != nil {
		return err
	}
	sch.ID, _ = res.LastInsertId()
	return nil
}

// ---- helpers ----

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
