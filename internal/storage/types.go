package storage

import (
	"context"
	"errors"
	"time"

	"groupcast/internal/model"
)

var (
	ErrNotFound = errors.New("storage: not found")

	// ErrStatusConflict means a conditional transition found the campaign in
	// a state the caller did not allow.
	ErrStatusConflict = errors.New("storage: campaign status conflict")
)

// Config configures the SQLite backend.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// ScheduledCampaign pairs a campaign with its active schedules for the
// scheduler's tick evaluation.
type ScheduledCampaign struct {
	CampaignID int64
	Status     model.CampaignStatus
	Schedules  []model.Schedule
}

// Store is the persistence API used by the delivery engine.
type Store interface {
	Close() error

	// Campaign loads the campaign with its active variants (ordered by
	// sort_order), active media, and active targets (ordered by position).
	Campaign(ctx context.Context, id int64) (*model.Campaign, error)

	// CampaignStatus is the cheap live re-read the sender polls between targets.
	CampaignStatus(ctx context.Context, id int64) (model.CampaignStatus, error)

	// SetCampaignStatus transitions to the given status. When from is
	// non-empty the update only applies if the current status is one of
	// them; otherwise ErrStatusConflict.
	SetCampaignStatus(ctx context.Context, id int64, to model.CampaignStatus, from ...model.CampaignStatus) error

	// AddCampaignStats adds the delta in one UPDATE with column arithmetic.
	AddCampaignStats(ctx context.Context, id int64, delta model.Stats) error

	Account(ctx context.Context, id int64) (*model.Account, error)
	Connection(ctx context.Context, id int64) (*model.Connection, error)

	// SchedulableCampaigns returns campaigns the scheduler may trigger,
	// each with its active schedules.
	SchedulableCampaigns(ctx context.Context) ([]ScheduledCampaign, error)

	InsertSendRecord(ctx context.Context, rec *model.SendRecord) error
	HasSendRecordSince(ctx context.Context, campaignID int64, since time.Time) (bool, error)
	SendRecordsBetween(ctx context.Context, campaignID int64, from, to time.Time) ([]model.SendRecord, error)

	// Lookups for single-message retry jobs.
	Target(ctx context.Context, campaignID, targetID int64) (*model.Target, error)
	Variant(ctx context.Context, campaignID, variantID int64) (*model.Variant, error)
	Media(ctx context.Context, campaignID, mediaID int64) (*model.MediaItem, error)

	// Fixture/seed writes. The operator product owns full CRUD; these exist
	// for tests and the dev seeder.
	CreateAccount(ctx context.Context, a *model.Account) error
	CreateConnection(ctx context.Context, c *model.Connection) error
	CreateCampaign(ctx context.Context, c *model.Campaign) error
	CreateSchedule(ctx context.Context, s *model.Schedule) error
}
