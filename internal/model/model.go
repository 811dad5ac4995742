package model

import "time"

// CampaignStatus is the campaign lifecycle state.
//
// Only "running" campaigns are delivered to; the sender re-reads the status
// between targets, so any transition out of running stops a run cooperatively
// within one delay period.
type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "draft"
	StatusScheduled CampaignStatus = "scheduled"
	StatusRunning   CampaignStatus = "running"
	StatusPaused    CampaignStatus = "paused"
	StatusCompleted CampaignStatus = "completed"
	StatusCancelled CampaignStatus = "cancelled"
	StatusFailed    CampaignStatus = "failed"
)

// Schedulable reports whether the scheduler may trigger a new run.
func (s CampaignStatus) Schedulable() bool {
	return s == StatusScheduled || s == StatusCompleted
}

// Account owns campaigns and receives status notifications.
type Account struct {
	ID           int64
	Name         string
	NotifyChatID int64
}

// Connection holds provider credentials for one bot account.
// Read-only to the sender and workers.
type Connection struct {
	ID        int64
	AccountID int64
	Token     string
	Active    bool
}

// Stats is the campaign aggregate counter record.
// Increments go through the store (single UPDATE with column arithmetic),
// never read-then-write in the application.
type Stats struct {
	Sent      int
	Delivered int
	Read      int
	Failed    int
	Total     int
}

// Variant is one of the alternate message texts rotated across targets.
type Variant struct {
	ID         int64
	CampaignID int64
	Text       string
	SortOrder  int
	Active     bool
}

// MediaItem is an attachment tied to the variant sharing its SortOrder.
type MediaItem struct {
	ID         int64
	CampaignID int64
	URL        string
	Kind       string // "photo" or "document"
	SortOrder  int
	Active     bool
}

// Target is one destination group chat, optionally with an extra delay
// applied before its sends.
type Target struct {
	ID         int64
	CampaignID int64
	ChatID     int64
	Delay      time.Duration
	Position   int
	Active     bool
}

type Campaign struct {
	ID           int64
	AccountID    int64
	ConnectionID int64
	Name         string
	Status       CampaignStatus
	BaseMessage  string

	// InterTargetDelay is waited between consecutive targets of one run.
	InterTargetDelay time.Duration

	Variants []Variant
	Media    []MediaItem
	Targets  []Target
	Stats    Stats

	CreatedAt time.Time
	UpdatedAt time.Time
}

// VariantFor returns the variant for a target index by cyclic rotation,
// or false when the campaign has no active variants.
func (c *Campaign) VariantFor(targetIdx int) (Variant, bool) {
	if len(c.Variants) == 0 {
		return Variant{}, false
	}
	return c.Variants[targetIdx%len(c.Variants)], true
}

// MediaForOrder returns the active media rows tagged with the given variant order.
func (c *Campaign) MediaForOrder(order int) []MediaItem {
	var out []MediaItem
	for _, m := range c.Media {
		if m.SortOrder == order {
			out = append(out, m)
		}
	}
	return out
}

// Schedule fires a campaign at TimeOfDay on each weekday listed in Days.
// Read-only to the engine; the operator edits these.
type Schedule struct {
	ID         int64
	CampaignID int64
	Label      string
	TimeOfDay  string // "HH:MM", civil time in the engine's configured zone
	Days       []int  // ISO weekday numbers 1 (Mon) .. 7 (Sun)
	Active     bool
}

// SendOutcome is the terminal result of one delivery attempt.
type SendOutcome string

const (
	OutcomeSent   SendOutcome = "sent"
	OutcomeFailed SendOutcome = "failed"
)

// SendRecord is one append-only delivery log row. It doubles as the
// scheduler's "already executed today" idempotence marker.
type SendRecord struct {
	ID                int64
	CampaignID        int64
	TargetID          int64
	VariantID         int64 // 0 when the delivery had no variant
	MediaID           int64 // 0 for text deliveries
	Outcome           SendOutcome
	ProviderMessageID string
	Error             string
	At                time.Time
}
