package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies a job kind; each kind has its own retry policy and handler.
type Type string

const (
	TypeCampaignStart  Type = "campaign:start"
	TypeMessageSend    Type = "message:send"
	TypeMessageRetry   Type = "message:retry"
	TypeCampaignNotify Type = "campaign:notify"
)

// State is the coarse job lifecycle as stored in Redis.
type State string

const (
	StatePending State = "pending"
	StateDelayed State = "delayed"
	StateDead    State = "dead"
)

// Job is one durable unit of work. The hash in Redis is the source of truth;
// the ready/delayed sorted sets only order IDs by due time.
type Job struct {
	ID          string
	Type        Type
	Payload     []byte
	State       State
	Attempts    int
	MaxAttempts int
	LastError   string

	// RunAt is the earliest moment the job is eligible for dequeue.
	RunAt     time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func newJob(typ Type, payload any, runAt time.Time, maxAttempts int) (*Job, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		Type:        typ,
		Payload:     b,
		State:       StatePending,
		MaxAttempts: maxAttempts,
		RunAt:       runAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Unmarshal decodes the job payload into v.
func (j *Job) Unmarshal(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// StartPayload triggers one campaign run.
type StartPayload struct {
	CampaignID int64     `json:"campaign_id"`
	ScheduleID int64     `json:"schedule_id,omitempty"`
	FireAt     time.Time `json:"fire_at"`
}

// SendPayload is one deferred or retried single-message delivery.
// VariantID/MediaID of 0 mean the delivery carries no variant/media.
type SendPayload struct {
	CampaignID int64 `json:"campaign_id"`
	TargetID   int64 `json:"target_id"`
	VariantID  int64 `json:"variant_id,omitempty"`
	MediaID    int64 `json:"media_id,omitempty"`
}

// NotifyPayload reports a finished (or interrupted) run to the account owner.
type NotifyPayload struct {
	CampaignID int64  `json:"campaign_id"`
	Event      string `json:"event"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Message    string `json:"message,omitempty"`
}
