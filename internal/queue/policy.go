package queue

import "time"

// Policy fixes the retry budget and backoff for one job type.
type Policy struct {
	MaxAttempts int
	Backoff     Strategy
}

// policyFor returns the retry policy of a job type. Unknown types get a
// conservative single attempt so a bad producer cannot loop forever.
func policyFor(t Type) Policy {
	switch t {
	case TypeCampaignStart:
		return Policy{MaxAttempts: 3, Backoff: Exponential{Initial: 2 * time.Second, Max: time.Minute}}
	case TypeMessageSend:
		return Policy{MaxAttempts: 3, Backoff: Exponential{Initial: 2 * time.Second, Max: time.Minute}}
	case TypeMessageRetry:
		return Policy{MaxAttempts: 5, Backoff: Exponential{Initial: 5 * time.Second, Max: 2 * time.Minute}}
	case TypeCampaignNotify:
		return Policy{MaxAttempts: 2, Backoff: Constant{Interval: 0}}
	default:
		return Policy{MaxAttempts: 1, Backoff: Constant{Interval: 0}}
	}
}
