// Package provider abstracts the outbound messaging service. The engine only
// ever calls Send; receiving, webhooks, and chat management are out of scope.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SendResult identifies the delivered message at the provider.
type SendResult struct {
	MessageID string
}

// Client is one authenticated bot connection to the provider.
type Client interface {
	SendText(ctx context.Context, chatID int64, text string) (SendResult, error)

	// SendMedia delivers one attachment by URL with an optional caption.
	// kind is "photo" or "document".
	SendMedia(ctx context.Context, chatID int64, kind, url, caption string) (SendResult, error)
}

// ThrottleError means the provider asked us to slow down. It is a deferral
// signal, not a failure: callers re-delay the work and must not consume a
// retry attempt or write a send record.
type ThrottleError struct {
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("provider throttled, retry after %s", e.RetryAfter)
}

// IsThrottle reports whether err is a provider throttle and how long to back
// off. A zero RetryAfter from the provider is normalized to one second.
func IsThrottle(err error) (time.Duration, bool) {
	var te *ThrottleError
	if !errors.As(err, &te) {
		return 0, false
	}
	ra := te.RetryAfter
	if ra <= 0 {
		ra = time.Second
	}
	return ra, true
}
