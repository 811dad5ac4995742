// Package telegram implements provider.Client on the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"groupcast/internal/provider"
	"groupcast/pkg/logx"
)

type Config struct {
	Token string

	// SendRatePerSec paces outgoing calls client-side so normal operation
	// rarely trips Telegram's flood control. 0 disables pacing.
	SendRatePerSec float64
}

type Client struct {
	bot  *tele.Bot
	pace *rate.Limiter
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot: %w", err)
	}

	var pace *rate.Limiter
	if cfg.SendRatePerSec > 0 {
		pace = rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), 1)
	}
	return &Client{bot: b, pace: pace, log: log}, nil
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string) (provider.SendResult, error) {
	if err := c.wait(ctx); err != nil {
		return provider.SendResult{}, err
	}
	msg, err := c.bot.Send(&tele.Chat{ID: chatID}, text)
	if err != nil {
		return provider.SendResult{}, classify(err)
	}
	return provider.SendResult{MessageID: strconv.Itoa(msg.ID)}, nil
}

func (c *Client) SendMedia(ctx context.Context, chatID int64, kind, url, caption string) (provider.SendResult, error) {
	if err := c.wait(ctx); err != nil {
		return provider.SendResult{}, err
	}

	var what any
	switch kind {
	case "document":
		what = &tele.Document{File: tele.FromURL(url), Caption: caption}
	default:
		what = &tele.Photo{File: tele.FromURL(url), Caption: caption}
	}

	msg, err := c.bot.Send(&tele.Chat{ID: chatID}, what)
	if err != nil {
		return provider.SendResult{}, classify(err)
	}
	return provider.SendResult{MessageID: strconv.Itoa(msg.ID)}, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.pace == nil {
		return nil
	}
	return c.pace.Wait(ctx)
}

// classify maps Telegram flood control onto the engine's throttle signal so
// callers defer instead of burning retry attempts.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &provider.ThrottleError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}
	return err
}
