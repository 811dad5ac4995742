package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Config is the full daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown fields are rejected so typos fail loudly at boot instead of
// silently running with defaults.
type Config struct {
	// Timezone is the single IANA zone every schedule computation uses.
	// Empty means UTC. The process-local zone is never consulted.
	Timezone string `json:"timezone,omitempty"`

	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Redis   RedisConfig   `json:"redis"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Workers   WorkersConfig   `json:"workers"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Provider  ProviderConfig  `json:"provider"`

	Pprof PprofConfig `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file"`
}

type StorageConfig struct {
	Path string `json:"path"`

	// BusyTimeout is passed to SQLite's busy_timeout pragma.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// SchedulerConfig controls the campaign trigger loop.
//
// Defaults (when omitted/zero):
//   - tick_interval: "1m"
//   - tolerance: "1m"
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	TickInterval string `json:"tick_interval,omitempty"`
	Tolerance    string `json:"tolerance,omitempty"`
}

// WorkersConfig controls the job consumers.
//
// Defaults: count 4, idle_sleep "1s".
type WorkersConfig struct {
	Enabled   bool   `json:"enabled"`
	Count     int    `json:"count,omitempty"`
	IdleSleep string `json:"idle_sleep,omitempty"`
}

// WindowConfig is one rate-limit window: at most Limit admissions per Window.
type WindowConfig struct {
	Limit  int    `json:"limit"`
	Window string `json:"window"`
}

// RateLimitConfig holds the per-scope-class windows. Each scope instance
// (a specific connection, account, or message) gets its own counter.
type RateLimitConfig struct {
	Connection WindowConfig `json:"connection"`
	Account    WindowConfig `json:"account"`
	Message    WindowConfig `json:"message"`
}

type ProviderConfig struct {
	// SendRatePerSec paces outgoing provider calls per connection on top of
	// the shared Redis windows. 0 disables the local pacer.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// Load reads, strictly decodes, env-overrides, and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := parseBytes(path, b)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseBytes(path string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets deploy secrets override the file without editing it.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("GROUPCAST_REDIS_ADDR")); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("GROUPCAST_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("GROUPCAST_DB_PATH")); v != "" {
		c.Storage.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("GROUPCAST_TZ")); v != "" {
		c.Timezone = v
	}
}

// Validate checks cross-field requirements and every duration string.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	durations := []struct {
		path string
		raw  string
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.tick_interval", c.Scheduler.TickInterval},
		{"scheduler.tolerance", c.Scheduler.Tolerance},
		{"workers.idle_sleep", c.Workers.IdleSleep},
		{"rate_limit.connection.window", c.RateLimit.Connection.Window},
		{"rate_limit.account.window", c.RateLimit.Account.Window},
		{"rate_limit.message.window", c.RateLimit.Message.Window},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	for _, w := range []struct {
		path string
		cfg  WindowConfig
	}{
		{"rate_limit.connection", c.RateLimit.Connection},
		{"rate_limit.account", c.RateLimit.Account},
		{"rate_limit.message", c.RateLimit.Message},
	} {
		if w.cfg.Limit < 0 {
			return fmt.Errorf("%s.limit must be >= 0", w.path)
		}
	}
	if c.Workers.Count < 0 {
		return fmt.Errorf("workers.count must be >= 0")
	}
	return nil
}

// TickInterval returns scheduler.tick_interval with its default.
func (c *Config) TickInterval() time.Duration {
	d, _ := ParseDurationOrDefault("scheduler.tick_interval", c.Scheduler.TickInterval, time.Minute)
	return d
}

// Tolerance returns scheduler.tolerance with its default.
func (c *Config) Tolerance() time.Duration {
	d, _ := ParseDurationOrDefault("scheduler.tolerance", c.Scheduler.Tolerance, time.Minute)
	return d
}

// IdleSleep returns workers.idle_sleep with its default.
func (c *Config) IdleSleep() time.Duration {
	d, _ := ParseDurationOrDefault("workers.idle_sleep", c.Workers.IdleSleep, time.Second)
	return d
}

// WorkerCount returns workers.count with its default.
func (c *Config) WorkerCount() int {
	if c.Workers.Count <= 0 {
		return 4
	}
	return c.Workers.Count
}

// WindowDuration returns the parsed window size with a one-minute default.
func (w WindowConfig) WindowDuration() time.Duration {
	d, _ := ParseDurationOrDefault("window", w.Window, time.Minute)
	return d
}

// ParseDurationField parses an optional duration string; empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is omitted or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
