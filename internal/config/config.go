// Package config loads and watches the bot configuration. YAML and JSON
// are both accepted; unknown fields are rejected so typos fail loudly at
// startup instead of silently using defaults.
package config

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	Storage   StorageConfig   `json:"storage"`
	Policy    PolicyConfig    `json:"policy,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`

	// DefaultTimezone is used when a command gives no zone.
	DefaultTimezone string `json:"default_timezone,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout for updates.
	PollTimeout Duration `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // trace|debug|info|warn|error
	Format string `json:"format,omitempty"` // console|json
}

type StorageConfig struct {
	// DataDir holds the event records and the lock file.
	DataDir string `json:"data_dir"`
	// JournalPath is the SQLite fire/audit journal. Empty disables it.
	JournalPath string `json:"journal_path,omitempty"`
}

// PolicyConfig tunes fire-time behavior. All durations are Go duration
// strings ("10s", "5m"). Omitted fields keep their defaults.
type PolicyConfig struct {
	GraceWindow     Duration `json:"grace_window,omitempty"`
	DeliveryTimeout Duration `json:"delivery_timeout,omitempty"`
	RetryMax        *int     `json:"retry_max,omitempty"`
	BackoffBase     Duration `json:"backoff_base,omitempty"`
	BackoffCap      Duration `json:"backoff_cap,omitempty"`
	RatePerSec      int      `json:"rate_per_sec,omitempty"`
	Burst           int      `json:"burst,omitempty"`
}

type RetentionConfig struct {
	// Window keeps cancelled/completed records and journal rows this long.
	Window Duration `json:"window,omitempty"`
	// SweepCron schedules the cleanup pass (standard 5-field cron).
	SweepCron string `json:"sweep_cron,omitempty"`
}

const (
	DefaultTimezone    = "UTC"
	DefaultLogLevel    = "info"
	DefaultPollTimeout = 10 * time.Second
	DefaultRetention   = 7 * 24 * time.Hour
	DefaultSweepCron   = "17 3 * * *"
	DefaultRetryMax    = 3
)

func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram.token is required")
	}
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}
	if c.DefaultTimezone != "" {
		if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
			return fmt.Errorf("default_timezone: unknown zone %q", c.DefaultTimezone)
		}
	}
	for path, d := range map[string]Duration{
		"telegram.poll_timeout":   c.Telegram.PollTimeout,
		"policy.grace_window":     c.Policy.GraceWindow,
		"policy.delivery_timeout": c.Policy.DeliveryTimeout,
		"policy.backoff_base":     c.Policy.BackoffBase,
		"policy.backoff_cap":      c.Policy.BackoffCap,
		"retention.window":        c.Retention.Window,
	} {
		if _, err := d.Parse(path); err != nil {
			return err
		}
	}
	if c.Policy.RetryMax != nil && *c.Policy.RetryMax < 0 {
		return errors.New("policy.retry_max must be >= 0")
	}
	return nil
}

func (c *Config) Timezone() string {
	if c.DefaultTimezone == "" {
		return DefaultTimezone
	}
	return c.DefaultTimezone
}

func (c *Config) PollTimeout() time.Duration {
	return c.Telegram.PollTimeout.Or(DefaultPollTimeout)
}

func (c *Config) RetentionWindow() time.Duration {
	return c.Retention.Window.Or(DefaultRetention)
}

func (c *Config) SweepCron() string {
	if c.Retention.SweepCron == "" {
		return DefaultSweepCron
	}
	return c.Retention.SweepCron
}
