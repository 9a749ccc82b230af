package config

import (
	"errors"
	"fmt"
	"strings"

	"automemer/internal/settings"
)

// Config is the process configuration file. Operator-tunable pipeline
// settings live in storage; the defaults section only seeds them.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Reddit   RedditConfig   `json:"reddit"`
	Storage  StorageConfig  `json:"storage"`
	Dispatch DispatchConfig `json:"dispatch"`
	Defaults DefaultsConfig `json:"defaults"`
	Debug    DebugConfig    `json:"debug"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// ChannelID receives the posts (and the fatal startup alert).
	ChannelID int64 `json:"channel_id"`
	ThreadID  int   `json:"thread_id,omitempty"`
	// LogChatID receives forwarded log lines when logging.telegram is on.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	APIURL      string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RedditConfig configures the source client. With client_id and
// client_secret set, app-only OAuth is used.
type RedditConfig struct {
	BaseURL      string `json:"base_url,omitempty"`
	UserAgent    string `json:"user_agent"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	RetryMax     *int   `json:"retry_max,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./automemer.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type DispatchConfig struct {
	// RatePerSec defaults to 1.
	RatePerSec  float64 `json:"rate_per_sec"`
	SendTimeout string  `json:"send_timeout,omitempty"`
}

// DebugConfig controls the optional pprof/health HTTP server. A
// non-loopback addr needs a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

// DefaultsConfig seeds the settings until the operator changes them.
type DefaultsConfig struct {
	// Source is scraped when the stored settings cannot be read.
	Source                string         `json:"source,omitempty"`
	Sources               []string       `json:"sources,omitempty"`
	Thresholds            map[string]int `json:"thresholds,omitempty"`
	ScrapeIntervalMinutes int            `json:"scrape_interval_minutes,omitempty"`
	PostIntervalMinutes   int            `json:"post_interval_minutes,omitempty"`
	FetchLimit            int            `json:"fetch_limit,omitempty"`
	CycleTimeout          string         `json:"cycle_timeout,omitempty"`
}

// Settings turns the defaults section into pipeline settings, filling
// anything left out.
func (d DefaultsConfig) Settings() settings.Settings {
	s := settings.Default()
	if len(d.Sources) > 0 {
		s.Sources = append([]string(nil), d.Sources...)
	} else if strings.TrimSpace(d.Source) != "" {
		s.Sources = []string{d.Source}
	}
	for k, v := range d.Thresholds {
		s.Thresholds[k] = v
	}
	s.ScrapeIntervalMinutes = d.ScrapeIntervalMinutes
	s.PostIntervalMinutes = d.PostIntervalMinutes
	s.FetchLimit = d.FetchLimit
	return s.Normalize()
}

func (d DefaultsConfig) DefaultSource() string {
	if s := strings.TrimSpace(d.Source); s != "" {
		return s
	}
	return settings.DefaultSource
}

// Validate checks what can be checked without touching the network.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if c.Telegram.ChannelID == 0 {
		errs = append(errs, errors.New("telegram.channel_id is required"))
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"reddit.timeout", c.Reddit.Timeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatch.send_timeout", c.Dispatch.SendTimeout},
		{"defaults.cycle_timeout", c.Defaults.CycleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Dispatch.RatePerSec < 0 {
		errs = append(errs, errors.New("dispatch.rate_per_sec must be >= 0"))
	}
	if c.Reddit.RetryMax != nil && *c.Reddit.RetryMax < 0 {
		errs = append(errs, errors.New("reddit.retry_max must be >= 0"))
	}
	if err := c.Defaults.Settings().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("defaults: %w", err))
	}
	return errors.Join(errs...)
}
