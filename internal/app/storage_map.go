package app

import (
	"fmt"
	"strings"
	"time"

	"automemer/internal/config"
	"automemer/internal/observability/pprof"
	"automemer/internal/outbound"
	"automemer/internal/source/reddit"
	"automemer/internal/storage"
	logx "automemer/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = "./automemer.json"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRedditConfig(cfg *config.Config) (reddit.Config, error) {
	rc := cfg.Reddit
	timeout, err := config.ParseDurationOrDefault("reddit.timeout", rc.Timeout, 30*time.Second)
	if err != nil {
		return reddit.Config{}, err
	}
	retries := 3
	if rc.RetryMax != nil {
		retries = *rc.RetryMax
	}
	return reddit.Config{
		BaseURL:      rc.BaseURL,
		UserAgent:    rc.UserAgent,
		ClientID:     rc.ClientID,
		ClientSecret: rc.ClientSecret,
		Timeout:      timeout,
		RetryMax:     retries,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (outbound.Config, error) {
	timeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 10*time.Second)
	if err != nil {
		return outbound.Config{}, err
	}
	return outbound.Config{RatePerSec: cfg.Dispatch.RatePerSec, SendTimeout: timeout}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapDebugConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{Enabled: cfg.Debug.Enabled, Addr: cfg.Debug.Addr, Token: cfg.Debug.Token}
}
