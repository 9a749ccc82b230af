package config

import (
	"reflect"
	"sort"
	"strings"

	logx "automemer/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between oldCfg and
// newCfg, with log fields describing the new values. Tokens and secrets are
// reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	o, n := *oldCfg, *newCfg

	var (
		changed []string
		attrs   []logx.Field
	)

	if o.Telegram.Token != n.Telegram.Token ||
		!reflect.DeepEqual(o.Telegram.OwnerUserIDs, n.Telegram.OwnerUserIDs) ||
		o.Telegram.ChannelID != n.Telegram.ChannelID ||
		o.Telegram.ThreadID != n.Telegram.ThreadID ||
		o.Telegram.LogChatID != n.Telegram.LogChatID ||
		strings.TrimSpace(o.Telegram.PollTimeout) != strings.TrimSpace(n.Telegram.PollTimeout) ||
		o.Telegram.APIURL != n.Telegram.APIURL {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", o.Telegram.Token != n.Telegram.Token),
			logx.Int("telegram.owner_count", len(n.Telegram.OwnerUserIDs)),
			logx.Int64("telegram.channel_id", n.Telegram.ChannelID),
			logx.Int("telegram.thread_id", n.Telegram.ThreadID),
			logx.Bool("telegram.log_chat_set", n.Telegram.LogChatID != 0),
			logx.String("telegram.poll_timeout", strings.TrimSpace(n.Telegram.PollTimeout)),
		)
	}

	if o.Logging != n.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", n.Logging.Level),
			logx.Bool("logging.console", n.Logging.Console),
			logx.Bool("logging.file_enabled", n.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", n.Logging.Telegram.Enabled),
			logx.String("logging.telegram_min_level", n.Logging.Telegram.MinLevel),
		)
	}

	if o.Reddit.BaseURL != n.Reddit.BaseURL ||
		o.Reddit.UserAgent != n.Reddit.UserAgent ||
		o.Reddit.ClientID != n.Reddit.ClientID ||
		o.Reddit.ClientSecret != n.Reddit.ClientSecret ||
		o.Reddit.Timeout != n.Reddit.Timeout ||
		derefInt(o.Reddit.RetryMax) != derefInt(n.Reddit.RetryMax) {
		changed = append(changed, "reddit")
		attrs = append(attrs,
			logx.String("reddit.user_agent", n.Reddit.UserAgent),
			logx.Bool("reddit.oauth", n.Reddit.ClientID != "" && n.Reddit.ClientSecret != ""),
			logx.String("reddit.timeout", n.Reddit.Timeout),
			logx.Int("reddit.retry_max", derefInt(n.Reddit.RetryMax)),
		)
	}

	if o.Storage != n.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", n.Storage.Driver),
			logx.String("storage.path", n.Storage.Path),
		)
	}

	if o.Dispatch != n.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Any("dispatch.rate_per_sec", n.Dispatch.RatePerSec),
			logx.String("dispatch.send_timeout", n.Dispatch.SendTimeout),
		)
	}

	if !reflect.DeepEqual(o.Defaults, n.Defaults) {
		changed = append(changed, "defaults")
		srcs := n.Defaults.Settings().Sources
		attrs = append(attrs,
			logx.String("defaults.source", n.Defaults.DefaultSource()),
			logx.Strings("defaults.sources", srcs),
			logx.Int("defaults.threshold_count", len(n.Defaults.Thresholds)),
		)
	}

	if o.Debug != n.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", n.Debug.Enabled),
			logx.String("debug.addr", n.Debug.Addr),
			logx.Bool("debug.token_set", n.Debug.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefInt(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}
