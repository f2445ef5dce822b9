package config

import (
	"reflect"
	"strings"

	"groupcast/pkg/logx"
)

// HotSections are applied without a restart.
var HotSections = map[string]bool{
	"logging":  true,
	"targets":  true,
	"dispatch": true,
}

// SummarizeConfigChange returns the changed sections and safe log attrs.
// Secrets are reported only as "*_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.Bool("storage.redis_password_set", newCfg.Storage.Redis.Password != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Channel, newCfg.Channel) {
		changed = append(changed, "channel")
		attrs = append(attrs,
			logx.String("channel.driver", newCfg.Channel.DriverName()),
			logx.String("channel.probe_schedule", newCfg.Channel.ProbeSchedule),
			logx.Bool("channel.webhook_token_set", newCfg.Channel.Webhook.Token != ""),
			logx.Bool("channel.telegram_token_set", newCfg.Channel.Telegram.Token != ""),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.pacing", newCfg.Dispatch.Pacing),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.min_lead", newCfg.Scheduler.MinLead),
			logx.String("scheduler.auth_wait_max", newCfg.Scheduler.AuthWaitMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Targets, newCfg.Targets) {
		changed = append(changed, "targets")
		attrs = append(attrs, logx.Int("targets.count", len(newCfg.Targets)))
	}

	return changed, attrs
}

// RestartRequired filters changed down to sections that are not hot-applied.
func RestartRequired(changed []string) []string {
	var out []string
	for _, sec := range changed {
		if !HotSections[sec] {
			out = append(out, sec)
		}
	}
	return out
}
