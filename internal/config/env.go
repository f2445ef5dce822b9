package config

import (
	"os"
	"strings"
)

// Environment overrides. Secrets belong here rather than in the config file.
const (
	EnvHTTPToken     = "GROUPCAST_HTTP_TOKEN"
	EnvTelegramToken = "GROUPCAST_TELEGRAM_TOKEN"
	EnvWebhookToken  = "GROUPCAST_WEBHOOK_TOKEN"
	EnvRedisPassword = "GROUPCAST_REDIS_PASSWORD"
	EnvLogLevel      = "GROUPCAST_LOG_LEVEL"
)

// ApplyEnv overwrites fields whose variable is set and non-empty.
// getenv defaults to os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.HTTP.Token, EnvHTTPToken)
	set(&cfg.Channel.Telegram.Token, EnvTelegramToken)
	set(&cfg.Channel.Webhook.Token, EnvWebhookToken)
	set(&cfg.Storage.Redis.Password, EnvRedisPassword)
	set(&cfg.Logging.Level, EnvLogLevel)
}
