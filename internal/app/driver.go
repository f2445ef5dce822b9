package app

import (
	"fmt"
	"time"

	"groupcast/internal/channel"
	"groupcast/internal/channel/telegram"
	"groupcast/internal/channel/webhook"
	"groupcast/internal/config"
	"groupcast/pkg/logx"
)

const defaultDriverTimeout = 15 * time.Second

func newDriver(cfg config.ChannelConfig, log logx.Logger) (channel.Driver, error) {
	switch name := cfg.DriverName(); name {
	case "dryrun":
		log.Warn("channel driver is dryrun; messages are logged, not delivered")
		return channel.NewDryRun(log), nil

	case "webhook":
		timeout, err := config.ParseDurationOrDefault("channel.webhook.timeout", cfg.Webhook.Timeout, defaultDriverTimeout)
		if err != nil {
			return nil, err
		}
		return webhook.New(webhook.Config{
			URL:      cfg.Webhook.URL,
			ProbeURL: cfg.Webhook.ProbeURL,
			Token:    cfg.Webhook.Token,
			Timeout:  timeout,
		})

	case "telegram":
		timeout, err := config.ParseDurationOrDefault("channel.telegram.timeout", cfg.Telegram.Timeout, defaultDriverTimeout)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			Token:   cfg.Telegram.Token,
			APIURL:  cfg.Telegram.APIURL,
			Timeout: timeout,
		})

	default:
		return nil, fmt.Errorf("unknown channel.driver: %s", name)
	}
}
