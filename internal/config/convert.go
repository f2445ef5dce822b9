package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"groupcast/internal/channel"
	"groupcast/internal/dispatch"
	"groupcast/internal/httpapi"
	"groupcast/internal/model"
	"groupcast/internal/scheduler"
	"groupcast/internal/storage"
	"groupcast/pkg/logx"
)

// Defaults that differ from the zero-value defaults of the component packages.
const (
	DefaultStoragePath   = "./data/schedules.json"
	DefaultProbeSchedule = "@every 30s"
	DefaultPacing        = 2 * time.Second
)

func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func (c StorageConfig) Store() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(c.Path)
	if path == "" {
		path = DefaultStoragePath
	}
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	switch driver {
	case "", "file", "sqlite", "sqlite3":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return storage.Config{}, errors.New("storage.redis.addr is required for the redis driver")
		}
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", c.Driver)
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: busy,
		Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(c.Redis.Addr),
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Key:      strings.TrimSpace(c.Redis.Key),
		},
	}, nil
}

// Session converts the session settings. An empty probe schedule means the
// default; "off" disables the watchdog.
func (c ChannelConfig) Session() (channel.Config, error) {
	var (
		out channel.Config
		err error
	)
	if out.InitTimeout, err = ParseDurationField("channel.init_timeout", c.InitTimeout); err != nil {
		return out, err
	}
	if out.PollInterval, err = ParseDurationField("channel.poll_interval", c.PollInterval); err != nil {
		return out, err
	}
	if out.MaxPollInterval, err = ParseDurationField("channel.max_poll_interval", c.MaxPollInterval); err != nil {
		return out, err
	}
	if out.ProbeTimeout, err = ParseDurationField("channel.probe_timeout", c.ProbeTimeout); err != nil {
		return out, err
	}
	if c.QueueSize < 0 {
		return out, errors.New("channel.queue_size must be >= 0")
	}
	out.QueueSize = c.QueueSize

	ps := strings.TrimSpace(c.ProbeSchedule)
	switch strings.ToLower(ps) {
	case "":
		ps = DefaultProbeSchedule
	case "off", "none", "disabled":
		ps = ""
	}
	if ps != "" {
		if err := channel.ValidateProbeSchedule(ps); err != nil {
			return out, fmt.Errorf("channel.probe_schedule: %w", err)
		}
	}
	out.ProbeSchedule = ps
	return out, nil
}

func (c ChannelConfig) DriverName() string {
	d := strings.ToLower(strings.TrimSpace(c.Driver))
	if d == "" {
		return "dryrun"
	}
	return d
}

// Engine converts dispatch settings. auth_timeout lives in the channel
// section because it bounds the wait on the session.
func (c Config) Engine() (dispatch.Config, error) {
	var (
		out dispatch.Config
		err error
	)
	// Omitted means the default; an explicit "0s" turns pacing off.
	out.Pacing = DefaultPacing
	if strings.TrimSpace(c.Dispatch.Pacing) != "" {
		if out.Pacing, err = ParseDurationField("dispatch.pacing", c.Dispatch.Pacing); err != nil {
			return out, err
		}
	}
	if out.AuthTimeout, err = ParseDurationField("channel.auth_timeout", c.Channel.AuthTimeout); err != nil {
		return out, err
	}
	if out.DeliverTimeout, err = ParseDurationField("dispatch.deliver_timeout", c.Dispatch.DeliverTimeout); err != nil {
		return out, err
	}
	if out.RetryDelay, err = ParseDurationField("dispatch.retry_delay", c.Dispatch.RetryDelay); err != nil {
		return out, err
	}
	if c.Dispatch.RetryMax < 0 {
		return out, errors.New("dispatch.retry_max must be >= 0")
	}
	out.RetryMax = c.Dispatch.RetryMax
	return out, nil
}

func (c SchedulerConfig) Scheduler() (scheduler.Config, error) {
	var out scheduler.Config
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.min_lead", c.MinLead, &out.MinLead},
		{"scheduler.max_horizon", c.MaxHorizon, &out.MaxHorizon},
		{"scheduler.max_timer_delay", c.MaxTimerDelay, &out.MaxTimerDelay},
		{"scheduler.missed_fire_delay", c.MissedFireDelay, &out.MissedFireDelay},
		{"scheduler.resume_delay", c.ResumeDelay, &out.ResumeDelay},
		{"scheduler.auth_poll_interval", c.AuthPollInterval, &out.AuthPollInterval},
		{"scheduler.auth_wait_max", c.AuthWaitMax, &out.AuthWaitMax},
		{"scheduler.auth_probe_timeout", c.AuthProbeTimeout, &out.AuthProbeTimeout},
	}
	for _, f := range fields {
		d, err := ParseDurationField(f.path, f.raw)
		if err != nil {
			return out, err
		}
		*f.dst = d
	}
	if out.MaxTimerDelay > scheduler.MaxHostTimerDelay {
		return out, fmt.Errorf("scheduler.max_timer_delay must be <= %s", scheduler.MaxHostTimerDelay)
	}
	if out.MinLead > 0 && out.MaxHorizon > 0 && out.MinLead >= out.MaxHorizon {
		return out, errors.New("scheduler.min_lead must be below scheduler.max_horizon")
	}
	if c.ErrorSummaryMax < 0 {
		return out, errors.New("scheduler.error_summary_max must be >= 0")
	}
	out.ErrorSummaryMax = c.ErrorSummaryMax
	return out, nil
}

func (c HTTPConfig) Server() (httpapi.Config, error) {
	var (
		out = httpapi.Config{
			Enabled:       c.Enabled,
			Addr:          strings.TrimSpace(c.Addr),
			Token:         strings.TrimSpace(c.Token),
			AllowInsecure: c.AllowInsecure,
			Profiling:     c.Pprof,
		}
		err error
	)
	if out.ReadTimeout, err = ParseDurationField("http.read_timeout", c.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = ParseDurationField("http.write_timeout", c.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = ParseDurationField("http.idle_timeout", c.IdleTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func (c HTTPConfig) MetricsEnabled() bool { return c.Metrics == nil || *c.Metrics }

func (c Config) TargetList() []model.Target {
	out := make([]model.Target, len(c.Targets))
	for i, t := range c.Targets {
		out[i] = model.Target{Name: t.Name, Suffix: t.Suffix}
	}
	return out
}

// Validate checks every section. It is the default reload validator.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	switch strings.ToUpper(strings.TrimSpace(c.Logging.Level)) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if _, err := c.Storage.Store(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Channel.Session(); err != nil {
		errs = append(errs, err)
	}
	switch c.Channel.DriverName() {
	case "dryrun":
	case "webhook":
		if strings.TrimSpace(c.Channel.Webhook.URL) == "" {
			errs = append(errs, errors.New("channel.webhook.url is required for the webhook driver"))
		}
		if _, err := ParseDurationField("channel.webhook.timeout", c.Channel.Webhook.Timeout); err != nil {
			errs = append(errs, err)
		}
	case "telegram":
		if strings.TrimSpace(c.Channel.Telegram.Token) == "" {
			errs = append(errs, errors.New("channel.telegram.token is required for the telegram driver"))
		}
		if _, err := ParseDurationField("channel.telegram.timeout", c.Channel.Telegram.Timeout); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("channel.driver: unknown driver %q", c.Channel.Driver))
	}
	if _, err := c.Engine(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Scheduler.Scheduler(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.HTTP.Server(); err != nil {
		errs = append(errs, err)
	}
	if err := model.ValidateTargets(c.TargetList()); err != nil {
		errs = append(errs, fmt.Errorf("targets: %w", err))
	}
	return errors.Join(errs...)
}
