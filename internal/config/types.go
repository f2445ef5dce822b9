package config

// Config is the on-disk configuration. JSON or YAML, decoded strictly.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Channel   ChannelConfig   `json:"channel"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Scheduler SchedulerConfig `json:"scheduler"`
	HTTP      HTTPConfig      `json:"http"`
	Targets   []TargetConfig  `json:"targets"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the Schedule Store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/schedules.db" }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Key      string `json:"key,omitempty"`
}

// ChannelConfig configures the session and its driver.
//
// Driver values: "dryrun" (default), "webhook", "telegram".
type ChannelConfig struct {
	Driver          string `json:"driver"`
	InitTimeout     string `json:"init_timeout,omitempty"`
	AuthTimeout     string `json:"auth_timeout,omitempty"`
	PollInterval    string `json:"poll_interval,omitempty"`
	MaxPollInterval string `json:"max_poll_interval,omitempty"`
	ProbeTimeout    string `json:"probe_timeout,omitempty"`
	// ProbeSchedule is a cron expression, "@every 30s", or a bare duration.
	// "off" disables the background probe.
	ProbeSchedule string `json:"probe_schedule,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`

	Webhook  WebhookConfig  `json:"webhook,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type WebhookConfig struct {
	URL      string `json:"url"`
	ProbeURL string `json:"probe_url,omitempty"`
	Token    string `json:"token,omitempty"` // do not log
	Timeout  string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Token   string `json:"token"` // do not log
	APIURL  string `json:"api_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type DispatchConfig struct {
	// Pacing is the minimum gap between two deliveries. Hot-applied.
	Pacing         string `json:"pacing,omitempty"`
	DeliverTimeout string `json:"deliver_timeout,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryDelay     string `json:"retry_delay,omitempty"`
}

type SchedulerConfig struct {
	MinLead          string `json:"min_lead,omitempty"`
	MaxHorizon       string `json:"max_horizon,omitempty"`
	MaxTimerDelay    string `json:"max_timer_delay,omitempty"`
	MissedFireDelay  string `json:"missed_fire_delay,omitempty"`
	ResumeDelay      string `json:"resume_delay,omitempty"`
	AuthPollInterval string `json:"auth_poll_interval,omitempty"`
	AuthWaitMax      string `json:"auth_wait_max,omitempty"`
	AuthProbeTimeout string `json:"auth_probe_timeout,omitempty"`
	ErrorSummaryMax  int    `json:"error_summary_max,omitempty"`
}

// HTTPConfig controls the optional HTTP API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8080").
//   - A non-loopback address needs a token or an explicit allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Metrics       *bool  `json:"metrics,omitempty"` // default true
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type TargetConfig struct {
	Name   string `json:"name"`
	Suffix string `json:"suffix,omitempty"`
}
