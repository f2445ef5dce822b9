package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"groupcast/internal/model"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/schedules.db
channel:
  driver: webhook
  probe_schedule: 45s
  webhook:
    url: http://127.0.0.1:9000/send
dispatch:
  pacing: 1500ms
scheduler:
  min_lead: 1m
http:
  enabled: true
targets:
  - name: Family
    suffix: "-- dad"
  - name: Work
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func noEnv(string) string { return "" }

func TestParseYAML(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "groupcast.yaml", sampleYAML))
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Channel.Webhook.URL == "" || !cfg.HTTP.Enabled {
		t.Fatalf("Load() = %+v", cfg)
	}
	want := []model.Target{{Name: "Family", Suffix: "-- dad"}, {Name: "Work"}}
	if got := cfg.TargetList(); !reflect.DeepEqual(got, want) {
		t.Fatalf("TargetList() = %+v, want %+v", got, want)
	}
	if m.Get() != cfg {
		t.Fatalf("Get() did not return the committed config")
	}

	eng, err := cfg.Engine()
	if err != nil || eng.Pacing != 1500*time.Millisecond {
		t.Fatalf("Engine() = %+v, %v", eng, err)
	}
	sess, err := cfg.Channel.Session()
	if err != nil || sess.ProbeSchedule != "45s" {
		t.Fatalf("Session() = %+v, %v", sess, err)
	}
	sch, err := cfg.Scheduler.Scheduler()
	if err != nil || sch.MinLead != time.Minute {
		t.Fatalf("Scheduler() = %+v, %v", sch, err)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"unknown.json":  `{"logging":{"level":"info"},"plugins":{}}`,
		"trailing.json": `{} {}`,
		"unknown.yaml":  "channel:\n  drvier: webhook\n",
	}
	for name, body := range tests {
		m := NewConfigManager(writeFile(t, name, body))
		if _, err := m.Parse(); err == nil {
			t.Fatalf("%s: Parse() error = nil", name)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		EnvHTTPToken:     "h",
		EnvTelegramToken: "t",
		EnvRedisPassword: "r",
		EnvLogLevel:      "warn",
	}
	m := NewConfigManager(writeFile(t, "c.json", `{"logging":{"level":"info"},"http":{"token":"file"}}`))
	m.SetEnv(func(k string) string { return env[k] })
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.HTTP.Token != "h" || cfg.Channel.Telegram.Token != "t" || cfg.Storage.Redis.Password != "r" || cfg.Logging.Level != "warn" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Channel.Webhook.Token != "" {
		t.Fatalf("unset env overwrote webhook token")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(c *Config)
		substr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad storage driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"redis without addr", func(c *Config) { c.Storage.Driver = "redis" }, "storage.redis.addr"},
		{"webhook without url", func(c *Config) { c.Channel.Driver = "webhook" }, "channel.webhook.url"},
		{"telegram without token", func(c *Config) { c.Channel.Driver = "telegram" }, "channel.telegram.token"},
		{"unknown channel", func(c *Config) { c.Channel.Driver = "whatsapp" }, "channel.driver"},
		{"bad probe schedule", func(c *Config) { c.Channel.ProbeSchedule = "every now and then" }, "channel.probe_schedule"},
		{"negative duration", func(c *Config) { c.Dispatch.Pacing = "-1s" }, "dispatch.pacing"},
		{"lead above horizon", func(c *Config) { c.Scheduler.MinLead = "2h"; c.Scheduler.MaxHorizon = "1h" }, "min_lead"},
		{"timer delay too long", func(c *Config) { c.Scheduler.MaxTimerDelay = "9000h" }, "max_timer_delay"},
		{"duplicate target", func(c *Config) { c.Targets = []TargetConfig{{Name: "A"}, {Name: "A"}} }, "duplicate target"},
		{"empty target", func(c *Config) { c.Targets = []TargetConfig{{Name: " "}} }, "empty name"},
	}
	for _, tt := range tests {
		cfg := &Config{}
		tt.mutate(cfg)
		err := Validate(cfg)
		if tt.substr == "" {
			if err != nil {
				t.Fatalf("%s: Validate() error = %v", tt.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tt.substr) {
			t.Fatalf("%s: Validate() error = %v, want it to mention %q", tt.name, err, tt.substr)
		}
	}
}

func TestDefaultsAndSwitches(t *testing.T) {
	t.Parallel()

	var cfg Config
	eng, _ := cfg.Engine()
	if eng.Pacing != DefaultPacing {
		t.Fatalf("default pacing = %v, want %v", eng.Pacing, DefaultPacing)
	}
	cfg.Dispatch.Pacing = "0s"
	if eng, _ = cfg.Engine(); eng.Pacing != 0 {
		t.Fatalf("explicit 0s pacing = %v, want 0", eng.Pacing)
	}

	sess, _ := cfg.Channel.Session()
	if sess.ProbeSchedule != DefaultProbeSchedule {
		t.Fatalf("default probe schedule = %q", sess.ProbeSchedule)
	}
	cfg.Channel.ProbeSchedule = "off"
	if sess, _ = cfg.Channel.Session(); sess.ProbeSchedule != "" {
		t.Fatalf("probe schedule off = %q, want empty", sess.ProbeSchedule)
	}

	st, _ := cfg.Storage.Store()
	if st.Path != DefaultStoragePath {
		t.Fatalf("default storage path = %q", st.Path)
	}
	if !cfg.HTTP.MetricsEnabled() || cfg.Channel.DriverName() != "dryrun" {
		t.Fatalf("unexpected defaults: metrics=%v driver=%q", cfg.HTTP.MetricsEnabled(), cfg.Channel.DriverName())
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Targets: []TargetConfig{{Name: "A"}}, HTTP: HTTPConfig{Token: "x"}}
	newCfg := &Config{
		Targets:  []TargetConfig{{Name: "A"}, {Name: "B"}},
		Dispatch: DispatchConfig{Pacing: "3s"},
		Storage:  StorageConfig{Driver: "sqlite"},
		HTTP:     HTTPConfig{Token: "y"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"storage", "dispatch", "http", "targets"}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("attrs empty")
	}
	if got, want := RestartRequired(changed), []string{"storage", "http"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("RestartRequired() = %v, want %v", got, want)
	}
	if changed, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "groupcast.json", `{"targets":[{"name":"A"}]}`)
	m := NewConfigManager(path)
	m.SetEnv(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and never published.
	if err := os.WriteFile(path, []byte(`{"targets":[{"name":"A"},{"name":"A"}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte(`{"targets":[{"name":"A"},{"name":"B"}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if len(cfg.Targets) != 2 || m.Get() != cfg {
			t.Fatalf("published config = %+v", cfg)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("config change not published")
	}
}
