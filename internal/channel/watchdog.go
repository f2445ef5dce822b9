package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"groupcast/pkg/logx"
)

var probeParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// normalizeProbeSchedule turns a bare duration like "30s" into "@every 30s".
func normalizeProbeSchedule(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return "@every " + d.String()
	}
	return s
}

// ValidateProbeSchedule reports whether raw is usable as a probe schedule.
func ValidateProbeSchedule(raw string) error {
	s := normalizeProbeSchedule(raw)
	if s == "" {
		return nil
	}
	if _, err := probeParser.Parse(s); err != nil {
		return fmt.Errorf("probe schedule %q: %w", raw, err)
	}
	return nil
}

// startWatchdog refreshes Status in the background. It only probes a started
// resource and never triggers Init itself.
func (s *Session) startWatchdog() error {
	spec := normalizeProbeSchedule(s.cfg.ProbeSchedule)
	if spec == "" {
		return nil
	}
	c := cron.New(
		cron.WithParser(probeParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(spec, s.watchdogTick); err != nil {
		return fmt.Errorf("channel watchdog: %w", err)
	}
	c.Start()
	s.cron = c
	s.log.Debug("channel watchdog started", logx.String("schedule", spec))
	return nil
}

func (s *Session) watchdogTick() {
	switch s.State() {
	case StateAuthenticated, StateAwaitingAuth:
	default:
		return
	}
	ctx, cancel := context.WithTimeout(s.sup.Context(), s.cfg.ProbeTimeout)
	defer cancel()
	if _, err := s.probe(ctx); err != nil {
		s.log.Debug("watchdog probe failed", logx.Err(err))
	}
}
