package app

import (
	"context"

	"groupcast/internal/config"
	"groupcast/internal/eventbus"
	"groupcast/pkg/logx"
)

// applyConfig hot-applies logging, targets and dispatch settings. Other
// sections only take effect after a restart.
func (a *App) applyConfig(_ context.Context, next *config.Config) {
	if next == nil {
		return
	}
	prev := a.cfg
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reloaded (no changes)")
		return
	}

	for _, sec := range sections {
		switch sec {
		case "logging":
			a.logs.Apply(next.Logging.Logx())
		case "targets":
			if err := a.targets.Set(next.TargetList()); err != nil {
				a.log.Warn("invalid targets; keeping previous", logx.Err(err))
			}
		case "dispatch":
			engCfg, err := next.Engine()
			if err != nil {
				a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
				continue
			}
			a.engine.Apply(engCfg)
		}
	}
	a.cfg = next

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}
	fields := append([]logx.Field{logx.Strings("changed", sections)}, attrs...)
	a.log.Info("config applied", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
}
