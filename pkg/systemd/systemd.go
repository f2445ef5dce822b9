// Package systemd speaks the sd_notify protocol. Every call is a no-op when
// the process was not started by systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"groupcast/pkg/logx"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

// Ready reports startup completion.
func Ready(log logx.Logger) { send(log, daemon.SdNotifyReady) }

// Stopping reports that shutdown began.
func Stopping(log logx.Logger) { send(log, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(log logx.Logger, text string) { send(log, "STATUS="+text) }

func send(log logx.Logger, state string) {
	sent, err := notify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// Watchdog pings the systemd watchdog at half its interval until ctx ends.
// It returns immediately when WatchdogSec is not configured for the unit.
func Watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	every := interval / 2
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			send(log, daemon.SdNotifyWatchdog)
		}
	}
}
