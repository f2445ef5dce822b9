// Package scheduler persists one-shot broadcast requests, arms a timer per
// pending schedule, runs the dispatch when it fires, and parks runs that hit
// an unauthenticated session until authentication returns or a deadline passes.
package scheduler

import (
	"context"
	"time"

	"groupcast/internal/eventbus"
	"groupcast/internal/model"
	"groupcast/internal/storage"
	"groupcast/pkg/logx"
)

// MaxHostTimerDelay is the largest delay many host timers accept (2^31-1 ms).
// Longer delays are armed in steps.
const MaxHostTimerDelay = time.Duration(1<<31-1) * time.Millisecond

const (
	errAuthWaitExceeded = "authentication wait exceeded"
	errWaitingAuth      = "waiting for authentication"
)

type Dispatcher interface {
	Broadcast(ctx context.Context, message string, targets []model.Target) (model.DispatchResult, error)
}

type Authenticator interface {
	EnsureAuthenticated(ctx context.Context, timeout time.Duration) error
}

// TargetSource returns the targets to use for a run. It is read at fire time.
type TargetSource interface {
	Targets() []model.Target
}

type Config struct {
	// MinLead is how far in the future a new schedule must be.
	MinLead time.Duration
	// MaxHorizon is how far in the future a new schedule may be.
	MaxHorizon time.Duration
	// MaxTimerDelay caps a single timer; longer waits are re-armed on expiry.
	MaxTimerDelay time.Duration
	// MissedFireDelay is used for schedules whose time passed while the process was down.
	MissedFireDelay time.Duration
	// ResumeDelay is the wait between re-authentication and the resumed run.
	ResumeDelay time.Duration

	AuthPollInterval time.Duration
	AuthWaitMax      time.Duration
	AuthProbeTimeout time.Duration

	// ErrorSummaryMax is how many failures the error summary lists.
	ErrorSummaryMax int
}

func (c Config) withDefaults() Config {
	if c.MinLead <= 0 {
		c.MinLead = 30 * time.Second
	}
	if c.MaxHorizon <= 0 {
		c.MaxHorizon = 30 * 24 * time.Hour
	}
	if c.MaxTimerDelay <= 0 || c.MaxTimerDelay > MaxHostTimerDelay {
		c.MaxTimerDelay = MaxHostTimerDelay
	}
	if c.MissedFireDelay <= 0 {
		c.MissedFireDelay = time.Second
	}
	if c.ResumeDelay <= 0 {
		c.ResumeDelay = 2 * time.Second
	}
	if c.AuthPollInterval <= 0 {
		c.AuthPollInterval = 5 * time.Second
	}
	if c.AuthWaitMax <= 0 {
		c.AuthWaitMax = 30 * time.Minute
	}
	if c.AuthProbeTimeout <= 0 {
		c.AuthProbeTimeout = 3 * time.Second
	}
	if c.ErrorSummaryMax <= 0 {
		c.ErrorSummaryMax = 3
	}
	return c
}

type Deps struct {
	Store      storage.Store
	Dispatcher Dispatcher
	Auth       Authenticator
	Targets    TargetSource
	Log        logx.Logger
	Bus        eventbus.Bus
}
