// Package channel owns the single connection to the external messaging
// resource. All access goes through Session: startup and authentication
// checks are single-flight, and deliveries run one task at a time in FIFO
// order.
package channel

import (
	"context"
	"errors"
	"time"
)

// Readiness is what a driver reports about its authentication state.
type Readiness int

const (
	ReadinessUnknown Readiness = iota
	ReadinessAuthenticated
	ReadinessAwaitingAuth
)

func (r Readiness) String() string {
	switch r {
	case ReadinessAuthenticated:
		return "authenticated"
	case ReadinessAwaitingAuth:
		return "awaitingAuth"
	default:
		return "unknown"
	}
}

// Deliverer sends one composed message to one named target.
//
// An error wrapping model.ErrNotAuthenticated means the resource lost its
// authentication; any other error is a failure for that target only.
type Deliverer interface {
	Deliver(ctx context.Context, target, text string) error
}

// Driver is the external resource behind a Session.
type Driver interface {
	Deliverer
	// Start brings the resource up. It may be slow and may be called again
	// after a failed attempt.
	Start(ctx context.Context) error
	// Probe reports readiness. It must be safe to call while Deliver runs.
	// Wrap ErrUnrecoverable to move the session into the error state.
	Probe(ctx context.Context) (Readiness, error)
	Close() error
}

var (
	ErrStopped       = errors.New("channel session stopped")
	ErrUnrecoverable = errors.New("channel unrecoverable")
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateAwaitingAuth  State = "awaitingAuth"
	StateAuthenticated State = "authenticated"
	StateError         State = "error"
)

// Status is a point-in-time view of the session, safe to expose to clients.
type Status struct {
	Authenticated bool   `json:"authenticated"`
	PendingAuth   bool   `json:"pendingAuth"`
	Error         string `json:"error,omitempty"`
	State         State  `json:"state"`
}

type Config struct {
	InitTimeout     time.Duration
	ProbeTimeout    time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	QueueSize       int
	// ProbeSchedule drives the background readiness probe. Accepts a cron
	// expression, a descriptor such as "@every 30s", or a bare duration.
	// Empty disables it.
	ProbeSchedule string
}

func (c Config) withDefaults() Config {
	if c.InitTimeout <= 0 {
		c.InitTimeout = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = 4 * c.PollInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}
