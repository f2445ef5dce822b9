package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"groupcast/internal/eventbus"
	"groupcast/internal/model"
	"groupcast/internal/runtime/supervisor"
	"groupcast/pkg/logx"
)

const (
	flightInit  = "init"
	flightProbe = "probe"
)

type Session struct {
	drv Driver
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	flight singleflight.Group

	mu      sync.RWMutex
	state   State
	lastErr string

	queue   chan *job
	stopped chan struct{}

	sup       *supervisor.Supervisor
	cron      *cron.Cron
	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(drv Driver, cfg Config, log logx.Logger, bus eventbus.Bus) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	return &Session{
		drv:     drv,
		cfg:     cfg,
		log:     log,
		bus:     bus,
		state:   StateUninitialized,
		queue:   make(chan *job, cfg.QueueSize),
		stopped: make(chan struct{}),
	}
}

// Start launches the exclusive-access worker, the probe watchdog and a
// background Init. It does not wait for the resource to come up.
func (s *Session) Start(ctx context.Context) error {
	if err := s.launch(ctx); err != nil {
		return err
	}
	s.sup.Go0("channel.init", func(ctx context.Context) {
		if err := s.Init(ctx); err != nil {
			s.log.Warn("channel init failed", logx.Err(err))
		}
	})
	return nil
}

func (s *Session) launch(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		s.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
		s.running.Store(true)
		s.sup.Go0("channel.worker", s.worker)
		err = s.startWatchdog()
	})
	return err
}

// Init starts the resource once. Concurrent callers share one attempt, and
// calls after success return immediately. A failed attempt can be retried.
func (s *Session) Init(ctx context.Context) error {
	if !s.running.Load() {
		return ErrStopped
	}
	switch s.State() {
	case StateAuthenticated, StateAwaitingAuth:
		return nil
	}
	ch := s.flight.DoChan(flightInit, func() (any, error) { return nil, s.initOnce() })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		return r.Err
	}
}

func (s *Session) initOnce() error {
	switch s.State() {
	case StateAuthenticated, StateAwaitingAuth:
		return nil
	}
	s.setState(StateInitializing, "")

	// Bound to the session lifetime, not to whichever caller arrived first.
	ctx, cancel := context.WithTimeout(s.sup.Context(), s.cfg.InitTimeout)
	defer cancel()

	started := time.Now()
	if err := s.drv.Start(ctx); err != nil {
		s.setState(StateError, err.Error())
		return fmt.Errorf("channel init: %w", err)
	}
	s.log.Info("channel resource started", logx.Duration("took", time.Since(started)))

	r, err := s.drv.Probe(ctx)
	s.applyProbe(r, err)
	return nil
}

// EnsureAuthenticated initializes the session if needed and polls readiness
// with growing intervals until authenticated or until timeout elapses. A zero
// timeout performs a single check.
func (s *Session) EnsureAuthenticated(ctx context.Context, timeout time.Duration) error {
	if err := s.Init(ctx); err != nil {
		if errors.Is(err, ErrStopped) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", model.ErrNotAuthenticated, err)
	}
	if s.State() == StateAuthenticated {
		return nil
	}

	deadline := time.Now().Add(timeout)
	wait := s.cfg.PollInterval
	for {
		ok, err := s.probe(ctx)
		if ok {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.State() == StateError {
			return fmt.Errorf("%w: %s", model.ErrNotAuthenticated, s.Status().Error)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			reason := "authentication pending"
			if err != nil {
				reason = err.Error()
			}
			return fmt.Errorf("%w: %s", model.ErrNotAuthenticated, reason)
		}

		t := time.NewTimer(min(wait, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-s.stopped:
			t.Stop()
			return ErrStopped
		case <-t.C:
		}
		wait = min(wait*2, s.cfg.MaxPollInterval)
	}
}

// probe runs one shared readiness check. Callers arriving while a probe is in
// flight get its result.
func (s *Session) probe(ctx context.Context) (bool, error) {
	ch := s.flight.DoChan(flightProbe, func() (any, error) {
		pctx, cancel := context.WithTimeout(s.sup.Context(), s.cfg.ProbeTimeout)
		defer cancel()
		r, err := s.drv.Probe(pctx)
		s.applyProbe(r, err)
		return r == ReadinessAuthenticated, err
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		ok, _ := res.Val.(bool)
		return ok, res.Err
	}
}

func (s *Session) applyProbe(r Readiness, err error) {
	switch {
	case errors.Is(err, ErrUnrecoverable):
		s.setState(StateError, err.Error())
	case err != nil:
		s.setState(StateAwaitingAuth, err.Error())
	case r == ReadinessAuthenticated:
		s.setState(StateAuthenticated, "")
	default:
		s.setState(StateAwaitingAuth, "")
	}
}

// markAuthLost is called when a delivery reports the resource is no longer authenticated.
func (s *Session) markAuthLost(err error) {
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()
	if st == StateAuthenticated {
		s.setState(StateAwaitingAuth, err.Error())
	}
}

func (s *Session) setState(next State, errText string) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.lastErr = errText
	s.mu.Unlock()

	if prev == next {
		return
	}
	s.log.Info("channel state changed", logx.String("from", string(prev)), logx.String("to", string(next)))
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeChannelState,
		Data: eventbus.ChannelState{State: string(next), Authenticated: next == StateAuthenticated},
	})
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status never blocks on the resource.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Authenticated: s.state == StateAuthenticated,
		PendingAuth:   s.state == StateAwaitingAuth,
		Error:         s.lastErr,
		State:         s.state,
	}
}

// Shutdown stops the worker and the watchdog, waits for the running task up to
// ctx, then releases the resource. Errors are logged, not returned.
func (s *Session) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		if s.sup != nil {
			if err := s.sup.Stop(ctx); err != nil {
				s.log.Warn("channel shutdown wait", logx.Err(err))
			}
		}
		close(s.stopped)
		if err := s.drv.Close(); err != nil {
			s.log.Warn("channel close failed", logx.Err(err))
		}
		s.setState(StateUninitialized, "")
	})
}
