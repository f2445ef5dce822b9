// Package dispatch fans one message out to an ordered list of targets over
// the channel session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"groupcast/internal/channel"
	"groupcast/internal/eventbus"
	"groupcast/internal/model"
	"groupcast/pkg/logx"
)

// Session is the part of channel.Session the engine needs.
type Session interface {
	EnsureAuthenticated(ctx context.Context, timeout time.Duration) error
	WithExclusiveAccess(ctx context.Context, task channel.Task) error
}

type Config struct {
	// Pacing is the minimum gap between two deliveries.
	Pacing time.Duration
	// AuthTimeout bounds the wait for an authenticated session before a batch.
	AuthTimeout time.Duration
	// DeliverTimeout bounds a single delivery attempt.
	DeliverTimeout time.Duration
	// RetryMax extra attempts per target after a failed delivery.
	RetryMax   int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 60 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	return c
}

// AuthLostError reports that the session lost authentication mid-batch.
// Partial holds what was delivered before the loss; targets after Target
// were not attempted.
type AuthLostError struct {
	Partial model.DispatchResult
	Target  string
	Err     error
}

func (e *AuthLostError) Error() string {
	return fmt.Sprintf("authentication lost while delivering to %s: %v", e.Target, e.Err)
}

func (e *AuthLostError) Unwrap() error { return e.Err }

type Engine struct {
	session Session
	log     logx.Logger
	bus     eventbus.Bus

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, session Session, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	e := &Engine{session: session, log: log, bus: bus}
	e.Apply(cfg)
	return e
}

// Apply swaps pacing and retry settings. Batches already running keep the
// limiter they started with.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.Pacing > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.Pacing), 1)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = lim
	e.mu.Unlock()
}

func (e *Engine) settings() (Config, *rate.Limiter) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.limiter
}

// Broadcast delivers message to every target in order while holding
// exclusive access to the session. Each target gets the message with its
// suffix appended. Per-target failures are reported in the result, not as an
// error. Once the batch starts it runs to completion even if ctx ends.
func (e *Engine) Broadcast(ctx context.Context, message string, targets []model.Target) (model.DispatchResult, error) {
	if strings.TrimSpace(message) == "" {
		return model.DispatchResult{}, fmt.Errorf("%w: message is empty", model.ErrInvalidInput)
	}
	if len(targets) == 0 {
		return model.DispatchResult{}, fmt.Errorf("%w: no targets", model.ErrInvalidInput)
	}
	if err := model.ValidateTargets(targets); err != nil {
		return model.DispatchResult{}, err
	}

	cfg, lim := e.settings()
	if err := e.session.EnsureAuthenticated(ctx, cfg.AuthTimeout); err != nil {
		return model.DispatchResult{}, err
	}

	started := time.Now()
	var res model.DispatchResult
	err := e.session.WithExclusiveAccess(ctx, func(qctx context.Context, d channel.Deliverer) error {
		batch := context.WithoutCancel(qctx)
		for _, t := range targets {
			_ = lim.Wait(batch)

			text := model.ComposeMessage(message, t.Suffix)
			derr := e.deliver(batch, d, cfg, t.Name, text)
			switch {
			case derr == nil:
				res.Sent = append(res.Sent, t.Name)
			case errors.Is(derr, model.ErrNotAuthenticated):
				return &AuthLostError{Partial: res, Target: t.Name, Err: derr}
			default:
				e.log.Warn("delivery failed", logx.String("target", t.Name), logx.Err(derr))
				res.Failed = append(res.Failed, model.FailedTarget{Target: t.Name, Error: derr.Error()})
			}
		}
		return nil
	})

	var lost *AuthLostError
	if errors.As(err, &lost) {
		res = lost.Partial
	}
	took := time.Since(started)
	if err == nil || lost != nil {
		e.bus.Publish(eventbus.Event{
			Type: eventbus.TypeDispatchFinished,
			Data: eventbus.DispatchFinished{Sent: len(res.Sent), Failed: len(res.Failed), AuthLost: lost != nil, Took: took},
		})
	}
	if err != nil {
		if lost != nil {
			e.log.Warn("broadcast interrupted", logx.Int("sent", len(res.Sent)), logx.String("at", lost.Target), logx.Err(lost.Err))
		}
		return res, err
	}

	e.log.Info("broadcast finished",
		logx.Int("targets", len(targets)),
		logx.Int("sent", len(res.Sent)),
		logx.Int("failed", len(res.Failed)),
		logx.Duration("took", took),
	)
	return res, nil
}

// deliver tries one target up to 1+RetryMax times. Authentication loss is
// returned immediately.
func (e *Engine) deliver(ctx context.Context, d channel.Deliverer, cfg Config, target, text string) error {
	var last error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			time.Sleep(cfg.RetryDelay * time.Duration(attempt))
		}
		last = e.deliverOnce(ctx, d, cfg.DeliverTimeout, target, text)
		e.log.Trace("delivery attempt", logx.String("target", target), logx.Int("attempt", attempt+1), logx.Err(last))
		if last == nil || errors.Is(last, model.ErrNotAuthenticated) {
			return last
		}
	}
	return last
}

func (e *Engine) deliverOnce(ctx context.Context, d channel.Deliverer, timeout time.Duration, target, text string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("delivery panicked", logx.String("target", target), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
			err = fmt.Errorf("delivery panicked: %v", r)
		}
	}()
	return d.Deliver(ctx, target, text)
}
