// Package service is the request surface shared by every transport: it
// parses client input, calls the scheduler and dispatch engine, and maps
// their failures onto the model error kinds.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"groupcast/internal/channel"
	"groupcast/internal/dispatch"
	"groupcast/internal/model"
	"groupcast/pkg/logx"
)

type Scheduler interface {
	Create(ctx context.Context, message string, runAt time.Time) (model.Schedule, error)
	Cancel(ctx context.Context, id string) (model.Schedule, error)
	List(ctx context.Context, status model.Status) ([]model.Schedule, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, message string, targets []model.Target) (model.DispatchResult, error)
}

type StatusSource interface {
	Status() channel.Status
}

type TargetSource interface {
	Targets() []model.Target
}

type Service struct {
	sched   Scheduler
	bc      Broadcaster
	session StatusSource
	targets TargetSource
	log     logx.Logger
}

func New(sched Scheduler, bc Broadcaster, session StatusSource, targets TargetSource, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{sched: sched, bc: bc, session: session, targets: targets, log: log}
}

// Accepted runAt layouts. Zone-less values are read in local time, which is
// what a browser datetime-local field produces.
var runAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

func ParseRunAt(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: runAt is required", model.ErrInvalidInput)
	}
	for i, layout := range runAtLayouts {
		var (
			t   time.Time
			err error
		)
		if i == 0 {
			t, err = time.Parse(layout, raw)
		} else {
			t, err = time.ParseInLocation(layout, raw, time.Local)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: runAt %q is not an ISO-8601 timestamp", model.ErrInvalidInput, raw)
}

func (s *Service) CreateSchedule(ctx context.Context, message, runAt string) (model.Schedule, error) {
	at, err := ParseRunAt(runAt)
	if err != nil {
		return model.Schedule{}, err
	}
	return s.sched.Create(ctx, message, at)
}

// ListSchedules returns schedules sorted by runAt. An empty status lists all.
func (s *Service) ListSchedules(ctx context.Context, status string) ([]model.Schedule, error) {
	var st model.Status
	if strings.TrimSpace(status) != "" {
		var err error
		if st, err = model.ParseStatus(status); err != nil {
			return nil, err
		}
	}
	out, err := s.sched.List(ctx, st)
	if out == nil && err == nil {
		out = []model.Schedule{}
	}
	return out, err
}

func (s *Service) CancelSchedule(ctx context.Context, id string) (model.Schedule, error) {
	if strings.TrimSpace(id) == "" {
		return model.Schedule{}, fmt.Errorf("%w: id is required", model.ErrInvalidInput)
	}
	return s.sched.Cancel(ctx, id)
}

// SendNow broadcasts immediately to every configured target. When
// authentication is lost partway, the partial result is returned together
// with a NotAuthenticated error.
func (s *Service) SendNow(ctx context.Context, message string) (model.DispatchResult, error) {
	if strings.TrimSpace(message) == "" {
		return model.DispatchResult{}, fmt.Errorf("%w: message is empty", model.ErrInvalidInput)
	}
	ts := s.targets.Targets()
	if len(ts) == 0 {
		return model.DispatchResult{}, fmt.Errorf("%w: no targets configured", model.ErrInvalidInput)
	}

	res, err := s.bc.Broadcast(ctx, message, ts)
	res.Sent = orEmpty(res.Sent)
	if res.Failed == nil {
		res.Failed = []model.FailedTarget{}
	}
	if err == nil {
		return res, nil
	}

	var lost *dispatch.AuthLostError
	switch {
	case errors.As(err, &lost):
		return res, fmt.Errorf("%w: lost while sending to %s", model.ErrNotAuthenticated, lost.Target)
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrNotAuthenticated):
		return res, err
	case errors.Is(err, channel.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return res, fmt.Errorf("%w: %v", model.ErrInternal, err)
	default:
		if !errors.Is(err, model.ErrInternal) {
			err = fmt.Errorf("%w: %v", model.ErrInternal, err)
		}
		s.log.Error("send now failed", logx.Err(err))
		return res, err
	}
}

func (s *Service) SessionStatus() channel.Status {
	return s.session.Status()
}

func (s *Service) ListTargets() []model.Target {
	ts := s.targets.Targets()
	if ts == nil {
		return []model.Target{}
	}
	return ts
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
