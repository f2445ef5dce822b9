package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"groupcast/internal/eventbus"
	"groupcast/internal/model"
	"groupcast/internal/runtime/supervisor"
	"groupcast/pkg/logx"
)

type Service struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time

	sup *supervisor.Supervisor

	tmu     sync.Mutex
	timers  map[string]armed
	seq     uint64
	stopped bool

	rmu        sync.Mutex
	recovering map[string]context.CancelFunc
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Dispatcher == nil || deps.Auth == nil || deps.Targets == nil {
		return nil, errors.New("scheduler: store, dispatcher, auth and targets are required")
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:        cfg.withDefaults(),
		deps:       deps,
		log:        log,
		bus:        bus,
		now:        time.Now,
		sup:        supervisor.New(context.Background(), supervisor.WithLogger(log)),
		timers:     map[string]armed{},
		recovering: map[string]context.CancelFunc{},
	}, nil
}

// Create validates and persists a new pending schedule and arms its timer.
func (s *Service) Create(ctx context.Context, message string, runAt time.Time) (model.Schedule, error) {
	if strings.TrimSpace(message) == "" {
		return model.Schedule{}, fmt.Errorf("%w: message is empty", model.ErrInvalidInput)
	}
	if runAt.IsZero() {
		return model.Schedule{}, fmt.Errorf("%w: runAt is required", model.ErrInvalidInput)
	}
	now := s.now()
	if earliest := now.Add(s.cfg.MinLead); runAt.Before(earliest) {
		return model.Schedule{}, fmt.Errorf("%w: runAt must be at least %s in the future", model.ErrInvalidInput, s.cfg.MinLead)
	}
	if latest := now.Add(s.cfg.MaxHorizon); runAt.After(latest) {
		return model.Schedule{}, fmt.Errorf("%w: runAt must be within %s", model.ErrInvalidInput, s.cfg.MaxHorizon)
	}

	sc := model.Schedule{
		ID:            uuid.NewString(),
		Message:       message,
		CreatedAt:     now.UTC(),
		RunAt:         runAt.UTC(),
		Status:        model.StatusPending,
		SentTargets:   []string{},
		FailedTargets: []model.FailedTarget{},
	}
	if err := s.deps.Store.Append(ctx, sc); err != nil {
		return model.Schedule{}, err
	}
	s.arm(sc.ID, sc.RunAt)
	s.publish(sc)
	s.log.Info("schedule created", logx.String("id", sc.ID), logx.Time("run_at", sc.RunAt))
	return sc, nil
}

// Cancel moves a pending schedule to cancelled. Any other status is InvalidState.
func (s *Service) Cancel(ctx context.Context, id string) (model.Schedule, error) {
	sc, err := s.deps.Store.Replace(ctx, id, func(sc *model.Schedule) error {
		if sc.Status != model.StatusPending {
			return fmt.Errorf("%w: schedule %s is %s; only pending schedules can be cancelled", model.ErrInvalidState, sc.ID, sc.Status)
		}
		return sc.Transition(model.StatusCancelled)
	})
	if err != nil {
		return model.Schedule{}, err
	}
	s.disarm(id)
	s.publish(sc)
	s.log.Info("schedule cancelled", logx.String("id", id))
	return sc, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Schedule, error) {
	return s.deps.Store.Get(ctx, id)
}

// List returns schedules ordered by runAt, optionally only those in status.
func (s *Service) List(ctx context.Context, status model.Status) ([]model.Schedule, error) {
	all, err := s.deps.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, sc := range all {
		if status == "" || sc.Status == status {
			out = append(out, sc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out, nil
}

// Bootstrap re-arms pending schedules, restarts runs interrupted by a crash
// and resumes the authentication wait of parked schedules. Call once at startup.
func (s *Service) Bootstrap(ctx context.Context) error {
	all, err := s.deps.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	var pending, missed, interrupted, waiting int
	now := s.now()
	soon := now.Add(s.cfg.MissedFireDelay)
	for _, sc := range all {
		switch sc.Status {
		case model.StatusPending:
			at := sc.RunAt
			if at.Before(soon) {
				at = soon
				missed++
			}
			s.arm(sc.ID, at)
			pending++

		case model.StatusRunning:
			_, err := s.deps.Store.Replace(ctx, sc.ID, func(sc *model.Schedule) error {
				return sc.Transition(model.StatusPending)
			})
			if err != nil {
				s.log.Error("recover interrupted run failed", logx.String("id", sc.ID), logx.Err(err))
				continue
			}
			s.log.Warn("re-running schedule interrupted by shutdown", logx.String("id", sc.ID))
			s.arm(sc.ID, soon)
			interrupted++

		case model.StatusWaitingAuth:
			since := now
			if sc.WaitingAuthSince != nil {
				since = *sc.WaitingAuthSince
			}
			s.startRecovery(sc.ID, since)
			waiting++
		}
	}
	s.log.Info("scheduler bootstrapped",
		logx.Int("pending", pending),
		logx.Int("missed", missed),
		logx.Int("interrupted", interrupted),
		logx.Int("waiting_auth", waiting),
	)
	return nil
}

// Stop disarms every timer, ends recovery loops and waits for in-flight runs up to ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.stopTimers()
	return s.sup.Stop(ctx)
}

func (s *Service) publish(sc model.Schedule) {
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeScheduleStatus,
		Data: eventbus.ScheduleStatus{ID: sc.ID, Status: string(sc.Status)},
	})
}
