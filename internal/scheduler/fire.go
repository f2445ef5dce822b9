package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"groupcast/internal/channel"
	"groupcast/internal/dispatch"
	"groupcast/internal/model"
	"groupcast/pkg/logx"
)

const persistTimeout = 10 * time.Second

// fire runs a due schedule. The store decides: only a schedule that is still
// pending can be moved to running, so a concurrent cancel always wins or loses
// cleanly.
func (s *Service) fire(ctx context.Context, id string) {
	log := s.log.With(logx.String("id", id))

	sc, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		log.Error("load due schedule failed", logx.Err(err))
		return
	}
	if sc.Status != model.StatusPending {
		log.Debug("timer fired for non-pending schedule", logx.String("status", string(sc.Status)))
		return
	}
	if sc.RunAt.After(s.now()) {
		// Woke up early because the delay was clamped.
		s.arm(id, sc.RunAt)
		return
	}

	sc, err = s.deps.Store.Replace(ctx, id, func(sc *model.Schedule) error {
		if sc.Status != model.StatusPending {
			return fmt.Errorf("%w: schedule is %s", model.ErrInvalidState, sc.Status)
		}
		return sc.Transition(model.StatusRunning)
	})
	if err != nil {
		if errors.Is(err, model.ErrInvalidState) {
			log.Debug("schedule changed before run", logx.Err(err))
		} else {
			log.Error("mark schedule running failed", logx.Err(err))
		}
		return
	}
	s.publish(sc)
	s.run(ctx, sc)
}

// run dispatches to every configured target not already confirmed by an
// earlier, interrupted attempt.
func (s *Service) run(ctx context.Context, sc model.Schedule) {
	log := s.log.With(logx.String("id", sc.ID))

	carried := slices.Clone(sc.SentTargets)
	var remaining []model.Target
	for _, t := range s.deps.Targets.Targets() {
		if !slices.Contains(carried, t.Name) {
			remaining = append(remaining, t)
		}
	}
	if len(remaining) == 0 && len(carried) > 0 {
		s.finish(sc.ID, model.DispatchResult{Sent: carried})
		return
	}

	log.Info("running schedule", logx.Int("targets", len(remaining)), logx.Int("already_sent", len(carried)))
	res, err := s.deps.Dispatcher.Broadcast(ctx, sc.Message, remaining)
	res.Sent = append(carried, res.Sent...)

	var lost *dispatch.AuthLostError
	switch {
	case err == nil:
		s.finish(sc.ID, res)
	case errors.As(err, &lost):
		log.Warn("authentication lost during run", logx.String("at", lost.Target))
		s.park(sc.ID, res)
	case errors.Is(err, model.ErrNotAuthenticated):
		log.Warn("session not authenticated, waiting", logx.Err(err))
		s.park(sc.ID, res)
	case ctx.Err() != nil || errors.Is(err, channel.ErrStopped):
		// Shutting down before the batch started: run again on next start.
		s.requeue(sc.ID)
	default:
		log.Error("schedule run failed", logx.Err(err))
		s.fail(sc.ID, res, err.Error())
	}
}

func (s *Service) finish(id string, res model.DispatchResult) {
	if len(res.Failed) > 0 {
		s.fail(id, res, res.Summary(s.cfg.ErrorSummaryMax, 200))
		return
	}
	s.settle(id, model.StatusSent, func(sc *model.Schedule) {
		sc.SentTargets = nonNil(res.Sent)
		sc.FailedTargets = []model.FailedTarget{}
		sc.Error = ""
		sc.WaitingAuthSince = nil
	})
}

func (s *Service) fail(id string, res model.DispatchResult, errText string) {
	s.settle(id, model.StatusFailed, func(sc *model.Schedule) {
		sc.SentTargets = nonNil(res.Sent)
		sc.FailedTargets = res.Failed
		if sc.FailedTargets == nil {
			sc.FailedTargets = []model.FailedTarget{}
		}
		sc.Error = errText
		sc.WaitingAuthSince = nil
	})
}

// park moves a running schedule to waitingAuth and starts its recovery loop.
func (s *Service) park(id string, partial model.DispatchResult) {
	since := s.now().UTC()
	ok := s.settle(id, model.StatusWaitingAuth, func(sc *model.Schedule) {
		sc.SentTargets = nonNil(partial.Sent)
		sc.FailedTargets = partial.Failed
		if sc.FailedTargets == nil {
			sc.FailedTargets = []model.FailedTarget{}
		}
		sc.Error = errWaitingAuth
		sc.WaitingAuthSince = &since
	})
	if ok {
		s.startRecovery(id, since)
	}
}

func (s *Service) requeue(id string) {
	s.settle(id, model.StatusPending, func(*model.Schedule) {})
}

// settle persists a transition out of running. It writes even during
// shutdown so the outcome of a finished batch is never lost.
func (s *Service) settle(id string, next model.Status, apply func(sc *model.Schedule)) bool {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	sc, err := s.deps.Store.Replace(ctx, id, func(sc *model.Schedule) error {
		if err := sc.Transition(next); err != nil {
			return err
		}
		apply(sc)
		return nil
	})
	if err != nil {
		s.log.Error("persist schedule outcome failed", logx.String("id", id), logx.String("status", string(next)), logx.Err(err))
		return false
	}
	s.publish(sc)
	s.log.Info("schedule settled",
		logx.String("id", id),
		logx.String("status", string(sc.Status)),
		logx.Int("sent", len(sc.SentTargets)),
		logx.Int("failed", len(sc.FailedTargets)),
	)
	return true
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
