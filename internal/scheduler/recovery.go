package scheduler

import (
	"context"
	"fmt"
	"time"

	"groupcast/internal/model"
	"groupcast/pkg/logx"
)

// startRecovery runs one wait loop per parked schedule.
func (s *Service) startRecovery(id string, since time.Time) {
	s.rmu.Lock()
	if _, running := s.recovering[id]; running {
		s.rmu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.sup.Context())
	s.recovering[id] = cancel
	s.rmu.Unlock()

	s.sup.Go0("schedule.auth_recovery", func(context.Context) {
		defer func() {
			s.rmu.Lock()
			delete(s.recovering, id)
			s.rmu.Unlock()
			cancel()
		}()
		s.awaitAuth(ctx, id, since)
	})
}

func (s *Service) awaitAuth(ctx context.Context, id string, since time.Time) {
	s.log.Info("waiting for authentication", logx.String("id", id), logx.Time("since", since))
	t := time.NewTicker(s.cfg.AuthPollInterval)
	defer t.Stop()
	for {
		if s.recoveryStep(ctx, id, since) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// recoveryStep reports whether the loop is done.
func (s *Service) recoveryStep(ctx context.Context, id string, since time.Time) bool {
	log := s.log.With(logx.String("id", id))

	sc, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("load parked schedule failed", logx.Err(err))
		}
		return true
	}
	if sc.Status != model.StatusWaitingAuth {
		return true
	}

	if s.now().Sub(since) >= s.cfg.AuthWaitMax {
		log.Warn("giving up on authentication", logx.Duration("waited", s.now().Sub(since)))
		s.leaveWaiting(ctx, id, model.StatusFailed, func(sc *model.Schedule) {
			sc.Error = errAuthWaitExceeded
		})
		return true
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.AuthProbeTimeout)
	err = s.deps.Auth.EnsureAuthenticated(pctx, 0)
	cancel()
	if err != nil {
		log.Debug("still not authenticated", logx.Err(err))
		return ctx.Err() != nil
	}

	if s.leaveWaiting(ctx, id, model.StatusPending, func(sc *model.Schedule) { sc.Error = "" }) {
		log.Info("authentication restored, resuming", logx.Duration("in", s.cfg.ResumeDelay))
		s.arm(id, s.now().Add(s.cfg.ResumeDelay))
	}
	return true
}

func (s *Service) leaveWaiting(ctx context.Context, id string, next model.Status, apply func(sc *model.Schedule)) bool {
	sc, err := s.deps.Store.Replace(context.WithoutCancel(ctx), id, func(sc *model.Schedule) error {
		if sc.Status != model.StatusWaitingAuth {
			return fmt.Errorf("%w: schedule is %s", model.ErrInvalidState, sc.Status)
		}
		if err := sc.Transition(next); err != nil {
			return err
		}
		sc.WaitingAuthSince = nil
		apply(sc)
		return nil
	})
	if err != nil {
		s.log.Warn("leave waitingAuth failed", logx.String("id", id), logx.Err(err))
		return false
	}
	s.publish(sc)
	return true
}

func (s *Service) recoveringCount() int {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return len(s.recovering)
}
