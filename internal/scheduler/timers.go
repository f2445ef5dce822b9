package scheduler

import (
	"context"
	"time"

	"groupcast/pkg/logx"
)

type armed struct {
	t   *time.Timer
	seq uint64
}

// arm (re)arms the timer for id to fire at at. The delay is clamped to
// [0, MaxTimerDelay]; fire re-arms when it wakes up early because of the clamp.
func (s *Service) arm(id string, at time.Time) {
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	if delay > s.cfg.MaxTimerDelay {
		delay = s.cfg.MaxTimerDelay
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.timers[id]; ok {
		prev.t.Stop()
	}
	s.seq++
	seq := s.seq
	s.timers[id] = armed{seq: seq, t: time.AfterFunc(delay, func() { s.onTimer(id, seq) })}
	s.log.Debug("timer armed", logx.String("id", id), logx.Duration("in", delay))
}

func (s *Service) disarm(id string) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if a, ok := s.timers[id]; ok {
		a.t.Stop()
		delete(s.timers, id)
	}
}

// onTimer ignores callbacks from timers that were replaced or disarmed.
func (s *Service) onTimer(id string, seq uint64) {
	s.tmu.Lock()
	a, ok := s.timers[id]
	if !ok || a.seq != seq || s.stopped {
		s.tmu.Unlock()
		return
	}
	delete(s.timers, id)
	s.tmu.Unlock()

	s.sup.Go0("schedule.fire", func(ctx context.Context) { s.fire(ctx, id) })
}

func (s *Service) armedCount() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.timers)
}

func (s *Service) stopTimers() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	s.stopped = true
	for id, a := range s.timers {
		a.t.Stop()
		delete(s.timers, id)
	}
}
