package channel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"groupcast/internal/model"
	"groupcast/pkg/logx"
)

// Task runs with exclusive use of the resource.
type Task func(ctx context.Context, d Deliverer) error

const (
	jobQueued int32 = iota
	jobRunning
	jobAbandoned
)

type job struct {
	ctx   context.Context
	task  Task
	state atomic.Int32
	done  chan error
}

// WithExclusiveAccess queues task behind earlier callers and runs it when no
// other task holds the resource. A caller whose ctx ends before its turn is
// dropped without running; once started, the task runs to completion.
func (s *Session) WithExclusiveAccess(ctx context.Context, task Task) error {
	if !s.running.Load() {
		return ErrStopped
	}
	j := &job{ctx: ctx, task: task, done: make(chan error, 1)}

	select {
	case s.queue <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ctx.Err()
		}
	case <-s.stopped:
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ErrStopped
		}
	}
	// Already running: its result is still the caller's.
	return <-j.done
}

func (s *Session) worker(ctx context.Context) {
	defer s.drain()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.run(j)
		}
	}
}

func (s *Session) run(j *job) {
	if !j.state.CompareAndSwap(jobQueued, jobRunning) {
		return
	}
	if err := j.ctx.Err(); err != nil {
		j.done <- err
		return
	}
	j.done <- s.invoke(j)
}

func (s *Session) invoke(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("exclusive task panicked", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
			err = fmt.Errorf("%w: exclusive task panicked: %v", model.ErrInternal, r)
		}
	}()
	return j.task(j.ctx, guardedDeliverer{s: s})
}

// drain rejects everything still queued once the worker exits.
func (s *Session) drain() {
	for {
		select {
		case j := <-s.queue:
			if j.state.CompareAndSwap(jobQueued, jobRunning) {
				j.done <- ErrStopped
			}
		default:
			return
		}
	}
}

// guardedDeliverer notices authentication loss reported by the driver.
type guardedDeliverer struct{ s *Session }

func (g guardedDeliverer) Deliver(ctx context.Context, target, text string) error {
	err := g.s.drv.Deliver(ctx, target, text)
	if err != nil && errors.Is(err, model.ErrNotAuthenticated) {
		g.s.markAuthLost(err)
	}
	return err
}
