package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"groupcast/internal/model"
	"groupcast/pkg/logx"
)

// ledger serializes writers and keeps the last committed snapshot in memory.
// A snapshot slice is never modified after it is published; writers build a
// new one and swap it in only after the backend accepted it.
type ledger struct {
	b   backend
	log logx.Logger

	mu     sync.RWMutex
	all    []model.Schedule
	index  map[string]int
	closed bool
}

func newLedger(ctx context.Context, b backend, log logx.Logger) (*ledger, error) {
	all, err := b.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	l := &ledger{b: b, log: log}
	l.publish(all)
	log.Info("schedule store opened", logx.Int("schedules", len(all)))
	return l, nil
}

func (l *ledger) publish(all []model.Schedule) {
	idx := make(map[string]int, len(all))
	for i, s := range all {
		idx[s.ID] = i
	}
	l.all = all
	l.index = idx
}

func (l *ledger) List(ctx context.Context) ([]model.Schedule, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	out := make([]model.Schedule, len(l.all))
	for i, s := range l.all {
		out[i] = s.Clone()
	}
	return out, nil
}

func (l *ledger) Get(ctx context.Context, id string) (model.Schedule, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return model.Schedule{}, ErrClosed
	}
	i, ok := l.index[id]
	if !ok {
		return model.Schedule{}, fmt.Errorf("%w: schedule %q", model.ErrNotFound, id)
	}
	return l.all[i].Clone(), nil
}

func (l *ledger) Append(ctx context.Context, s model.Schedule) error {
	if s.ID == "" {
		return fmt.Errorf("%w: schedule id is empty", model.ErrInvalidInput)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, dup := l.index[s.ID]; dup {
		return fmt.Errorf("%w: schedule %q already exists", model.ErrInvalidInput, s.ID)
	}

	next := make([]model.Schedule, len(l.all), len(l.all)+1)
	copy(next, l.all)
	next = append(next, s.Clone())
	return l.commit(ctx, next)
}

func (l *ledger) Replace(ctx context.Context, id string, mutate func(*model.Schedule) error) (model.Schedule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return model.Schedule{}, ErrClosed
	}
	i, ok := l.index[id]
	if !ok {
		return model.Schedule{}, fmt.Errorf("%w: schedule %q", model.ErrNotFound, id)
	}

	updated := l.all[i].Clone()
	if err := mutate(&updated); err != nil {
		return model.Schedule{}, err
	}
	updated.ID = id

	next := slices.Clone(l.all)
	next[i] = updated
	if err := l.commit(ctx, next); err != nil {
		return model.Schedule{}, err
	}
	return updated.Clone(), nil
}

// commit must be called with mu held for writing.
func (l *ledger) commit(ctx context.Context, next []model.Schedule) error {
	if err := l.b.save(ctx, next); err != nil {
		l.log.Error("persist schedules failed", logx.Err(err))
		return fmt.Errorf("%w: persist schedules: %v", model.ErrInternal, err)
	}
	l.publish(next)
	return nil
}

func (l *ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.b.close()
}
