// Package targets holds the configured broadcast destinations. The list is
// replaced atomically on config reload and read at fire time.
package targets

import (
	"slices"
	"strings"
	"sync/atomic"

	"groupcast/internal/model"
)

type Registry struct {
	v atomic.Pointer[[]model.Target]
}

// New returns a registry holding ts. ts must pass model.ValidateTargets.
func New(ts []model.Target) (*Registry, error) {
	r := &Registry{}
	if err := r.Set(ts); err != nil {
		return nil, err
	}
	return r, nil
}

// Set validates and swaps the list. On error the previous list is kept.
func (r *Registry) Set(ts []model.Target) error {
	if err := model.ValidateTargets(ts); err != nil {
		return err
	}
	cp := make([]model.Target, len(ts))
	for i, t := range ts {
		cp[i] = model.Target{Name: strings.TrimSpace(t.Name), Suffix: t.Suffix}
	}
	r.v.Store(&cp)
	return nil
}

// Targets returns a copy of the current list in configured order.
func (r *Registry) Targets() []model.Target {
	p := r.v.Load()
	if p == nil {
		return nil
	}
	return slices.Clone(*p)
}

func (r *Registry) Names() []string {
	ts := r.Targets()
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Name
	}
	return out
}

// Equal reports whether ts matches the current list exactly.
func (r *Registry) Equal(ts []model.Target) bool {
	return slices.Equal(r.Targets(), ts)
}
