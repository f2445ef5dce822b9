package channel

import (
	"context"

	"groupcast/pkg/logx"
)

// DryRun is a Driver that is always authenticated and only logs deliveries.
// It is the default driver so a fresh install can be exercised end to end.
type DryRun struct {
	log logx.Logger
}

func NewDryRun(log logx.Logger) *DryRun { return &DryRun{log: log} }

func (d *DryRun) Start(context.Context) error { return nil }

func (d *DryRun) Probe(context.Context) (Readiness, error) { return ReadinessAuthenticated, nil }

func (d *DryRun) Deliver(_ context.Context, target, text string) error {
	d.log.Info("dry-run delivery", logx.String("target", target), logx.Int("bytes", len(text)))
	return nil
}

func (d *DryRun) Close() error { return nil }
