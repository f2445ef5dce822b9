package storage

import (
	"context"
	"fmt"
	"strings"

	"groupcast/pkg/logx"
)

// Open initializes the configured driver and loads the current snapshot.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		b   backend
		err error
	)
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		driver = "file"
		b, err = openFile(cfg)
	case "sqlite", "sqlite3":
		b, err = openSQLite(ctx, cfg)
	case "redis":
		b, err = openRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	l, err := newLedger(ctx, b, log.With(logx.String("driver", driver)))
	if err != nil {
		_ = b.close()
		return nil, err
	}
	return l, nil
}
