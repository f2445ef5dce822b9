package storage

import (
	"context"
	"errors"
	"time"

	"groupcast/internal/model"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot file, replaced via temp file + rename (default)
//   - "sqlite": SQLite database file, replaced inside one transaction
//   - "redis": one string key holding the JSON snapshot
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Store is the Schedule Store.
//
// Returned schedules are copies; mutating them has no effect on the store.
type Store interface {
	// List returns every schedule in insertion order.
	List(ctx context.Context) ([]model.Schedule, error)
	// Get returns model.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (model.Schedule, error)
	// Append persists a new schedule. Duplicate ids are rejected.
	Append(ctx context.Context, s model.Schedule) error
	// Replace applies mutate to a copy of the schedule and persists the result.
	// If mutate returns an error nothing is written and the error is returned.
	Replace(ctx context.Context, id string, mutate func(*model.Schedule) error) (model.Schedule, error)
	Close() error
}

// backend persists a complete snapshot. save must be all-or-nothing.
type backend interface {
	load(ctx context.Context) ([]model.Schedule, error)
	save(ctx context.Context, all []model.Schedule) error
	close() error
}
