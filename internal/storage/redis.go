package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"groupcast/internal/model"
)

const defaultRedisKey = "groupcast:schedules"

// redisBackend keeps the snapshot in a single string key. SET replaces the
// value atomically.
type redisBackend struct {
	rdb *redis.Client
	key string
}

func openRedis(ctx context.Context, cfg Config) (backend, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	key := strings.TrimSpace(cfg.Redis.Key)
	if key == "" {
		key = defaultRedisKey
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping %s: %w", addr, err)
	}
	return &redisBackend{rdb: rdb, key: key}, nil
}

func (r *redisBackend) load(ctx context.Context) ([]model.Schedule, error) {
	b, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var all []model.Schedule
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.key, err)
	}
	return all, nil
}

func (r *redisBackend) save(ctx context.Context, all []model.Schedule) error {
	if all == nil {
		all = []model.Schedule{}
	}
	b, err := json.Marshal(all)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key, b, 0).Err()
}

func (r *redisBackend) close() error { return r.rdb.Close() }
