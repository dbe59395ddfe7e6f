// Package cache is the optional read-through cache: per-family TTL
// caching of task lists, worker statistics, document lookups, and the
// dashboard summary, backed by Redis/Valkey/DragonflyDB.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatcherd.io/common"
	"dispatcherd.io/config"
)

// ErrMiss is returned by Get* methods when the key is absent, when the
// stored value cannot be decoded, or when Redis cannot be reached (the
// failure is logged), so callers always fall through to the store.
var ErrMiss = errors.New("cache: miss")

// Layer is the interface dispatch/documents/stats program against, so a
// disabled or unreachable cache degrades to Noop without branching at
// every call site. The cache is always optional: its absence never
// changes correctness, only latency.
type Layer interface {
	GetTaskList(ctx context.Context, statusFilter string, limit int, dest any) error
	SetTaskList(ctx context.Context, statusFilter string, limit int, value any) error
	InvalidateTaskLists(ctx context.Context)

	GetTaskSummary(ctx context.Context, dest any) error
	SetTaskSummary(ctx context.Context, value any) error
	InvalidateTaskSummary(ctx context.Context)

	GetWorkerStatistics(ctx context.Context, workerID string, dest any) error
	SetWorkerStatistics(ctx context.Context, workerID string, value any) error
	InvalidateWorkerStatistics(ctx context.Context, workerID string)

	GetDocument(ctx context.Context, systemID string, dest any) error
	SetDocument(ctx context.Context, systemID string, value any) error
	InvalidateDocument(ctx context.Context, systemID string)
}

// Redis implements Layer over a go-redis client.
type Redis struct {
	client *redis.Client
	ttl    config.CacheConfig
}

// New connects to Redis per cfg and verifies reachability. If cfg is
// disabled, returns a Noop layer without attempting a connection. If the
// cfg is enabled but not required and the ping fails, also degrades to
// Noop so a missing cache never takes the service down; if Required is
// set, a ping failure is surfaced and startup treats it as fatal.
func New(ctx context.Context, cfg config.CacheConfig) (Layer, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}

	opts, err := redis.ParseURL(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("parse cache connection url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if cfg.Required {
			return nil, fmt.Errorf("connect to cache: %w", err)
		}
		return Noop{}, nil
	}

	return &Redis{client: client, ttl: cfg}, nil
}

func (r *Redis) get(ctx context.Context, key string, dest any) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		common.Logger.WithError(err).WithField("key", key).Warn("cache read failed")
		return ErrMiss
	}
	if err := json.Unmarshal(data, dest); err != nil {
		common.Logger.WithError(err).WithField("key", key).Warn("cache value could not be decoded")
		return ErrMiss
	}
	return nil
}

func (r *Redis) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

func (r *Redis) del(ctx context.Context, keys ...string) {
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		common.Logger.WithError(err).WithField("keys", keys).Warn("cache invalidation failed")
	}
}

func taskListKey(statusFilter string, limit int) string {
	if statusFilter == "" {
		statusFilter = "all"
	}
	return fmt.Sprintf("tasks:%s:%d", statusFilter, limit)
}

const taskListIndexKey = "tasks:list:keys"

func (r *Redis) GetTaskList(ctx context.Context, statusFilter string, limit int, dest any) error {
	return r.get(ctx, taskListKey(statusFilter, limit), dest)
}

func (r *Redis) SetTaskList(ctx context.Context, statusFilter string, limit int, value any) error {
	key := taskListKey(statusFilter, limit)
	if err := r.set(ctx, key, value, r.ttl.TasksTTL); err != nil {
		return err
	}
	return r.client.SAdd(ctx, taskListIndexKey, key).Err()
}

func (r *Redis) InvalidateTaskLists(ctx context.Context) {
	keys, err := r.client.SMembers(ctx, taskListIndexKey).Result()
	if err != nil || len(keys) == 0 {
		return
	}
	keys = append(keys, taskListIndexKey)
	r.del(ctx, keys...)
}

func (r *Redis) GetTaskSummary(ctx context.Context, dest any) error {
	return r.get(ctx, "tasks:summary", dest)
}

func (r *Redis) SetTaskSummary(ctx context.Context, value any) error {
	return r.set(ctx, "tasks:summary", value, r.ttl.SummaryTTL)
}

func (r *Redis) InvalidateTaskSummary(ctx context.Context) {
	r.del(ctx, "tasks:summary")
}

func workerStatsKey(workerID string) string {
	return fmt.Sprintf("worker:%s:statistics", workerID)
}

func (r *Redis) GetWorkerStatistics(ctx context.Context, workerID string, dest any) error {
	return r.get(ctx, workerStatsKey(workerID), dest)
}

func (r *Redis) SetWorkerStatistics(ctx context.Context, workerID string, value any) error {
	return r.set(ctx, workerStatsKey(workerID), value, r.ttl.StatisticsTTL)
}

func (r *Redis) InvalidateWorkerStatistics(ctx context.Context, workerID string) {
	r.del(ctx, workerStatsKey(workerID))
}

func documentKey(systemID string) string {
	return fmt.Sprintf("document:%s", systemID)
}

func (r *Redis) GetDocument(ctx context.Context, systemID string, dest any) error {
	return r.get(ctx, documentKey(systemID), dest)
}

func (r *Redis) SetDocument(ctx context.Context, systemID string, value any) error {
	return r.set(ctx, documentKey(systemID), value, r.ttl.DocumentsTTL)
}

func (r *Redis) InvalidateDocument(ctx context.Context, systemID string) {
	r.del(ctx, documentKey(systemID))
}

// Noop is the cache layer used when caching is disabled or unreachable
// (and not required): every Get misses, every Set/Invalidate is a no-op.
type Noop struct{}

func (Noop) GetTaskList(context.Context, string, int, any) error { return ErrMiss }
func (Noop) SetTaskList(context.Context, string, int, any) error { return nil }
func (Noop) InvalidateTaskLists(context.Context)                {}

func (Noop) GetTaskSummary(context.Context, any) error { return ErrMiss }
func (Noop) SetTaskSummary(context.Context, any) error { return nil }
func (Noop) InvalidateTaskSummary(context.Context)     {}

func (Noop) GetWorkerStatistics(context.Context, string, any) error { return ErrMiss }
func (Noop) SetWorkerStatistics(context.Context, string, any) error { return nil }
func (Noop) InvalidateWorkerStatistics(context.Context, string)     {}

func (Noop) GetDocument(context.Context, string, any) error { return ErrMiss }
func (Noop) SetDocument(context.Context, string, any) error { return nil }
func (Noop) InvalidateDocument(context.Context, string)     {}
