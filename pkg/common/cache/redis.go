package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
)

// Redis shares cache entries between horizontally sharded instances. Values
// are JSON encoded; any redis failure is logged and treated as a miss.
type Redis[V any] struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

func NewRedis[V any](client redis.UniversalClient, namespace string, ttl time.Duration) *Redis[V] {
	return &Redis[V]{client: client, namespace: namespace, ttl: ttl}
}

func (r *Redis[V]) key(key string) string {
	return r.namespace + ":" + key
}

func (r *Redis[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Log.WithError(err).WithField("namespace", r.namespace).Warn("redis cache read failed")
		}
		return zero, false
	}
	var value V
	if err := json.Unmarshal(raw, &value); err != nil {
		logger.Log.WithError(err).WithField("namespace", r.namespace).Warn("redis cache entry undecodable")
		return zero, false
	}
	return value, true
}

func (r *Redis[V]) Set(ctx context.Context, key string, value V) {
	payload, err := json.Marshal(value)
	if err != nil {
		logger.Log.WithError(err).Warn("redis cache entry unencodable")
		return
	}
	if err := r.client.Set(ctx, r.key(key), payload, r.ttl).Err(); err != nil {
		logger.Log.WithError(err).WithField("namespace", r.namespace).Warn("redis cache write failed")
	}
}

func (r *Redis[V]) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		logger.Log.WithError(err).Warn("redis cache delete failed")
	}
}

// Len is not tracked for the shared cache.
func (r *Redis[V]) Len() int {
	return -1
}

// Tiered reads from a local cache first and falls back to a shared one,
// back-filling the local tier on shared hits.
type Tiered[V any] struct {
	local  Cache[V]
	shared Cache[V]
}

func NewTiered[V any](local, shared Cache[V]) *Tiered[V] {
	return &Tiered[V]{local: local, shared: shared}
}

func (t *Tiered[V]) Get(ctx context.Context, key string) (V, bool) {
	if v, ok := t.local.Get(ctx, key); ok {
		return v, true
	}
	v, ok := t.shared.Get(ctx, key)
	if ok {
		t.local.Set(ctx, key, v)
	}
	return v, ok
}

func (t *Tiered[V]) Set(ctx context.Context, key string, value V) {
	t.local.Set(ctx, key, value)
	t.shared.Set(ctx, key, value)
}

func (t *Tiered[V]) Delete(ctx context.Context, key string) {
	t.local.Delete(ctx, key)
	t.shared.Delete(ctx, key)
}

func (t *Tiered[V]) Len() int {
	return t.local.Len()
}
