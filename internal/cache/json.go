package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// absentMarker records that a lookup found nothing. It is not valid
// JSON so it never collides with a cached value.
var absentMarker = []byte("\x00absent")

// GetJSON decodes a cached JSON value. Undecodable entries are
// deleted and reported as a miss.
func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var zero T

	raw, ok := c.Get(ctx, key)
	if !ok || bytes.Equal(raw, absentMarker) {
		return zero, false
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		c.Delete(ctx, key)
		return zero, false
	}
	return v, true
}

// SetJSON encodes v as JSON and caches it
func SetJSON[T any](ctx context.Context, c *Cache, key string, v T, ttl time.Duration) bool {
	if !c.enabled() {
		return false
	}

	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache value not encodable", zap.String("key", key), zap.Error(err))
		return false
	}
	return c.Set(ctx, key, raw, ttl)
}

// GetOrComputeJSON is GetOrCompute for JSON-encodable values
func GetOrComputeJSON[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if v, ok := GetJSON[T](ctx, c, key); ok {
		return v, nil
	}

	v, err := fn(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	SetJSON(ctx, c, key, v, ttl)
	return v, nil
}

// GetOrLoad caches both hits and misses of fn. fn reports whether the
// entity exists; a missing entity is remembered for negativeTTL so
// repeated lookups of unknown ids do not reach the store.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, ttl, negativeTTL time.Duration, fn func(context.Context) (T, bool, error)) (T, bool, error) {
	var zero T

	if raw, ok := c.Get(ctx, key); ok {
		if bytes.Equal(raw, absentMarker) {
			return zero, false, nil
		}
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, true, nil
		}
		c.Delete(ctx, key)
	}

	v, found, err := fn(ctx)
	if err != nil {
		return zero, false, err
	}
	if !found {
		c.Set(ctx, key, absentMarker, negativeTTL)
		return zero, false, nil
	}
	SetJSON(ctx, c, key, v, ttl)
	return v, true, nil
}
