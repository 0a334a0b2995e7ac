// Package cache is a disposable key/value projection in front of the
// stores and the external API. A miss, an expired entry and an
// unavailable backend all look the same to callers.
package cache

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/metrics"
)

// Backend stores raw values under a logical group. Keys lists the
// group's key index; FlushGroup evicts everything in the group.
type Backend interface {
	Get(ctx context.Context, group, key string) ([]byte, bool, error)
	Set(ctx context.Context, group, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, group string, keys ...string) error
	Keys(ctx context.Context, group string) ([]string, error)
	FlushGroup(ctx context.Context, group string) error
}

// Cache scopes a Backend to one group. A nil Cache or nil backend
// behaves as an always-empty cache.
type Cache struct {
	backend Backend
	group   string
	logger  *zap.Logger
}

// New creates a cache for the given group
func New(backend Backend, group string, logger *zap.Logger) *Cache {
	return &Cache{
		backend: backend,
		group:   group,
		logger:  logger,
	}
}

func (c *Cache) enabled() bool {
	return c != nil && c.backend != nil
}

// Get returns the cached value and whether it was found
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if !c.enabled() {
		return nil, false
	}

	value, found, err := c.backend.Get(ctx, c.group, key)
	if err != nil {
		c.logger.Warn("cache get failed, treating as miss",
			zap.String("group", c.group),
			zap.String("key", key),
			zap.Error(err),
		)
		found = false
	}
	metrics.RecordCacheLookup(found)
	if !found {
		return nil, false
	}
	return value, true
}

// Set stores value for ttl and reports whether the write succeeded
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if !c.enabled() {
		return false
	}

	if err := c.backend.Set(ctx, c.group, key, value, ttl); err != nil {
		c.logger.Warn("cache set failed",
			zap.String("group", c.group),
			zap.String("key", key),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Delete removes a single key
func (c *Cache) Delete(ctx context.Context, key string) bool {
	if !c.enabled() {
		return false
	}

	if err := c.backend.Delete(ctx, c.group, key); err != nil {
		c.logger.Warn("cache delete failed",
			zap.String("group", c.group),
			zap.String("key", key),
			zap.Error(err),
		)
		return false
	}
	return true
}

// DeleteByPrefix removes every key starting with prefix using the
// group's key index. When the index cannot be read the whole group is
// flushed instead, which also evicts unrelated keys.
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) bool {
	if !c.enabled() {
		return false
	}

	keys, err := c.backend.Keys(ctx, c.group)
	if err != nil {
		c.logger.Warn("cache key index unavailable, flushing group",
			zap.String("group", c.group),
			zap.String("prefix", prefix),
			zap.Error(err),
		)
		return c.Flush(ctx)
	}

	matched := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	if len(matched) == 0 {
		return true
	}

	if err := c.backend.Delete(ctx, c.group, matched...); err != nil {
		c.logger.Warn("cache prefix delete failed, flushing group",
			zap.String("group", c.group),
			zap.String("prefix", prefix),
			zap.Error(err),
		)
		return c.Flush(ctx)
	}
	return true
}

// Flush evicts the whole group
func (c *Cache) Flush(ctx context.Context) bool {
	if !c.enabled() {
		return false
	}

	if err := c.backend.FlushGroup(ctx, c.group); err != nil {
		c.logger.Error("cache group flush failed",
			zap.String("group", c.group),
			zap.Error(err),
		)
		return false
	}
	return true
}

// GetOrCompute returns the cached value or calls fn and caches its
// result. Concurrent misses may each call fn. Errors from fn are
// returned and nothing is cached.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	if value, ok := c.Get(ctx, key); ok {
		return value, nil
	}

	value, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	c.Set(ctx, key, value, ttl)
	return value, nil
}
