package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheBackend stores cache entries in Redis. Every group keeps a SET
// of its logical keys for prefix deletes, and a generation counter that
// is part of every value key, so flushing a group is a single INCR.
type CacheBackend struct {
	client *Client
}

// NewCacheBackend creates a Redis-backed cache backend.
func NewCacheBackend(client *Client) *CacheBackend {
	return &CacheBackend{client: client}
}

func genKey(group string) string {
	return fmt.Sprintf("cache:%s:gen", group)
}

func indexKey(group string) string {
	return fmt.Sprintf("cache:%s:keys", group)
}

func valueKey(group string, gen int64, key string) string {
	return fmt.Sprintf("cache:%s:%d:%s", group, gen, key)
}

func (b *CacheBackend) generation(ctx context.Context, group string) (int64, error) {
	gen, err := b.client.rdb.Get(ctx, genKey(group)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get generation failed: %w", err)
	}
	return gen, nil
}

// Get returns the value for key; a missing key is not an error.
func (b *CacheBackend) Get(ctx context.Context, group, key string) ([]byte, bool, error) {
	gen, err := b.generation(ctx, group)
	if err != nil {
		return nil, false, err
	}

	val, err := b.client.rdb.Get(ctx, valueKey(group, gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return val, true, nil
}

// Set stores the value and records the key in the group index.
func (b *CacheBackend) Set(ctx context.Context, group, key string, value []byte, ttl time.Duration) error {
	gen, err := b.generation(ctx, group)
	if err != nil {
		return err
	}

	pipe := b.client.rdb.TxPipeline()
	pipe.Set(ctx, valueKey(group, gen, key), value, ttl)
	pipe.SAdd(ctx, indexKey(group), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete removes keys and their index entries.
func (b *CacheBackend) Delete(ctx context.Context, group string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	gen, err := b.generation(ctx, group)
	if err != nil {
		return err
	}

	valueKeys := make([]string, len(keys))
	members := make([]interface{}, len(keys))
	for i, key := range keys {
		valueKeys[i] = valueKey(group, gen, key)
		members[i] = key
	}

	pipe := b.client.rdb.TxPipeline()
	pipe.Del(ctx, valueKeys...)
	pipe.SRem(ctx, indexKey(group), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Keys lists the group's live keys. Index members whose value has
// expired are dropped from the index on the way.
func (b *CacheBackend) Keys(ctx context.Context, group string) ([]string, error) {
	keys, err := b.client.rdb.SMembers(ctx, indexKey(group)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}
	if len(keys) == 0 {
		return keys, nil
	}

	gen, err := b.generation(ctx, group)
	if err != nil {
		return nil, err
	}

	pipe := b.client.rdb.Pipeline()
	exists := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		exists[i] = pipe.Exists(ctx, valueKey(group, gen, key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis exists failed: %w", err)
	}

	live := keys[:0]
	var stale []interface{}
	for i, key := range keys {
		if exists[i].Val() > 0 {
			live = append(live, key)
			continue
		}
		stale = append(stale, key)
	}
	if len(stale) > 0 {
		if err := b.client.rdb.SRem(ctx, indexKey(group), stale...).Err(); err != nil {
			return nil, fmt.Errorf("redis srem failed: %w", err)
		}
	}
	return live, nil
}

// FlushGroup orphans every value in the group by bumping its generation.
// Orphaned values expire on their own TTL.
func (b *CacheBackend) FlushGroup(ctx context.Context, group string) error {
	pipe := b.client.rdb.TxPipeline()
	pipe.Incr(ctx, genKey(group))
	pipe.Del(ctx, indexKey(group))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis flush group failed: %w", err)
	}
	return nil
}
