// Package redis implements the remote (L2) tier of the caching engine on
// top of github.com/redis/go-redis/v9. Entries are stored as opaque bytes
// under the caller's key; each tag is backed by a server-side set of
// member keys so that tag invalidation can run as one atomic script.
package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaborage/tiercache/cache"
	"github.com/gaborage/tiercache/internal/tracking"
)

// invalidateTagScript atomically reads a tag index's member keys, deletes
// the members, deletes the index itself, and returns the number of member
// keys that actually existed. Running server-side closes the race where a
// concurrent SET adds a member to an index that is about to be wiped:
// either the new member lands before SMEMBERS and is deleted with the
// rest, or it lands after and survives as a tag-less entry, which the
// engine tolerates. DEL is issued in bounded batches to stay under Lua's
// unpack limit for very large indices.
var invalidateTagScript = redis.NewScript(`
local index_key = KEYS[1]
local members = redis.call('SMEMBERS', index_key)
local deleted = 0
for i = 1, #members, 500 do
	local stop = math.min(i + 499, #members)
	deleted = deleted + redis.call('DEL', unpack(members, i, stop))
end
redis.call('DEL', index_key)
return deleted
`)

// Store implements cache.Store backed by Redis.
type Store struct {
	client *redis.Client
	config *Config
	closed atomic.Bool
}

// Compile-time interface check.
var _ cache.Store = (*Store)(nil)

// New creates a Redis-backed store. Validates configuration and verifies
// connectivity with a PING before returning.
func New(cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Address(),
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, cache.NewConnectionError("ping", cfg.Address(), err)
	}

	return &Store{client: client, config: cfg}, nil
}

// Get retrieves raw entry bytes. Returns cache.ErrNotFound on miss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, cache.ErrClosed
	}

	start := time.Now()
	result, err := s.client.Get(ctx, key).Bytes()
	tracking.RecordOperation(ctx, tracking.OpGet, time.Since(start), err)

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, cache.ErrNotFound
		}
		return nil, cache.NewOperationError("get", key, err)
	}

	return result, nil
}

// Set stores raw entry bytes with the given TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.closed.Load() {
		return cache.ErrClosed
	}

	start := time.Now()
	err := s.client.Set(ctx, key, value, ttl).Err()
	tracking.RecordOperation(ctx, tracking.OpSet, time.Since(start), err)

	if err != nil {
		return cache.NewOperationError("set", key, err)
	}

	return nil
}

// Delete removes keys, returning how many existed. Idempotent: missing
// keys are skipped silently.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if s.closed.Load() {
		return 0, cache.ErrClosed
	}
	if len(keys) == 0 {
		return 0, nil
	}

	start := time.Now()
	deleted, err := s.client.Del(ctx, keys...).Result()
	tracking.RecordOperation(ctx, tracking.OpDelete, time.Since(start), err)

	if err != nil {
		return 0, cache.NewOperationError("delete", keys[0], err)
	}

	return deleted, nil
}

// GetMany retrieves multiple keys with a single MGET. Missing keys are
// absent from the result map.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if s.closed.Load() {
		return nil, cache.ErrClosed
	}
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	start := time.Now()
	values, err := s.client.MGet(ctx, keys...).Result()
	tracking.RecordOperation(ctx, tracking.OpGetMany, time.Since(start), err)

	if err != nil {
		return nil, cache.NewOperationError("mget", keys[0], err)
	}

	result := make(map[string][]byte, len(keys))
	for i, value := range values {
		if value == nil {
			continue
		}
		if str, ok := value.(string); ok {
			result[keys[i]] = []byte(str)
		}
	}

	return result, nil
}

// SetMany stores multiple entries with a shared TTL. Uses a pipeline
// because MSET cannot carry per-key expirations.
func (s *Store) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if s.closed.Load() {
		return cache.ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}

	start := time.Now()
	pipe := s.client.Pipeline()
	for key, value := range entries {
		pipe.Set(ctx, key, value, ttl)
	}
	_, err := pipe.Exec(ctx)
	tracking.RecordOperation(ctx, tracking.OpSetMany, time.Since(start), err)

	if err != nil {
		return cache.NewOperationError("mset", "", err)
	}

	return nil
}

// Exists reports whether a key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if s.closed.Load() {
		return false, cache.ErrClosed
	}

	start := time.Now()
	count, err := s.client.Exists(ctx, key).Result()
	tracking.RecordOperation(ctx, tracking.OpExists, time.Since(start), err)

	if err != nil {
		return false, cache.NewOperationError("exists", key, err)
	}

	return count > 0, nil
}

// DeleteByPrefix removes every key matching prefix using an incremental
// SCAN so large namespaces don't block the server the way KEYS would.
func (s *Store) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	if s.closed.Load() {
		return 0, cache.ErrClosed
	}
	if prefix == "" {
		return 0, cache.NewValidationError("prefix", prefix, "must not be empty")
	}

	start := time.Now()
	var deleted int64

	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			n, err := s.client.Del(ctx, batch...).Result()
			if err != nil {
				return deleted, cache.NewOperationError("delete_by_prefix", prefix, err)
			}
			deleted += n
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		tracking.RecordOperation(ctx, tracking.OpDelete, time.Since(start), err)
		return deleted, cache.NewOperationError("delete_by_prefix", prefix, err)
	}
	if len(batch) > 0 {
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return deleted, cache.NewOperationError("delete_by_prefix", prefix, err)
		}
		deleted += n
	}

	tracking.RecordOperation(ctx, tracking.OpDelete, time.Since(start), nil)
	return deleted, nil
}

// AddTagMembers records keys in a tag's index set and refreshes the index
// TTL. SADD and EXPIRE run in one pipeline round trip.
func (s *Store) AddTagMembers(ctx context.Context, tag cache.Tag, indexTTL time.Duration, keys ...string) error {
	if s.closed.Load() {
		return cache.ErrClosed
	}
	if len(keys) == 0 {
		return nil
	}

	indexKey := TagIndexKey(tag)
	members := make([]any, len(keys))
	for i, key := range keys {
		members[i] = key
	}

	start := time.Now()
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, indexKey, members...)
	if indexTTL > 0 {
		pipe.Expire(ctx, indexKey, indexTTL)
	}
	_, err := pipe.Exec(ctx)
	tracking.RecordOperation(ctx, tracking.OpAddTagMembers, time.Since(start), err)

	if err != nil {
		return cache.NewOperationError("sadd", indexKey, err)
	}

	return nil
}

// InvalidateTag atomically deletes the tag's member keys and its index,
// returning the number of member keys deleted. Members that already
// expired simply don't count.
func (s *Store) InvalidateTag(ctx context.Context, tag cache.Tag) (int64, error) {
	if s.closed.Load() {
		return 0, cache.ErrClosed
	}

	indexKey := TagIndexKey(tag)

	start := time.Now()
	deleted, err := invalidateTagScript.Run(ctx, s.client, []string{indexKey}).Int64()
	tracking.RecordOperation(ctx, tracking.OpInvalidateTag, time.Since(start), err)

	if err != nil {
		return 0, cache.NewOperationError("invalidate_tag", indexKey, err)
	}

	return deleted, nil
}

// Health checks Redis connectivity with a PING.
func (s *Store) Health(ctx context.Context) error {
	if s.closed.Load() {
		return cache.ErrClosed
	}

	start := time.Now()
	err := s.client.Ping(ctx).Err()
	tracking.RecordOperation(ctx, tracking.OpHealth, time.Since(start), err)

	if err != nil {
		return cache.NewConnectionError("ping", s.config.Address(), err)
	}

	return nil
}

// Stats returns connection pool statistics.
func (s *Store) Stats() (map[string]any, error) {
	if s.closed.Load() {
		return nil, cache.ErrClosed
	}

	poolStats := s.client.PoolStats()

	return map[string]any{
		"pool_hits":        poolStats.Hits,
		"pool_misses":      poolStats.Misses,
		"pool_timeouts":    poolStats.Timeouts,
		"pool_total_conns": poolStats.TotalConns,
		"pool_idle_conns":  poolStats.IdleConns,
		"pool_stale_conns": poolStats.StaleConns,
	}, nil
}

// Close closes the Redis client. Idempotent.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return cache.ErrClosed
	}
	return s.client.Close()
}

// TagIndexKey returns the Redis key holding a tag's member set.
func TagIndexKey(tag cache.Tag) string {
	return cache.TagIndexPrefix + tag.String()
}
