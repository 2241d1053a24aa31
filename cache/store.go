// Package cache provides the value objects and contracts shared by the
// two-tier caching engine: validated TTLs, invalidation tags, key
// composition, the serialized entry envelope, the remote store driver
// contract, and the local eviction strategy contract.
//
// The engine itself lives in the tier package; the Redis-backed remote
// store lives in cache/redis.
package cache

import (
	"context"
	"time"
)

// Store is the contract for the remote (L2) tier. Implementations wrap a
// networked key-value driver and must be safe for concurrent use.
//
// The store is authoritative: the local tier only ever caches values that
// were first written here. Tag indices are maintained server-side, one
// set of member keys per tag, and may reference keys that have since
// expired (deleting a missing member is a no-op).
type Store interface {
	// Get retrieves raw entry bytes. Returns ErrNotFound on miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores raw entry bytes with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys, returning how many existed. Missing keys are
	// skipped silently (idempotent).
	Delete(ctx context.Context, keys ...string) (int64, error)

	// GetMany retrieves multiple keys in one round trip. Missing keys are
	// absent from the result map; a miss is not an error.
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)

	// SetMany stores multiple entries with a shared TTL.
	SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error

	// Exists reports whether a key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// DeleteByPrefix removes every key matching the given prefix,
	// returning the number deleted. Used by Clear when the engine owns a
	// namespace; implementations should iterate incrementally rather than
	// blocking the server.
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)

	// AddTagMembers records keys as members of a tag's server-side index.
	// The index TTL must be at least the longest member entry TTL so the
	// index never outlives usefulness while still being bounded.
	AddTagMembers(ctx context.Context, tag Tag, indexTTL time.Duration, keys ...string) error

	// InvalidateTag atomically deletes every member key of the tag's index
	// along with the index itself, returning the number of member keys
	// actually deleted. Atomic with respect to concurrent AddTagMembers
	// calls on the same tag.
	InvalidateTag(ctx context.Context, tag Tag) (int64, error)

	// Health checks store connectivity. Should be fast and safe to call
	// frequently.
	Health(ctx context.Context) error

	// Stats returns driver statistics for observability.
	Stats() (map[string]any, error)

	// Close releases the underlying connection. The store must not be
	// used afterwards.
	Close() error
}

// EvictionStrategy tracks which local-tier keys are cold. It is a pure
// policy: it never stores values and never deletes anything itself - the
// coordinator owning the local tier asks for victims and performs the
// actual removal. This keeps policy substitutable (LRU today, LFU
// tomorrow) without touching storage code.
//
// Implementations are not required to be goroutine-safe; the coordinator
// serializes access.
type EvictionStrategy interface {
	// RecordInsert notes a newly cached key as most recently used.
	RecordInsert(key string)

	// RecordAccess refreshes a key's recency. Unknown keys are ignored.
	RecordAccess(key string)

	// RecordDelete forgets a key. Unknown keys are ignored.
	RecordDelete(key string)

	// SelectVictim returns the current eviction candidate without
	// removing it. ok is false when no keys are tracked.
	SelectVictim() (key string, ok bool)

	// Victims returns, oldest first, exactly the keys that must be
	// evicted to bring the tracked size down to targetSize. Empty when
	// already at or below target.
	Victims(targetSize int) []string

	// Size returns the number of tracked keys.
	Size() int

	// Clear forgets all keys.
	Clear()
}

// Loader computes a value on a cache miss. Loaders are supplied by
// callers, may block, and may fail; the coordinator guarantees at most
// one invocation per key is in flight at a time.
type Loader func(ctx context.Context) ([]byte, error)
