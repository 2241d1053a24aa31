// Package tier implements the two-tier caching engine: a size-bounded
// in-process tier (L1) in front of an authoritative remote tier (L2),
// with request coalescing so that concurrent misses for one key execute
// its loader exactly once, optional stale-while-revalidate serving, and
// tag-based bulk invalidation.
//
// The local tier is strictly a cache of the remote tier. Writes go remote
// first, local second, so the local tier can never hold a value that
// failed to persist remotely.
package tier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gaborage/tiercache/cache"
	"github.com/gaborage/tiercache/cache/lru"
	"github.com/gaborage/tiercache/internal/tracking"
	"github.com/gaborage/tiercache/logger"
)

// Sentinel errors for coordinator outcomes.
var (
	// ErrLoaderTimeout is returned to a waiter whose WaitTimeout lapsed
	// while another caller's loader was still in flight. The loader keeps
	// running for the benefit of other callers.
	ErrLoaderTimeout = errors.New("tier: timed out waiting for in-flight loader")

	// ErrNilLoader is returned when GetOrSet is called without a loader.
	ErrNilLoader = errors.New("tier: loader is required")

	// ErrNoTTL is returned when neither the operation nor the engine
	// configuration supplies a TTL.
	ErrNoTTL = errors.New("tier: ttl is required (no default configured)")
)

// Options carries per-operation cache directives.
type Options struct {
	// TTL for the entry. Falls back to the engine's DefaultTTL when zero.
	TTL cache.TTL

	// Tags to attach for bulk invalidation.
	Tags []cache.Tag

	// Stale enables stale-while-revalidate for this key: a copy of the
	// value is retained for this long past expiry and served immediately
	// to callers while a single background refresh runs. Zero disables.
	Stale time.Duration

	// WaitTimeout caps how long a coalesced caller waits for another
	// caller's loader. Zero means wait until the loader settles or the
	// caller's context is done.
	WaitTimeout time.Duration
}

// Config configures the engine.
type Config struct {
	// Store is the remote tier driver. Required.
	Store cache.Store

	// Strategy is the local eviction policy (default: LRU).
	Strategy cache.EvictionStrategy

	// LocalSize bounds the number of locally cached keys
	// (default: cache.DefaultLocalSize).
	LocalSize int

	// DefaultTTL applies when an operation carries no TTL. Optional;
	// when unset, operations must supply their own.
	DefaultTTL cache.TTL

	// Namespace, when set, is the literal key prefix the engine owns.
	// Clear uses it to remove remote entries; without it Clear only
	// empties the local tier.
	Namespace string

	// Logger for engine diagnostics (default: no-op).
	Logger logger.Logger
}

// Cache is the two-tier caching engine.
type Cache struct {
	store      cache.Store
	log        logger.Logger
	localSize  int
	defaultTTL cache.TTL
	namespace  string

	// mu guards the local tier: values, eviction strategy, and the
	// tag -> local-keys index used to mirror tag invalidation locally.
	mu       sync.Mutex
	local    map[string]cache.Entry
	strategy cache.EvictionStrategy
	tagged   map[string]map[string]struct{}

	// flightMu guards the per-key in-flight loader registry.
	flightMu sync.Mutex
	flights  map[string]*flight
}

// New creates an engine over the given remote store.
func New(cfg Config) (*Cache, error) {
	if cfg.Store == nil {
		return nil, errors.New("tier: store is required")
	}

	strategy := cfg.Strategy
	if strategy == nil {
		strategy = lru.New()
	}

	localSize := cfg.LocalSize
	if localSize <= 0 {
		localSize = cache.DefaultLocalSize
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NoOp()
	}

	return &Cache{
		store:      cfg.Store,
		log:        log,
		localSize:  localSize,
		defaultTTL: cfg.DefaultTTL,
		namespace:  cfg.Namespace,
		local:      make(map[string]cache.Entry),
		strategy:   strategy,
		tagged:     make(map[string]map[string]struct{}),
		flights:    make(map[string]*flight),
	}, nil
}

// Get returns the cached value for key, consulting the local tier first
// and backfilling it on a remote hit. Returns cache.ErrNotFound on a full
// miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if entry, ok := c.lookupLocal(key); ok {
		tracking.RecordLookup(ctx, tracking.TierLocal, true)
		return entry.Value, nil
	}
	tracking.RecordLookup(ctx, tracking.TierLocal, false)

	entry, err := c.lookupRemote(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			tracking.RecordLookup(ctx, tracking.TierRemote, false)
		}
		return nil, err
	}

	tracking.RecordLookup(ctx, tracking.TierRemote, true)
	c.admit(key, entry)
	return entry.Value, nil
}

// Set stores a value through both tiers: remote first, then local.
func (c *Cache) Set(ctx context.Context, key string, value []byte, opts Options) error {
	ttl, err := c.resolveTTL(opts)
	if err != nil {
		return err
	}

	entry := cache.NewEntry(value, ttl, opts.Tags)
	if err := c.writeRemote(ctx, key, entry, ttl, opts); err != nil {
		return err
	}

	c.admit(key, entry)
	return nil
}

// Delete removes a single key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	_, err := c.DeleteMany(ctx, []string{key})
	return err
}

// DeleteMany removes keys from both tiers, returning how many existed
// remotely. Retained stale copies are removed best-effort.
func (c *Cache) DeleteMany(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	deleted, err := c.store.Delete(ctx, keys...)
	if err != nil {
		return 0, err
	}

	staleKeys := make([]string, len(keys))
	for i, key := range keys {
		staleKeys[i] = key + cache.StaleSuffix
	}
	if _, serr := c.store.Delete(ctx, staleKeys...); serr != nil {
		c.log.Warn().Err(serr).Msg("failed to delete stale copies")
	}

	c.mu.Lock()
	for _, key := range keys {
		c.removeLocalLocked(key)
	}
	c.mu.Unlock()

	return deleted, nil
}

// InvalidateTags atomically removes, per tag, every remote entry carrying
// the tag, then evicts the matching local keys. Returns the total number
// of remote keys deleted. Stops at the first store failure so at-least-
// once event delivery can retry.
func (c *Cache) InvalidateTags(ctx context.Context, tags []cache.Tag) (int64, error) {
	var total int64
	for _, tag := range cache.NormalizeTags(tags) {
		deleted, err := c.store.InvalidateTag(ctx, tag)
		if err != nil {
			tracking.RecordInvalidation(ctx, "error", total)
			return total, err
		}
		total += deleted
		c.evictLocalTag(tag)
	}

	tracking.RecordInvalidation(ctx, "ok", total)
	return total, nil
}

// Clear empties the local tier. When the engine owns a namespace it also
// removes the namespace's remote keys; otherwise remote entries are left
// to expire by TTL.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.local = make(map[string]cache.Entry)
	c.tagged = make(map[string]map[string]struct{})
	c.strategy.Clear()
	c.mu.Unlock()

	if c.namespace == "" {
		return nil
	}

	deleted, err := c.store.DeleteByPrefix(ctx, c.namespace)
	if err != nil {
		return err
	}
	c.log.Info().Int64("deleted", deleted).Str("namespace", c.namespace).Msg("cleared remote namespace")
	return nil
}

// Health checks the remote tier.
func (c *Cache) Health(ctx context.Context) error {
	return c.store.Health(ctx)
}

// Store exposes the remote tier driver for collaborators that keep their
// own bookkeeping there, such as the invalidation pipeline's dedup
// markers.
func (c *Cache) Store() cache.Store {
	return c.store
}

// Stats returns engine statistics merged with remote driver statistics.
func (c *Cache) Stats() map[string]any {
	c.mu.Lock()
	localKeys := len(c.local)
	c.mu.Unlock()

	c.flightMu.Lock()
	inFlight := len(c.flights)
	c.flightMu.Unlock()

	stats := map[string]any{
		"local_keys":       localKeys,
		"local_max":        c.localSize,
		"loaders_inflight": inFlight,
	}

	if storeStats, err := c.store.Stats(); err == nil {
		for k, v := range storeStats {
			stats["store_"+k] = v
		}
	}

	return stats
}

// resolveTTL applies the engine default when the operation carries none.
func (c *Cache) resolveTTL(opts Options) (cache.TTL, error) {
	if !opts.TTL.IsZero() {
		return opts.TTL, nil
	}
	if !c.defaultTTL.IsZero() {
		return c.defaultTTL, nil
	}
	return cache.TTL{}, ErrNoTTL
}

// lookupLocal returns a fresh local entry, refreshing its recency.
// Entries found past their TTL are dropped on the spot.
func (c *Cache) lookupLocal(key string) (cache.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.local[key]
	if !ok {
		return cache.Entry{}, false
	}

	if !entry.Fresh(time.Now()) {
		c.removeLocalLocked(key)
		return cache.Entry{}, false
	}

	c.strategy.RecordAccess(key)
	return entry, true
}

// lookupRemote fetches and decodes the remote entry. Presence implies
// freshness: the remote TTL is authoritative.
func (c *Cache) lookupRemote(ctx context.Context, key string) (cache.Entry, error) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		return cache.Entry{}, err
	}

	entry, err := cache.DecodeEntry(data)
	if err != nil {
		// Corrupt payload: treat as a miss so a loader can repair it.
		c.log.Warn().Err(err).Str("key", key).Msg("undecodable cache entry, treating as miss")
		return cache.Entry{}, cache.ErrNotFound
	}

	return entry, nil
}

// admit places an entry in the local tier, records it with the eviction
// strategy, indexes its tags, and evicts victims beyond the size bound.
func (c *Cache) admit(key string, entry cache.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.local[key]; exists {
		c.removeTagRefsLocked(key, c.local[key])
	}

	c.local[key] = entry
	c.strategy.RecordInsert(key)
	for _, tag := range entry.Tags {
		set, ok := c.tagged[tag]
		if !ok {
			set = make(map[string]struct{})
			c.tagged[tag] = set
		}
		set[key] = struct{}{}
	}

	for _, victim := range c.strategy.Victims(c.localSize) {
		c.removeLocalLocked(victim)
	}
}

// removeLocalLocked drops a key from the local tier and every index.
// Must be called with mu held.
func (c *Cache) removeLocalLocked(key string) {
	entry, ok := c.local[key]
	if !ok {
		return
	}
	c.removeTagRefsLocked(key, entry)
	delete(c.local, key)
	c.strategy.RecordDelete(key)
}

// removeTagRefsLocked unindexes a key from its tags. Must be called with
// mu held.
func (c *Cache) removeTagRefsLocked(key string, entry cache.Entry) {
	for _, tag := range entry.Tags {
		if set, ok := c.tagged[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.tagged, tag)
			}
		}
	}
}

// evictLocalTag drops every local key indexed under tag.
func (c *Cache) evictLocalTag(tag cache.Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.tagged[tag.String()] {
		c.removeLocalLocked(key)
	}
}

// writeRemote persists an entry: the entry itself, its retained stale
// copy when SWR is requested, and its tag index memberships. The stale
// copy is bookkeeping and fails open; entry and tag writes fail closed.
func (c *Cache) writeRemote(ctx context.Context, key string, entry cache.Entry, ttl cache.TTL, opts Options) error {
	data, err := cache.EncodeEntry(entry)
	if err != nil {
		return err
	}

	if err := c.store.Set(ctx, key, data, ttl.Duration()); err != nil {
		return err
	}

	members := []string{key}
	if opts.Stale > 0 {
		staleKey := key + cache.StaleSuffix
		if serr := c.store.Set(ctx, staleKey, data, ttl.Duration()+opts.Stale); serr != nil {
			c.log.Warn().Err(serr).Str("key", key).Msg("failed to retain stale copy")
		} else {
			members = append(members, staleKey)
		}
	}

	// Index TTL covers the entry plus any stale window so the index never
	// expires before its members.
	indexTTL := ttl.Duration() + opts.Stale
	for _, tag := range cache.NormalizeTags(tagsOf(entry)) {
		if err := c.store.AddTagMembers(ctx, tag, indexTTL, members...); err != nil {
			return err
		}
	}

	return nil
}

// tagsOf reconstructs Tag values from an entry's stored tag strings.
// Stored tags were normalized on entry construction, so this cannot fail
// in practice; unparseable tags are skipped.
func tagsOf(entry cache.Entry) []cache.Tag {
	if len(entry.Tags) == 0 {
		return nil
	}
	tags := make([]cache.Tag, 0, len(entry.Tags))
	for _, raw := range entry.Tags {
		if tag, err := cache.NewTag(raw); err == nil {
			tags = append(tags, tag)
		}
	}
	return tags
}
