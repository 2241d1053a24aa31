package invalidation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gaborage/tiercache/cache"
	"github.com/gaborage/tiercache/logger"
	"github.com/gaborage/tiercache/tier"
)

// Skip reasons carried in Result.SkipReason.
const (
	SkipDuplicate       = "duplicate"
	SkipNoMatchingRules = "no_matching_rules"
)

// Result records one invalidation attempt. A Result is always produced,
// even when the event was skipped; it is never persisted beyond the
// remote dedup marker.
type Result struct {
	Event            string
	EventID          string
	TagsInvalidated  []string
	KeysInvalidated  []string
	TotalKeysDeleted int64
	Duration         time.Duration
	Skipped          bool
	SkipReason       string
}

// Handler observes invalidation results. Handlers run synchronously after
// each processed event; a panicking handler is isolated and does not
// affect other handlers or the caller.
type Handler func(Result)

// PipelineConfig configures the event invalidation pipeline.
type PipelineConfig struct {
	// Cache is the engine invalidations run against. Required.
	Cache *tier.Cache

	// Registry resolves events to tags and keys. Required.
	Registry *Registry

	// DedupWindow is how long a processed event digest is remembered
	// (default: cache.DefaultDedupWindow).
	DedupWindow time.Duration

	// Logger for pipeline diagnostics (default: no-op).
	Logger logger.Logger
}

// Pipeline consumes invalidation events, deduplicates them against a
// remote marker, resolves them through the registry, and triggers tag and
// key invalidation.
//
// Deduplication is fail-open on bookkeeping: a marker read or write
// failure means an event may occasionally be reprocessed, which the
// engine prefers over silently dropping a legitimate invalidation.
// Invalidation itself is fail-closed: a store failure propagates to the
// caller unmarked, so an at-least-once transport will redeliver and
// retry.
type Pipeline struct {
	cache       *tier.Cache
	registry    *Registry
	dedupWindow time.Duration
	log         logger.Logger

	mu       sync.RWMutex
	handlers []Handler
}

// NewPipeline creates a pipeline over the given engine and registry.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Cache == nil {
		return nil, errors.New("invalidation: cache is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("invalidation: registry is required")
	}

	window := cfg.DedupWindow
	if window <= 0 {
		window = cache.DefaultDedupWindow
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NoOp()
	}

	return &Pipeline{
		cache:       cfg.Cache,
		registry:    cfg.Registry,
		dedupWindow: window,
		log:         log,
	}, nil
}

// Subscribe registers a handler for invalidation results and returns an
// unsubscribe function.
func (p *Pipeline) Subscribe(h Handler) func() {
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	index := len(p.handlers) - 1
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if index < len(p.handlers) {
			p.handlers[index] = nil
		}
	}
}

// Emit processes an event originating inside the process, stamping it
// with a generated event ID for traceability.
func (p *Pipeline) Emit(ctx context.Context, event string, payload map[string]any) (Result, error) {
	return p.process(ctx, event, uuid.NewString(), payload)
}

// ProcessEvent is the sole entry point for externally delivered events.
func (p *Pipeline) ProcessEvent(ctx context.Context, event string, payload map[string]any) (Result, error) {
	return p.process(ctx, event, "", payload)
}

func (p *Pipeline) process(ctx context.Context, event, eventID string, payload map[string]any) (Result, error) {
	start := time.Now()

	result := Result{Event: event, EventID: eventID}

	digest, err := EventDigest(event, payload)
	if err != nil {
		return result, fmt.Errorf("invalidation: cannot digest event %q: %w", event, err)
	}
	markerKey := cache.EventMarkerPrefix + digest

	if p.isDuplicate(ctx, markerKey) {
		result.Skipped = true
		result.SkipReason = SkipDuplicate
		result.Duration = time.Since(start)
		p.notify(result)
		return result, nil
	}

	resolution := p.registry.Resolve(event, payload)
	if len(resolution.Tags) == 0 && len(resolution.Keys) == 0 {
		result.Skipped = true
		result.SkipReason = SkipNoMatchingRules
		result.Duration = time.Since(start)
		p.notify(result)
		return result, nil
	}

	// Invalidation is fail-closed: errors return unmarked so redelivery
	// retries the whole event.
	if len(resolution.Tags) > 0 {
		deleted, terr := p.cache.InvalidateTags(ctx, resolution.Tags)
		result.TotalKeysDeleted += deleted
		if terr != nil {
			result.Duration = time.Since(start)
			return result, terr
		}
		result.TagsInvalidated = cache.TagStrings(resolution.Tags)
	}

	if len(resolution.Keys) > 0 {
		deleted, kerr := p.cache.DeleteMany(ctx, resolution.Keys)
		result.TotalKeysDeleted += deleted
		if kerr != nil {
			result.Duration = time.Since(start)
			return result, kerr
		}
		result.KeysInvalidated = resolution.Keys
	}

	p.markProcessed(ctx, markerKey)

	result.Duration = time.Since(start)
	p.log.Debug().
		Str("event", event).
		Int64("keys_deleted", result.TotalKeysDeleted).
		Dur("duration", result.Duration).
		Msg("invalidation event processed")

	p.notify(result)
	return result, nil
}

// isDuplicate checks the remote dedup marker. A check failure reads as
// "not a duplicate" (fail-open) and is logged.
func (p *Pipeline) isDuplicate(ctx context.Context, markerKey string) bool {
	exists, err := p.cache.Store().Exists(ctx, markerKey)
	if err != nil {
		p.log.Warn().Err(err).Str("marker", markerKey).Msg("dedup check failed, treating event as new")
		return false
	}
	return exists
}

// markProcessed writes the dedup marker. A write failure is logged but
// never fails the operation: the invalidation itself already happened.
func (p *Pipeline) markProcessed(ctx context.Context, markerKey string) {
	if err := p.cache.Store().Set(ctx, markerKey, []byte("1"), p.dedupWindow); err != nil {
		p.log.Warn().Err(err).Str("marker", markerKey).Msg("failed to write dedup marker, event may be reprocessed")
	}
}

// notify delivers the result to every subscribed handler, isolating
// panics per handler.
func (p *Pipeline) notify(result Result) {
	p.mu.RLock()
	handlers := make([]Handler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error().Interface("panic", r).Msg("invalidation handler panicked")
				}
			}()
			h(result)
		}()
	}
}

// EventDigest computes a stable digest over an event and its payload.
// Canonical CBOR encoding sorts map keys, so logically equal payloads
// always produce the same digest regardless of construction order.
func EventDigest(event string, payload map[string]any) (string, error) {
	data, err := cache.Marshal(struct {
		Event   string         `cbor:"1,keyasint"`
		Payload map[string]any `cbor:"2,keyasint,omitempty"`
	}{Event: event, Payload: payload})
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
