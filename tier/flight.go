package tier

import (
	"context"
	"errors"
	"time"

	"github.com/gaborage/tiercache/cache"
	"github.com/gaborage/tiercache/internal/tracking"
)

// flight is one in-flight loader execution shared by every concurrent
// caller of the same key. The leader settles it exactly once; followers
// await the done channel and read value/err afterwards (the channel close
// provides the happens-before edge).
type flight struct {
	done  chan struct{}
	value []byte
	err   error
}

// register returns the flight for key, creating it when absent. The
// second return is true for the caller that created it (the leader):
// check-and-register is atomic under flightMu, so exactly one caller
// leads per key.
func (c *Cache) register(key string) (*flight, bool) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()

	if f, ok := c.flights[key]; ok {
		return f, false
	}

	f := &flight{done: make(chan struct{})}
	c.flights[key] = f
	return f, true
}

// settle records the loader outcome and releases all waiters. The flight
// is removed from the registry before the done channel closes, so any
// caller arriving afterwards starts a fresh load - this is what returns a
// key to the absent state after a loader failure.
func (c *Cache) settle(key string, f *flight, value []byte, err error) {
	f.value = value
	f.err = err

	c.flightMu.Lock()
	delete(c.flights, key)
	c.flightMu.Unlock()

	close(f.done)
}

// GetOrSet returns the cached value for key, or computes it with loader
// on a full miss. Exactly one loader invocation is in flight per key at
// any time within the process: concurrent callers either wait for the
// leader's result or, when opts.Stale is set and a stale copy exists,
// receive the stale value immediately while the refresh proceeds in the
// background.
func (c *Cache) GetOrSet(ctx context.Context, key string, loader cache.Loader, opts Options) ([]byte, error) {
	if loader == nil {
		return nil, ErrNilLoader
	}

	ttl, err := c.resolveTTL(opts)
	if err != nil {
		return nil, err
	}

	if entry, ok := c.lookupLocal(key); ok {
		tracking.RecordLookup(ctx, tracking.TierLocal, true)
		return entry.Value, nil
	}
	tracking.RecordLookup(ctx, tracking.TierLocal, false)

	entry, rerr := c.lookupRemote(ctx, key)
	switch {
	case rerr == nil:
		tracking.RecordLookup(ctx, tracking.TierRemote, true)
		c.admit(key, entry)
		return entry.Value, nil
	case !errors.Is(rerr, cache.ErrNotFound):
		// A store failure on the read path is surfaced, not silently
		// degraded into a loader execution.
		return nil, rerr
	}
	tracking.RecordLookup(ctx, tracking.TierRemote, false)

	f, leader := c.register(key)
	if !leader {
		tracking.RecordCoalescedCaller(ctx)
		if opts.Stale > 0 {
			if stale, ok := c.staleValue(ctx, key); ok {
				return stale, nil
			}
		}
		return c.await(ctx, f, opts.WaitTimeout)
	}

	if opts.Stale > 0 {
		if stale, ok := c.staleValue(ctx, key); ok {
			// Serve the stale value now; refresh detached from the
			// caller's context so its cancellation cannot abort a load
			// other callers may be relying on.
			go func() {
				_, _ = c.loadAndSettle(context.WithoutCancel(ctx), key, f, loader, ttl, opts, true)
			}()
			return stale, nil
		}
	}

	return c.loadAndSettle(ctx, key, f, loader, ttl, opts, false)
}

// loadAndSettle executes the loader, writes through both tiers, and
// settles the flight. A write-back failure after a successful load does
// not discard the freshly computed value: the caller still gets it, and
// the inconsistency is logged.
func (c *Cache) loadAndSettle(ctx context.Context, key string, f *flight, loader cache.Loader, ttl cache.TTL, opts Options, background bool) ([]byte, error) {
	value, err := loader(ctx)
	if err != nil {
		c.settle(key, f, nil, err)
		if background {
			c.log.Warn().Err(err).Str("key", key).Msg("background refresh failed, stale value remains")
		}
		return nil, err
	}

	entry := cache.NewEntry(value, ttl, opts.Tags)
	if werr := c.writeRemote(ctx, key, entry, ttl, opts); werr != nil {
		c.log.Error().Err(werr).Str("key", key).Msg("write-back after loader success failed, cache inconsistent until next write")
		c.settle(key, f, value, nil)
		return value, nil
	}

	c.admit(key, entry)
	c.settle(key, f, value, nil)
	return value, nil
}

// await blocks until the shared flight settles, the caller's context is
// done, or the wait timeout lapses. Timing out never cancels the loader;
// it keeps running for the remaining waiters.
func (c *Cache) await(ctx context.Context, f *flight, waitTimeout time.Duration) ([]byte, error) {
	var timeout <-chan time.Time
	if waitTimeout > 0 {
		timer := time.NewTimer(waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return f.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, ErrLoaderTimeout
	}
}

// staleValue fetches the retained stale copy for key. Best-effort: any
// store or decode failure reads as "no stale value".
func (c *Cache) staleValue(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.store.Get(ctx, key+cache.StaleSuffix)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.log.Debug().Err(err).Str("key", key).Msg("stale copy lookup failed")
		}
		return nil, false
	}

	entry, err := cache.DecodeEntry(data)
	if err != nil {
		return nil, false
	}

	return entry.Value, true
}
