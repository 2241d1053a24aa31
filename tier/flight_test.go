package tier_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/tiercache/cache"
	cachetesting "github.com/gaborage/tiercache/cache/testing"
	"github.com/gaborage/tiercache/tier"
)

const (
	pollInterval = 2 * time.Millisecond
	pollDeadline = 2 * time.Second
)

// countingLoader returns a loader that counts invocations and optionally
// blocks on release until the test allows it to complete.
func countingLoader(calls *atomic.Int64, release <-chan struct{}, value []byte, err error) cache.Loader {
	return func(context.Context) ([]byte, error) {
		calls.Add(1)
		if release != nil {
			<-release
		}
		return value, err
	}
}

// seedStale plants a retained stale copy for key without a live entry,
// simulating an expired entry whose stale window is still open.
func seedStale(t *testing.T, store *cachetesting.MockStore, key string, value []byte) {
	t.Helper()

	entry := cache.NewEntry(value, cache.MustTTL(1), nil)
	entry.CreatedAt = time.Now().Add(-2 * time.Second)
	data, err := cache.EncodeEntry(entry)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), key+cache.StaleSuffix, data, time.Hour))
}

func inFlight(engine *tier.Cache) int {
	v, _ := engine.Stats()["loaders_inflight"].(int)
	return v
}

func TestGetOrSet(t *testing.T) {
	ctx := context.Background()

	t.Run("MissRunsLoaderAndCaches", func(t *testing.T) {
		engine, store := newEngine(t, tier.Config{})
		var calls atomic.Int64

		value, err := engine.GetOrSet(ctx, userKey, countingLoader(&calls, nil, []byte("loaded"), nil), tier.Options{TTL: minuteTTL})
		require.NoError(t, err)
		assert.Equal(t, []byte("loaded"), value)
		assert.Equal(t, int64(1), calls.Load())
		assert.Equal(t, 1, store.Len(), "loaded value must be written through")

		// Cached now: no further loader runs.
		value, err = engine.GetOrSet(ctx, userKey, countingLoader(&calls, nil, []byte("other"), nil), tier.Options{TTL: minuteTTL})
		require.NoError(t, err)
		assert.Equal(t, []byte("loaded"), value)
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("RemoteHitSkipsLoader", func(t *testing.T) {
		store := cachetesting.NewMockStore()
		writer, err := tier.New(tier.Config{Store: store})
		require.NoError(t, err)
		require.NoError(t, writer.Set(ctx, userKey, []byte("persisted"), tier.Options{TTL: minuteTTL}))

		reader, err := tier.New(tier.Config{Store: store})
		require.NoError(t, err)

		var calls atomic.Int64
		value, err := reader.GetOrSet(ctx, userKey, countingLoader(&calls, nil, []byte("never"), nil), tier.Options{TTL: minuteTTL})
		require.NoError(t, err)
		assert.Equal(t, []byte("persisted"), value)
		assert.Zero(t, calls.Load())
	})

	t.Run("NilLoaderRejected", func(t *testing.T) {
		engine, _ := newEngine(t, tier.Config{})
		_, err := engine.GetOrSet(ctx, userKey, nil, tier.Options{TTL: minuteTTL})
		assert.ErrorIs(t, err, tier.ErrNilLoader)
	})

	t.Run("TTLRequired", func(t *testing.T) {
		engine, _ := newEngine(t, tier.Config{})
		var calls atomic.Int64

		_, err := engine.GetOrSet(ctx, userKey, countingLoader(&calls, nil, []byte("v"), nil), tier.Options{})
		assert.ErrorIs(t, err, tier.ErrNoTTL)
		assert.Zero(t, calls.Load(), "loader must not run when the operation is invalid")
	})

	t.Run("StoreReadErrorSurfaces", func(t *testing.T) {
		engine, store := newEngine(t, tier.Config{})
		boom := errors.New("connection reset")
		store.FailGet(boom)

		var calls atomic.Int64
		_, err := engine.GetOrSet(ctx, userKey, countingLoader(&calls, nil, []byte("v"), nil), tier.Options{TTL: minuteTTL})
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, calls.Load(), "a store failure must not degrade into a loader run")
	})

	t.Run("WriteBackFailureStillReturnsValue", func(t *testing.T) {
		engine, store := newEngine(t, tier.Config{})
		store.FailSet(errors.New("redis down"))

		var calls atomic.Int64
		value, err := engine.GetOrSet(ctx, userKey, countingLoader(&calls, nil, []byte("computed"), nil), tier.Options{TTL: minuteTTL})
		require.NoError(t, err, "the freshly computed value is not discarded")
		assert.Equal(t, []byte("computed"), value)

		// Nothing was admitted locally either: the local tier never holds
		// a value the remote tier rejected.
		_, err = engine.Get(ctx, userKey)
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})
}

func TestStampedeCoalescing(t *testing.T) {
	ctx := context.Background()
	engine, store := newEngine(t, tier.Config{})

	const callers = 20
	var calls atomic.Int64
	release := make(chan struct{})
	loader := countingLoader(&calls, release, []byte("shared"), nil)

	results := make([][]byte, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.GetOrSet(ctx, userKey, loader, tier.Options{TTL: minuteTTL})
		}(i)
	}

	// Every caller performs exactly one remote lookup before joining the
	// flight; once all have missed remotely, they are coalesced behind the
	// single leader.
	require.Eventually(t, func() bool {
		return store.GetCalls() >= callers && inFlight(engine) == 1
	}, pollDeadline, pollInterval)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "exactly one loader invocation per key")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("shared"), results[i])
	}
}

func TestLoaderErrorPropagatesAndResetsKey(t *testing.T) {
	ctx := context.Background()
	engine, _ := newEngine(t, tier.Config{})
	boom := errors.New("upstream unavailable")

	var calls atomic.Int64
	_, err := engine.GetOrSet(ctx, userKey, countingLoader(&calls, nil, nil, boom), tier.Options{TTL: minuteTTL})
	assert.ErrorIs(t, err, boom)

	// Nothing was cached: the key is absent again.
	_, err = engine.Get(ctx, userKey)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	// A retry runs the loader afresh and succeeds.
	value, err := engine.GetOrSet(ctx, userKey, countingLoader(&calls, nil, []byte("recovered"), nil), tier.Options{TTL: minuteTTL})
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), value)
	assert.Equal(t, int64(2), calls.Load())
}

func TestConcurrentCallersShareLoaderError(t *testing.T) {
	ctx := context.Background()
	engine, store := newEngine(t, tier.Config{})
	boom := errors.New("load failed")

	const callers = 5
	var calls atomic.Int64
	release := make(chan struct{})
	loader := countingLoader(&calls, release, nil, boom)

	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.GetOrSet(ctx, userKey, loader, tier.Options{TTL: minuteTTL})
		}(i)
	}

	require.Eventually(t, func() bool {
		return store.GetCalls() >= callers && inFlight(engine) == 1
	}, pollDeadline, pollInterval)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for i := 0; i < callers; i++ {
		assert.ErrorIs(t, errs[i], boom)
	}
}

func TestWaitTimeout(t *testing.T) {
	ctx := context.Background()
	engine, _ := newEngine(t, tier.Config{})

	var calls atomic.Int64
	release := make(chan struct{})

	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		value, err := engine.GetOrSet(ctx, userKey, countingLoader(&calls, release, []byte("slow"), nil), tier.Options{TTL: minuteTTL})
		assert.NoError(t, err)
		assert.Equal(t, []byte("slow"), value)
	}()

	require.Eventually(t, func() bool { return inFlight(engine) == 1 }, pollDeadline, pollInterval)

	// The waiter gives up, but the shared loader is not cancelled.
	_, err := engine.GetOrSet(ctx, userKey, countingLoader(&calls, nil, nil, nil), tier.Options{TTL: minuteTTL, WaitTimeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, tier.ErrLoaderTimeout)

	close(release)
	<-leaderDone

	assert.Equal(t, int64(1), calls.Load(), "timing out must not start a second load")

	value, err := engine.Get(ctx, userKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("slow"), value, "the loader completed for everyone else")
}

func TestWaiterContextCancellation(t *testing.T) {
	engine, _ := newEngine(t, tier.Config{})

	var calls atomic.Int64
	release := make(chan struct{})
	go func() {
		_, _ = engine.GetOrSet(context.Background(), userKey, countingLoader(&calls, release, []byte("v"), nil), tier.Options{TTL: minuteTTL})
	}()
	require.Eventually(t, func() bool { return inFlight(engine) == 1 }, pollDeadline, pollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.GetOrSet(ctx, userKey, countingLoader(&calls, nil, nil, nil), tier.Options{TTL: minuteTTL})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return inFlight(engine) == 0 }, pollDeadline, pollInterval)
	assert.Equal(t, int64(1), calls.Load())
}

func TestStaleWhileRevalidate(t *testing.T) {
	ctx := context.Background()
	opts := tier.Options{TTL: minuteTTL, Stale: time.Minute}

	t.Run("ServesStaleAndRefreshesOnce", func(t *testing.T) {
		engine, store := newEngine(t, tier.Config{})
		seedStale(t, store, userKey, []byte("old"))

		var calls atomic.Int64
		value, err := engine.GetOrSet(ctx, userKey, countingLoader(&calls, nil, []byte("new"), nil), opts)
		require.NoError(t, err)
		assert.Equal(t, []byte("old"), value, "stale value served immediately")

		// The background refresh lands the fresh value.
		require.Eventually(t, func() bool {
			v, gerr := engine.Get(ctx, userKey)
			return gerr == nil && string(v) == "new"
		}, pollDeadline, pollInterval)
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("FollowersGetStaleDuringRefresh", func(t *testing.T) {
		engine, store := newEngine(t, tier.Config{})
		seedStale(t, store, userKey, []byte("old"))

		var calls atomic.Int64
		release := make(chan struct{})
		loader := countingLoader(&calls, release, []byte("new"), nil)

		value, err := engine.GetOrSet(ctx, userKey, loader, opts)
		require.NoError(t, err)
		assert.Equal(t, []byte("old"), value)
		require.Eventually(t, func() bool { return calls.Load() == 1 }, pollDeadline, pollInterval)

		// Refresh still in flight: another caller is served stale too,
		// without waiting and without a second loader.
		value, err = engine.GetOrSet(ctx, userKey, loader, opts)
		require.NoError(t, err)
		assert.Equal(t, []byte("old"), value)

		close(release)
		require.Eventually(t, func() bool {
			v, gerr := engine.Get(ctx, userKey)
			return gerr == nil && string(v) == "new"
		}, pollDeadline, pollInterval)
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("RefreshFailureKeepsStale", func(t *testing.T) {
		engine, store := newEngine(t, tier.Config{})
		seedStale(t, store, userKey, []byte("old"))

		var calls atomic.Int64
		value, err := engine.GetOrSet(ctx, userKey, countingLoader(&calls, nil, nil, errors.New("refresh failed")), opts)
		require.NoError(t, err, "a failed background refresh never reaches the caller")
		assert.Equal(t, []byte("old"), value)

		require.Eventually(t, func() bool { return inFlight(engine) == 0 }, pollDeadline, pollInterval)

		// No fresh value landed; the stale copy is still served.
		_, err = engine.Get(ctx, userKey)
		assert.ErrorIs(t, err, cache.ErrNotFound)

		value, err = engine.GetOrSet(ctx, userKey, countingLoader(&calls, nil, []byte("new"), nil), opts)
		require.NoError(t, err)
		assert.Equal(t, []byte("old"), value)
	})

	t.Run("NoStaleCopyFallsThroughToLoader", func(t *testing.T) {
		engine, _ := newEngine(t, tier.Config{})

		var calls atomic.Int64
		value, err := engine.GetOrSet(ctx, userKey, countingLoader(&calls, nil, []byte("fresh"), nil), opts)
		require.NoError(t, err)
		assert.Equal(t, []byte("fresh"), value)
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("CallerKeyEndingInStaleIsUnrelated", func(t *testing.T) {
		engine, _ := newEngine(t, tier.Config{})

		// "user:7:stale" is a legitimate caller key. It must never be
		// mistaken for the retained stale copy of "user:7", which lives
		// under a brace-marked bookkeeping key no caller can construct.
		require.NoError(t, engine.Set(ctx, "user:7:stale", []byte("neighbour"), tier.Options{TTL: minuteTTL}))

		var calls atomic.Int64
		value, err := engine.GetOrSet(ctx, "user:7", countingLoader(&calls, nil, []byte("fresh"), nil), opts)
		require.NoError(t, err)
		assert.Equal(t, []byte("fresh"), value, "must load, not serve another key's data")
		assert.Equal(t, int64(1), calls.Load())

		value, err = engine.Get(ctx, "user:7:stale")
		require.NoError(t, err)
		assert.Equal(t, []byte("neighbour"), value)
	})

	t.Run("StaleCopyRemovedByTagInvalidation", func(t *testing.T) {
		engine, store := newEngine(t, tier.Config{})
		usersTag := cache.MustTag("users")

		taggedOpts := tier.Options{TTL: minuteTTL, Stale: time.Minute, Tags: []cache.Tag{usersTag}}
		require.NoError(t, engine.Set(ctx, userKey, []byte("v"), taggedOpts))

		_, err := engine.InvalidateTags(ctx, []cache.Tag{usersTag})
		require.NoError(t, err)

		// Both the entry and its retained stale copy are gone, so a
		// later read within the would-be stale window cannot resurrect
		// invalidated data.
		_, err = store.Get(ctx, userKey+cache.StaleSuffix)
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})
}
