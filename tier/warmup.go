package tier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gaborage/tiercache/cache"
)

// WarmupKey is one key to populate at startup.
type WarmupKey struct {
	Key    string
	Loader cache.Loader
	TTL    cache.TTL
	Tags   []cache.Tag
}

// WarmupSummary reports the outcome of a warmup run.
type WarmupSummary struct {
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// Warmup populates the configured keys through GetOrSet with bounded
// concurrency. Individual loader failures are counted and logged but
// never abort the run: warmup always completes so it can never block
// startup. A cancelled context stops scheduling new keys; already running
// loaders finish.
func (c *Cache) Warmup(ctx context.Context, keys []WarmupKey, concurrency int64) WarmupSummary {
	if concurrency <= 0 {
		concurrency = cache.DefaultWarmupConcurrency
	}

	sem := semaphore.NewWeighted(concurrency)
	var wg sync.WaitGroup
	var succeeded, failed atomic.Int64
	start := time.Now()

	for _, wk := range keys {
		if wk.Key == "" || wk.Loader == nil {
			failed.Add(1)
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			failed.Add(1)
			continue
		}

		wg.Add(1)
		go func(wk WarmupKey) {
			defer wg.Done()
			defer sem.Release(1)

			_, err := c.GetOrSet(ctx, wk.Key, wk.Loader, Options{TTL: wk.TTL, Tags: wk.Tags})
			if err != nil {
				failed.Add(1)
				c.log.Warn().Err(err).Str("key", wk.Key).Msg("warmup loader failed")
				return
			}
			succeeded.Add(1)
		}(wk)
	}

	wg.Wait()

	summary := WarmupSummary{
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
		Duration:  time.Since(start),
	}

	c.log.Info().
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Msg("cache warmup completed")

	return summary
}
