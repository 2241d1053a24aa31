// Package tracking emits OpenTelemetry metrics for cache operations.
// Everything here is best-effort: a missing meter provider or a failed
// instrument registration degrades to no-ops and never affects cache
// correctness.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gaborage/tiercache/cache"
)

const (
	meterName = "tiercache"

	// Metric names. Operation duration follows the OTel database client
	// convention since the remote tier is Redis.
	metricOperationDuration = "db.client.operation.duration" // Histogram, seconds
	metricHit               = "cache.hit"                    // Counter, per tier
	metricMiss              = "cache.miss"                   // Counter, per tier
	metricStampedeWait      = "cache.stampede.coalesced"     // Counter of coalesced callers
	metricInvalidation      = "cache.invalidation.keys"      // Counter of keys invalidated

	// Attribute keys.
	attrDBSystem    = "db.system.name"
	attrDBOperation = "db.operation.name"
	attrTier        = "cache.tier" // "local" or "remote"
	attrHitStatus   = "cache.hit"
	attrErrorType   = "error.type"
	attrOutcome     = "outcome" // invalidation outcome: ok, skipped, error
)

// Tier labels for hit/miss attribution.
const (
	TierLocal  = "local"
	TierRemote = "remote"
)

// Operation names.
const (
	OpGet           = "get"
	OpSet           = "set"
	OpDelete        = "delete"
	OpGetMany       = "mget"
	OpSetMany       = "mset"
	OpExists        = "exists"
	OpAddTagMembers = "sadd"
	OpInvalidateTag = "invalidate_tag"
	OpHealth        = "ping"
)

var (
	meterOnce sync.Once
	meterMu   sync.Mutex
	meter     metric.Meter

	operationDuration metric.Float64Histogram
	hitCounter        metric.Int64Counter
	missCounter       metric.Int64Counter
	stampedeCounter   metric.Int64Counter
	invalidations     metric.Int64Counter
)

func logMetricError(name string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: failed to initialize cache metric %s: %v\n", name, err)
	}
}

func initMeter() {
	meterMu.Lock()
	defer meterMu.Unlock()

	if meter != nil {
		return
	}

	meter = otel.Meter(meterName)

	var err error
	operationDuration, err = meter.Float64Histogram(
		metricOperationDuration,
		metric.WithDescription("Duration of remote cache operations"),
		metric.WithUnit("s"),
	)
	logMetricError(metricOperationDuration, err)

	hitCounter, err = meter.Int64Counter(
		metricHit,
		metric.WithDescription("Number of cache hits"),
		metric.WithUnit("{hit}"),
	)
	logMetricError(metricHit, err)

	missCounter, err = meter.Int64Counter(
		metricMiss,
		metric.WithDescription("Number of cache misses"),
		metric.WithUnit("{miss}"),
	)
	logMetricError(metricMiss, err)

	stampedeCounter, err = meter.Int64Counter(
		metricStampedeWait,
		metric.WithDescription("Number of callers coalesced onto an in-flight loader"),
		metric.WithUnit("{caller}"),
	)
	logMetricError(metricStampedeWait, err)

	invalidations, err = meter.Int64Counter(
		metricInvalidation,
		metric.WithDescription("Number of cache keys removed by invalidation"),
		metric.WithUnit("{key}"),
	)
	logMetricError(metricInvalidation, err)
}

func ensureInitialized() {
	meterOnce.Do(initMeter)
}

// RecordOperation records duration and error classification for one
// remote store operation.
func RecordOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	ensureInitialized()

	if operationDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrDBSystem, "redis"),
		attribute.String(attrDBOperation, operation),
	}
	if err != nil {
		attrs = append(attrs, attribute.String(attrErrorType, classifyError(err)))
	}

	operationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordLookup records a hit or miss against the named tier.
func RecordLookup(ctx context.Context, tier string, hit bool) {
	ensureInitialized()

	attrs := metric.WithAttributes(
		attribute.String(attrTier, tier),
		attribute.Bool(attrHitStatus, hit),
	)

	if hit {
		if hitCounter != nil {
			hitCounter.Add(ctx, 1, attrs)
		}
		return
	}
	if missCounter != nil {
		missCounter.Add(ctx, 1, attrs)
	}
}

// RecordCoalescedCaller counts a caller that attached to another caller's
// in-flight loader instead of executing its own.
func RecordCoalescedCaller(ctx context.Context) {
	ensureInitialized()

	if stampedeCounter != nil {
		stampedeCounter.Add(ctx, 1)
	}
}

// RecordInvalidation records the outcome of an invalidation attempt and
// the number of keys it removed.
func RecordInvalidation(ctx context.Context, outcome string, keysDeleted int64) {
	ensureInitialized()

	if invalidations != nil {
		invalidations.Add(ctx, keysDeleted, metric.WithAttributes(
			attribute.String(attrOutcome, outcome),
		))
	}
}

// classifyError maps errors onto a small label set to keep metric
// cardinality bounded. Structured cache errors classify exactly; raw
// driver errors fall back to message matching.
func classifyError(err error) string {
	switch {
	case errors.Is(err, cache.ErrNotFound):
		return "not_found"
	case errors.Is(err, cache.ErrClosed):
		return "closed"
	}

	var connErr *cache.ConnectionError
	if errors.As(err, &connErr) {
		return "connection_error"
	}

	var opErr *cache.OperationError
	if errors.As(err, &opErr) && opErr.Err != nil {
		err = opErr.Err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection"):
		return "connection_error"
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "closed"):
		return "closed"
	case strings.Contains(msg, "not found"):
		return "not_found"
	default:
		return "error"
	}
}

// ResetForTesting resets metric state so tests can re-exercise
// initialization.
func ResetForTesting() {
	meterMu.Lock()
	defer meterMu.Unlock()

	meter = nil
	operationDuration = nil
	hitCounter = nil
	missCounter = nil
	stampedeCounter = nil
	invalidations = nil
	meterOnce = sync.Once{}
}
