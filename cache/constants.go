package cache

import "time"

// Remote key layout.
//
// Entries live under the caller's key untouched. Bookkeeping keys embed
// the brace characters KeyBuilder rejects in every position, so no
// caller-built key can ever equal a bookkeeping key: "user:7:stale" is a
// legal entry key, "user:7{stale}" is not constructible.

const (
	// TagIndexPrefix prefixes the per-tag member-set keys.
	TagIndexPrefix = "{tag}:"

	// StaleSuffix suffixes the retained stale copy used by
	// stale-while-revalidate serving.
	StaleSuffix = "{stale}"

	// EventMarkerPrefix prefixes processed-event dedup markers.
	EventMarkerPrefix = "{event}:"
)

const (
	// DefaultDedupWindow bounds how long a processed invalidation event
	// digest is remembered.
	DefaultDedupWindow = 10 * time.Minute

	// DefaultStaleWindow is how long past expiry an entry remains
	// stale-eligible when SWR is requested without an explicit window.
	DefaultStaleWindow = 30 * time.Second

	// DefaultLocalSize is the default maximum number of local-tier keys.
	DefaultLocalSize = 10000

	// DefaultWarmupConcurrency bounds concurrent warmup loaders.
	DefaultWarmupConcurrency = 4
)
