package cache

import (
	"fmt"
	"math"
	"time"
)

// DefaultMaxTTL is the upper bound applied when no explicit maximum is given.
const DefaultMaxTTL = 86400 // 24 hours in seconds

// TTL is a validated time-to-live in whole seconds.
// The zero value is invalid; construct via NewTTL or TTLFromDuration.
type TTL struct {
	seconds int64
}

// NewTTL creates a TTL from a duration expressed in seconds, rounding to the
// nearest whole second. Values must be positive and must not exceed
// DefaultMaxTTL.
func NewTTL(seconds float64) (TTL, error) {
	return NewTTLWithMax(seconds, DefaultMaxTTL)
}

// NewTTLWithMax is NewTTL with a caller-supplied maximum in seconds.
func NewTTLWithMax(seconds float64, maxSeconds int64) (TTL, error) {
	if maxSeconds <= 0 {
		maxSeconds = DefaultMaxTTL
	}

	if seconds <= 0 {
		return TTL{}, NewValidationError("ttl", fmt.Sprintf("%v", seconds), "must be positive")
	}

	rounded := int64(math.Round(seconds))
	if rounded < 1 {
		rounded = 1
	}

	if rounded > maxSeconds {
		return TTL{}, NewValidationError("ttl", fmt.Sprintf("%v", seconds), fmt.Sprintf("exceeds maximum of %d seconds", maxSeconds))
	}

	return TTL{seconds: rounded}, nil
}

// TTLFromDuration creates a TTL from a time.Duration, rounding sub-second
// durations up to the next whole second so that short TTLs never collapse
// to zero.
func TTLFromDuration(d time.Duration) (TTL, error) {
	return TTLFromDurationWithMax(d, DefaultMaxTTL)
}

// TTLFromDurationWithMax is TTLFromDuration with a caller-supplied maximum.
func TTLFromDurationWithMax(d time.Duration, maxSeconds int64) (TTL, error) {
	if d <= 0 {
		return TTL{}, NewValidationError("ttl", d.String(), "must be positive")
	}

	secs := float64(d.Milliseconds()) / 1000.0
	ceiled := math.Ceil(secs)
	if ceiled < 1 {
		ceiled = 1
	}

	return NewTTLWithMax(ceiled, maxSeconds)
}

// MustTTL is NewTTL that panics on error. Intended for package-level
// defaults and tests with known-good values.
func MustTTL(seconds float64) TTL {
	ttl, err := NewTTL(seconds)
	if err != nil {
		panic(fmt.Sprintf("invalid TTL: %v", err))
	}
	return ttl
}

// Seconds returns the TTL in whole seconds.
func (t TTL) Seconds() int64 {
	return t.seconds
}

// Milliseconds returns the TTL in milliseconds.
func (t TTL) Milliseconds() int64 {
	return t.seconds * 1000
}

// Duration returns the TTL as a time.Duration.
func (t TTL) Duration() time.Duration {
	return time.Duration(t.seconds) * time.Second
}

// IsZero reports whether the TTL is the invalid zero value.
func (t TTL) IsZero() bool {
	return t.seconds == 0
}

// Less reports whether t is shorter than other.
func (t TTL) Less(other TTL) bool {
	return t.seconds < other.seconds
}

// Greater reports whether t is longer than other.
func (t TTL) Greater(other TTL) bool {
	return t.seconds > other.seconds
}

// MinTTL returns the shorter of two TTLs.
func MinTTL(a, b TTL) TTL {
	if a.Less(b) {
		return a
	}
	return b
}

// MaxTTL returns the longer of two TTLs.
func MaxTTL(a, b TTL) TTL {
	if a.Greater(b) {
		return a
	}
	return b
}

// String implements fmt.Stringer.
func (t TTL) String() string {
	return fmt.Sprintf("%ds", t.seconds)
}
