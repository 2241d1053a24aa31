package cache

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cache outcomes.
// Use errors.Is() to check for these specific conditions.
var (
	// ErrNotFound is returned when a cache key doesn't exist or has expired.
	// This is not a fatal error - callers should handle misses gracefully.
	ErrNotFound = errors.New("cache: key not found")

	// ErrClosed is returned when attempting to use a closed store.
	ErrClosed = errors.New("cache: store closed")
)

// ValidationError reports a malformed TTL, tag, key, or key segment.
// Validation errors are raised before any I/O and are never retried.
type ValidationError struct {
	Field   string // What was being validated (e.g. "ttl", "tag", "key")
	Value   string // The offending input, stringified
	Message string // Human-readable reason
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("cache validation error: %s %q: %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, value, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// OperationError reports a remote store failure during a cache operation.
type OperationError struct {
	Op  string // Operation that failed (e.g. "get", "set", "invalidate_tag")
	Key string // Cache key or tag involved
	Err error  // Underlying driver error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	return fmt.Sprintf("cache operation error: %s failed for %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	return e.Err
}

// NewOperationError creates a new operation error.
func NewOperationError(op, key string, err error) *OperationError {
	return &OperationError{Op: op, Key: key, Err: err}
}

// ConnectionError reports a store connection failure. These may be
// transient and could be retried by the caller.
type ConnectionError struct {
	Op      string // Operation that failed (e.g. "dial", "ping")
	Address string // Store server address
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cache connection error: %s failed for %s: %v", e.Op, e.Address, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a new connection error.
func NewConnectionError(op, address string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Address: address, Err: err}
}

// ConfigError represents a configuration error during initialization.
// These are fail-fast and should abort startup.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache configuration error: %s: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("cache configuration error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field, message string, err error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Err: err}
}
