// Package testing provides an in-memory cache.Store for unit tests,
// eliminating the need for a real Redis instance when exercising engine
// logic. MockStore honors TTLs, maintains tag indices, and supports
// injected failures and operation counting.
package testing

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaborage/tiercache/cache"
)

// storedValue is one entry with its expiry instant (zero means none).
type storedValue struct {
	data      []byte
	expiresAt time.Time
}

func (v storedValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && !now.Before(v.expiresAt)
}

// MockStore is an in-memory cache.Store implementation for testing.
// It is safe for concurrent use.
//
// Failures are injected per operation:
//
//	store := testing.NewMockStore()
//	store.FailGet(errors.New("boom"))
type MockStore struct {
	mu     sync.Mutex
	values map[string]storedValue
	tags   map[string]map[string]struct{}
	closed atomic.Bool

	getErr    error
	setErr    error
	deleteErr error
	tagErr    error
	existsErr error

	getCalls    atomic.Int64
	setCalls    atomic.Int64
	deleteCalls atomic.Int64
}

// Compile-time interface check.
var _ cache.Store = (*MockStore)(nil)

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		values: make(map[string]storedValue),
		tags:   make(map[string]map[string]struct{}),
	}
}

// FailGet makes subsequent Get calls return err (nil restores normal
// behavior).
func (m *MockStore) FailGet(err error) { m.mu.Lock(); m.getErr = err; m.mu.Unlock() }

// FailSet makes subsequent Set/SetMany calls return err.
func (m *MockStore) FailSet(err error) { m.mu.Lock(); m.setErr = err; m.mu.Unlock() }

// FailDelete makes subsequent Delete calls return err.
func (m *MockStore) FailDelete(err error) { m.mu.Lock(); m.deleteErr = err; m.mu.Unlock() }

// FailTagOps makes subsequent AddTagMembers/InvalidateTag calls return err.
func (m *MockStore) FailTagOps(err error) { m.mu.Lock(); m.tagErr = err; m.mu.Unlock() }

// FailExists makes subsequent Exists calls return err.
func (m *MockStore) FailExists(err error) { m.mu.Lock(); m.existsErr = err; m.mu.Unlock() }

// GetCalls returns how many Get calls were made.
func (m *MockStore) GetCalls() int64 { return m.getCalls.Load() }

// SetCalls returns how many Set calls were made.
func (m *MockStore) SetCalls() int64 { return m.setCalls.Load() }

// DeleteCalls returns how many Delete calls were made.
func (m *MockStore) DeleteCalls() int64 { return m.deleteCalls.Load() }

// Len returns the number of live (unexpired) keys.
func (m *MockStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	count := 0
	for _, v := range m.values {
		if !v.expired(now) {
			count++
		}
	}
	return count
}

// Get implements cache.Store.
func (m *MockStore) Get(_ context.Context, key string) ([]byte, error) {
	m.getCalls.Add(1)
	if m.closed.Load() {
		return nil, cache.ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return nil, m.getErr
	}

	v, ok := m.values[key]
	if !ok || v.expired(time.Now()) {
		delete(m.values, key)
		return nil, cache.ErrNotFound
	}
	return v.data, nil
}

// Set implements cache.Store.
func (m *MockStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.setCalls.Add(1)
	if m.closed.Load() {
		return cache.ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.setErr != nil {
		return m.setErr
	}

	m.storeLocked(key, value, ttl)
	return nil
}

func (m *MockStore) storeLocked(key string, value []byte, ttl time.Duration) {
	v := storedValue{data: append([]byte(nil), value...)}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = v
}

// Delete implements cache.Store.
func (m *MockStore) Delete(_ context.Context, keys ...string) (int64, error) {
	m.deleteCalls.Add(1)
	if m.closed.Load() {
		return 0, cache.ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return 0, m.deleteErr
	}

	now := time.Now()
	var deleted int64
	for _, key := range keys {
		if v, ok := m.values[key]; ok {
			if !v.expired(now) {
				deleted++
			}
			delete(m.values, key)
		}
	}
	return deleted, nil
}

// GetMany implements cache.Store.
func (m *MockStore) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	if m.closed.Load() {
		return nil, cache.ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return nil, m.getErr
	}

	now := time.Now()
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if v, ok := m.values[key]; ok && !v.expired(now) {
			result[key] = v.data
		}
	}
	return result, nil
}

// SetMany implements cache.Store.
func (m *MockStore) SetMany(_ context.Context, entries map[string][]byte, ttl time.Duration) error {
	if m.closed.Load() {
		return cache.ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.setErr != nil {
		return m.setErr
	}

	for key, value := range entries {
		m.storeLocked(key, value, ttl)
	}
	return nil
}

// Exists implements cache.Store.
func (m *MockStore) Exists(_ context.Context, key string) (bool, error) {
	if m.closed.Load() {
		return false, cache.ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.existsErr != nil {
		return false, m.existsErr
	}

	v, ok := m.values[key]
	return ok && !v.expired(time.Now()), nil
}

// DeleteByPrefix implements cache.Store.
func (m *MockStore) DeleteByPrefix(_ context.Context, prefix string) (int64, error) {
	if m.closed.Load() {
		return 0, cache.ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return 0, m.deleteErr
	}

	var deleted int64
	for key := range m.values {
		if strings.HasPrefix(key, prefix) {
			delete(m.values, key)
			deleted++
		}
	}
	return deleted, nil
}

// AddTagMembers implements cache.Store.
func (m *MockStore) AddTagMembers(_ context.Context, tag cache.Tag, _ time.Duration, keys ...string) error {
	if m.closed.Load() {
		return cache.ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tagErr != nil {
		return m.tagErr
	}

	set, ok := m.tags[tag.String()]
	if !ok {
		set = make(map[string]struct{})
		m.tags[tag.String()] = set
	}
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return nil
}

// InvalidateTag implements cache.Store. Mirrors the atomic server-side
// script: deletes live member keys, drops the index, returns the count of
// members that actually existed.
func (m *MockStore) InvalidateTag(_ context.Context, tag cache.Tag) (int64, error) {
	if m.closed.Load() {
		return 0, cache.ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tagErr != nil {
		return 0, m.tagErr
	}

	now := time.Now()
	var deleted int64
	for key := range m.tags[tag.String()] {
		if v, ok := m.values[key]; ok {
			if !v.expired(now) {
				deleted++
			}
			delete(m.values, key)
		}
	}
	delete(m.tags, tag.String())
	return deleted, nil
}

// Health implements cache.Store.
func (m *MockStore) Health(context.Context) error {
	if m.closed.Load() {
		return cache.ErrClosed
	}
	return nil
}

// Stats implements cache.Store.
func (m *MockStore) Stats() (map[string]any, error) {
	if m.closed.Load() {
		return nil, cache.ErrClosed
	}
	return map[string]any{"keys": m.Len()}, nil
}

// Close implements cache.Store. Idempotent.
func (m *MockStore) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return cache.ErrClosed
	}
	return nil
}
