// Package lru implements the default local-tier eviction strategy: a
// recency-ordered index over cached keys. It tracks which keys are cold;
// value storage and removal belong to the coordinator.
package lru

import (
	"container/list"

	"github.com/gaborage/tiercache/cache"
)

// record tracks one key's position in the recency order. The sequence
// number is a monotonic counter assigned on insert and on access, never
// wall-clock time, so recency comparisons are immune to clock skew.
type record struct {
	key     string
	seq     uint64
	element *list.Element
}

// Strategy is a least-recently-used eviction index. The most recently
// inserted or accessed key sits at the front of the list; victims are
// taken from the back.
//
// Strategy is not goroutine-safe; the owning coordinator serializes
// access (see cache.EvictionStrategy).
type Strategy struct {
	records map[string]*record
	order   *list.List
	nextSeq uint64
}

// Compile-time interface check.
var _ cache.EvictionStrategy = (*Strategy)(nil)

// New creates an empty LRU strategy.
func New() *Strategy {
	return &Strategy{
		records: make(map[string]*record),
		order:   list.New(),
	}
}

// RecordInsert notes a key as most recently used. Inserting a key that is
// already tracked behaves like an access.
func (s *Strategy) RecordInsert(key string) {
	if rec, exists := s.records[key]; exists {
		s.touch(rec)
		return
	}

	s.nextSeq++
	rec := &record{key: key, seq: s.nextSeq}
	rec.element = s.order.PushFront(rec)
	s.records[key] = rec
}

// RecordAccess refreshes a key's recency. Unknown keys are ignored: the
// local tier may have evicted the key between the caller's lookup and
// this call.
func (s *Strategy) RecordAccess(key string) {
	if rec, exists := s.records[key]; exists {
		s.touch(rec)
	}
}

// RecordDelete forgets a key. Unknown keys are ignored.
func (s *Strategy) RecordDelete(key string) {
	rec, exists := s.records[key]
	if !exists {
		return
	}
	s.order.Remove(rec.element)
	delete(s.records, key)
}

// SelectVictim returns the least recently used key without removing it.
func (s *Strategy) SelectVictim() (string, bool) {
	back := s.order.Back()
	if back == nil {
		return "", false
	}
	return back.Value.(*record).key, true
}

// Victims returns, oldest first, exactly the keys that must be evicted to
// bring the tracked size down to targetSize. A negative target is treated
// as zero. The keys are not removed; callers evict and then report each
// removal via RecordDelete.
func (s *Strategy) Victims(targetSize int) []string {
	if targetSize < 0 {
		targetSize = 0
	}

	excess := len(s.records) - targetSize
	if excess <= 0 {
		return nil
	}

	victims := make([]string, 0, excess)
	for e := s.order.Back(); e != nil && len(victims) < excess; e = e.Prev() {
		victims = append(victims, e.Value.(*record).key)
	}
	return victims
}

// Size returns the number of tracked keys.
func (s *Strategy) Size() int {
	return len(s.records)
}

// Clear forgets all keys. The sequence counter is deliberately not reset
// so recency comparisons stay monotonic across clears.
func (s *Strategy) Clear() {
	s.records = make(map[string]*record)
	s.order.Init()
}

// touch moves a record to the most-recently-used end.
func (s *Strategy) touch(rec *record) {
	s.nextSeq++
	rec.seq = s.nextSeq
	s.order.MoveToFront(rec.element)
}
