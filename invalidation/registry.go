// Package invalidation maps domain events onto the cache tags and keys
// they invalidate, and processes invalidation events exactly once per
// deduplication window over an at-least-once transport.
package invalidation

import (
	"errors"
	"strings"
	"sync"

	"github.com/gaborage/tiercache/cache"
)

// Rule binds an event pattern to resolver functions producing the tags
// and keys a matching event invalidates. At least one resolver must be
// set; a nil resolver contributes nothing.
type Rule struct {
	// EventPattern matches event names exactly, or by prefix when it ends
	// with '*' ("user.*" matches "user.updated").
	EventPattern string

	// Tags resolves the tags to invalidate from the event payload.
	Tags func(payload map[string]any) []cache.Tag

	// Keys resolves the direct keys to delete from the event payload.
	Keys func(payload map[string]any) []string
}

// matches reports whether the rule applies to an event name.
func (r *Rule) matches(event string) bool {
	if prefix, ok := strings.CutSuffix(r.EventPattern, "*"); ok {
		return strings.HasPrefix(event, prefix)
	}
	return r.EventPattern == event
}

// Resolution is the combined outcome of every rule matching one event.
type Resolution struct {
	Tags         []cache.Tag
	Keys         []string
	MatchedRules int
}

// Registry holds invalidation rules. Safe for concurrent use; rules are
// typically registered at startup and resolved on every event.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a rule. Multiple rules may share a pattern; all matching
// rules contribute to a resolution.
func (r *Registry) Register(rule Rule) error {
	if rule.EventPattern == "" {
		return errors.New("invalidation: rule requires an event pattern")
	}
	if rule.Tags == nil && rule.Keys == nil {
		return errors.New("invalidation: rule requires at least one resolver")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	return nil
}

// Unregister removes every rule registered under the exact pattern,
// returning how many were removed.
func (r *Registry) Unregister(eventPattern string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.rules[:0]
	removed := 0
	for _, rule := range r.rules {
		if rule.EventPattern == eventPattern {
			removed++
			continue
		}
		kept = append(kept, rule)
	}
	r.rules = kept
	return removed
}

// FindRules returns every rule matching the event name.
func (r *Registry) FindRules(event string) []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Rule
	for _, rule := range r.rules {
		if rule.matches(event) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// Resolve runs every matching rule's resolvers against the payload,
// returning the deduplicated union of tags and keys to invalidate.
func (r *Registry) Resolve(event string, payload map[string]any) Resolution {
	matched := r.FindRules(event)

	var tags []cache.Tag
	seenKeys := make(map[string]struct{})
	var keys []string

	for _, rule := range matched {
		if rule.Tags != nil {
			tags = append(tags, rule.Tags(payload)...)
		}
		if rule.Keys != nil {
			for _, key := range rule.Keys(payload) {
				if key == "" {
					continue
				}
				if _, dup := seenKeys[key]; dup {
					continue
				}
				seenKeys[key] = struct{}{}
				keys = append(keys, key)
			}
		}
	}

	return Resolution{
		Tags:         cache.NormalizeTags(tags),
		Keys:         keys,
		MatchedRules: len(matched),
	}
}
