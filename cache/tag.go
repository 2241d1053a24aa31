package cache

import (
	"regexp"
	"sort"
	"strings"
)

// DefaultMaxTagLength bounds normalized tag length when no explicit
// maximum is given.
const DefaultMaxTagLength = 100

// tagPattern is the allowed character set for normalized tags.
var tagPattern = regexp.MustCompile(`^[a-z0-9:_.-]+$`)

// Tag is a validated, normalized invalidation tag. Tags are trimmed and
// lowercased on construction; two tags are equal iff their normalized
// forms match. The zero value is invalid.
type Tag struct {
	value string
}

// NewTag normalizes and validates a raw tag string using DefaultMaxTagLength.
func NewTag(raw string) (Tag, error) {
	return NewTagWithMax(raw, DefaultMaxTagLength)
}

// NewTagWithMax is NewTag with a caller-supplied maximum length.
func NewTagWithMax(raw string, maxLength int) (Tag, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxTagLength
	}

	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return Tag{}, NewValidationError("tag", raw, "must not be empty")
	}

	if len(normalized) > maxLength {
		return Tag{}, NewValidationError("tag", raw, "exceeds maximum length")
	}

	if !tagPattern.MatchString(normalized) {
		return Tag{}, NewValidationError("tag", raw, "contains disallowed characters (allowed: a-z 0-9 : _ . -)")
	}

	return Tag{value: normalized}, nil
}

// MustTag is NewTag that panics on error. Intended for tests and
// compile-time-known tags.
func MustTag(raw string) Tag {
	tag, err := NewTag(raw)
	if err != nil {
		panic(err)
	}
	return tag
}

// NewTags normalizes a slice of raw tag strings, failing on the first
// invalid entry.
func NewTags(raws ...string) ([]Tag, error) {
	if len(raws) == 0 {
		return nil, nil
	}

	tags := make([]Tag, 0, len(raws))
	for _, raw := range raws {
		tag, err := NewTag(raw)
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// NormalizeTags deduplicates and sorts tags, yielding a canonical set.
func NormalizeTags(tags []Tag) []Tag {
	if len(tags) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(tags))
	out := make([]Tag, 0, len(tags))
	for _, tag := range tags {
		if tag.IsZero() {
			continue
		}
		if _, dup := seen[tag.value]; dup {
			continue
		}
		seen[tag.value] = struct{}{}
		out = append(out, tag)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].value < out[j].value })
	return out
}

// TagStrings returns the normalized string forms of tags, preserving order.
func TagStrings(tags []Tag) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, len(tags))
	for i, tag := range tags {
		out[i] = tag.value
	}
	return out
}

// String returns the normalized tag value.
func (t Tag) String() string {
	return t.value
}

// IsZero reports whether the tag is the invalid zero value.
func (t Tag) IsZero() bool {
	return t.value == ""
}

// Equal reports whether two tags have the same normalized form.
func (t Tag) Equal(other Tag) bool {
	return t.value == other.value
}
