package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// Key builder defaults.
const (
	// DefaultKeySeparator joins key segments.
	DefaultKeySeparator = ":"

	// DefaultMaxKeyLength bounds final key length.
	DefaultMaxKeyLength = 512
)

// Placeholder delimiters reserved for template interpolation. They may
// never appear in segments, interpolated values, or final keys.
const (
	placeholderOpen  = "{"
	placeholderClose = "}"
)

// placeholderPattern matches {name} and {dotted.path} template placeholders.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+(?:\.[a-zA-Z0-9_]+)*)\}`)

// KeyBuilderConfig configures key composition rules.
type KeyBuilderConfig struct {
	// Namespace is prepended to every key (optional).
	Namespace string

	// Separator joins segments (default ":").
	Separator string

	// MaxLength bounds the final key length (default 512).
	MaxLength int
}

// KeyBuilder composes namespaced cache keys from segments or templates.
// Keys are validated eagerly: a KeyBuilder never returns a partial or
// malformed key.
type KeyBuilder struct {
	namespace string
	separator string
	maxLength int
}

// NewKeyBuilder creates a KeyBuilder, applying defaults for zero-value
// config fields. The namespace, if set, must itself be a valid segment
// sequence.
func NewKeyBuilder(cfg KeyBuilderConfig) (*KeyBuilder, error) {
	separator := cfg.Separator
	if separator == "" {
		separator = DefaultKeySeparator
	}
	if len(separator) != 1 {
		return nil, NewValidationError("separator", separator, "must be a single character")
	}
	if separator == placeholderOpen || separator == placeholderClose {
		return nil, NewValidationError("separator", separator, "must not be a placeholder delimiter")
	}

	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultMaxKeyLength
	}

	b := &KeyBuilder{
		namespace: cfg.Namespace,
		separator: separator,
		maxLength: maxLength,
	}

	if cfg.Namespace != "" {
		if err := b.validateKey(cfg.Namespace); err != nil {
			return nil, NewValidationError("namespace", cfg.Namespace, "is not a valid key prefix")
		}
	}

	return b, nil
}

// Build composes a key from explicit segments. Each segment must be
// non-empty and must not contain the separator or placeholder delimiters.
func (b *KeyBuilder) Build(segments ...string) (string, error) {
	if len(segments) == 0 {
		return "", NewValidationError("key", "", "at least one segment is required")
	}

	for _, seg := range segments {
		if err := b.validateSegment(seg); err != nil {
			return "", err
		}
	}

	key := strings.Join(segments, b.separator)
	if b.namespace != "" {
		key = b.namespace + b.separator + key
	}

	if err := b.validateKey(key); err != nil {
		return "", err
	}

	return key, nil
}

// FromTemplate interpolates {name} placeholders from a parameter map and
// validates the result. Placeholder names may use dotted paths into nested
// maps ({user.id}). Interpolation fails fast when a referenced parameter
// is absent, nil, or stringifies to a value containing reserved characters;
// no partial key is ever returned.
func (b *KeyBuilder) FromTemplate(template string, params map[string]any) (string, error) {
	if template == "" {
		return "", NewValidationError("template", "", "must not be empty")
	}

	var interpErr error
	key := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		if interpErr != nil {
			return match
		}

		path := match[1 : len(match)-1]
		value, err := lookupPath(params, path)
		if err != nil {
			interpErr = NewValidationError("template", template, err.Error())
			return match
		}

		str, err := b.stringifyParam(path, value)
		if err != nil {
			interpErr = err
			return match
		}
		return str
	})
	if interpErr != nil {
		return "", interpErr
	}

	// Any brace left over means an unmatched or malformed placeholder.
	if strings.Contains(key, placeholderOpen) || strings.Contains(key, placeholderClose) {
		return "", NewValidationError("template", template, "contains unresolved or malformed placeholders")
	}

	if b.namespace != "" {
		key = b.namespace + b.separator + key
	}

	if err := b.validateKey(key); err != nil {
		return "", err
	}

	return key, nil
}

// Separator returns the configured segment separator.
func (b *KeyBuilder) Separator() string {
	return b.separator
}

// validateSegment checks a single explicit segment.
func (b *KeyBuilder) validateSegment(seg string) error {
	if seg == "" {
		return NewValidationError("segment", seg, "must not be empty")
	}
	if strings.Contains(seg, b.separator) {
		return NewValidationError("segment", seg, "must not contain the separator")
	}
	if strings.Contains(seg, placeholderOpen) || strings.Contains(seg, placeholderClose) {
		return NewValidationError("segment", seg, "must not contain placeholder delimiters")
	}
	return nil
}

// validateKey checks the final composed key.
func (b *KeyBuilder) validateKey(key string) error {
	if key == "" {
		return NewValidationError("key", key, "must not be empty")
	}
	if len(key) > b.maxLength {
		return NewValidationError("key", key, fmt.Sprintf("exceeds maximum length of %d", b.maxLength))
	}
	if strings.HasPrefix(key, b.separator) || strings.HasSuffix(key, b.separator) {
		return NewValidationError("key", key, "must not start or end with the separator")
	}
	if strings.Contains(key, b.separator+b.separator) {
		return NewValidationError("key", key, "must not contain consecutive separators")
	}
	if strings.Contains(key, placeholderOpen) || strings.Contains(key, placeholderClose) {
		return NewValidationError("key", key, "must not contain placeholder delimiters")
	}
	return nil
}

// stringifyParam converts an interpolated parameter value to its key form.
func (b *KeyBuilder) stringifyParam(path string, value any) (string, error) {
	str := fmt.Sprint(value)
	if str == "" {
		return "", NewValidationError("template parameter", path, "stringifies to an empty value")
	}
	if strings.Contains(str, b.separator) ||
		strings.Contains(str, placeholderOpen) ||
		strings.Contains(str, placeholderClose) {
		return "", NewValidationError("template parameter", path, "value contains reserved characters")
	}
	return str, nil
}

// lookupPath resolves a dotted path into a (possibly nested) parameter map.
func lookupPath(params map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")

	var current any = params
	for i, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parameter %q is not a map at %q", path, strings.Join(parts[:i], "."))
		}
		value, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("parameter %q is missing", path)
		}
		if value == nil {
			return nil, fmt.Errorf("parameter %q is nil", path)
		}
		current = value
	}

	return current, nil
}
