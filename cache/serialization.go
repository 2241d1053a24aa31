package cache

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBOR encoding/decoding modes shared by entry serialization and event
// digests. Canonical encoding guarantees that equal values always produce
// identical bytes, which the event deduplication digest depends on.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

//nolint:gochecknoinits // CBOR mode configuration must happen at package load time
func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort: cbor.SortCanonical, // Deterministic encoding: same input, same bytes
		Time: cbor.TimeRFC3339,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoding mode: %v", err))
	}

	// Decode limits guard against malformed or hostile payloads read back
	// from the remote store.
	decOpts := cbor.DecOptions{
		MaxArrayElements: 10000,
		MaxMapPairs:      10000,
		MaxNestedLevels:  16,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoding mode: %v", err))
	}
}

// Marshal serializes a value to canonical CBOR bytes.
func Marshal[T any](v T) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal failed: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes CBOR bytes into a value of type T.
func Unmarshal[T any](data []byte) (T, error) {
	var v T
	if err := decMode.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("cbor unmarshal failed: %w", err)
	}
	return v, nil
}

// MustMarshal is Marshal that panics on error. Use only with
// known-serializable values (tests, package defaults).
func MustMarshal[T any](v T) []byte {
	data, err := Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("MustMarshal failed: %v", err))
	}
	return data
}
