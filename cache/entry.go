package cache

import (
	"time"
)

// Entry is the serialized unit stored in the remote tier: the caller's
// value bytes plus the metadata needed for tag invalidation and
// stale-while-revalidate decisions. Integer CBOR keys keep the envelope
// compact on the wire.
type Entry struct {
	Value     []byte    `cbor:"1,keyasint"`
	Tags      []string  `cbor:"2,keyasint,omitempty"`
	TTLSecs   int64     `cbor:"3,keyasint"`
	CreatedAt time.Time `cbor:"4,keyasint"`
}

// NewEntry builds an Entry stamped with the current time.
func NewEntry(value []byte, ttl TTL, tags []Tag) Entry {
	return Entry{
		Value:     value,
		Tags:      TagStrings(NormalizeTags(tags)),
		TTLSecs:   ttl.Seconds(),
		CreatedAt: time.Now().UTC(),
	}
}

// EncodeEntry serializes an entry to its CBOR wire form.
func EncodeEntry(e Entry) ([]byte, error) {
	return Marshal(e)
}

// DecodeEntry deserializes an entry from its CBOR wire form.
func DecodeEntry(data []byte) (Entry, error) {
	return Unmarshal[Entry](data)
}

// ExpiresAt returns the instant the entry's TTL lapses.
func (e Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(time.Duration(e.TTLSecs) * time.Second)
}

// Fresh reports whether the entry is within its TTL at the given instant.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt())
}

// StaleEligible reports whether the entry, though past its TTL, is still
// within the stale-while-revalidate window and may be served while a
// refresh runs in the background.
func (e Entry) StaleEligible(now time.Time, staleWindow time.Duration) bool {
	if staleWindow <= 0 {
		return false
	}
	expiry := e.ExpiresAt()
	return !now.Before(expiry) && now.Before(expiry.Add(staleWindow))
}

// Age returns how long ago the entry was created.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}
