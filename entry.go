package emberkv

import (
	"fmt"
	"hash/crc32"
)

// Kind discriminates a live value from a tombstone. Per spec.md §9, a
// tombstone is a distinguished state, never a sentinel value living inside
// the user-data domain.
type Kind uint8

const (
	// Present means the entry carries a live user value.
	Present Kind = iota
	// Tombstone marks a key as deleted; it shadows older entries for the
	// same key in deeper runs until compaction at the bottom level drops
	// it (spec.md §3).
	Tombstone
)

// Value is the sum type `Present(bytes) | Tombstone` from spec.md §9.
type Value struct {
	Kind  Kind
	Bytes []byte
}

// PresentValue wraps a live payload.
func PresentValue(b []byte) Value { return Value{Kind: Present, Bytes: b} }

// TombstoneValue returns a deletion marker.
func TombstoneValue() Value { return Value{Kind: Tombstone} }

// IsTombstone reports whether v marks a deleted key.
func (v Value) IsTombstone() bool { return v.Kind == Tombstone }

// Entry is the unit of storage described in spec.md §3.
type Entry struct {
	Key       string // stringified form, used for ordering and pattern matching
	Value     Value
	CreatedAt int64 // absolute millisecond timestamp at write
	ExpiresAt int64 // 0 means no expiry
	Version   uint64
	checksum  uint32
}

// HasExpiry reports whether the entry carries an expiry timestamp.
func (e *Entry) HasExpiry() bool { return e.ExpiresAt > 0 }

// ExpiredAt reports whether the entry is logically absent at time nowMillis
// (spec.md §3: "An entry with expires_at <= now() is logically absent").
func (e *Entry) ExpiredAt(nowMillis int64) bool {
	return e.HasExpiry() && e.ExpiresAt <= nowMillis
}

// sizeBytes approximates the entry's footprint per spec.md §4.1:
// size_of(stringified_key) + size_of(value_bytes) + 8 (created_at) +
// 8 (expires_at, if any) + 4 (version).
func (e *Entry) sizeBytes() int64 {
	n := int64(len(e.Key)) + int64(len(e.Value.Bytes)) + 8 + 4
	if e.HasExpiry() {
		n += 8
	}
	return n
}

// computeChecksum derives a corruption-detection checksum over the entry's
// key, kind and value. Grounded on the teacher's sstable.go/wal.go, which
// verify a CRC32 of key(+value) on every read and treat a mismatch as a
// hard error rather than silently returning wrong data (see DESIGN.md).
func computeChecksum(key string, kind Kind, value []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(key))
	h.Write([]byte{byte(kind)})
	if kind == Present {
		h.Write(value)
	}
	return h.Sum32()
}

func (e *Entry) verifyChecksum() bool {
	return e.checksum == computeChecksum(e.Key, e.Value.Kind, e.Value.Bytes)
}

func newEntry(key string, value Value, createdAt int64, expiresAt int64, version uint64) *Entry {
	e := &Entry{
		Key:       key,
		Value:     value,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		Version:   version,
	}
	e.checksum = computeChecksum(key, value.Kind, value.Bytes)
	return e
}

// StringifyKey renders an arbitrary key into the canonical string form used
// for ordering and pattern matching (spec.md §6 "Key stringification").
func StringifyKey(key any) string {
	switch k := key.(type) {
	case string:
		return k
	case []byte:
		return string(k)
	case fmt.Stringer:
		return k.String()
	case bool:
		if k {
			return "true"
		}
		return "false"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", k)
	case float32, float64:
		return fmt.Sprintf("%g", k)
	default:
		return fmt.Sprintf("%v", k)
	}
}

// newerThan implements the compaction/merge tie-break from spec.md §4.5:
// the entry with the larger created_at wins; ties broken by the larger
// version; remaining ties are stable (the earlier-ordered source wins).
func newerThan(a, b *Entry) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.Version > b.Version
}
