package emberkv

import (
	"github.com/tidwall/btree"
)

// Memtable is the mutable, sorted, in-memory buffer that absorbs every
// write before it is eligible for flushing to an immutable run (spec.md
// §4.1). It is backed by a tidwall/btree generic map rather than a plain
// Go map so that iter_sorted() (needed for flushing and for ordered KEYS
// scans) never requires a separate sort pass (see DESIGN.md).
type Memtable struct {
	data      btree.Map[string, *Entry]
	sizeBytes int64
	version   uint64
}

// NewMemtable returns an empty memtable.
func NewMemtable() *Memtable {
	return &Memtable{}
}

// nextVersion returns a monotonically increasing per-memtable version
// counter, used to break created_at ties during compaction (spec.md §4.5).
func (m *Memtable) nextVersion() uint64 {
	m.version++
	return m.version
}

// Put inserts or overwrites key with a live value. nowMillis is the
// creation timestamp; expiresAt is 0 for no expiry.
func (m *Memtable) Put(key string, value []byte, nowMillis, expiresAt int64) *Entry {
	e := newEntry(key, PresentValue(value), nowMillis, expiresAt, m.nextVersion())
	m.set(key, e)
	return e
}

// Delete records a tombstone for key. Per spec.md §3, deletion never
// removes the key from the memtable outright — it shadows older versions
// in deeper runs until compaction at the bottom level drops it.
func (m *Memtable) Delete(key string, nowMillis int64) *Entry {
	e := newEntry(key, TombstoneValue(), nowMillis, 0, m.nextVersion())
	m.set(key, e)
	return e
}

func (m *Memtable) set(key string, e *Entry) {
	old, existed := m.data.Set(key, e)
	if existed {
		m.sizeBytes -= old.sizeBytes()
	}
	m.sizeBytes += e.sizeBytes()
}

// Get returns the stored entry for key, or (nil, false) if the key is
// absent or expired as of nowMillis. A tombstone is returned as an entry
// (ok=true); the caller is responsible for treating a tombstone result as
// "not found" at the engine layer (spec.md §4.1 distinguishes "absent" from
// "tombstoned" so a tombstone still shadows deeper runs).
func (m *Memtable) Get(key string, nowMillis int64) (*Entry, bool) {
	e, ok := m.data.Get(key)
	if !ok {
		return nil, false
	}
	if e.ExpiredAt(nowMillis) {
		m.removeExpired(key, e)
		return nil, false
	}
	return e, true
}

// removeExpired physically drops a lazily-discovered expired entry from
// the memtable (spec.md §5: "Expired entries are removed from the
// memtable on observation").
func (m *Memtable) removeExpired(key string, e *Entry) {
	if old, existed := m.data.Delete(key); existed {
		m.sizeBytes -= old.sizeBytes()
	}
	_ = e
}

// Raw returns the stored entry for key regardless of tombstone/expiry
// state, used by the engine's TTL handler.
func (m *Memtable) Raw(key string) (*Entry, bool) {
	return m.data.Get(key)
}

// Expire rewrites a live key's expires_at to expiresAt (with a new version)
// and returns the rewritten entry. It returns (nil, false) if the key is
// absent, tombstoned or already expired as of nowMillis.
func (m *Memtable) Expire(key string, nowMillis, expiresAt int64) (*Entry, bool) {
	e, ok := m.data.Get(key)
	if !ok || e.Value.IsTombstone() || e.ExpiredAt(nowMillis) {
		return nil, false
	}
	updated := newEntry(e.Key, e.Value, e.CreatedAt, expiresAt, m.nextVersion())
	m.set(key, updated)
	return updated, true
}

// TTL returns the remaining millisecond lifetime of key: a positive
// duration, 0 if the key carries no expiry, and ok=false if the key is
// absent or already expired (spec.md §6).
func (m *Memtable) TTL(key string, nowMillis int64) (millis int64, ok bool) {
	e, found := m.Get(key, nowMillis)
	if !found {
		return 0, false
	}
	if !e.HasExpiry() {
		return 0, true
	}
	return e.ExpiresAt - nowMillis, true
}

// Keys returns the stringified keys of every live, non-expired,
// non-tombstoned entry matching pattern (nil matcher means "match all"),
// in ascending sorted order.
func (m *Memtable) Keys(pattern *Matcher, nowMillis int64) []string {
	var out []string
	m.data.Scan(func(key string, e *Entry) bool {
		if !e.Value.IsTombstone() && !e.ExpiredAt(nowMillis) && pattern.Match(key) {
			out = append(out, key)
		}
		return true
	})
	return out
}

// IterSorted yields every entry (including tombstones and expired
// entries — callers filter as needed) in ascending key order. Used when
// flushing the memtable into a new L0 run.
func (m *Memtable) IterSorted(fn func(e *Entry) bool) {
	m.data.Scan(func(_ string, e *Entry) bool {
		return fn(e)
	})
}

// SizeBytes returns the running estimate of the memtable's footprint
// (spec.md §4.1).
func (m *Memtable) SizeBytes() int64 { return m.sizeBytes }

// EntryCount returns the number of distinct keys currently tracked,
// including tombstones and expired-but-not-yet-swept entries.
func (m *Memtable) EntryCount() int { return m.data.Len() }

// ShouldFlush reports whether the memtable has grown past threshold bytes
// and is therefore due to be flushed to a new immutable run (spec.md
// §4.1, §4.5).
func (m *Memtable) ShouldFlush(thresholdBytes int64) bool {
	return m.sizeBytes >= thresholdBytes
}

// Reset clears the memtable, used immediately after a successful flush.
func (m *Memtable) Reset() {
	m.data = btree.Map[string, *Entry]{}
	m.sizeBytes = 0
}
