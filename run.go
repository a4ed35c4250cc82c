package emberkv

import (
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// Run is an immutable, sorted, in-memory snapshot of entries produced by
// flushing a memtable or by compacting older runs (spec.md §4.2). It keeps
// the teacher sstable.go's shape — index built once at construction, bloom
// filter gating lookups, checksum verified on every read — but drops the
// on-disk file/mmap/encryption machinery entirely: the core's Non-goals
// exclude durable on-disk persistence, so a run lives purely in memory for
// the lifetime of the process (see DESIGN.md).
type Run struct {
	id        string
	level     int
	entries   []*Entry // sorted ascending by Key
	bloom     *BloomFilter
	minKey    string
	maxKey    string
	createdAt int64
	sizeBytes int64
}

// RunMetadata is the externally-visible description of a run, surfaced by
// INFO() (spec.md §6).
type RunMetadata struct {
	ID         string
	Level      int
	EntryCount int
	MinKey     string
	MaxKey     string
	SizeBytes  int64
	CreatedAt  int64
	FPRate     float64
}

// NewRun builds an immutable run from entries, which must already be
// sorted ascending by Key with at most one entry per key (the caller — the
// memtable flush path or the compactor's merge pass — is responsible for
// that invariant; spec.md §3 "within a single run, keys are unique").
// createdAt is the run's birth timestamp (spec.md §4.2 metadata()); it comes
// from the engine's injected Clock rather than time.Now so tests can control
// it directly.
func NewRun(level int, entries []*Entry, createdAt int64, buildBloom bool) *Run {
	r := &Run{
		id:        uuid.NewString(),
		level:     level,
		entries:   entries,
		createdAt: createdAt,
	}
	if buildBloom {
		r.bloom = NewBloomFilterForRun(len(entries))
		for _, e := range entries {
			r.bloom.Add(e.Key)
		}
	}
	if len(entries) > 0 {
		r.minKey = entries[0].Key
		r.maxKey = entries[len(entries)-1].Key
	}
	for _, e := range entries {
		r.sizeBytes += e.sizeBytes()
	}
	return r
}

// ID returns the run's unique identifier.
func (r *Run) ID() string { return r.id }

// Level reports which compaction level the run belongs to.
func (r *Run) Level() int { return r.level }

// Len returns the number of entries in the run.
func (r *Run) Len() int { return len(r.entries) }

// SizeBytes returns the run's total approximate footprint.
func (r *Run) SizeBytes() int64 { return r.sizeBytes }

// CreatedAt returns the run's birth timestamp.
func (r *Run) CreatedAt() int64 { return r.createdAt }

// MinKey returns the smallest key in the run, or "" if the run is empty.
func (r *Run) MinKey() string { return r.minKey }

// MaxKey returns the largest key in the run, or "" if the run is empty.
func (r *Run) MaxKey() string { return r.maxKey }

// ContainsKey does a cheap bloom-filter probe: false means the key is
// definitely absent from this run and Lookup need not be called at all
// (spec.md §4.2).
func (r *Run) ContainsKey(key string) bool {
	if r.bloom == nil {
		return true
	}
	return r.bloom.Contains(key)
}

// Lookup binary-searches the sorted entries for key. It returns
// (nil, nil, false) if the key is not present in this run. A non-nil error
// means the stored entry's checksum failed verification — a STORAGE_ERROR
// per spec.md §7 — and the caller must not trust the returned entry.
func (r *Run) Lookup(key string) (*Entry, error, bool) {
	if !r.ContainsKey(key) {
		return nil, nil, false
	}
	idx, found := slices.BinarySearchFunc(r.entries, key, func(e *Entry, target string) int {
		switch {
		case e.Key < target:
			return -1
		case e.Key > target:
			return 1
		default:
			return 0
		}
	})
	if !found {
		return nil, nil, false
	}
	e := r.entries[idx]
	if !e.verifyChecksum() {
		return nil, &EngineError{
			Code:    StorageError,
			Message: fmt.Sprintf("run %s: checksum mismatch for key %q", r.id, key),
		}, true
	}
	return e, nil, true
}

// EntriesSorted returns the run's entries in ascending key order. Used by
// the compactor's k-way merge.
func (r *Run) EntriesSorted() []*Entry { return r.entries }

// Overlaps reports whether r's key range intersects other's, per the
// leveled-compaction overlap check in spec.md §4.5.
func (r *Run) Overlaps(other *Run) bool {
	if r.Len() == 0 || other.Len() == 0 {
		return false
	}
	return r.minKey <= other.maxKey && other.minKey <= r.maxKey
}

// Metadata returns the run's externally-visible description.
func (r *Run) Metadata() RunMetadata {
	var fpRate float64
	if r.bloom != nil {
		fpRate = r.bloom.EstimatedFPRate()
	}
	return RunMetadata{
		ID:         r.id,
		Level:      r.level,
		EntryCount: len(r.entries),
		MinKey:     r.minKey,
		MaxKey:     r.maxKey,
		SizeBytes:  r.sizeBytes,
		CreatedAt:  r.createdAt,
		FPRate:     fpRate,
	}
}
