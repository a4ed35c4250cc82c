package emberkv

import (
	"container/heap"
	"sync/atomic"
	"time"
)

// Compaction tier constants per spec.md §4.5.
const (
	// L0Threshold is K_0: L0 compacts once it holds this many runs.
	L0Threshold = 4
	// MaxLevel is L_MAX: the bottom level, where tombstones are finally
	// dropped rather than carried forward.
	MaxLevel = 6
)

// levelTrigger returns K_L, the run-count threshold for level, per
// spec.md's size-tiered L0 / leveled L1+ rule: K_0 = 4, K_L = 10^L for L>=1.
func levelTrigger(level int) int {
	if level == 0 {
		return L0Threshold
	}
	trigger := 1
	for i := 0; i < level; i++ {
		trigger *= 10
	}
	return trigger
}

// CompactionStats records one completed compaction pass, surfaced by
// INFO() (spec.md §4.5 step 5, §6): (level, input_run_count,
// output_run_count, input_bytes, output_bytes, entries_in, entries_dropped,
// duration_ms).
type CompactionStats struct {
	Level             int
	RunsIn            int
	RunsOut           int
	InputBytes        int64
	OutputBytes       int64
	EntriesIn         int
	EntriesOut        int
	EntriesDropped    int
	TombstonesDropped int
	ExpiredDropped    int
	DurationMillis    int64
}

// Compactor owns the leveled run structure and performs merges one level
// per invocation, matching the teacher's compactLevel's "compact one level
// at a time, the caller loops" shape (see DESIGN.md). Unlike the teacher,
// which runs this on its own ticker goroutine under a mutex, the
// Compactor here is driven cooperatively by the engine's single-writer
// executor: Step is called between commands, never concurrently with one
// (spec.md §5).
type Compactor struct {
	levels      [][]*Run // levels[0] = L0 ... levels[MaxLevel]
	inFlight    atomic.Bool
	history     []CompactionStats
	enableBloom bool
}

// NewCompactor returns an empty compactor with MaxLevel+1 levels. enableBloom
// mirrors the engine's enable_bloom_filter config flag (spec.md §6) and
// governs whether runs produced by compaction carry a bloom filter.
func NewCompactor(enableBloom bool) *Compactor {
	return &Compactor{levels: make([][]*Run, MaxLevel+1), enableBloom: enableBloom}
}

// AddL0Run appends a freshly flushed memtable run to level 0.
func (c *Compactor) AddL0Run(r *Run) {
	c.levels[0] = append(c.levels[0], r)
}

// Runs returns the runs at level, newest first (index 0 is most recent),
// matching the reverse-order lookup the teacher's Get performs within a
// level.
func (c *Compactor) Runs(level int) []*Run {
	runs := c.levels[level]
	out := make([]*Run, len(runs))
	for i, r := range runs {
		out[len(runs)-1-i] = r
	}
	return out
}

// AllLevels returns every run across every level, L0 first.
func (c *Compactor) AllLevels() [][]*Run { return c.levels }

// History returns completed compaction passes in chronological order.
func (c *Compactor) History() []CompactionStats { return c.history }

// InProgress reports whether a compaction pass is currently running.
// Since the executor is single-threaded this is only ever true while
// Step itself is on the stack, but the guard mirrors the teacher's
// compacting atomic.Bool and protects against accidental re-entrant calls.
func (c *Compactor) InProgress() bool { return c.inFlight.Load() }

// NeedsCompaction reports whether any level has grown past its trigger
// threshold (spec.md §4.5).
func (c *Compactor) NeedsCompaction() (level int, ok bool) {
	for lvl := 0; lvl < MaxLevel; lvl++ {
		if len(c.levels[lvl]) >= levelTrigger(lvl) {
			return lvl, true
		}
	}
	return 0, false
}

// Step performs a single compaction pass if one level is over threshold,
// merging it into level+1. Per spec.md §4.5 step 2, only the L+1 runs whose
// key range intersects the union of the L-input runs take part; any
// non-overlapping L+1 runs are left untouched so a level can actually
// accumulate runs toward its own trigger instead of being flattened to one
// run on every pass. It compacts at most one level per call, mirroring the
// teacher's "break after compacting one level" behavior, so the engine can
// interleave Step calls with serving commands.
func (c *Compactor) Step(nowMillis int64) (CompactionStats, bool) {
	level, ok := c.NeedsCompaction()
	if !ok {
		return CompactionStats{}, false
	}
	start := time.Now()
	c.inFlight.Store(true)
	defer c.inFlight.Store(false)

	source := c.levels[level]
	overlapping, rest := selectOverlapping(source, c.levels[level+1])
	runsIn := append(append([]*Run{}, source...), overlapping...)

	merged, stats := mergeRuns(runsIn, level+1 == MaxLevel, nowMillis)
	stats.Level = level + 1
	stats.RunsIn = len(runsIn)
	stats.EntriesIn = sumEntries(runsIn)
	stats.InputBytes = sumBytes(runsIn)
	stats.EntriesDropped = stats.TombstonesDropped + stats.ExpiredDropped

	var out []*Run
	if len(merged) > 0 {
		out = []*Run{NewRun(level+1, merged, nowMillis, c.enableBloom)}
	}
	stats.RunsOut = len(out)
	stats.EntriesOut = len(merged)
	stats.OutputBytes = sumBytes(out)
	stats.DurationMillis = time.Since(start).Milliseconds()

	c.levels[level] = nil
	c.levels[level+1] = append(rest, out...)
	c.history = append(c.history, stats)
	return stats, true
}

// selectOverlapping splits target into the runs whose key range intersects
// the union range of source (to be folded into this compaction pass) and
// the runs that don't (left in place).
func selectOverlapping(source, target []*Run) (overlapping, rest []*Run) {
	lo, hi, ok := unionRange(source)
	if !ok {
		return nil, target
	}
	for _, r := range target {
		if r.Len() > 0 && r.MinKey() <= hi && lo <= r.MaxKey() {
			overlapping = append(overlapping, r)
		} else {
			rest = append(rest, r)
		}
	}
	return overlapping, rest
}

// unionRange returns the smallest key range spanning every non-empty run in
// runs.
func unionRange(runs []*Run) (lo, hi string, ok bool) {
	for _, r := range runs {
		if r.Len() == 0 {
			continue
		}
		if !ok {
			lo, hi, ok = r.MinKey(), r.MaxKey(), true
			continue
		}
		if r.MinKey() < lo {
			lo = r.MinKey()
		}
		if r.MaxKey() > hi {
			hi = r.MaxKey()
		}
	}
	return lo, hi, ok
}

// mergeRuns performs a k-way merge across runs' sorted entries using the
// teacher's newer-timestamp-wins rule (entry.go's newerThan), dropping
// expired entries unconditionally and dropping tombstones only when
// bottomLevel is true (spec.md §4.5, §3).
func mergeRuns(runs []*Run, bottomLevel bool, nowMillis int64) ([]*Entry, CompactionStats) {
	h := &mergeHeap{}
	heap.Init(h)
	for i, r := range runs {
		if r.Len() == 0 {
			continue
		}
		heap.Push(h, &mergeCursor{entries: r.EntriesSorted(), pos: 0, src: i})
	}

	var stats CompactionStats
	var out []*Entry
	var pendingKey string
	var pendingEntry *Entry
	hasPending := false

	flush := func() {
		if !hasPending {
			return
		}
		if pendingEntry.ExpiredAt(nowMillis) {
			stats.ExpiredDropped++
		} else if pendingEntry.Value.IsTombstone() && bottomLevel {
			stats.TombstonesDropped++
		} else {
			out = append(out, pendingEntry)
		}
		hasPending = false
	}

	for h.Len() > 0 {
		cur := (*h)[0]
		e := cur.entries[cur.pos]
		cur.pos++
		if cur.pos < len(cur.entries) {
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
		}

		if hasPending && e.Key == pendingKey {
			if newerThan(e, pendingEntry) {
				pendingEntry = e
			}
			continue
		}
		flush()
		pendingKey = e.Key
		pendingEntry = e
		hasPending = true
	}
	flush()

	return out, stats
}

func sumEntries(runs []*Run) int {
	n := 0
	for _, r := range runs {
		n += r.Len()
	}
	return n
}

func sumBytes(runs []*Run) int64 {
	var n int64
	for _, r := range runs {
		n += r.SizeBytes()
	}
	return n
}

// mergeCursor walks one run's sorted entries during a k-way merge.
type mergeCursor struct {
	entries []*Entry
	pos     int
	src     int // index of the run in mergeRuns' input slice
}

// mergeHeap is a container/heap min-heap over the current key of each
// cursor, breaking ties by preferring the cursor positioned earlier in the
// input slice. mergeRuns keeps the first entry it pops for a key unless a
// later one is strictly newer (newerThan), so on a full created_at/version
// tie the earlier-ordered source wins.
type mergeHeap []*mergeCursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	ki, kj := h[i].entries[h[i].pos].Key, h[j].entries[h[j].pos].Key
	if ki != kj {
		return ki < kj
	}
	return h[i].src < h[j].src
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*mergeCursor)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
