package emberkv

import "sync"

// WALOp is the operation tag for a WAL record (spec.md §4.4).
type WALOp uint8

const (
	WALSet WALOp = iota
	WALDel
	WALExpire
)

// WALRecord is a single (op, key, optional value, optional ttl) entry.
type WALRecord struct {
	Op        WALOp
	Key       string
	Value     []byte
	TTLMillis int64 // present for SET (if ttl supplied) and EXPIRE
}

// WAL is the append-only in-memory log of pending operations for the
// current memtable generation (spec.md §4.4). It carries no on-disk state:
// the core's Non-goals exclude durable crash recovery beyond replaying the
// current session's un-flushed tail (see DESIGN.md), so there is nothing
// for Flush to actually sync — it is kept as a call site for a future
// durable backend.
type WAL struct {
	mu      sync.Mutex
	records []WALRecord
}

// NewWAL returns an empty WAL, optionally seeded with records from a prior
// session (used only when the engine is reconstructed from an externally
// provided WAL seed, per spec.md §4.4).
func NewWAL(seed ...WALRecord) *WAL {
	w := &WAL{}
	if len(seed) > 0 {
		w.records = append(w.records, seed...)
	}
	return w
}

// Append records rec. It is called synchronously with every mutating
// memtable update, before the memtable itself is mutated, so a crash (or a
// storage error, per spec.md §7) leaves the WAL tail truncatable back to
// the pre-command state.
func (w *WAL) Append(rec WALRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, rec)
}

// TruncateTail drops the most recently appended record, reversing an append
// whose memtable mutation did not commit (spec.md §7). The engine does not
// call it: its handlers have no failure point between the WAL append and
// the memtable mutation.
func (w *WAL) TruncateTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := len(w.records); n > 0 {
		w.records = w.records[:n-1]
	}
}

// Flush is a no-op in the pure in-process design; it retains the call site
// where a durable variant would sync bytes to disk (spec.md §4.4).
func (w *WAL) Flush() error { return nil }

// Clear truncates the log. Invoked when the memtable is flushed to a new L0
// run; the executor must treat flush-run-persisted + wal-cleared as one
// atomic step (spec.md §4.4) — no other command may run in between.
func (w *WAL) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = nil
}

// Replay yields the current records in append order.
func (w *WAL) Replay() []WALRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WALRecord, len(w.records))
	copy(out, w.records)
	return out
}

// Len reports the number of pending records.
func (w *WAL) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}
