package emberkv

import (
	"context"
	"log"
	"math/rand"
	"strconv"
	"time"

	"github.com/oarkflow/convert"
	"golang.org/x/sync/errgroup"
)

// Default configuration values (spec.md §6), grounded on the teacher's
// DefaultMemTableSize/CompactionRatio-style top-level constants.
const (
	DefaultMaxMemtableSizeMB    = 64
	DefaultCompactionIntervalMS = 60000
	defaultTTLSweepIntervalMS   = 5000
	ttlSweepSampleSize          = 20
)

// Config configures a new Engine, mirroring the teacher's Config/NewWithConfig
// pattern (velocity.go) generalized to the spec's parameters (spec.md §6).
type Config struct {
	MaxMemtableSizeMB    int64
	CompactionIntervalMS int64
	// EnableBloomFilter defaults to true (spec.md §6); a pointer so "not
	// set" (use the default) is distinguishable from an explicit false.
	EnableBloomFilter *bool
	Clock             Clock
}

func (c Config) withDefaults() Config {
	if c.MaxMemtableSizeMB <= 0 {
		c.MaxMemtableSizeMB = DefaultMaxMemtableSizeMB
	}
	if c.CompactionIntervalMS <= 0 {
		c.CompactionIntervalMS = DefaultCompactionIntervalMS
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.EnableBloomFilter == nil {
		enabled := true
		c.EnableBloomFilter = &enabled
	}
	return c
}

// Engine is the single-writer facade described in spec.md §4.6, §5: it owns
// one memtable, a leveled run set via the Compactor, a WAL, and a clock,
// and serializes every mutating operation through requests delivered on an
// internal channel and drained by one goroutine — the "owned actor" model
// spec.md §9 calls for, replacing the teacher's sync.RWMutex-per-method
// style (see DESIGN.md).
type Engine struct {
	cfg       Config
	memtable  *Memtable
	wal       *WAL
	compactor *Compactor
	clock     Clock
	bus       eventBus

	requests chan engineRequest
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
}

type engineRequest struct {
	req  Request
	fn   func()
	resp chan Response
}

// New returns an Engine with default configuration, mirroring the
// teacher's `func New(path ...string)` convenience constructor.
func New() *Engine {
	e, _ := NewWithConfig(Config{})
	return e
}

// NewWithConfig constructs an Engine, starts its executor goroutine, and
// schedules the background compaction and TTL-sweep loops (spec.md §5).
func NewWithConfig(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	e := &Engine{
		cfg:       cfg,
		memtable:  NewMemtable(),
		wal:       NewWAL(),
		compactor: NewCompactor(*cfg.EnableBloomFilter),
		clock:     cfg.Clock,
		requests:  make(chan engineRequest),
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
	}

	group.Go(func() error { return e.executorLoop(gctx) })
	group.Go(func() error { return e.compactionLoop(gctx) })
	group.Go(func() error { return e.ttlSweepLoop(gctx) })

	return e, nil
}

// Subscribe registers obs to receive lifecycle events (spec.md §4.6).
func (e *Engine) Subscribe(obs Observer) { e.bus.Subscribe(obs) }

// Close stops the executor and background loops and waits for them to
// exit, following the teacher's goroutine-lifetime pattern generalized
// with errgroup instead of a bare `go db.compactionLoop()` (see DESIGN.md).
func (e *Engine) Close() error {
	e.cancel()
	return e.group.Wait()
}

func (e *Engine) maxMemtableBytes() int64 {
	return e.cfg.MaxMemtableSizeMB * 1024 * 1024
}

// executorLoop drains requests serially, one to completion before the
// next (spec.md §5's "no suspension inside a command's critical section").
func (e *Engine) executorLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-e.requests:
			if item.fn != nil {
				item.fn()
				item.resp <- Response{}
				continue
			}
			item.resp <- e.dispatch(item.req)
		}
	}
}

// compactionLoop fires a tick every compaction_interval_ms; each tick asks
// the executor to run at most one level's merge step, cooperating with
// client commands rather than preempting them (spec.md §5, §4.5).
func (e *Engine) compactionLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(e.cfg.CompactionIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.submitInternal(func() {
				e.runCompactionStep()
			})
		}
	}
}

// ttlSweepLoop periodically asks the executor to scan a random sample of
// memtable keys and drop any that have expired (spec.md §5's "optional
// background sweep that scans a random sample of keys per tick").
func (e *Engine) ttlSweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(defaultTTLSweepIntervalMS * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.submitInternal(func() {
				e.sweepExpired()
			})
		}
	}
}

// submitInternal runs fn on the executor goroutine by round-tripping
// through the same request channel client commands use, so it never
// interleaves with an in-flight command.
func (e *Engine) submitInternal(fn func()) {
	resp := make(chan Response, 1)
	select {
	case e.requests <- engineRequest{fn: fn, resp: resp}:
		<-resp
	case <-e.ctx.Done():
	}
}

// sweepExpired checks a random sample of memtable keys and drops the ones
// that have expired. Run only from the executor's internal-command path so
// it executes under the same "one command at a time" guarantee as
// everything else.
func (e *Engine) sweepExpired() {
	now := e.clock.NowMillis()
	var keys []string
	e.memtable.IterSorted(func(entry *Entry) bool {
		keys = append(keys, entry.Key)
		return true
	})
	if len(keys) == 0 {
		return
	}
	n := ttlSweepSampleSize
	if n > len(keys) {
		n = len(keys)
	}
	for _, idx := range rand.Perm(len(keys))[:n] {
		e.memtable.Get(keys[idx], now) // Get removes the entry if it has expired
	}
}

func (e *Engine) runCompactionStep() {
	if e.compactor.InProgress() {
		return
	}
	if _, ok := e.compactor.NeedsCompaction(); !ok {
		return
	}
	e.bus.Publish(Event{Kind: EventCompactionStart})
	stats, ok := e.compactor.Step(e.clock.NowMillis())
	if !ok {
		return
	}
	e.bus.Publish(Event{Kind: EventCompactionEnd, Stats: &stats})
}

// submit delivers req to the executor and blocks for its response,
// matching the client ↔ engine channel protocol of spec.md §6.
func (e *Engine) submit(req Request) Response {
	resp := make(chan Response, 1)
	e.requests <- engineRequest{req: req, resp: resp}
	return <-resp
}

func (e *Engine) dispatch(req Request) Response {
	if err := validate(req); err != nil {
		e.bus.Publish(Event{Kind: EventError, Err: err})
		return Response{ID: req.ID, Err: err}
	}

	switch req.Command {
	case CmdSet:
		return e.handleSet(req)
	case CmdGet:
		return e.handleGet(req)
	case CmdDel:
		return e.handleDel(req)
	case CmdExists:
		return e.handleExists(req)
	case CmdExpire:
		return e.handleExpire(req)
	case CmdTTL:
		return e.handleTTL(req)
	case CmdIncr:
		return e.handleIncrDecr(req, 1)
	case CmdDecr:
		return e.handleIncrDecr(req, -1)
	case CmdKeys:
		return e.handleKeys(req)
	case CmdMGet:
		return e.handleMGet(req)
	case CmdMSet:
		return e.handleMSet(req)
	case CmdFlushAll:
		return e.handleFlushAll(req)
	case CmdInfo:
		return e.handleInfo(req)
	default:
		err := newValidationError("unknown command %q", req.Command)
		return Response{ID: req.ID, Err: err}
	}
}

func (e *Engine) handleSet(req Request) Response {
	key := StringifyKey(req.Args.Key)
	now := e.clock.NowMillis()
	var expiresAt int64
	if req.Args.HasTTL {
		expiresAt = now + req.Args.TTLMillis
	}

	e.wal.Append(WALRecord{Op: WALSet, Key: key, Value: req.Args.Value, TTLMillis: req.Args.TTLMillis})
	e.memtable.Put(key, req.Args.Value, now, expiresAt)
	e.maybeFlush(now)

	e.bus.Publish(Event{Kind: EventSet, Key: key, Value: req.Args.Value, TTLMillis: req.Args.TTLMillis})
	return Response{ID: req.ID}
}

func (e *Engine) handleGet(req Request) Response {
	key := StringifyKey(req.Args.Key)
	val, err := e.lookup(key)
	if err != nil {
		e.bus.Publish(Event{Kind: EventError, Err: err})
		return Response{ID: req.ID, Err: err}
	}
	e.bus.Publish(Event{Kind: EventGet, Key: key})
	return Response{ID: req.ID, Result: val}
}

// lookup implements the read path of spec.md §2: memtable first, then L0
// runs newest-to-oldest, then each deeper level newest-to-oldest. Returns
// (nil, nil) for absent; the bool-free nil is the "absent" sentinel
// since a present value is always a non-nil byte slice (possibly empty).
func (e *Engine) lookup(key string) ([]byte, *EngineError) {
	now := e.clock.NowMillis()
	if entry, ok := e.memtable.Get(key, now); ok {
		if entry.Value.IsTombstone() {
			return nil, nil
		}
		return entry.Value.Bytes, nil
	}
	for level := 0; level <= MaxLevel; level++ {
		for _, run := range e.compactor.Runs(level) {
			entry, runErr, found := run.Lookup(key)
			if runErr != nil {
				return nil, wrapStorageError(runErr)
			}
			if !found {
				continue
			}
			if entry.ExpiredAt(now) || entry.Value.IsTombstone() {
				return nil, nil
			}
			return entry.Value.Bytes, nil
		}
	}
	return nil, nil
}

func (e *Engine) handleDel(req Request) Response {
	key := StringifyKey(req.Args.Key)
	now := e.clock.NowMillis()
	val, lookupErr := e.lookup(key)
	if lookupErr != nil {
		return Response{ID: req.ID, Err: lookupErr}
	}
	existed := val != nil

	e.wal.Append(WALRecord{Op: WALDel, Key: key})
	e.memtable.Delete(key, now)
	e.maybeFlush(now)

	e.bus.Publish(Event{Kind: EventDel, Key: key, Deleted: existed})
	return Response{ID: req.ID, Result: existed}
}

func (e *Engine) handleExists(req Request) Response {
	key := StringifyKey(req.Args.Key)
	val, err := e.lookup(key)
	if err != nil {
		return Response{ID: req.ID, Err: err}
	}
	return Response{ID: req.ID, Result: val != nil}
}

func (e *Engine) handleExpire(req Request) Response {
	key := StringifyKey(req.Args.Key)
	now := e.clock.NowMillis()
	expiresAt := now + req.Args.TTLMillis

	if _, ok := e.memtable.Expire(key, now, expiresAt); ok {
		e.wal.Append(WALRecord{Op: WALExpire, Key: key, TTLMillis: req.Args.TTLMillis})
		e.bus.Publish(Event{Kind: EventExpire, Key: key, TTLMillis: req.Args.TTLMillis})
		return Response{ID: req.ID, Result: true}
	}

	val, err := e.lookup(key)
	if err != nil {
		return Response{ID: req.ID, Err: err}
	}
	if val == nil {
		return Response{ID: req.ID, Result: false}
	}
	e.wal.Append(WALRecord{Op: WALSet, Key: key, Value: val, TTLMillis: req.Args.TTLMillis})
	e.memtable.Put(key, val, now, expiresAt)
	e.maybeFlush(now)
	e.wal.Append(WALRecord{Op: WALExpire, Key: key, TTLMillis: req.Args.TTLMillis})
	e.bus.Publish(Event{Kind: EventExpire, Key: key, TTLMillis: req.Args.TTLMillis})
	return Response{ID: req.ID, Result: true}
}

func (e *Engine) handleTTL(req Request) Response {
	key := StringifyKey(req.Args.Key)
	now := e.clock.NowMillis()

	if entry, ok := e.memtable.Raw(key); ok {
		if entry.Value.IsTombstone() || entry.ExpiredAt(now) {
			return Response{ID: req.ID, Result: int64(-2)}
		}
		if !entry.HasExpiry() {
			return Response{ID: req.ID, Result: int64(-1)}
		}
		return Response{ID: req.ID, Result: ceilSeconds(entry.ExpiresAt - now)}
	}

	for level := 0; level <= MaxLevel; level++ {
		for _, run := range e.compactor.Runs(level) {
			entry, runErr, found := run.Lookup(key)
			if runErr != nil {
				return Response{ID: req.ID, Err: wrapStorageError(runErr)}
			}
			if !found {
				continue
			}
			if entry.Value.IsTombstone() || entry.ExpiredAt(now) {
				return Response{ID: req.ID, Result: int64(-2)}
			}
			if !entry.HasExpiry() {
				return Response{ID: req.ID, Result: int64(-1)}
			}
			return Response{ID: req.ID, Result: ceilSeconds(entry.ExpiresAt - now)}
		}
	}
	return Response{ID: req.ID, Result: int64(-2)}
}

func ceilSeconds(millis int64) int64 {
	if millis <= 0 {
		return 0
	}
	return (millis + 999) / 1000
}

// handleIncrDecr implements INCR/DECR: parse the current value as an
// integer (0 if absent or unparseable), write current+delta, following
// the teacher's Incr/Decr (velocity.go) which leans on oarkflow/convert
// for numeric coercion rather than hand-rolled parsing (see DESIGN.md).
func (e *Engine) handleIncrDecr(req Request, delta int64) Response {
	key := StringifyKey(req.Args.Key)
	now := e.clock.NowMillis()

	current := int64(0)
	if val, err := e.lookup(key); err != nil {
		return Response{ID: req.ID, Err: err}
	} else if val != nil {
		if f, ok := convert.ToFloat64(string(val)); ok {
			current = int64(f)
		}
	}

	next := current + delta
	nextBytes := []byte(strconv.FormatInt(next, 10))

	e.wal.Append(WALRecord{Op: WALSet, Key: key, Value: nextBytes})
	e.memtable.Put(key, nextBytes, now, 0)
	e.maybeFlush(now)

	e.bus.Publish(Event{Kind: EventSet, Key: key, Value: nextBytes})
	return Response{ID: req.ID, Result: next}
}

func (e *Engine) handleKeys(req Request) Response {
	matcher, err := CompilePattern(req.Args.Pattern)
	if err != nil {
		ve := newValidationError("invalid pattern: %v", err)
		return Response{ID: req.ID, Err: ve}
	}
	now := e.clock.NowMillis()

	seen := make(map[string]bool)
	var out []string

	// The memtable is scanned raw (not via Memtable.Keys, which already
	// filters out tombstones/expiry) so that a tombstone held only in the
	// memtable still marks its key seen and shadows an older, still-live
	// copy of the same key sitting in a run.
	e.memtable.IterSorted(func(entry *Entry) bool {
		if seen[entry.Key] {
			return true
		}
		seen[entry.Key] = true
		if entry.Value.IsTombstone() || entry.ExpiredAt(now) || !matcher.Match(entry.Key) {
			return true
		}
		out = append(out, entry.Key)
		return true
	})
	for level := 0; level <= MaxLevel; level++ {
		for _, run := range e.compactor.Runs(level) {
			for _, entry := range run.EntriesSorted() {
				if seen[entry.Key] {
					continue
				}
				// The first occurrence of a key across runs (newest-first)
				// decides whether it's live, even when that occurrence is a
				// tombstone or expired — it must still shadow any older,
				// still-live copy of the same key in a deeper run.
				seen[entry.Key] = true
				if entry.Value.IsTombstone() || entry.ExpiredAt(now) {
					continue
				}
				if !matcher.Match(entry.Key) {
					continue
				}
				out = append(out, entry.Key)
			}
		}
	}
	return Response{ID: req.ID, Result: out}
}

func (e *Engine) handleMGet(req Request) Response {
	out := make([]any, len(req.Args.Keys))
	for i, k := range req.Args.Keys {
		val, err := e.lookup(StringifyKey(k))
		if err != nil {
			return Response{ID: req.ID, Err: err}
		}
		if val == nil {
			out[i] = nil
		} else {
			out[i] = val
		}
	}
	return Response{ID: req.ID, Result: out}
}

func (e *Engine) handleMSet(req Request) Response {
	now := e.clock.NowMillis()
	for _, item := range req.Args.Values {
		key := StringifyKey(item.Key)
		var expiresAt int64
		if item.TTLMillis > 0 {
			expiresAt = now + item.TTLMillis
		}
		e.wal.Append(WALRecord{Op: WALSet, Key: key, Value: item.Value, TTLMillis: item.TTLMillis})
		e.memtable.Put(key, item.Value, now, expiresAt)
		e.maybeFlush(now)
		e.bus.Publish(Event{Kind: EventSet, Key: key, Value: item.Value, TTLMillis: item.TTLMillis})
	}
	return Response{ID: req.ID}
}

func (e *Engine) handleFlushAll(req Request) Response {
	e.memtable.Reset()
	e.wal.Clear()
	e.compactor = NewCompactor(*e.cfg.EnableBloomFilter)
	return Response{ID: req.ID}
}

func (e *Engine) handleInfo(req Request) Response {
	now := e.clock.NowMillis()
	stats := Stats{CompactionHistory: e.compactor.History()}

	var oldest, newest int64
	first := true
	e.memtable.IterSorted(func(entry *Entry) bool {
		if entry.ExpiredAt(now) {
			return true
		}
		if first || entry.CreatedAt < oldest {
			oldest = entry.CreatedAt
		}
		if first || entry.CreatedAt > newest {
			newest = entry.CreatedAt
		}
		first = false
		return true
	})
	stats.Memtable = MemtableStats{
		SizeBytes:       e.memtable.SizeBytes(),
		EntryCount:      e.memtable.EntryCount(),
		OldestCreatedAt: oldest,
		NewestCreatedAt: newest,
	}

	totalEntries := e.countLiveKeys(now)
	totalBytes := e.memtable.SizeBytes()
	for level := 0; level <= MaxLevel; level++ {
		for _, run := range e.compactor.Runs(level) {
			stats.Runs = append(stats.Runs, run.Metadata())
			totalBytes += run.SizeBytes()
		}
	}

	stats.TotalEntries = totalEntries
	stats.TotalSizeBytes = totalBytes
	return Response{ID: req.ID, Result: stats}
}

func (e *Engine) countLiveKeys(now int64) int {
	seen := make(map[string]bool)
	live := 0

	// Raw scan, not Memtable.Keys: a tombstone living only in the memtable
	// must still shadow an older, still-live copy of the same key in a run.
	e.memtable.IterSorted(func(entry *Entry) bool {
		if seen[entry.Key] {
			return true
		}
		seen[entry.Key] = true
		if !entry.Value.IsTombstone() && !entry.ExpiredAt(now) {
			live++
		}
		return true
	})
	for level := 0; level <= MaxLevel; level++ {
		for _, run := range e.compactor.Runs(level) {
			for _, entry := range run.EntriesSorted() {
				if seen[entry.Key] {
					continue
				}
				seen[entry.Key] = true
				if !entry.Value.IsTombstone() && !entry.ExpiredAt(now) {
					live++
				}
			}
		}
	}
	return live
}

// maybeFlush freezes the memtable into a new L0 run once it crosses the
// configured byte threshold, truncates the WAL, and schedules compaction
// if L0 now meets its trigger (spec.md §2, §4.5). The flush+wal-clear pair
// happens inline inside the current command's handler, so it is already
// atomic from the executor's perspective — no other command can interleave.
func (e *Engine) maybeFlush(now int64) {
	if !e.memtable.ShouldFlush(e.maxMemtableBytes()) {
		return
	}
	var entries []*Entry
	e.memtable.IterSorted(func(entry *Entry) bool {
		entries = append(entries, entry)
		return true
	})
	e.memtable.Reset()
	e.wal.Clear()

	if len(entries) > 0 {
		e.compactor.AddL0Run(NewRun(0, entries, now, *e.cfg.EnableBloomFilter))
	}
	e.bus.Publish(Event{Kind: EventFlush, RunsAfterL0: len(e.compactor.Runs(0))})

	if _, ok := e.compactor.NeedsCompaction(); ok {
		e.runCompactionStep()
	}
}

// Public API. Each method builds a Request and round-trips it through the
// executor, matching the client ↔ engine channel contract of spec.md §6.

func (e *Engine) Set(key any, value []byte, ttlMillis int64) error {
	args := Args{Key: key, Value: value}
	if ttlMillis > 0 {
		args.HasTTL = true
		args.TTLMillis = ttlMillis
	}
	resp := e.submit(Request{Command: CmdSet, Args: args})
	return errOrNil(resp.Err)
}

func (e *Engine) Get(key any) ([]byte, error) {
	resp := e.submit(Request{Command: CmdGet, Args: Args{Key: key}})
	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.Result == nil {
		return nil, nil
	}
	return resp.Result.([]byte), nil
}

func (e *Engine) Del(key any) (bool, error) {
	resp := e.submit(Request{Command: CmdDel, Args: Args{Key: key}})
	if resp.Err != nil {
		return false, resp.Err
	}
	return resp.Result.(bool), nil
}

func (e *Engine) Exists(key any) (bool, error) {
	resp := e.submit(Request{Command: CmdExists, Args: Args{Key: key}})
	if resp.Err != nil {
		return false, resp.Err
	}
	return resp.Result.(bool), nil
}

func (e *Engine) Expire(key any, ttlMillis int64) (bool, error) {
	resp := e.submit(Request{Command: CmdExpire, Args: Args{Key: key, HasTTL: true, TTLMillis: ttlMillis}})
	if resp.Err != nil {
		return false, resp.Err
	}
	return resp.Result.(bool), nil
}

func (e *Engine) TTL(key any) (int64, error) {
	resp := e.submit(Request{Command: CmdTTL, Args: Args{Key: key}})
	if resp.Err != nil {
		return 0, resp.Err
	}
	return resp.Result.(int64), nil
}

func (e *Engine) Incr(key any) (int64, error) {
	resp := e.submit(Request{Command: CmdIncr, Args: Args{Key: key}})
	if resp.Err != nil {
		return 0, resp.Err
	}
	return resp.Result.(int64), nil
}

func (e *Engine) Decr(key any) (int64, error) {
	resp := e.submit(Request{Command: CmdDecr, Args: Args{Key: key}})
	if resp.Err != nil {
		return 0, resp.Err
	}
	return resp.Result.(int64), nil
}

func (e *Engine) Keys(pattern string) ([]string, error) {
	resp := e.submit(Request{Command: CmdKeys, Args: Args{Pattern: pattern}})
	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.Result == nil {
		return nil, nil
	}
	return resp.Result.([]string), nil
}

func (e *Engine) MGet(keys []any) ([]any, error) {
	resp := e.submit(Request{Command: CmdMGet, Args: Args{Keys: keys}})
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Result.([]any), nil
}

func (e *Engine) MSet(items []MSetItem) error {
	resp := e.submit(Request{Command: CmdMSet, Args: Args{Values: items}})
	return errOrNil(resp.Err)
}

func (e *Engine) FlushAll() error {
	resp := e.submit(Request{Command: CmdFlushAll})
	return errOrNil(resp.Err)
}

func (e *Engine) Info() (Stats, error) {
	resp := e.submit(Request{Command: CmdInfo})
	if resp.Err != nil {
		return Stats{}, resp.Err
	}
	return resp.Result.(Stats), nil
}

func errOrNil(err *EngineError) error {
	if err == nil {
		return nil
	}
	return err
}

func init() {
	// Clears the standard logger's prefix. The package itself writes no
	// log output.
	log.SetPrefix("")
}
