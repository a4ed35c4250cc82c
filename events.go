package emberkv

import "sync"

// EventKind names the lifecycle events the engine publishes to registered
// observers (spec.md §4.6, §6). Middleware and plugin surfaces — pub/sub,
// snapshotting, persistence to a host filesystem — are Non-goals of the
// core itself; they are expected to be observers layered on top (spec.md
// §1), so Publish is the only hook the core owes them.
type EventKind string

const (
	EventSet             EventKind = "set"
	EventGet             EventKind = "get"
	EventDel             EventKind = "del"
	EventExpire          EventKind = "expire"
	EventFlush           EventKind = "flush"
	EventCompactionStart EventKind = "compactionStart"
	EventCompactionEnd   EventKind = "compactionEnd"
	EventError           EventKind = "error"
)

// Event is a single published lifecycle notification. Payload carries
// whatever is relevant to Kind (spec.md §6): key, value, ttl,
// compaction stats, or an error.
type Event struct {
	Kind        EventKind
	Key         string
	Value       []byte
	TTLMillis   int64
	Deleted     bool // set payload for EventDel (spec.md §6: {key, deleted})
	RunsAfterL0 int  // set payload for EventFlush (spec.md §6: {runs_after_l0})
	Stats       *CompactionStats
	Err         error
}

// Observer receives published events. Handlers run synchronously on the
// engine's single executor goroutine (spec.md §5's ordering guarantee:
// an event is only published once its mutation already committed), so an
// Observer must not block or call back into the engine.
type Observer func(Event)

// eventBus fan-outs published events to registered observers. It takes a
// snapshot of the observer list before invoking callbacks, following the
// same race-free snapshot-then-iterate shape used for fan-out delivery
// elsewhere in the example pack (see DESIGN.md), even though the engine's
// single-writer model means Publish is never called concurrently with
// Subscribe in practice.
type eventBus struct {
	mu        sync.Mutex
	observers []Observer
}

// Subscribe registers obs to receive every future published event.
func (b *eventBus) Subscribe(obs Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs)
}

// Publish delivers ev to every registered observer in registration order.
func (b *eventBus) Publish(ev Event) {
	b.mu.Lock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.Unlock()

	for _, obs := range observers {
		obs(ev)
	}
}
