package gossip

import (
	"context"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// DefaultDebounce is the window Δ within which repeated have(URN) events
// for the same URN collapse into one pending entry.
const DefaultDebounce = 2 * time.Second

// DefaultCeiling bounds how many distinct URNs may sit pending at once;
// announces for new URNs past the ceiling are dropped rather than
// queued, since a burst of distinct announces should not let one noisy
// remote starve replication work for URNs already pending.
const DefaultCeiling = 4096

type pending struct {
	event    Event
	due      time.Time
	inflight bool
}

// Queue is the bounded, debounced work queue replication work items pass
// through between Adapter.handleEvent (the WAMP side) and Dispatch (the
// replication side). dedup/debounce keys are murmur3 hashes of the
// event's URN, the same hashing babble pulls in transitively
// through badger's bloom filter, repurposed here for an in-memory map key
// rather than a bloom filter bucket.
type Queue struct {
	mu       sync.Mutex
	debounce time.Duration
	ceiling  int
	items    map[uint64]*pending
	notify   chan struct{}
}

// NewQueue builds a Queue with the given debounce window and ceiling on
// distinct pending URNs. A zero debounce or ceiling falls back to the
// package defaults.
func NewQueue(debounce time.Duration, ceiling int) *Queue {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Queue{
		debounce: debounce,
		ceiling:  ceiling,
		items:    make(map[uint64]*pending),
		notify:   make(chan struct{}, 1),
	}
}

func dedupKey(ev Event) uint64 {
	h := murmur3.New64()
	_, _ = h.Write(ev.URN.Hash)
	return h.Sum64()
}

// Enqueue admits ev, coalescing it with any already-pending entry for the
// same URN within the debounce window. It reports whether ev
// was admitted (false means it was dropped: either a duplicate still
// inside its debounce window, or a brand-new key past the ceiling).
func (q *Queue) Enqueue(ev Event) bool {
	key := dedupKey(ev)
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if p, ok := q.items[key]; ok {
		if now.Before(p.due) {
			return false
		}
		p.event = ev
		p.due = now.Add(q.debounce)
		q.signal()
		return true
	}
	if len(q.items) >= q.ceiling {
		return false
	}
	q.items[key] = &pending{event: ev, due: now.Add(q.debounce)}
	q.signal()
	return true
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next pops one ready (past its debounce window, not already claimed by
// a concurrent Dispatch worker) entry, or reports none is ready.
func (q *Queue) next() (Event, uint64, bool) {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for key, p := range q.items {
		if p.inflight || now.Before(p.due) {
			continue
		}
		p.inflight = true
		return p.event, key, true
	}
	return Event{}, 0, false
}

// done removes key once its worker has finished processing it.
func (q *Queue) done(key uint64) {
	q.mu.Lock()
	delete(q.items, key)
	q.mu.Unlock()
}

// Len reports the number of distinct URNs currently pending.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dispatch drains q, calling work for each ready event, until ctx is
// cancelled. It is the single-reader loop the replication engine runs,
// grounded on babble's wamp.Client.Consumer() pattern of exposing one
// channel a caller ranges over; here the channel is internal and
// Dispatch itself is the consumer, since items must be re-checked for
// debounce expiry rather than simply read once.
func (q *Queue) Dispatch(ctx context.Context, work func(Event)) {
	ticker := time.NewTicker(q.debounce / 2)
	defer ticker.Stop()

	for {
		for {
			ev, key, ok := q.next()
			if !ok {
				break
			}
			work(ev)
			q.done(key)
		}

		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}
	}
}
