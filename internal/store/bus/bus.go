// Package bus implements the in-memory event bus: monotonic offset
// assignment, a bounded recent-history ring, and live broadcast to
// subscribers with lag/gap reporting.
//
// Grounded on the offset/ring/broadcast shape of
// _examples/original_source/src/engine/events.rs, rebuilt around Go
// channels instead of a tokio broadcast channel.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kissdb/kissengine/internal/store/logrecord"
)

// Subscription is a live handle delivered records arrive on. When a
// subscriber's channel is full, a published record is skipped for that
// subscriber only; it stays subscribed and receives later records once
// there is room. Lagged then carries the running total of records skipped
// so far, so the consumer can synthesize a gap notification and resume
// from the live tail.
type Subscription struct {
	Records <-chan logrecord.Event
	Lagged  <-chan uint64

	bus    *Bus
	id     uint64
	once   sync.Once
}

// Close detaches the subscription from the bus. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.id)
	})
}

type subscriber struct {
	id      uint64
	records chan logrecord.Event
	lagged  chan uint64
	dropped uint64 // accessed only while bus.mu is held
}

// Bus is the live event bus plus bounded recent-history ring.
type Bus struct {
	mu   sync.Mutex
	ring []logrecord.Event
	cap  int // ring capacity

	subCap int // per-subscriber channel capacity (live broadcast capacity)
	subs   map[uint64]*subscriber
	nextID uint64

	nextOffset    atomic.Int64
	lastPublished atomic.Int64
}

// New creates a Bus with a bounded recent-history ring of ringCapacity
// events and a per-subscriber live channel capacity of subscriberCapacity.
func New(ringCapacity, subscriberCapacity int) *Bus {
	if ringCapacity < 1 {
		ringCapacity = 1
	}
	if subscriberCapacity < 0 {
		subscriberCapacity = 0
	}
	b := &Bus{
		ring:   make([]logrecord.Event, 0, ringCapacity),
		cap:    ringCapacity,
		subCap: subscriberCapacity,
		subs:   make(map[uint64]*subscriber),
	}
	b.nextOffset.Store(1)
	return b
}

// NextRecord atomically assigns the next offset and returns an unpublished
// event. The caller must persist it (if persistence is configured) before
// calling Publish.
func (b *Bus) NextRecord(typ logrecord.EventType, data []byte) logrecord.Event {
	offset := b.nextOffset.Add(1) - 1
	return logrecord.Event{
		Offset: offset,
		TSMs:   time.Now().UnixMilli(),
		Type:   typ,
		Data:   data,
	}
}

// Publish stores rec in the recent-history ring (evicting the oldest entry
// once the ring is full), advances the last-published offset, and delivers
// rec to every live subscriber that is not over capacity.
func (b *Bus) Publish(rec logrecord.Event) {
	b.mu.Lock()
	if len(b.ring) >= b.cap {
		copy(b.ring, b.ring[1:])
		b.ring = b.ring[:len(b.ring)-1]
	}
	b.ring = append(b.ring, rec)
	b.lastPublished.Store(rec.Offset)

	for _, sub := range b.subs {
		select {
		case sub.records <- rec:
		default:
			sub.dropped++
			// Drain any stale lag notice so the subscriber only ever sees
			// the latest count, then push the refreshed one if there's room.
			select {
			case <-sub.lagged:
			default:
			}
			select {
			case sub.lagged <- sub.dropped:
			default:
			}
		}
	}
	b.mu.Unlock()
}

// ReplaySince returns every ring event whose offset exceeds since, in order.
func (b *Bus) ReplaySince(since int64) []logrecord.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]logrecord.Event, 0, len(b.ring))
	for _, e := range b.ring {
		if e.Offset > since {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe returns a live handle that delivers every record published
// after subscription.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{
		id: id,
		// b.subCap may be 0: an unbuffered channel, so a publish only
		// delivers when a receiver is already waiting and otherwise lags
		// immediately, matching the zero-capacity boundary spec.md names.
		records: make(chan logrecord.Event, b.subCap),
		lagged:  make(chan uint64, 1),
	}
	b.subs[id] = sub
	return &Subscription{Records: sub.records, Lagged: sub.lagged, bus: b, id: id}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.records)
		delete(b.subs, id)
	}
}

// SetNextOffset seeds the offset counter, used after replay to seat the
// bus's next-offset to the highest offset seen plus one.
func (b *Bus) SetNextOffset(n int64) {
	if n < 1 {
		n = 1
	}
	for {
		cur := b.nextOffset.Load()
		if n <= cur {
			return
		}
		if b.nextOffset.CompareAndSwap(cur, n) {
			return
		}
	}
}

// LastPublishedOffset returns the highest offset actually published.
func (b *Bus) LastPublishedOffset() int64 {
	return b.lastPublished.Load()
}
