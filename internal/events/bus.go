package events

import (
	"context"
	"encoding/json"
	"iter"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names a status event.
type Kind string

const (
	KindGenerationStarted Kind = "generation_started"
	KindToolExecuted      Kind = "tool_executed"
	KindFileCreated       Kind = "file_created"
	KindServerStarted     Kind = "server_started"
	KindPreviewReady      Kind = "preview_ready"
	KindErrorOccurred     Kind = "error_occurred"
	KindStateChanged      Kind = "state_changed"
	KindLogAppended       Kind = "log_appended"
)

// Event is one entry in a project's stream. Seq starts at 1 and is never reused.
type Event struct {
	ProjectID string          `json:"project_id"`
	Seq       uint64          `json:"seq"`
	Kind      Kind            `json:"kind"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

// Bus is an in-memory pub/sub with one ordered stream per project and a
// bounded retention ring for replay.
type Bus struct {
	retention int
	buffer    int
	now       func() time.Time

	mu        sync.Mutex
	streams   map[string]*stream
	dropped   map[string]time.Time
	nextSubID int
}

// tombstoneTTL is how long a dropped project refuses new events and
// subscribers before its id is forgotten.
const tombstoneTTL = 10 * time.Minute

type stream struct {
	seq   uint64
	ring  []Event
	start int
	size  int
	subs  map[int]*Subscription
}

// NewBus creates a bus retaining up to retention events per project and
// buffering up to buffer undelivered events per subscriber.
func NewBus(retention, buffer int) *Bus {
	if retention <= 0 {
		retention = 500
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		retention: retention,
		buffer:    buffer,
		now:       time.Now,
		streams:   make(map[string]*stream),
		dropped:   make(map[string]time.Time),
	}
}

// Publish appends an event to the project's stream and fans it out.
// It never blocks: a full subscriber buffer loses its oldest event.
// Events for a dropped project are discarded and returned with Seq 0.
func (b *Bus) Publish(projectID string, kind Kind, payload any) Event {
	raw := json.RawMessage(`{}`)
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.streamLocked(projectID)
	if st == nil {
		return Event{ProjectID: projectID, Kind: kind, At: b.now().UTC(), Payload: raw}
	}
	st.seq++
	ev := Event{
		ProjectID: projectID,
		Seq:       st.seq,
		Kind:      kind,
		At:        b.now().UTC(),
		Payload:   raw,
	}
	st.push(ev)
	for _, sub := range st.subs {
		sub.deliver(ev)
	}
	return ev
}

// Subscribe registers a subscriber for projectID. With fromSeq == 0 only
// events published after the call are delivered. With fromSeq > 0 retained
// events with Seq >= fromSeq are replayed first; older ones are gone and the
// first delivered Seq reveals the gap. Subscribing to a dropped project
// yields an already closed subscription.
func (b *Bus) Subscribe(projectID string, fromSeq uint64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.streamLocked(projectID)
	if st == nil {
		b.nextSubID++
		sub := &Subscription{ProjectID: projectID, id: b.nextSubID, bus: b, ch: make(chan Event)}
		close(sub.ch)
		return sub
	}
	var replay []Event
	if fromSeq > 0 {
		replay = st.since(fromSeq)
	}

	b.nextSubID++
	sub := &Subscription{
		ProjectID: projectID,
		id:        b.nextSubID,
		bus:       b,
		ch:        make(chan Event, b.buffer+len(replay)),
	}
	for _, ev := range replay {
		sub.ch <- ev
	}
	st.subs[sub.id] = sub
	return sub
}

// History returns retained events with Seq >= fromSeq, oldest first.
func (b *Bus) History(projectID string, fromSeq uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[projectID]
	if !ok {
		return nil
	}
	return st.since(fromSeq)
}

// LastSeq returns the most recent sequence number issued for projectID.
func (b *Bus) LastSeq(projectID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.streams[projectID]; ok {
		return st.seq
	}
	return 0
}

// Drop closes every subscriber of projectID and forgets its stream. The id
// stays tombstoned for a while so late publishers and subscribers cannot
// restart it at seq 1.
func (b *Bus) Drop(projectID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for id, at := range b.dropped {
		if now.Sub(at) > tombstoneTTL {
			delete(b.dropped, id)
		}
	}
	b.dropped[projectID] = now

	st, ok := b.streams[projectID]
	if !ok {
		return
	}
	for id, sub := range st.subs {
		delete(st.subs, id)
		close(sub.ch)
	}
	delete(b.streams, projectID)
}

// streamLocked returns the project's stream, creating it on first use, or
// nil when the project was dropped.
func (b *Bus) streamLocked(projectID string) *stream {
	st, ok := b.streams[projectID]
	if !ok {
		if _, gone := b.dropped[projectID]; gone {
			return nil
		}
		st = &stream{
			ring: make([]Event, b.retention),
			subs: make(map[int]*Subscription),
		}
		b.streams[projectID] = st
	}
	return st
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[sub.ProjectID]
	if !ok {
		return
	}
	if _, ok := st.subs[sub.id]; ok {
		delete(st.subs, sub.id)
		close(sub.ch)
	}
}

func (st *stream) push(ev Event) {
	capacity := len(st.ring)
	if st.size < capacity {
		st.ring[(st.start+st.size)%capacity] = ev
		st.size++
		return
	}
	// Overwrite oldest.
	st.ring[st.start] = ev
	st.start = (st.start + 1) % capacity
}

func (st *stream) since(fromSeq uint64) []Event {
	out := make([]Event, 0, st.size)
	for i := 0; i < st.size; i++ {
		ev := st.ring[(st.start+i)%len(st.ring)]
		if ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Subscription is one subscriber's view of a project stream.
type Subscription struct {
	ProjectID string

	id      int
	bus     *Bus
	ch      chan Event
	dropped atomic.Uint64
}

// Events returns the delivery channel. It is closed by Close or Bus.Drop.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// All yields events until ctx is done, the consumer stops, or the
// subscription is closed.
func (s *Subscription) All(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-s.ch:
				if !ok || !yield(ev) {
					return
				}
			}
		}
	}
}

// deliver runs under the bus lock, so only the consumer competes for the
// channel and the drop loop terminates.
func (s *Subscription) deliver(ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}
