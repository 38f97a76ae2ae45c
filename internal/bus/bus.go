// Package bus is the typed event fabric joining the ingest components to
// their fan-out consumers. Producers publish; each consumer owns a private
// buffered channel, so no two fan-out targets ever share a queue and a
// stalled consumer only loses its own events.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Kind identifies an event topic.
type Kind string

const (
	KindCallStart      Kind = "call_start"
	KindCallEnd        Kind = "call_end"
	KindCallsActive    Kind = "calls_active"
	KindNewRecording   Kind = "new_recording"
	KindControlChannel Kind = "control_channel"
	KindRates          Kind = "rates"
	KindSystemChanged  Kind = "system_changed"
	KindError          Kind = "error"

	// Binary topics.
	KindAudio Kind = "audio"
	KindFFT   Kind = "fft"
)

// Event is one published item. Exactly one of Payload, Audio, or FFT is set
// depending on Kind.
type Event struct {
	Kind    Kind
	Channel int64 // talkgroup number or frequency key; 0 when not applicable
	Payload any   // JSON-marshalable body for textual kinds
	Audio   *AudioFrame
	FFT     *FFTPacket
}

// Subscription is a consumer's private event feed.
type Subscription struct {
	C      <-chan Event
	name   string
	ch     chan Event
	kinds  map[Kind]bool // nil = all kinds
	cancel func()
}

// Cancel detaches the subscription from the bus.
func (s *Subscription) Cancel() { s.cancel() }

// Bus fans events out to subscribers and retains a ring of the most recent
// control-channel events for late joiners.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	nextID      uint64
	log         zerolog.Logger

	dropped atomic.Int64

	ringMu   sync.RWMutex
	ring     []ControlChannelEvent
	ringSize int
	ringHead int
	ringLen  int
}

// New creates a bus retaining ringSize recent control-channel events.
func New(ringSize int, log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[uint64]*Subscription),
		ring:        make([]ControlChannelEvent, ringSize),
		ringSize:    ringSize,
		log:         log.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers a named consumer. The kinds set filters delivery;
// an empty set receives everything.
func (b *Bus) Subscribe(name string, buffer int, kinds ...Kind) *Subscription {
	var want map[Kind]bool
	if len(kinds) > 0 {
		want = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			want[k] = true
		}
	}

	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, name: name, kinds: want}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub
	b.mu.Unlock()

	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}

	return sub
}

// Publish delivers e to every matching subscriber without blocking. Events
// for a full subscriber queue are dropped and counted.
func (b *Bus) Publish(e Event) {
	if e.Kind == KindControlChannel {
		switch v := e.Payload.(type) {
		case ControlChannelEvent:
			b.record(v)
		case *ControlChannelEvent:
			b.record(*v)
		}
	}

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if sub.kinds != nil && !sub.kinds[e.Kind] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	b.mu.RUnlock()
}

// Dropped returns the number of events lost to full subscriber queues.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

func (b *Bus) record(e ControlChannelEvent) {
	b.ringMu.Lock()
	b.ring[b.ringHead] = e
	b.ringHead = (b.ringHead + 1) % b.ringSize
	if b.ringLen < b.ringSize {
		b.ringLen++
	}
	b.ringMu.Unlock()
}

// RecentControlEvents returns the retained control-channel events,
// oldest first.
func (b *Bus) RecentControlEvents() []ControlChannelEvent {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	out := make([]ControlChannelEvent, 0, b.ringLen)
	start := (b.ringHead - b.ringLen + b.ringSize) % b.ringSize
	for i := 0; i < b.ringLen; i++ {
		out = append(out, b.ring[(start+i)%b.ringSize])
	}
	return out
}
