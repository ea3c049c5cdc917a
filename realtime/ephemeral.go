package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxLiveEntities bounds the render set under heavy fan-in: past the cap the
// oldest entity is evicted early. Combined with per-event TTLs this keeps
// memory flat during sustained heart storms.
const maxLiveEntities = 256

const defaultTTL = 2500 * time.Millisecond

// Publisher publishes fire-and-forget payloads on a broadcast-only channel.
// The Hub satisfies it on the server; clients bring their own.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// EphemeralBus is the local end of a live channel: hearts and presence
// pulses render immediately, broadcast best-effort, and evaporate after
// their TTL. Nothing here touches durable state, which is why late or lost
// events are acceptable by design.
type EphemeralBus struct {
	channel   string
	localUser string
	publisher Publisher

	mu       sync.Mutex
	live     map[string]liveEntity
	order    []string // insertion order, for cap eviction
	handlers []func(Event)

	now func() time.Time
}

type liveEntity struct {
	event     Event
	expiresAt time.Time
}

func NewEphemeralBus(channel, localUser string, publisher Publisher) *EphemeralBus {
	return &EphemeralBus{
		channel:   channel,
		localUser: localUser,
		publisher: publisher,
		live:      make(map[string]liveEntity),
		now:       time.Now,
	}
}

// EmitHeart renders a heart locally right away and broadcasts it. The
// publish is best effort; a failure only means remote viewers miss this one.
func (b *EphemeralBus) EmitHeart(ctx context.Context, x float64, color string, ttl time.Duration) HeartEvent {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	ev := HeartEvent{
		ID:     uuid.NewString(),
		X:      x,
		Color:  color,
		UserID: b.localUser,
		TTLMs:  int(ttl / time.Millisecond),
	}
	b.render(ev.ID, ev, ttl)
	b.broadcast(ctx, ev)
	return ev
}

// EmitPresencePulse announces the local viewer on the channel.
func (b *EphemeralBus) EmitPresencePulse(ctx context.Context, ttl time.Duration) PresencePulseEvent {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	ev := PresencePulseEvent{
		ID:     uuid.NewString(),
		UserID: b.localUser,
		TTLMs:  int(ttl / time.Millisecond),
	}
	b.render(ev.ID, ev, ttl)
	b.broadcast(ctx, ev)
	return ev
}

// OnReceive registers a render callback for events entering the set, local
// and remote alike.
func (b *EphemeralBus) OnReceive(handler func(Event)) {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
}

// Receive feeds a decoded remote event into the render set. Self-originated
// echoes are skipped: the local emit already rendered them.
func (b *EphemeralBus) Receive(ev Event) {
	var id, userID string
	ttl := defaultTTL
	switch e := ev.(type) {
	case HeartEvent:
		id, userID = e.ID, e.UserID
		if e.TTLMs > 0 {
			ttl = time.Duration(e.TTLMs) * time.Millisecond
		}
	case PresencePulseEvent:
		id, userID = e.ID, e.UserID
		if e.TTLMs > 0 {
			ttl = time.Duration(e.TTLMs) * time.Millisecond
		}
	default:
		return
	}
	if userID == b.localUser {
		return
	}
	b.render(id, ev, ttl)
}

// Snapshot returns the currently-live entities. Expired ones are pruned on
// the way out, so a timer that has not fired yet cannot resurrect them.
func (b *EphemeralBus) Snapshot() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	out := make([]Event, 0, len(b.order))
	for _, id := range b.order {
		if e, ok := b.live[id]; ok {
			out = append(out, e.event)
		}
	}
	return out
}

func (b *EphemeralBus) render(id string, ev Event, ttl time.Duration) {
	b.mu.Lock()
	b.pruneLocked()
	for len(b.order) >= maxLiveEntities {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.live, oldest)
	}
	b.live[id] = liveEntity{event: ev, expiresAt: b.now().Add(ttl)}
	b.order = append(b.order, id)
	handlers := make([]func(Event), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	// Removal is a local timer, deliberately independent of network state.
	time.AfterFunc(ttl, func() {
		b.mu.Lock()
		b.pruneLocked()
		b.mu.Unlock()
	})

	for _, h := range handlers {
		h(ev)
	}
}

func (b *EphemeralBus) pruneLocked() {
	now := b.now()
	kept := b.order[:0]
	for _, id := range b.order {
		e, ok := b.live[id]
		if !ok {
			continue
		}
		if e.expiresAt.After(now) {
			kept = append(kept, id)
			continue
		}
		delete(b.live, id)
	}
	b.order = kept
}

func (b *EphemeralBus) broadcast(ctx context.Context, ev Event) {
	if b.publisher == nil {
		return
	}
	payload, err := EncodeEvent(ev)
	if err != nil {
		return
	}
	if err := b.publisher.Publish(ctx, b.channel, payload); err != nil {
		log.Printf("ephemeral broadcast failed on %s: %v", b.channel, err)
	}
}

// LiveFeed drains an event source into the bus until ctx ends or the source
// closes. Open one with SubscribeLive; unlike the durable feed there is no
// reconnect loop, a dropped live channel just stops the hearts.
func LiveFeed(ctx context.Context, src EventSource, bus *EphemeralBus) {
	defer src.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			bus.Receive(ev)
		}
	}
}
