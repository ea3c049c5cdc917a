package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakePublisher) published() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func TestHeartStormEvaporatesAfterTTL(t *testing.T) {
	bus := NewEphemeralBus("live:1", "me", nil)
	current := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return current }

	for i := 0; i < 50; i++ {
		bus.EmitHeart(context.Background(), float64(i%100), "#ff2d55", 2500*time.Millisecond)
	}
	require.Len(t, bus.Snapshot(), 50)

	// Five seconds later every heart is past its TTL.
	current = current.Add(5 * time.Second)
	assert.Empty(t, bus.Snapshot())
}

func TestSelfEchoIsSkipped(t *testing.T) {
	bus := NewEphemeralBus("live:1", "me", nil)

	bus.Receive(HeartEvent{ID: "h1", UserID: "me"})
	assert.Empty(t, bus.Snapshot())

	bus.Receive(HeartEvent{ID: "h2", UserID: "someone-else"})
	assert.Len(t, bus.Snapshot(), 1)
}

func TestRenderSetIsBounded(t *testing.T) {
	bus := NewEphemeralBus("live:1", "me", nil)

	for i := 0; i < maxLiveEntities+50; i++ {
		bus.Receive(HeartEvent{ID: fmt.Sprintf("h%d", i), UserID: "other", TTLMs: 60000})
	}

	live := bus.Snapshot()
	require.Len(t, live, maxLiveEntities)

	// Oldest entities were evicted first.
	first := live[0].(HeartEvent)
	assert.Equal(t, "h50", first.ID)
}

func TestEmitHeartBroadcastsOnTheLiveChannel(t *testing.T) {
	pub := &fakePublisher{}
	bus := NewEphemeralBus("live:1", "9", pub)

	ev := bus.EmitHeart(context.Background(), 42.5, "#ff2d55", 0)

	require.Equal(t, 1, pub.published())
	assert.Equal(t, "live:1", pub.channels[0])

	decoded, err := DecodeEvent(pub.payloads[0])
	require.NoError(t, err)
	heart := decoded.(HeartEvent)
	assert.Equal(t, ev.ID, heart.ID)
	assert.Equal(t, "9", heart.UserID)
	assert.Equal(t, int(defaultTTL/time.Millisecond), heart.TTLMs)
}

func TestPresencePulseRendersAndBroadcasts(t *testing.T) {
	pub := &fakePublisher{}
	bus := NewEphemeralBus("live:3", "me", pub)

	bus.EmitPresencePulse(context.Background(), time.Second)

	assert.Len(t, bus.Snapshot(), 1)
	assert.Equal(t, 1, pub.published())
}

func TestOnReceiveFiresForRemoteEvents(t *testing.T) {
	bus := NewEphemeralBus("live:1", "me", nil)
	var got []Event
	bus.OnReceive(func(ev Event) { got = append(got, ev) })

	bus.Receive(HeartEvent{ID: "h1", UserID: "other"})
	bus.Receive(HeartEvent{ID: "h2", UserID: "me"}) // self echo, no callback

	require.Len(t, got, 1)
	assert.Equal(t, "h1", got[0].(HeartEvent).ID)
}

func TestLiveFeedDrainsSourceIntoBus(t *testing.T) {
	bus := NewEphemeralBus("live:1", "me", nil)
	src := &fakeSource{ch: make(chan Event, 16)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		LiveFeed(ctx, src, bus)
		close(done)
	}()

	src.ch <- HeartEvent{ID: "h1", UserID: "other", TTLMs: 60000}
	require.Eventually(t, func() bool { return len(bus.Snapshot()) == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("live feed did not stop on cancel")
	}
}

func TestRemoteTTLDefaultsWhenMissing(t *testing.T) {
	bus := NewEphemeralBus("live:1", "me", nil)
	current := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return current }

	bus.Receive(HeartEvent{ID: "h1", UserID: "other"}) // no ttlMs on the wire

	current = current.Add(defaultTTL - time.Millisecond)
	assert.Len(t, bus.Snapshot(), 1)
	current = current.Add(2 * time.Millisecond)
	assert.Empty(t, bus.Snapshot())
}
