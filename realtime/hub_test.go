package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStalledClientEvictionKeepsLaterSendsSafe(t *testing.T) {
	h := &Hub{clients: make(map[uint]map[*Client]bool)}
	c := &Client{hub: h, send: make(chan []byte, 1), userID: 7, lives: make(map[uint]bool)}
	h.clients[7] = map[*Client]bool{c: true}

	h.enqueue(c, []byte("one"))
	// Buffer full: the second enqueue evicts the stalled connection.
	h.enqueue(c, []byte("two"))
	require.Empty(t, h.clients)

	// A late ack or error frame for the evicted client must be a no-op.
	assert.NotPanics(t, func() { c.sendError("tok", "send_failed") })
	assert.NotPanics(t, func() { c.sendFrame("ack", ackFrame{ClientToken: "tok"}) })
	assert.False(t, c.trySend([]byte("three")))
}

func TestCloseSendIsIdempotent(t *testing.T) {
	c := &Client{send: make(chan []byte, 1)}
	c.closeSend()
	assert.NotPanics(t, c.closeSend)
}
