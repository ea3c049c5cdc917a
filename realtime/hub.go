package realtime

import (
	"context"
	"log"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
)

// Channel naming: conv:<conversationID> for the durable change feed,
// live:<conversationID> for the broadcast-only ephemeral channel.
const (
	convChannelPrefix = "conv:"
	liveChannelPrefix = "live:"
)

func ConversationChannel(id uint) string {
	return convChannelPrefix + strconv.FormatUint(uint64(id), 10)
}

func LiveChannel(id uint) string {
	return liveChannelPrefix + strconv.FormatUint(uint64(id), 10)
}

func parseChannel(name, prefix string) (uint, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(name[len(prefix):], 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// MemberResolver reports who may receive a conversation's durable events.
type MemberResolver interface {
	MemberIDs(conversationID uint) ([]uint, error)
}

// Hub holds websocket clients and subscribes to the redis channels so every
// server instance delivers events to its own local connections.
type Hub struct {
	rdb     *redis.Client
	members MemberResolver

	clients    map[uint]map[*Client]bool // userID -> set of connections
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
}

type outbound struct {
	targetUser uint // if set, deliver to this user only
	channel    string
	payload    []byte
}

func NewHub(rdb *redis.Client, members MemberResolver) *Hub {
	h := &Hub{
		rdb:        rdb,
		members:    members,
		clients:    make(map[uint]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	pubsub := h.rdb.PSubscribe(context.Background(), convChannelPrefix+"*", liveChannelPrefix+"*")
	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			h.broadcast <- outbound{channel: msg.Channel, payload: []byte(msg.Payload)}
		}
	}()

	for {
		select {
		case c := <-h.register:
			if _, ok := h.clients[c.userID]; !ok {
				h.clients[c.userID] = make(map[*Client]bool)
			}
			h.clients[c.userID][c] = true
			log.Printf("client registered: user %d", c.userID)
		case c := <-h.unregister:
			if conns, ok := h.clients[c.userID]; ok {
				if _, exists := conns[c]; exists {
					delete(conns, c)
					c.closeSend()
				}
				if len(conns) == 0 {
					delete(h.clients, c.userID)
				}
			}
		case m := <-h.broadcast:
			h.deliver(m)
		}
	}
}

func (h *Hub) deliver(m outbound) {
	if m.targetUser != 0 {
		h.sendToUser(m.targetUser, m.payload)
		return
	}
	if convID, ok := parseChannel(m.channel, convChannelPrefix); ok {
		// Durable events go to members only.
		memberIDs, err := h.members.MemberIDs(convID)
		if err != nil {
			log.Printf("member lookup failed for conversation %d: %v", convID, err)
			return
		}
		for _, userID := range memberIDs {
			h.sendToUser(userID, m.payload)
		}
		return
	}
	if liveID, ok := parseChannel(m.channel, liveChannelPrefix); ok {
		// Ephemeral events go to whoever asked to watch, member or not.
		for _, conns := range h.clients {
			for c := range conns {
				if c.watching(liveID) {
					h.enqueue(c, m.payload)
				}
			}
		}
	}
}

func (h *Hub) sendToUser(userID uint, payload []byte) {
	conns, ok := h.clients[userID]
	if !ok {
		return
	}
	for c := range conns {
		h.enqueue(c, payload)
	}
}

// enqueue drops the connection if its buffer is full; a stalled reader must
// not back up the hub loop. Eviction goes through closeSend so an ack or
// error frame racing the eviction lands on the closed flag, not a panic.
func (h *Hub) enqueue(c *Client, payload []byte) {
	if c.trySend(payload) {
		return
	}
	c.closeSend()
	if conns, ok := h.clients[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.userID)
		}
	}
}

func (h *Hub) RegisterClient(c *Client) {
	h.register <- c
}

func (h *Hub) UnregisterClient(c *Client) {
	h.unregister <- c
}

// Publish sends a payload through redis so every instance's hub sees it.
func (h *Hub) Publish(ctx context.Context, channel string, payload []byte) error {
	return h.rdb.Publish(ctx, channel, payload).Err()
}

// SendToUser enqueues a payload for one user's local connections only,
// bypassing redis. Used for acks.
func (h *Hub) SendToUser(userID uint, payload []byte) {
	h.broadcast <- outbound{targetUser: userID, payload: payload}
}
