package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// SendMessage is the inbound compose frame. The client token is assigned by
// the sender before the server ever sees the message; resending with the
// same token is safe.
type SendMessage struct {
	ClientToken    string `json:"clientToken"`
	ConversationID uint   `json:"conversationID"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType"`
	MediaRef       string `json:"mediaRef"`
	ReplyToID      uint   `json:"replyToID"`
}

// ToggleReaction is the inbound reaction frame.
type ToggleReaction struct {
	ConversationID uint   `json:"conversationID"`
	MessageID      uint   `json:"messageID"`
	Emoji          string `json:"emoji"`
}

// MarkRead is the inbound read-watermark frame.
type MarkRead struct {
	ConversationID uint      `json:"conversationID"`
	UpTo           time.Time `json:"upTo"`
}

// WatchLive is the inbound frame joining or leaving a live channel.
type WatchLive struct {
	ConversationID uint `json:"conversationID"`
	Leave          bool `json:"leave,omitempty"`
}

// ChatService is the persistence boundary the gateway calls into. Saving a
// message or toggling a reaction also publishes the resulting event on the
// conversation's change feed.
type ChatService interface {
	MemberResolver
	IsMember(conversationID, userID uint) bool
	SaveMessage(ctx context.Context, senderID uint, in SendMessage) (MessageEvent, error)
	ToggleReaction(ctx context.Context, userID uint, in ToggleReaction) (ReactionEvent, error)
	MarkRead(ctx context.Context, userID, conversationID uint, upTo time.Time) (ReadEvent, error)
}

// Client is one authenticated websocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID uint
	svc    ChatService

	mu     sync.Mutex
	closed bool
	lives  map[uint]bool
}

// trySend queues a frame for the write pump. It reports false when the
// buffer is full or the connection has been evicted; after closeSend it is a
// safe no-op, never a panic.
func (c *Client) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// closeSend shuts the outbound channel exactly once. All closes of c.send go
// through here so concurrent senders can never hit a closed channel.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) watching(liveID uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lives[liveID]
}

func (c *Client) setWatching(liveID uint, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.lives[liveID] = true
	} else {
		delete(c.lives, liveID)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(8192)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { _ = c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleFrame(raw)
	}
}

// handleFrame processes one inbound envelope. Bad input answers with an
// error frame and keeps the connection alive.
func (c *Client) handleFrame(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendError("", "invalid_json")
		return
	}
	ctx := context.Background()

	switch env.Type {
	case TypeMessage:
		var in SendMessage
		if err := json.Unmarshal(env.Payload, &in); err != nil || in.ConversationID == 0 || in.ClientToken == "" {
			c.sendError(in.ClientToken, "missing_fields")
			return
		}
		ev, err := c.svc.SaveMessage(ctx, c.userID, in)
		if err != nil {
			c.sendError(in.ClientToken, "send_failed")
			return
		}
		// Ack carries the server identity back to the optimistic sender; the
		// change-feed echo follows via redis for everyone, sender included.
		c.sendFrame("ack", ackFrame{
			ClientToken: in.ClientToken,
			ID:          ev.ID,
			CreatedAt:   ev.CreatedAt,
		})
	case TypeReaction:
		var in ToggleReaction
		if err := json.Unmarshal(env.Payload, &in); err != nil || in.MessageID == 0 || in.Emoji == "" {
			c.sendError("", "missing_fields")
			return
		}
		if _, err := c.svc.ToggleReaction(ctx, c.userID, in); err != nil {
			c.sendError("", "reaction_failed")
		}
	case TypeRead:
		var in MarkRead
		if err := json.Unmarshal(env.Payload, &in); err != nil || in.ConversationID == 0 {
			c.sendError("", "missing_fields")
			return
		}
		if _, err := c.svc.MarkRead(ctx, c.userID, in.ConversationID, in.UpTo); err != nil {
			c.sendError("", "read_failed")
		}
	case TypeHeart:
		var in HeartEvent
		if err := json.Unmarshal(env.Payload, &in); err != nil || in.ID == "" {
			return // best effort, no error frame for ephemeral input
		}
		var target WatchLive
		_ = json.Unmarshal(env.Payload, &target)
		if target.ConversationID == 0 {
			return
		}
		c.publishEphemeral(ctx, target.ConversationID, in)
	case TypePresence:
		var in struct {
			PresencePulseEvent
			ConversationID uint `json:"conversationID"`
		}
		if err := json.Unmarshal(env.Payload, &in); err != nil || in.ID == "" || in.ConversationID == 0 {
			return
		}
		c.publishEphemeral(ctx, in.ConversationID, in.PresencePulseEvent)
	case "watch":
		var in WatchLive
		if err := json.Unmarshal(env.Payload, &in); err != nil || in.ConversationID == 0 {
			c.sendError("", "missing_fields")
			return
		}
		c.setWatching(in.ConversationID, !in.Leave)
	default:
		c.sendError("", "unsupported_type")
	}
}

// publishEphemeral stamps the authenticated sender onto the event and fires
// it at the live channel. Nothing is persisted; a lost heart is invisible.
func (c *Client) publishEphemeral(ctx context.Context, conversationID uint, ev Event) {
	switch e := ev.(type) {
	case HeartEvent:
		e.UserID = userIDString(c.userID)
		ev = e
	case PresencePulseEvent:
		e.UserID = userIDString(c.userID)
		ev = e
	}
	payload, err := EncodeEvent(ev)
	if err != nil {
		return
	}
	if err := c.hub.Publish(ctx, LiveChannel(conversationID), payload); err != nil {
		log.Printf("ephemeral publish failed: %v", err)
	}
}

type ackFrame struct {
	ClientToken string    `json:"clientToken"`
	ID          uint      `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
}

type errorFrame struct {
	ClientToken string `json:"clientToken,omitempty"`
	Error       string `json:"error"`
}

func (c *Client) sendFrame(frameType string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	out, err := json.Marshal(Envelope{Type: frameType, Payload: body})
	if err != nil {
		return
	}
	c.trySend(out)
}

func (c *Client) sendError(clientToken, code string) {
	c.sendFrame("error", errorFrame{ClientToken: clientToken, Error: code})
}

func (c *Client) writePump() {
	ticker := time.NewTicker((pongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
