package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event types carried on the conversation change feed (conv:<id>) and the
// broadcast-only live channels (live:<id>).
const (
	TypeMessage  = "message"
	TypeReaction = "reaction"
	TypeRead     = "read"
	TypeHeart    = "heart"
	TypePresence = "presence"
)

// ErrMalformedEvent marks feed payloads that fail to decode. Handlers log
// and drop these; they must never tear down a subscription.
var ErrMalformedEvent = errors.New("realtime: malformed event")

// Envelope is the wire shape of every event: a type tag and a typed payload.
// Raw JSON is inspected exactly once, in DecodeEvent; everything downstream
// switches on the concrete Event type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event is the decoded, typed form of a feed payload.
type Event interface {
	eventType() string
}

// MessageEvent is an INSERT (or soft delete) on a messages row.
type MessageEvent struct {
	ID             uint      `json:"id"`
	ClientToken    string    `json:"clientToken,omitempty"`
	ConversationID uint      `json:"conversationID"`
	SenderID       uint      `json:"senderID"`
	Content        string    `json:"content,omitempty"`
	MessageType    string    `json:"messageType"`
	MediaRef       string    `json:"mediaRef,omitempty"`
	ReplyToID      uint      `json:"replyToID,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Deleted        bool      `json:"deleted,omitempty"`
}

func (MessageEvent) eventType() string { return TypeMessage }

// ReactionEvent is one toggle's outcome: present reports whether the triple
// exists after the toggle.
type ReactionEvent struct {
	ConversationID uint   `json:"conversationID"`
	MessageID      uint   `json:"messageID"`
	UserID         uint   `json:"userID"`
	Emoji          string `json:"emoji"`
	Present        bool   `json:"present"`
}

func (ReactionEvent) eventType() string { return TypeReaction }

// ReadEvent advances delivery state for a member: either an explicit message
// id list or a watermark (everything at or before UpTo).
// state: delivered | read
type ReadEvent struct {
	ConversationID uint      `json:"conversationID"`
	UserID         uint      `json:"userID"`
	State          string    `json:"state"`
	MessageIDs     []uint    `json:"messageIDs,omitempty"`
	UpTo           time.Time `json:"upTo,omitempty"`
}

func (ReadEvent) eventType() string { return TypeRead }

// HeartEvent is a livestream heart: never persisted, rendered for TTLMs and
// then forgotten. X is a 0-100 screen-position hint.
type HeartEvent struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Color  string  `json:"color"`
	UserID string  `json:"userId"`
	TTLMs  int     `json:"ttlMs,omitempty"`
}

func (HeartEvent) eventType() string { return TypeHeart }

// PresencePulseEvent is a live-viewer keepalive on the same channel.
type PresencePulseEvent struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	TTLMs  int    `json:"ttlMs,omitempty"`
}

func (PresencePulseEvent) eventType() string { return TypePresence }

// DecodeEvent converts a raw feed payload into its typed form. Unknown types
// and shape mismatches come back as ErrMalformedEvent.
func DecodeEvent(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch env.Type {
	case TypeMessage:
		var ev MessageEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if ev.ConversationID == 0 || (ev.ID == 0 && ev.ClientToken == "") {
			return nil, fmt.Errorf("%w: message without identity", ErrMalformedEvent)
		}
		return ev, nil
	case TypeReaction:
		var ev ReactionEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if ev.MessageID == 0 || ev.Emoji == "" {
			return nil, fmt.Errorf("%w: incomplete reaction", ErrMalformedEvent)
		}
		return ev, nil
	case TypeRead:
		var ev ReadEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if ev.State != "delivered" && ev.State != "read" {
			return nil, fmt.Errorf("%w: unknown read state %q", ErrMalformedEvent, ev.State)
		}
		return ev, nil
	case TypeHeart:
		var ev HeartEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if ev.ID == "" {
			return nil, fmt.Errorf("%w: heart without id", ErrMalformedEvent)
		}
		return ev, nil
	case TypePresence:
		var ev PresencePulseEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if ev.ID == "" {
			return nil, fmt.Errorf("%w: pulse without id", ErrMalformedEvent)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, env.Type)
	}
}

// EncodeEvent wraps a typed event back into its envelope form.
func EncodeEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.eventType(), Payload: payload})
}
