package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/RsrRuso/cocktailsop-sub010/models"
	"github.com/RsrRuso/cocktailsop-sub010/realtime"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

var (
	ErrNotMember       = errors.New("chat: not a member of this conversation")
	ErrCrossReply      = errors.New("chat: reply target is in another conversation")
	ErrUnknownMessage  = errors.New("chat: unknown message")
	ErrEmptyMessage    = errors.New("chat: message needs content or media")
	ErrUnknownConvKind = errors.New("chat: unknown message type")
)

var messageTypes = map[string]bool{
	"text": true, "image": true, "video": true,
	"voice": true, "audio": true, "document": true,
}

// ChatService is the write path for durable chat: it persists rows and
// publishes the resulting events on the conversation's change feed. It
// satisfies the gateway's ChatService, MemberResolver and Backfiller
// boundaries.
type ChatService struct {
	db       *gorm.DB
	rdb      *redis.Client
	notifier *NotificationService
}

func NewChatService(db *gorm.DB, rdb *redis.Client) *ChatService {
	return &ChatService{db: db, rdb: rdb, notifier: NewNotificationService(db)}
}

func (s *ChatService) IsMember(conversationID, userID uint) bool {
	var membership models.ConversationMember
	err := s.db.Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&membership).Error
	return err == nil
}

func (s *ChatService) MemberIDs(conversationID uint) ([]uint, error) {
	var ids []uint
	err := s.db.Model(&models.ConversationMember{}).
		Where("conversation_id = ?", conversationID).
		Pluck("user_id", &ids).Error
	return ids, err
}

// SaveMessage persists a compose. A client token the server has already seen
// returns the original row unchanged, which is what makes user-initiated
// retries safe.
func (s *ChatService) SaveMessage(ctx context.Context, senderID uint, in realtime.SendMessage) (realtime.MessageEvent, error) {
	if !s.IsMember(in.ConversationID, senderID) {
		return realtime.MessageEvent{}, ErrNotMember
	}
	if in.Content == "" && in.MediaRef == "" {
		return realtime.MessageEvent{}, ErrEmptyMessage
	}
	msgType := in.MessageType
	if msgType == "" {
		msgType = "text"
	}
	if !messageTypes[msgType] {
		return realtime.MessageEvent{}, ErrUnknownConvKind
	}

	// Duplicate client token: this is a retransmit, not a new message. The
	// lookup is scoped to the sender and conversation so a token lifted from
	// someone else's traffic can never surface their row; a collision outside
	// this scope falls through and dies on the unique index instead.
	var existing models.Message
	if err := s.db.Where("client_token = ? AND sender_id = ? AND conversation_id = ?",
		in.ClientToken, senderID, in.ConversationID).First(&existing).Error; err == nil {
		return messageEvent(&existing), nil
	}

	var replyTo *uint
	if in.ReplyToID != 0 {
		var target models.Message
		if err := s.db.First(&target, in.ReplyToID).Error; err != nil {
			return realtime.MessageEvent{}, ErrUnknownMessage
		}
		if target.ConversationID != in.ConversationID {
			return realtime.MessageEvent{}, ErrCrossReply
		}
		id := in.ReplyToID
		replyTo = &id
	}

	msg := models.Message{
		ClientToken:    in.ClientToken,
		ConversationID: in.ConversationID,
		SenderID:       senderID,
		Type:           msgType,
		MediaRef:       in.MediaRef,
		ReplyToID:      replyTo,
	}
	if in.Content != "" {
		content := in.Content
		msg.Content = &content
	}
	if err := s.db.Create(&msg).Error; err != nil {
		return realtime.MessageEvent{}, err
	}

	s.db.Model(&models.Conversation{}).
		Where("id = ?", in.ConversationID).
		Update("last_message_at", msg.CreatedAt)

	ev := messageEvent(&msg)
	s.publish(ctx, realtime.ConversationChannel(in.ConversationID), ev)
	go s.notifier.NotifyNewMessage(&msg)
	return ev, nil
}

// PublishMessage re-emits a row on its change feed, used after soft deletes.
func (s *ChatService) PublishMessage(ctx context.Context, m *models.Message) {
	s.publish(ctx, realtime.ConversationChannel(m.ConversationID), messageEvent(m))
}

// ToggleReaction adds the triple if absent, removes it if present, and
// publishes the outcome.
func (s *ChatService) ToggleReaction(ctx context.Context, userID uint, in realtime.ToggleReaction) (realtime.ReactionEvent, error) {
	var msg models.Message
	if err := s.db.First(&msg, in.MessageID).Error; err != nil {
		return realtime.ReactionEvent{}, ErrUnknownMessage
	}
	if !s.IsMember(msg.ConversationID, userID) {
		return realtime.ReactionEvent{}, ErrNotMember
	}

	ev := realtime.ReactionEvent{
		ConversationID: msg.ConversationID,
		MessageID:      in.MessageID,
		UserID:         userID,
		Emoji:          in.Emoji,
	}

	var existing models.Reaction
	err := s.db.Where("message_id = ? AND user_id = ? AND emoji = ?", in.MessageID, userID, in.Emoji).
		First(&existing).Error
	if err == nil {
		if err := s.db.Delete(&existing).Error; err != nil {
			return realtime.ReactionEvent{}, err
		}
		ev.Present = false
	} else {
		reaction := models.Reaction{MessageID: in.MessageID, UserID: userID, Emoji: in.Emoji}
		if err := s.db.Create(&reaction).Error; err != nil {
			return realtime.ReactionEvent{}, err
		}
		ev.Present = true
	}

	s.publish(ctx, realtime.ConversationChannel(msg.ConversationID), ev)
	return ev, nil
}

// MarkRead advances the member's read watermark and stamps seen_at on
// everything at or before it. The event carries the watermark so other
// members' stores can advance without a message id list.
func (s *ChatService) MarkRead(ctx context.Context, userID, conversationID uint, upTo time.Time) (realtime.ReadEvent, error) {
	if !s.IsMember(conversationID, userID) {
		return realtime.ReadEvent{}, ErrNotMember
	}
	if upTo.IsZero() {
		upTo = time.Now()
	}

	if err := s.db.Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("last_read_at", upTo).Error; err != nil {
		return realtime.ReadEvent{}, err
	}

	now := time.Now()
	s.db.Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND created_at <= ? AND seen_at IS NULL", conversationID, userID, upTo).
		Update("seen_at", now)

	ev := realtime.ReadEvent{
		ConversationID: conversationID,
		UserID:         userID,
		State:          "read",
		UpTo:           upTo,
	}
	s.publish(ctx, realtime.ConversationChannel(conversationID), ev)
	return ev, nil
}

// MarkDelivered records the first recipient ack for the given messages.
func (s *ChatService) MarkDelivered(ctx context.Context, userID, conversationID uint, messageIDs []uint) (realtime.ReadEvent, error) {
	if !s.IsMember(conversationID, userID) {
		return realtime.ReadEvent{}, ErrNotMember
	}
	now := time.Now()
	if err := s.db.Model(&models.Message{}).
		Where("conversation_id = ? AND id IN ? AND delivered_at IS NULL", conversationID, messageIDs).
		Update("delivered_at", now).Error; err != nil {
		return realtime.ReadEvent{}, err
	}

	ev := realtime.ReadEvent{
		ConversationID: conversationID,
		UserID:         userID,
		State:          "delivered",
		MessageIDs:     messageIDs,
	}
	s.publish(ctx, realtime.ConversationChannel(conversationID), ev)
	return ev, nil
}

// MessagesSince is the backfill query: rows created strictly after the
// watermark, oldest first, shaped like live events so the merge path is one
// and the same.
func (s *ChatService) MessagesSince(ctx context.Context, conversationID uint, since time.Time) ([]realtime.MessageEvent, error) {
	var rows []models.Message
	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if !since.IsZero() {
		q = q.Where("created_at > ?", since)
	}
	if err := q.Order("created_at ASC").Limit(500).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]realtime.MessageEvent, 0, len(rows))
	for i := range rows {
		out = append(out, messageEvent(&rows[i]))
	}
	return out, nil
}

func (s *ChatService) publish(ctx context.Context, channel string, ev realtime.Event) {
	payload, err := realtime.EncodeEvent(ev)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		log.Printf("publish failed on %s: %v", channel, err)
	}
}

func messageEvent(m *models.Message) realtime.MessageEvent {
	content := ""
	if m.Content != nil {
		content = *m.Content
	}
	var replyTo uint
	if m.ReplyToID != nil {
		replyTo = *m.ReplyToID
	}
	return realtime.MessageEvent{
		ID:             m.ID,
		ClientToken:    m.ClientToken,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        content,
		MessageType:    m.Type,
		MediaRef:       m.MediaRef,
		ReplyToID:      replyTo,
		CreatedAt:      m.CreatedAt,
		Deleted:        m.IsDeleted,
	}
}
