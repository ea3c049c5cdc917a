package realtime

import (
	"context"
	"log"
	"time"

	"github.com/RsrRuso/cocktailsop-sub010/chat"

	"github.com/go-redis/redis/v8"
)

// EventSource is one live subscription to a conversation's change feed. The
// channel closes when the subscription drops; Close releases it early.
type EventSource interface {
	Events() <-chan Event
	Close() error
}

// Subscriber opens change-feed subscriptions. RedisSubscriber is the real
// one; tests plug in their own.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID uint) (EventSource, error)
}

// Backfiller fetches messages created after a point in time, used to close
// the gap a dropped subscription leaves behind.
type Backfiller interface {
	MessagesSince(ctx context.Context, conversationID uint, since time.Time) ([]MessageEvent, error)
}

// Sync owns one conversation's subscription: it normalizes feed events into
// the stores, and on every (re)connect runs a backfill before resuming live
// forwarding so a gap never goes unnoticed. Separate conversations run
// separate Syncs with no ordering between them.
type Sync struct {
	conversationID uint
	subscriber     Subscriber
	backfiller     Backfiller

	messages      *chat.MessageStore
	reactions     *chat.ReactionAggregator
	conversations *chat.ConversationStore

	// Foregrounded reports whether the conversation is open and visible, in
	// which case new messages do not bump the unread count.
	Foregrounded func(conversationID uint) bool

	// RetryBase is the initial reconnect backoff; it doubles per failure up
	// to 30s. Zero means 500ms.
	RetryBase time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSync(conversationID uint, sub Subscriber, backfiller Backfiller, messages *chat.MessageStore, reactions *chat.ReactionAggregator, conversations *chat.ConversationStore) *Sync {
	return &Sync{
		conversationID: conversationID,
		subscriber:     sub,
		backfiller:     backfiller,
		messages:       messages,
		reactions:      reactions,
		conversations:  conversations,
		done:           make(chan struct{}),
	}
}

// Run blocks until ctx is done or Close is called, maintaining the
// subscription with backoff across drops.
func (s *Sync) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	defer close(s.done)

	backoff := s.RetryBase
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	retry := backoff

	for ctx.Err() == nil {
		src, err := s.subscriber.Subscribe(ctx, s.conversationID)
		if err != nil {
			log.Printf("subscribe failed for conversation %d: %v", s.conversationID, err)
			if !sleepCtx(ctx, retry) {
				return
			}
			if retry *= 2; retry > 30*time.Second {
				retry = 30 * time.Second
			}
			continue
		}
		retry = backoff

		// Catch up first: anything created while we were away merges through
		// the same dedup rules as live events.
		s.backfill(ctx)

		s.forward(ctx, src)
		_ = src.Close()
	}
}

// Close stops the sync and aborts any in-flight backfill.
func (s *Sync) Close() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sync) backfill(ctx context.Context) {
	since := s.messages.LastSeenAt()
	events, err := s.backfiller.MessagesSince(ctx, s.conversationID, since)
	if err != nil {
		log.Printf("backfill failed for conversation %d: %v", s.conversationID, err)
		return
	}
	entries := make([]chat.Entry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, entryFromEvent(ev))
	}
	s.messages.MergeBackfill(entries)
}

func (s *Sync) forward(ctx context.Context, src EventSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src.Events():
			if !ok {
				// Subscription dropped; the Run loop reconnects and backfills.
				log.Printf("subscription stale for conversation %d", s.conversationID)
				return
			}
			s.handle(ev)
		}
	}
}

func (s *Sync) handle(ev Event) {
	switch e := ev.(type) {
	case MessageEvent:
		if e.ConversationID != s.conversationID {
			return
		}
		s.messages.ApplyRemote(entryFromEvent(e))
		if s.conversations != nil {
			foreground := s.Foregrounded != nil && s.Foregrounded(s.conversationID)
			s.conversations.UpsertFromMessage(s.conversationID, chat.Summary{
				MessageID: e.ID,
				SenderID:  e.SenderID,
				Type:      e.MessageType,
				Snippet:   snippet(e),
				SentAt:    e.CreatedAt,
			}, foreground)
		}
	case ReactionEvent:
		if s.reactions != nil {
			s.reactions.Apply(e.MessageID, e.UserID, e.Emoji, e.Present)
		}
	case ReadEvent:
		state := chat.StateDelivered
		if e.State == "read" {
			state = chat.StateRead
		}
		if len(e.MessageIDs) > 0 {
			if state == chat.StateRead {
				s.messages.MarkRead(e.UserID, e.MessageIDs)
			} else {
				s.messages.MarkDelivered(e.UserID, e.MessageIDs)
			}
			return
		}
		if !e.UpTo.IsZero() {
			s.messages.MarkReadUpTo(e.UserID, e.UpTo, state)
		}
	default:
		// Hearts and pulses ride the live channel, not the change feed.
	}
}

func entryFromEvent(e MessageEvent) chat.Entry {
	return chat.Entry{
		ID:             e.ID,
		ClientToken:    e.ClientToken,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Content:        e.Content,
		Type:           e.MessageType,
		MediaRef:       e.MediaRef,
		ReplyToID:      e.ReplyToID,
		CreatedAt:      e.CreatedAt,
		State:          chat.StateSent,
		IsDeleted:      e.Deleted,
	}
}

func snippet(e MessageEvent) string {
	if e.Content != "" {
		if r := []rune(e.Content); len(r) > 120 {
			return string(r[:120])
		}
		return e.Content
	}
	return e.MessageType
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RedisSubscriber subscribes to conversation change feeds over redis pub/sub.
// Malformed payloads are logged and dropped; the subscription stays up.
type RedisSubscriber struct {
	rdb *redis.Client
}

func NewRedisSubscriber(rdb *redis.Client) *RedisSubscriber {
	return &RedisSubscriber{rdb: rdb}
}

func (r *RedisSubscriber) Subscribe(ctx context.Context, conversationID uint) (EventSource, error) {
	return subscribeChannel(ctx, r.rdb, ConversationChannel(conversationID))
}

// SubscribeLive opens an event source on a conversation's ephemeral channel,
// with the same decode-and-drop handling as the durable feed.
func SubscribeLive(ctx context.Context, rdb *redis.Client, conversationID uint) (EventSource, error) {
	return subscribeChannel(ctx, rdb, LiveChannel(conversationID))
}

func subscribeChannel(ctx context.Context, rdb *redis.Client, channel string) (EventSource, error) {
	pubsub := rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			ev, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				log.Printf("dropping event on %s: %v", msg.Channel, err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &redisEventSource{pubsub: pubsub, events: out}, nil
}

type redisEventSource struct {
	pubsub *redis.PubSub
	events chan Event
}

func (s *redisEventSource) Events() <-chan Event { return s.events }
func (s *redisEventSource) Close() error         { return s.pubsub.Close() }
