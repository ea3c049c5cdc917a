package realtime

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/RsrRuso/cocktailsop-sub010/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	ch chan Event
}

func (f *fakeSource) Events() <-chan Event { return f.ch }
func (f *fakeSource) Close() error         { return nil }

type fakeSubscriber struct {
	mu      sync.Mutex
	sources []*fakeSource
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, conversationID uint) (EventSource, error) {
	src := &fakeSource{ch: make(chan Event, 16)}
	f.mu.Lock()
	f.sources = append(f.sources, src)
	f.mu.Unlock()
	return src, nil
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources)
}

func (f *fakeSubscriber) source(i int) *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[i]
}

type fakeBackfiller struct {
	mu    sync.Mutex
	batch []MessageEvent
	calls int
}

func (f *fakeBackfiller) MessagesSince(ctx context.Context, conversationID uint, since time.Time) ([]MessageEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make([]MessageEvent, len(f.batch))
	copy(out, f.batch)
	return out, nil
}

func (f *fakeBackfiller) set(batch []MessageEvent) {
	f.mu.Lock()
	f.batch = batch
	f.mu.Unlock()
}

func (f *fakeBackfiller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestSync(t *testing.T) (*Sync, *fakeSubscriber, *fakeBackfiller, *chat.MessageStore) {
	t.Helper()
	msgs := chat.NewMessageStore(7)
	sub := &fakeSubscriber{}
	bf := &fakeBackfiller{}
	s := NewSync(7, sub, bf, msgs, chat.NewReactionAggregator(), chat.NewConversationStore())
	s.RetryBase = 5 * time.Millisecond
	return s, sub, bf, msgs
}

func TestSyncForwardsLiveEvents(t *testing.T) {
	s, sub, _, msgs := newTestSync(t)
	go s.Run(context.Background())
	defer s.Close()

	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, time.Millisecond)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sub.source(0).ch <- MessageEvent{ID: 1, ConversationID: 7, SenderID: 2, Content: "live", MessageType: "text", CreatedAt: base}

	require.Eventually(t, func() bool { return len(msgs.Messages()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "live", msgs.Messages()[0].Content)
}

func TestSyncReconnectBackfillsGapWithoutDuplicates(t *testing.T) {
	s, sub, bf, msgs := newTestSync(t)
	go s.Run(context.Background())
	defer s.Close()

	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, time.Millisecond)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	first := sub.source(0)
	first.ch <- MessageEvent{ID: 1, ConversationID: 7, SenderID: 2, Content: "before the drop", MessageType: "text", CreatedAt: base}
	require.Eventually(t, func() bool { return len(msgs.Messages()) == 1 }, time.Second, time.Millisecond)

	// The reconnect backfill re-delivers the already-seen row alongside the gap.
	bf.set([]MessageEvent{
		{ID: 1, ConversationID: 7, SenderID: 2, Content: "before the drop", MessageType: "text", CreatedAt: base},
		{ID: 2, ConversationID: 7, SenderID: 3, Content: "missed 1", MessageType: "text", CreatedAt: base.Add(time.Second)},
		{ID: 3, ConversationID: 7, SenderID: 3, Content: "missed 2", MessageType: "text", CreatedAt: base.Add(2 * time.Second)},
	})
	close(first.ch)

	require.Eventually(t, func() bool { return sub.count() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(msgs.Messages()) == 3 }, time.Second, time.Millisecond)

	got := msgs.Messages()
	assert.Equal(t, uint(1), got[0].ID)
	assert.Equal(t, uint(3), got[2].ID)
	assert.GreaterOrEqual(t, bf.callCount(), 2)
}

func TestSyncCloseStopsTheLoop(t *testing.T) {
	s, sub, _, _ := newTestSync(t)
	go s.Run(context.Background())

	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, time.Millisecond)
	s.Close()

	before := sub.count()
	close(sub.source(0).ch)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, sub.count())
}

func TestHandleIgnoresForeignConversations(t *testing.T) {
	s, _, _, msgs := newTestSync(t)
	s.handle(MessageEvent{ID: 1, ConversationID: 99, SenderID: 2, CreatedAt: time.Now()})
	assert.Empty(t, msgs.Messages())
}

func TestHandleAppliesReactionAndReadEvents(t *testing.T) {
	s, _, _, msgs := newTestSync(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.handle(MessageEvent{ID: 5, ConversationID: 7, SenderID: 2, Content: "x", MessageType: "text", CreatedAt: base})

	s.handle(ReactionEvent{ConversationID: 7, MessageID: 5, UserID: 3, Emoji: "👍", Present: true})
	assert.Equal(t, map[string]int{"👍": 1}, s.reactions.Counts(5))
	s.handle(ReactionEvent{ConversationID: 7, MessageID: 5, UserID: 3, Emoji: "👍", Present: false})
	assert.Empty(t, s.reactions.Counts(5))

	s.handle(ReadEvent{ConversationID: 7, UserID: 3, State: "delivered", MessageIDs: []uint{5}})
	assert.Equal(t, chat.StateDelivered, msgs.Messages()[0].State)
	s.handle(ReadEvent{ConversationID: 7, UserID: 3, State: "read", UpTo: base})
	assert.Equal(t, chat.StateRead, msgs.Messages()[0].State)
}

func TestHandleReadReceiptIgnoresSendersOwnMessage(t *testing.T) {
	s, _, _, msgs := newTestSync(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.handle(MessageEvent{ID: 5, ConversationID: 7, SenderID: 2, Content: "x", MessageType: "text", CreatedAt: base})

	// The sender scrolling their own conversation is not a recipient receipt.
	s.handle(ReadEvent{ConversationID: 7, UserID: 2, State: "read", UpTo: base.Add(time.Minute)})
	assert.Equal(t, chat.StateSent, msgs.Messages()[0].State)

	s.handle(ReadEvent{ConversationID: 7, UserID: 3, State: "read", UpTo: base.Add(time.Minute)})
	assert.Equal(t, chat.StateRead, msgs.Messages()[0].State)
}

func TestSnippetKeepsRunesWhole(t *testing.T) {
	e := MessageEvent{Content: strings.Repeat("é", 300), MessageType: "text"}
	got := snippet(e)

	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 120, utf8.RuneCountInString(got))

	assert.Equal(t, "short", snippet(MessageEvent{Content: "short"}))
	assert.Equal(t, "image", snippet(MessageEvent{MessageType: "image"}))
}

func TestHandleBumpsConversationPreview(t *testing.T) {
	s, _, _, _ := newTestSync(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.handle(MessageEvent{ID: 8, ConversationID: 7, SenderID: 2, Content: "new preview", MessageType: "text", CreatedAt: base})

	v, ok := s.conversations.Get(7)
	require.True(t, ok)
	assert.Equal(t, "new preview", v.LastMessage.Snippet)
	assert.Equal(t, 1, v.UnreadCount)
}

func TestHandleForegroundSuppressesUnread(t *testing.T) {
	s, _, _, _ := newTestSync(t)
	s.Foregrounded = func(conversationID uint) bool { return conversationID == 7 }
	s.handle(MessageEvent{ID: 9, ConversationID: 7, SenderID: 2, Content: "watched live", MessageType: "text", CreatedAt: time.Now()})

	v, ok := s.conversations.Get(7)
	require.True(t, ok)
	assert.Equal(t, 0, v.UnreadCount)
}
