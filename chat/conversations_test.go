package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore() *ConversationStore {
	s := NewConversationStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.Put(ConversationView{ID: 1, Kind: "direct", LastMessage: Summary{SentAt: base.Add(time.Hour)}})
	s.Put(ConversationView{ID: 2, Kind: "group", Name: "trip", LastMessage: Summary{SentAt: base.Add(2 * time.Hour)}})
	s.Put(ConversationView{ID: 3, Kind: "direct", LastMessage: Summary{SentAt: base}})
	return s
}

func TestListOrdersPinnedFirstThenRecency(t *testing.T) {
	s := seededStore()
	current := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }

	// Pin 3 first, then 1; pin order must stay stable regardless of recency.
	s.TogglePin(3)
	current = current.Add(time.Minute)
	s.TogglePin(1)

	got := s.List(ListFilter{})
	require.Len(t, got, 3)
	assert.Equal(t, uint(3), got[0].ID)
	assert.Equal(t, uint(1), got[1].ID)
	assert.Equal(t, uint(2), got[2].ID)

	// Unpinning drops the row back into the recency order.
	s.TogglePin(3)
	got = s.List(ListFilter{})
	assert.Equal(t, uint(1), got[0].ID)
	assert.Equal(t, uint(2), got[1].ID)
	assert.Equal(t, uint(3), got[2].ID)
}

func TestArchiveFilterSplitsLists(t *testing.T) {
	s := seededStore()
	s.ToggleArchive(2)

	active := s.List(ListFilter{})
	require.Len(t, active, 2)
	for _, v := range active {
		assert.NotEqual(t, uint(2), v.ID)
	}

	archived := s.List(ListFilter{Archived: true})
	require.Len(t, archived, 1)
	assert.Equal(t, uint(2), archived[0].ID)
}

func TestUpsertFromMessageIsIdempotentPerMessage(t *testing.T) {
	s := seededStore()
	sum := Summary{MessageID: 99, SenderID: 5, Snippet: "hello", SentAt: time.Now()}

	s.UpsertFromMessage(1, sum, false)
	s.UpsertFromMessage(1, sum, false) // echo + backfill double delivery
	s.UpsertFromMessage(1, sum, false)

	v, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, 1, v.UnreadCount)
	assert.Equal(t, "hello", v.LastMessage.Snippet)
}

func TestForegroundMessagesDoNotCountUnread(t *testing.T) {
	s := seededStore()
	s.UpsertFromMessage(1, Summary{MessageID: 50, Snippet: "seen live", SentAt: time.Now()}, true)

	v, _ := s.Get(1)
	assert.Equal(t, 0, v.UnreadCount)
	assert.Equal(t, "seen live", v.LastMessage.Snippet)
}

func TestMarkReadIsMonotonicAgainstReplays(t *testing.T) {
	s := seededStore()
	s.UpsertFromMessage(1, Summary{MessageID: 60, SentAt: time.Now()}, false)
	s.UpsertFromMessage(1, Summary{MessageID: 61, SentAt: time.Now()}, false)

	s.MarkRead(1)
	v, _ := s.Get(1)
	require.Equal(t, 0, v.UnreadCount)

	// A replayed event for an already-counted message cannot resurrect it.
	s.UpsertFromMessage(1, Summary{MessageID: 61, SentAt: time.Now()}, false)
	v, _ = s.Get(1)
	assert.Equal(t, 0, v.UnreadCount)
}

func TestUpsertCreatesRowForUnknownConversation(t *testing.T) {
	s := NewConversationStore()
	s.UpsertFromMessage(42, Summary{MessageID: 1, Snippet: "new", SentAt: time.Now()}, false)

	v, ok := s.Get(42)
	require.True(t, ok)
	assert.Equal(t, 1, v.UnreadCount)
}

func TestStaleSummaryDoesNotOverwriteNewerPreview(t *testing.T) {
	s := NewConversationStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.UpsertFromMessage(1, Summary{MessageID: 2, Snippet: "newer", SentAt: base.Add(time.Minute)}, false)
	s.UpsertFromMessage(1, Summary{MessageID: 1, Snippet: "older backfill", SentAt: base}, false)

	v, _ := s.Get(1)
	assert.Equal(t, "newer", v.LastMessage.Snippet)
	assert.Equal(t, 2, v.UnreadCount)
}
