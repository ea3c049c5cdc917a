package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimisticSendReconciliation(t *testing.T) {
	s := NewMessageStore(7)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	token := s.AppendLocal(Entry{SenderID: 1, Content: "Hi", Type: "text", CreatedAt: base})
	require.NotEmpty(t, token)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, StatePending, msgs[0].State)
	assert.Zero(t, msgs[0].ID)

	// Persist fails while offline, user retries with the same token.
	require.True(t, s.MarkFailed(token))
	got, _ := s.Get(token)
	assert.Equal(t, StateFailed, got.State)
	require.True(t, s.Retry(token))
	got, _ = s.Get(token)
	assert.Equal(t, StatePending, got.State)

	// Server echo arrives with the real id and authoritative timestamp.
	serverAt := base.Add(3 * time.Second)
	s.ApplyRemote(Entry{ID: 42, ClientToken: token, SenderID: 1, Content: "Hi", CreatedAt: serverAt})

	msgs = s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, uint(42), msgs[0].ID)
	assert.Equal(t, StateSent, msgs[0].State)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.True(t, msgs[0].CreatedAt.Equal(serverAt))
}

func TestEchoRedeliveryIsIdempotent(t *testing.T) {
	s := NewMessageStore(7)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	token := s.AppendLocal(Entry{SenderID: 1, Content: "once", CreatedAt: base})

	echo := Entry{ID: 9, ClientToken: token, SenderID: 1, Content: "once", CreatedAt: base.Add(time.Second)}
	for i := 0; i < 5; i++ {
		s.ApplyRemote(echo)
	}
	// A backfill re-delivering the same row changes nothing either.
	s.MergeBackfill([]Entry{echo, echo})

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, uint(9), msgs[0].ID)
}

func TestOrderingFollowsCreatedAtNotArrival(t *testing.T) {
	s := NewMessageStore(3)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Arrive out of order over the wire.
	s.ApplyRemote(Entry{ID: 3, SenderID: 2, Content: "third", CreatedAt: base.Add(2 * time.Second)})
	s.ApplyRemote(Entry{ID: 1, SenderID: 2, Content: "first", CreatedAt: base})
	s.ApplyRemote(Entry{ID: 2, SenderID: 2, Content: "second", CreatedAt: base.Add(time.Second)})

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "third", msgs[2].Content)
}

func TestTimestampTiesBreakDeterministically(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	build := func(order []uint) []Entry {
		s := NewMessageStore(1)
		for _, id := range order {
			s.ApplyRemote(Entry{ID: id, SenderID: 2, CreatedAt: at})
		}
		return s.Messages()
	}

	a := build([]uint{2, 10, 7})
	b := build([]uint{7, 2, 10})
	require.Len(t, a, 3)
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID, "position %d differs by arrival order", i)
	}
}

func TestBackfillMergesAroundLiveEcho(t *testing.T) {
	s := NewMessageStore(7)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	token := s.AppendLocal(Entry{SenderID: 1, Content: "mine", CreatedAt: base})
	s.ApplyRemote(Entry{ID: 10, ClientToken: token, SenderID: 1, Content: "mine", CreatedAt: base})

	// Reconnect backfill returns the gap plus our own row again.
	s.MergeBackfill([]Entry{
		{ID: 10, ClientToken: token, SenderID: 1, Content: "mine", CreatedAt: base},
		{ID: 11, SenderID: 2, Content: "while you were away 1", CreatedAt: base.Add(time.Second)},
		{ID: 12, SenderID: 2, Content: "while you were away 2", CreatedAt: base.Add(2 * time.Second)},
		{ID: 13, SenderID: 3, Content: "while you were away 3", CreatedAt: base.Add(3 * time.Second)},
	})

	msgs := s.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, uint(10), msgs[0].ID)
	assert.Equal(t, uint(13), msgs[3].ID)
	assert.True(t, s.LastSeenAt().Equal(base.Add(3*time.Second)))
}

func TestDeliveryStateNeverMovesBackwards(t *testing.T) {
	s := NewMessageStore(7)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.ApplyRemote(Entry{ID: 5, SenderID: 2, Content: "x", CreatedAt: base})

	s.MarkRead(1, []uint{5})
	got := s.Messages()[0]
	assert.Equal(t, StateRead, got.State)

	// Late retransmit with a weaker state must not regress.
	s.ApplyRemote(Entry{ID: 5, SenderID: 2, Content: "x", CreatedAt: base, State: StateSent})
	s.MarkDelivered(1, []uint{5})
	got = s.Messages()[0]
	assert.Equal(t, StateRead, got.State)
}

func TestMarkReadUpToWatermark(t *testing.T) {
	s := NewMessageStore(7)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := uint(1); i <= 3; i++ {
		s.ApplyRemote(Entry{ID: i, SenderID: 2, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}

	s.MarkReadUpTo(1, base.Add(2*time.Second), StateRead)

	msgs := s.Messages()
	assert.Equal(t, StateRead, msgs[0].State)
	assert.Equal(t, StateRead, msgs[1].State)
	assert.Equal(t, StateSent, msgs[2].State)
}

func TestReadWatermarkSkipsReadersOwnMessages(t *testing.T) {
	s := NewMessageStore(7)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.ApplyRemote(Entry{ID: 1, SenderID: 2, Content: "mine", CreatedAt: base})
	s.ApplyRemote(Entry{ID: 2, SenderID: 3, Content: "theirs", CreatedAt: base.Add(time.Second)})

	// User 2 reads the whole conversation. Their own message carries the
	// recipient's state, so it must stay sent.
	s.MarkReadUpTo(2, base.Add(time.Minute), StateRead)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, StateSent, msgs[0].State)
	assert.Equal(t, StateRead, msgs[1].State)

	// Targeted receipts respect the same rule.
	s.MarkRead(2, []uint{1})
	assert.Equal(t, StateSent, s.Messages()[0].State)
}

func TestGroupReadAggregatesAcrossRecipients(t *testing.T) {
	s := NewMessageStore(7)
	s.SetMemberCount(3)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.ApplyRemote(Entry{ID: 1, SenderID: 1, Content: "hi all", CreatedAt: base})

	// First recipient: delivered, but not read by everyone yet.
	s.MarkReadUpTo(2, base.Add(time.Second), StateRead)
	assert.Equal(t, StateDelivered, s.Messages()[0].State)

	// Second recipient closes the set.
	s.MarkReadUpTo(3, base.Add(2*time.Second), StateRead)
	assert.Equal(t, StateRead, s.Messages()[0].State)
}

func TestSoftDeletePropagatesOnRetransmit(t *testing.T) {
	s := NewMessageStore(7)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.ApplyRemote(Entry{ID: 4, SenderID: 2, Content: "gone soon", CreatedAt: base})

	s.ApplyRemote(Entry{ID: 4, SenderID: 2, CreatedAt: base, IsDeleted: true})

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsDeleted)
}
