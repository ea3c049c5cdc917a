package chat

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// DeliveryState tracks a message through the send pipeline.
//
//	pending -> sent -> delivered -> read
//	pending -> failed -> (retry) pending
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
	StateFailed    DeliveryState = "failed"
)

// stateRank orders the forward states so remote updates can never move a
// message backwards (a late "sent" echo must not undo "read").
func stateRank(s DeliveryState) int {
	switch s {
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	default:
		return 0
	}
}

// Entry is one rendered message in a conversation timeline.
type Entry struct {
	ID             uint // server id; 0 until the ack or echo arrives
	ClientToken    string
	ConversationID uint
	SenderID       uint
	Content        string
	Type           string
	MediaRef       string
	ReplyToID      uint
	CreatedAt      time.Time
	State          DeliveryState
	IsDeleted      bool
}

// identity is the deterministic sort tiebreaker for equal timestamps: the
// server id once assigned, the client token before that.
func (e Entry) identity() string {
	if e.ID != 0 {
		return strconv.FormatUint(uint64(e.ID), 10)
	}
	return e.ClientToken
}

// MessageStore owns one conversation's ordered message list: the optimistic
// send path, the delivery state machine and the merge logic for remote events
// and backfills. Every mutating operation takes the store mutex, so applies
// within a conversation are strictly serialized.
type MessageStore struct {
	mu             sync.Mutex
	conversationID uint
	entries        []Entry
	byID           map[uint]int
	byToken        map[string]int
	lastSeenAt     time.Time

	// readers holds each member's read watermark; memberCount, when known,
	// is what group read aggregation checks against.
	readers     map[uint]time.Time
	memberCount int

	now func() time.Time
}

func NewMessageStore(conversationID uint) *MessageStore {
	return &MessageStore{
		conversationID: conversationID,
		byID:           make(map[uint]int),
		byToken:        make(map[string]int),
		readers:        make(map[uint]time.Time),
		now:            time.Now,
	}
}

// SetMemberCount records the conversation's member count. With it set, a
// message only reaches read once every member other than its sender has a
// covering watermark; without it a single recipient watermark is enough,
// which is the direct-conversation case.
func (s *MessageStore) SetMemberCount(n int) {
	s.mu.Lock()
	s.memberCount = n
	s.mu.Unlock()
}

func (s *MessageStore) ConversationID() uint { return s.conversationID }

// AppendLocal inserts an optimistic entry in state pending and returns its
// client token. The token is generated when the caller did not supply one.
func (s *MessageStore) AppendLocal(e Entry) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ClientToken == "" {
		e.ClientToken = uuid.NewString()
	}
	e.ID = 0
	e.State = StatePending
	e.ConversationID = s.conversationID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.entries = append(s.entries, e)
	s.reindexLocked()
	return e.ClientToken
}

// MarkFailed moves a pending entry to failed after a persist error.
func (s *MessageStore) MarkFailed(clientToken string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byToken[clientToken]
	if !ok || s.entries[idx].State != StatePending {
		return false
	}
	s.entries[idx].State = StateFailed
	return true
}

// Retry moves a failed entry back to pending for a resend. The entry keeps
// its client token so the server-side idempotency check can absorb a
// duplicate persist.
func (s *MessageStore) Retry(clientToken string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byToken[clientToken]
	if !ok || s.entries[idx].State != StateFailed {
		return false
	}
	s.entries[idx].State = StatePending
	return true
}

// ApplyRemote merges a message coming off the change feed, a persist ack or
// a backfill row. Resolution order:
//
//  1. known server id        -> retransmit; refresh mutable fields only
//  2. known client token     -> echo of an optimistic entry; adopt the server
//     identity in place, no duplicate, position follows the server timestamp
//  3. otherwise              -> new message, inserted in created_at order
func (s *MessageStore) ApplyRemote(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(e)
}

// MergeBackfill applies a catch-up fetch with the same dedup rules as live
// events, so a row delivered both ways still renders exactly once.
func (s *MessageStore) MergeBackfill(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.applyLocked(e)
	}
}

func (s *MessageStore) applyLocked(e Entry) {
	if e.CreatedAt.After(s.lastSeenAt) {
		s.lastSeenAt = e.CreatedAt
	}

	if e.ID != 0 {
		if idx, ok := s.byID[e.ID]; ok {
			cur := &s.entries[idx]
			if stateRank(e.State) > stateRank(cur.State) {
				cur.State = e.State
			}
			if e.IsDeleted {
				cur.IsDeleted = true
			}
			return
		}
	}

	if e.ClientToken != "" {
		if idx, ok := s.byToken[e.ClientToken]; ok {
			cur := s.entries[idx]
			cur.ID = e.ID
			if !e.CreatedAt.IsZero() {
				// The server timestamp is authoritative once known.
				cur.CreatedAt = e.CreatedAt
			}
			next := e.State
			if stateRank(next) < stateRank(StateSent) {
				next = StateSent
			}
			if stateRank(next) > stateRank(cur.State) || cur.State == StatePending || cur.State == StateFailed {
				cur.State = next
			}
			s.entries[idx] = cur
			s.reindexLocked()
			return
		}
	}

	if e.State == "" || e.State == StatePending || e.State == StateFailed {
		e.State = StateSent
	}
	s.entries = append(s.entries, e)
	s.reindexLocked()
}

// MarkDelivered advances the named messages to delivered on behalf of a
// recipient. The reader's own messages are untouched.
func (s *MessageStore) MarkDelivered(readerID uint, ids []uint) {
	s.advance(readerID, ids, StateDelivered)
}

// MarkRead advances the named messages to read on behalf of a recipient.
func (s *MessageStore) MarkRead(readerID uint, ids []uint) {
	s.advance(readerID, ids, StateRead)
}

func (s *MessageStore) advance(readerID uint, ids []uint, to DeliveryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		idx, ok := s.byID[id]
		if !ok || s.entries[idx].SenderID == readerID {
			continue
		}
		if stateRank(to) > stateRank(s.entries[idx].State) {
			s.entries[idx].State = to
		}
	}
}

// MarkReadUpTo applies one member's read watermark: every message created at
// or before it counts as seen by that member. A reader never advances their
// own messages. Delivered is first-ack: any recipient watermark moves a
// message to delivered. Read waits until every member besides the sender has
// a covering watermark (see SetMemberCount); without a member count a single
// recipient suffices.
func (s *MessageStore) MarkReadUpTo(readerID uint, at time.Time, to DeliveryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to == StateRead {
		if prev, ok := s.readers[readerID]; !ok || at.After(prev) {
			s.readers[readerID] = at
		}
	}
	for i := range s.entries {
		e := &s.entries[i]
		if e.CreatedAt.After(at) {
			break
		}
		if e.SenderID == readerID {
			continue
		}
		if stateRank(StateDelivered) > stateRank(e.State) {
			e.State = StateDelivered
		}
		if to == StateRead && stateRank(StateRead) > stateRank(e.State) && s.readByAllLocked(e) {
			e.State = StateRead
		}
	}
}

func (s *MessageStore) readByAllLocked(e *Entry) bool {
	covered := 0
	for r, at := range s.readers {
		if r != e.SenderID && !at.Before(e.CreatedAt) {
			covered++
		}
	}
	needed := 1
	if s.memberCount > 1 {
		needed = s.memberCount - 1
	}
	return covered >= needed
}

// LastSeenAt is the newest timestamp observed from any source; backfills
// after a reconnect fetch forward from here.
func (s *MessageStore) LastSeenAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeenAt
}

// Messages returns the rendered timeline: ascending created_at, ties broken
// by identity string for determinism.
func (s *MessageStore) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Get looks an entry up by client token.
func (s *MessageStore) Get(clientToken string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byToken[clientToken]
	if !ok {
		return Entry{}, false
	}
	return s.entries[idx], true
}

func (s *MessageStore) reindexLocked() {
	slices.SortStableFunc(s.entries, func(a, b Entry) int {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if a.CreatedAt.Before(b.CreatedAt) {
				return -1
			}
			return 1
		}
		return strings.Compare(a.identity(), b.identity())
	})
	s.byID = make(map[uint]int, len(s.entries))
	s.byToken = make(map[string]int, len(s.entries))
	for i, e := range s.entries {
		if e.ID != 0 {
			s.byID[e.ID] = i
		}
		if e.ClientToken != "" {
			s.byToken[e.ClientToken] = i
		}
	}
}
