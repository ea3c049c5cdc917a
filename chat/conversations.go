package chat

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// Summary is the last-message preview shown on a conversation row.
type Summary struct {
	MessageID  uint
	SenderID   uint
	SenderName string
	Type       string
	Snippet    string
	SentAt     time.Time
}

// ConversationView is one row of the current user's conversation list.
type ConversationView struct {
	ID          uint
	Kind        string // direct | group
	Name        string
	AvatarURL   string
	Pinned      bool
	PinnedAt    time.Time
	Archived    bool
	LastMessage Summary
	UnreadCount int
}

// ListFilter selects which rows List returns.
type ListFilter struct {
	Archived bool
}

// ConversationStore holds the conversation list for the current user:
// ordering, pin/archive state, unread counts and last-message previews. Both
// the realtime path and the optimistic send path funnel through
// UpsertFromMessage, which is idempotent per message id.
type ConversationStore struct {
	mu     sync.Mutex
	views  map[uint]*ConversationView
	recent recentRing

	now func() time.Time
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		views: make(map[uint]*ConversationView),
		now:   time.Now,
	}
}

// Put seeds or replaces a row, typically from the initial list fetch.
// Unread count and last message are taken as given.
func (s *ConversationStore) Put(v ConversationView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := v
	s.views[v.ID] = &cp
}

// Get returns a copy of one row.
func (s *ConversationStore) Get(id uint) (ConversationView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[id]
	if !ok {
		return ConversationView{}, false
	}
	return *v, true
}

// List returns rows matching the filter: pinned first, stable by pin time,
// then by last message time descending.
func (s *ConversationStore) List(filter ListFilter) []ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ConversationView, 0, len(s.views))
	for _, v := range s.views {
		if v.Archived != filter.Archived {
			continue
		}
		out = append(out, *v)
	}
	slices.SortStableFunc(out, func(a, b ConversationView) int {
		if a.Pinned != b.Pinned {
			if a.Pinned {
				return -1
			}
			return 1
		}
		if a.Pinned && b.Pinned && !a.PinnedAt.Equal(b.PinnedAt) {
			if a.PinnedAt.Before(b.PinnedAt) {
				return -1
			}
			return 1
		}
		if a.LastMessage.SentAt.Equal(b.LastMessage.SentAt) {
			return int(a.ID) - int(b.ID)
		}
		if a.LastMessage.SentAt.After(b.LastMessage.SentAt) {
			return -1
		}
		return 1
	})
	return out
}

// UpsertFromMessage updates a row's preview and unread count for a new
// message. foreground reports whether the conversation is currently open and
// visible, in which case the unread count stays put. Calling it twice with
// the same message id is a no-op the second time.
func (s *ConversationStore) UpsertFromMessage(conversationID uint, sum Summary, foreground bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sum.MessageID != 0 && s.recent.seen(sum.MessageID) {
		return
	}
	if sum.MessageID != 0 {
		s.recent.add(sum.MessageID)
	}

	v, ok := s.views[conversationID]
	if !ok {
		v = &ConversationView{ID: conversationID, Kind: "direct"}
		s.views[conversationID] = v
	}
	if sum.SentAt.After(v.LastMessage.SentAt) {
		v.LastMessage = sum
	}
	if !foreground {
		v.UnreadCount++
	}
}

// TogglePin flips the pin flag; pin time is recorded so pinned rows keep a
// stable relative order.
func (s *ConversationStore) TogglePin(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[id]
	if !ok {
		return false
	}
	v.Pinned = !v.Pinned
	if v.Pinned {
		v.PinnedAt = s.now()
	} else {
		v.PinnedAt = time.Time{}
	}
	return v.Pinned
}

// ToggleArchive flips the archive flag for the current user's membership.
func (s *ConversationStore) ToggleArchive(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[id]
	if !ok {
		return false
	}
	v.Archived = !v.Archived
	return v.Archived
}

// MarkRead drives the unread count to zero. Later events for messages the
// idempotency ring has already seen cannot raise it again.
func (s *ConversationStore) MarkRead(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.views[id]; ok {
		v.UnreadCount = 0
	}
}

// recentRing remembers the last handful of applied message ids so a message
// delivered by both the echo and a backfill only counts once.
type recentRing struct {
	ids  [128]uint
	next int
}

func (r *recentRing) seen(id uint) bool {
	for _, v := range r.ids {
		if v == id {
			return true
		}
	}
	return false
}

func (r *recentRing) add(id uint) {
	r.ids[r.next] = id
	r.next = (r.next + 1) % len(r.ids)
}
