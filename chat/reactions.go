package chat

import "sync"

// ReactionAggregator maintains emoji -> set(userID) per message. Reactions
// are a pure toggle: a user may hold several distinct emoji on one message,
// never the same one twice. Two rapid toggles from the same user resolve
// last-write-wins on the boolean, which is exactly toggle semantics.
type ReactionAggregator struct {
	mu        sync.Mutex
	byMessage map[uint]map[string]map[uint]struct{}
}

func NewReactionAggregator() *ReactionAggregator {
	return &ReactionAggregator{
		byMessage: make(map[uint]map[string]map[uint]struct{}),
	}
}

// Toggle adds the (message, user, emoji) triple if absent and removes it if
// present. Returns true when the reaction is now present.
func (a *ReactionAggregator) Toggle(messageID, userID uint, emoji string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	users := a.usersLocked(messageID, emoji)
	if _, ok := users[userID]; ok {
		delete(users, userID)
		a.pruneLocked(messageID, emoji)
		return false
	}
	users[userID] = struct{}{}
	return true
}

// Apply sets the triple's presence from a remote event.
func (a *ReactionAggregator) Apply(messageID, userID uint, emoji string, present bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	users := a.usersLocked(messageID, emoji)
	if present {
		users[userID] = struct{}{}
		return
	}
	delete(users, userID)
	a.pruneLocked(messageID, emoji)
}

// Counts returns emoji -> reaction count for a message.
func (a *ReactionAggregator) Counts(messageID uint) map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]int)
	for emoji, users := range a.byMessage[messageID] {
		if len(users) > 0 {
			out[emoji] = len(users)
		}
	}
	return out
}

// UserHas reports whether the user currently holds this emoji on the message,
// used to highlight the viewer's own reactions.
func (a *ReactionAggregator) UserHas(messageID, userID uint, emoji string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	users, ok := a.byMessage[messageID][emoji]
	if !ok {
		return false
	}
	_, has := users[userID]
	return has
}

func (a *ReactionAggregator) usersLocked(messageID uint, emoji string) map[uint]struct{} {
	emojis, ok := a.byMessage[messageID]
	if !ok {
		emojis = make(map[string]map[uint]struct{})
		a.byMessage[messageID] = emojis
	}
	users, ok := emojis[emoji]
	if !ok {
		users = make(map[uint]struct{})
		emojis[emoji] = users
	}
	return users
}

// pruneLocked drops empty sets so sustained toggling does not grow the maps.
func (a *ReactionAggregator) pruneLocked(messageID uint, emoji string) {
	emojis, ok := a.byMessage[messageID]
	if !ok {
		return
	}
	if len(emojis[emoji]) == 0 {
		delete(emojis, emoji)
	}
	if len(emojis) == 0 {
		delete(a.byMessage, messageID)
	}
}
