package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToggleInversionRestoresOriginalState(t *testing.T) {
	a := NewReactionAggregator()

	require.True(t, a.Toggle(1, 10, "👍"))
	require.False(t, a.Toggle(1, 10, "👍"))

	assert.Empty(t, a.Counts(1))
	assert.False(t, a.UserHas(1, 10, "👍"))
}

func TestCountsAcrossUsers(t *testing.T) {
	a := NewReactionAggregator()

	a.Toggle(1, 10, "👍") // user A
	a.Toggle(1, 20, "👍") // user B
	assert.Equal(t, map[string]int{"👍": 2}, a.Counts(1))

	// B un-reacts; A's reaction is preserved.
	a.Toggle(1, 20, "👍")
	assert.Equal(t, map[string]int{"👍": 1}, a.Counts(1))
	assert.True(t, a.UserHas(1, 10, "👍"))
	assert.False(t, a.UserHas(1, 20, "👍"))
}

func TestUserMayHoldSeveralDistinctEmoji(t *testing.T) {
	a := NewReactionAggregator()

	a.Toggle(1, 10, "👍")
	a.Toggle(1, 10, "🔥")
	a.Toggle(1, 10, "😂")

	assert.Equal(t, map[string]int{"👍": 1, "🔥": 1, "😂": 1}, a.Counts(1))
	assert.True(t, a.UserHas(1, 10, "🔥"))
}

func TestApplyMirrorsRemoteToggles(t *testing.T) {
	a := NewReactionAggregator()

	a.Apply(1, 10, "👍", true)
	a.Apply(1, 10, "👍", true) // replayed event, still one reaction
	assert.Equal(t, map[string]int{"👍": 1}, a.Counts(1))

	a.Apply(1, 10, "👍", false)
	assert.Empty(t, a.Counts(1))
}

func TestSustainedTogglingDoesNotGrowState(t *testing.T) {
	a := NewReactionAggregator()

	for i := 0; i < 1000; i++ {
		a.Toggle(1, 10, "👍")
		a.Toggle(1, 10, "👍")
	}

	assert.Empty(t, a.Counts(1))
	assert.Empty(t, a.byMessage)
}
