package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTransitions(t *testing.T) {
	allowed := [][2]MatchStatus{
		{MatchPending, MatchFilling},
		{MatchFilling, MatchActive},
		{MatchFilling, MatchCancelled},
		{MatchActive, MatchCompleted},
		{MatchActive, MatchFailed},
	}
	for _, e := range allowed {
		assert.Truef(t, e[0].CanTransition(e[1]), "%s -> %s", e[0], e[1])
	}

	denied := [][2]MatchStatus{
		{MatchPending, MatchActive},
		{MatchFilling, MatchCompleted},
		{MatchActive, MatchCancelled},
		{MatchCompleted, MatchFilling},
		{MatchCancelled, MatchActive},
		{MatchFailed, MatchCompleted},
	}
	for _, e := range denied {
		assert.Falsef(t, e[0].CanTransition(e[1]), "%s -> %s", e[0], e[1])
	}

	assert.True(t, MatchFailed.Terminal())
	assert.False(t, MatchActive.Terminal())
}

func TestIDListValueAndScan(t *testing.T) {
	v, err := IDList{"a", "b"}.Value()
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, v)

	var l IDList
	require.NoError(t, l.Scan([]byte(`["x","y","z"]`)))
	assert.Equal(t, IDList{"x", "y", "z"}, l)

	require.NoError(t, l.Scan(nil))
	assert.Nil(t, l)

	assert.Error(t, l.Scan(42))

	empty, err := IDList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", empty)
}
