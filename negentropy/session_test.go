package negentropy

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRoundTripConverges(t *testing.T) {
	idA := sha256.Sum256([]byte("shared-1"))
	idB := sha256.Sum256([]byte("shared-2"))
	onlyLocal := sha256.Sum256([]byte("only-local"))
	onlyRemote := sha256.Sum256([]byte("only-remote"))

	local := NewSession([]Item{
		{ID: idA, Timestamp: 1},
		{ID: idB, Timestamp: 2},
		{ID: onlyLocal, Timestamp: 3},
	})
	remote := NewSession([]Item{
		{ID: idA, Timestamp: 1},
		{ID: idB, Timestamp: 2},
		{ID: onlyRemote, Timestamp: 4},
	})

	frame, err := local.OpeningMessage()
	require.NoError(t, err)

	// Drive a bounded number of rounds; both sessions converge once
	// neither side produces a further mismatching range.
	for i := 0; i < DefaultRoundBudget; i++ {
		remoteFrame, ok, err := remote.Step(frame)
		require.NoError(t, err)
		if !ok {
			break
		}
		frame, ok, err = local.Step(remoteFrame)
		require.NoError(t, err)
		if !ok {
			break
		}
	}

	doneLocal, reasonLocal := local.Done()
	doneRemote, reasonRemote := remote.Done()
	assert.True(t, doneLocal)
	assert.True(t, doneRemote)
	assert.Equal(t, ExitCompleted, reasonLocal)
	assert.Equal(t, ExitCompleted, reasonRemote)
}

func TestSessionRespectsRoundBudget(t *testing.T) {
	s := NewSession([]Item{{ID: sha256.Sum256([]byte("x")), Timestamp: 1}})
	s.RoundBudget = 1

	opening, err := s.OpeningMessage()
	require.NoError(t, err)

	// Feed the session its own opening frame; nothing differs, so it
	// completes on the first step and a second step is never taken. Either
	// way it must end up done with one of the two terminal reasons.
	_, ok, err := s.Step(opening)
	require.NoError(t, err)
	if ok {
		_, ok, err = s.Step(opening)
		require.NoError(t, err)
	}
	assert.False(t, ok)
	done, reason := s.Done()
	assert.True(t, done)
	assert.Contains(t, []ExitReason{ExitCompleted, ExitRoundBudgetExceeded}, reason)
}

func TestExitReasonString(t *testing.T) {
	assert.Equal(t, "completed", ExitCompleted.String())
	assert.Equal(t, "round_budget_exceeded", ExitRoundBudgetExceeded.String())
	assert.Equal(t, "idle_timeout", ExitIdleTimeout.String())
}
