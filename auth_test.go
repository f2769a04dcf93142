package nostr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthStateChallengeFlow(t *testing.T) {
	a := &AuthState{}
	assert.Equal(t, AuthUnauthenticated, a.Phase())

	a.onChallenge("challenge-1")
	assert.Equal(t, AuthChallengeReceived, a.Phase())
	assert.Equal(t, "challenge-1", a.challengeValue())

	a.setSigning()
	assert.Equal(t, AuthSigning, a.Phase())
	a.setSent()
	assert.Equal(t, AuthSent, a.Phase())

	a.complete(nil)
	assert.Equal(t, AuthAuthenticated, a.Phase())
}

func TestAuthStateAwaitResultResolvesWaiters(t *testing.T) {
	a := &AuthState{}
	ch := a.awaitResult()
	a.complete(nil)
	err := <-ch
	assert.NoError(t, err)
}

func TestAuthStateAwaitResultShortCircuitsWhenAlreadyAuthenticated(t *testing.T) {
	a := &AuthState{}
	a.complete(nil)
	ch := a.awaitResult()
	select {
	case err := <-ch:
		assert.NoError(t, err)
	default:
		t.Fatal("awaitResult should resolve immediately once already authenticated")
	}
}

func TestAuthStateResetFailsOutstandingWaiters(t *testing.T) {
	a := &AuthState{}
	a.onChallenge("c")
	a.setSigning()
	ch := a.awaitResult()
	a.reset()

	err := <-ch
	require.Error(t, err)
	assert.Equal(t, AuthUnauthenticated, a.Phase())
}
