package nostr

import "sync"

// AuthPhase is the AuthState lifecycle of §3.
type AuthPhase int

const (
	AuthUnauthenticated AuthPhase = iota
	AuthChallengeReceived
	AuthSigning
	AuthSent
	AuthAuthenticated
)

func (p AuthPhase) String() string {
	switch p {
	case AuthUnauthenticated:
		return "unauthenticated"
	case AuthChallengeReceived:
		return "challenge_received"
	case AuthSigning:
		return "signing"
	case AuthSent:
		return "sent"
	case AuthAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// AuthState tracks one Relay's NIP-42 handshake. It resets to
// Unauthenticated on every disconnect (§3).
type AuthState struct {
	mu        sync.Mutex
	phase     AuthPhase
	challenge string
	waiters   []chan error
}

func (a *AuthState) Phase() AuthPhase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

func (a *AuthState) onChallenge(challenge string) {
	a.mu.Lock()
	a.phase = AuthChallengeReceived
	a.challenge = challenge
	a.mu.Unlock()
}

func (a *AuthState) challengeValue() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.challenge
}

func (a *AuthState) setSigning() {
	a.mu.Lock()
	a.phase = AuthSigning
	a.mu.Unlock()
}

func (a *AuthState) setSent() {
	a.mu.Lock()
	a.phase = AuthSent
	a.mu.Unlock()
}

// complete resolves all pending waiters registered via awaitResult and
// marks the phase Authenticated (on success) or leaves the phase unchanged
// on failure so a caller can retry.
func (a *AuthState) complete(err error) {
	a.mu.Lock()
	if err == nil {
		a.phase = AuthAuthenticated
	}
	waiters := a.waiters
	a.waiters = nil
	a.mu.Unlock()

	for _, w := range waiters {
		w <- err
		close(w)
	}
}

// awaitResult registers a waiter that complete() will resolve.
func (a *AuthState) awaitResult() <-chan error {
	ch := make(chan error, 1)
	a.mu.Lock()
	if a.phase == AuthAuthenticated {
		a.mu.Unlock()
		ch <- nil
		return ch
	}
	a.waiters = append(a.waiters, ch)
	a.mu.Unlock()
	return ch
}

// reset returns the AuthState to Unauthenticated, as happens on disconnect
// (§3). Any outstanding waiters are failed.
func (a *AuthState) reset() {
	a.mu.Lock()
	a.phase = AuthUnauthenticated
	a.challenge = ""
	waiters := a.waiters
	a.waiters = nil
	a.mu.Unlock()
	for _, w := range waiters {
		w <- ErrNotConnected
		close(w)
	}
}
