package nostr

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedTestEvent(t *testing.T) *Event {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()[1:] // x-only per BIP-340

	e := &Event{
		PubKey:    hex.EncodeToString(pub),
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      Tags{},
		Content:   "hello",
	}
	e.ID = computeEventID(e)

	idBytes, err := hex.DecodeString(e.ID)
	require.NoError(t, err)
	sig, err := schnorr.Sign(priv, idBytes)
	require.NoError(t, err)
	e.Sig = hex.EncodeToString(sig.Serialize())
	return e
}

func TestSchnorrVerifierAcceptsValidEvent(t *testing.T) {
	e := signedTestEvent(t)
	assert.NoError(t, SchnorrVerifier{}.Verify(e))
}

func TestSchnorrVerifierRejectsTamperedContent(t *testing.T) {
	e := signedTestEvent(t)
	e.Content = "tampered"
	assert.Error(t, SchnorrVerifier{}.Verify(e))
}

func TestSchnorrVerifierRejectsBadSignature(t *testing.T) {
	e := signedTestEvent(t)
	garbage := make([]byte, 64)
	_, _ = rand.Read(garbage)
	e.Sig = hex.EncodeToString(garbage)
	assert.Error(t, SchnorrVerifier{}.Verify(e))
}

func TestComputeEventIDMatchesManualSerialization(t *testing.T) {
	e := &Event{PubKey: "ab", CreatedAt: 5, Kind: 1, Tags: Tags{}, Content: "x"}
	tuple := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content}
	b, err := json.Marshal(tuple)
	require.NoError(t, err)
	want := sha256.Sum256(b)
	assert.Equal(t, hex.EncodeToString(want[:]), computeEventID(e))
}

func TestVerificationCacheCachesResult(t *testing.T) {
	calls := 0
	e := signedTestEvent(t)
	cache := NewVerificationCache(verifierFunc(func(ev *Event) error {
		calls++
		return nil
	}), 16)

	require.NoError(t, cache.Verify(e))
	require.NoError(t, cache.Verify(e))
	assert.Equal(t, 1, calls, "second Verify call for the same id must hit the cache")
}

func TestVerificationCacheEvictsOldestAtCapacity(t *testing.T) {
	cache := NewVerificationCache(verifierFunc(func(ev *Event) error { return nil }), 2)
	_ = cache.Verify(&Event{ID: "a"})
	_ = cache.Verify(&Event{ID: "b"})
	_ = cache.Verify(&Event{ID: "c"})

	cache.mu.Lock()
	_, aStillCached := cache.results["a"]
	cache.mu.Unlock()
	assert.False(t, aStillCached, "oldest entry should have been evicted")
}

type verifierFunc func(*Event) error

func (f verifierFunc) Verify(e *Event) error { return f(e) }
