package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// SchnorrVerifier is the default Verifier (§4.5): it recomputes the event
// id from the NIP-01 serialization tuple and checks a BIP-340 schnorr
// signature over it using github.com/btcsuite/btcd/btcec/v2. Event
// construction/signing remains out of scope (§1); this only verifies what
// it is handed.
type SchnorrVerifier struct{}

func (SchnorrVerifier) Verify(e *Event) error {
	want := computeEventID(e)
	if want != e.ID {
		return fmt.Errorf("id mismatch: got %s want %s", e.ID, want)
	}

	pubkeyBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("bad pubkey: %w", err)
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("bad sig: %w", err)
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("bad id: %w", err)
	}

	pubkey, err := schnorr.ParsePubKey(pubkeyBytes)
	if err != nil {
		return fmt.Errorf("bad pubkey: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("bad signature encoding: %w", err)
	}
	if !sig.Verify(idBytes, pubkey) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// computeEventID hashes the NIP-01 serialization tuple
// [0, pubkey, created_at, kind, tags, content].
func computeEventID(e *Event) string {
	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	tuple := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}
	b, err := json.Marshal(tuple)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VerificationCache bounds repeated signature verification of events seen
// from multiple relays (§4.2.5). It is a plain capacity-bounded map with
// FIFO eviction guarded by a mutex; the pack's lock-free maps
// (SaveTheRbtz/xsync) are built for read-mostly workloads, not the
// write-heavy insert-per-miss pattern this cache has, so a mutex-guarded
// map plus an eviction ring is the grounded choice here.
type VerificationCache struct {
	mu       sync.Mutex
	verifier Verifier
	capacity int
	results  map[string]error
	order    []string
}

// NewVerificationCache wraps verifier with a cache of the given bounded
// capacity (must be > 0).
func NewVerificationCache(verifier Verifier, capacity int) *VerificationCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &VerificationCache{
		verifier: verifier,
		capacity: capacity,
		results:  make(map[string]error, capacity),
	}
}

// Verify returns the cached verification outcome for e.ID, computing and
// caching it on a miss.
func (c *VerificationCache) Verify(e *Event) error {
	c.mu.Lock()
	if err, ok := c.results[e.ID]; ok {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	err := c.verifier.Verify(e)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.results[e.ID]; !ok {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.results, oldest)
		}
		c.results[e.ID] = err
		c.order = append(c.order, e.ID)
	}
	return err
}
