// Package negentropy implements a Merkle-style set-reconciliation engine
// for bulk event synchronization (§4.2.6 of the relay-pool core spec).
//
// The wire framing (NEG-OPEN/NEG-MSG/NEG-CLOSE, hex-encoded payloads) is
// owned by the caller; this package supplies the reconciliation math:
// fingerprinting ranges of a sorted id set, diffing two such fingerprint
// trees, and producing the symmetric difference (need/have) once either
// side has no more ranges left to split.
package negentropy

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

// IDSize matches the 32-byte event-id hash used throughout the protocol.
const IDSize = 32

// FingerprintSize is the truncated digest size carried in a range
// fingerprint, matching the real NIP-77 wire format.
const FingerprintSize = 16

// Item is one (id, created_at) record from the local or remote set.
type Item struct {
	ID        [IDSize]byte
	Timestamp int64
}

// Fingerprint is the truncated accumulator for a contiguous range of a
// sorted item slice.
type Fingerprint [FingerprintSize]byte

// sortItems returns items sorted by (Timestamp, ID) ascending, the order
// the whole protocol assumes (§4.2.6: "sorted by time then id").
func sortItems(items []Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return lessID(out[i].ID, out[j].ID)
	})
	return out
}

func lessID(a, b [IDSize]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// FingerprintRange accumulates a order-independent digest over items[lo:hi]
// by XOR-folding each item's sha256 into a running accumulator, then
// hashing the accumulator once more and truncating — the same two-stage
// construction (fold, then hash) the real negentropy protocol uses so that
// reordering within a range never changes the fingerprint.
func FingerprintRange(items []Item, lo, hi int) Fingerprint {
	var acc [32]byte
	var count [8]byte
	binary.LittleEndian.PutUint64(count[:], uint64(hi-lo))

	for i := lo; i < hi; i++ {
		h := sha256.Sum256(append(items[i].ID[:], itoaBytes(items[i].Timestamp)...))
		for j := range acc {
			acc[j] ^= h[j]
		}
	}
	final := sha256.Sum256(append(acc[:], count[:]...))
	var fp Fingerprint
	copy(fp[:], final[:FingerprintSize])
	return fp
}

func itoaBytes(v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

// Tree is a sorted item set with a configurable branching factor used to
// split ranges that don't already match, bounding both frame size (the
// number of sibling ranges described per message) and the number of
// reconciliation rounds needed to converge.
type Tree struct {
	items    []Item
	branching int
}

// NewTree builds a Tree over items (any order) with the given branching
// factor (how many sub-ranges a mismatching range splits into per round;
// must be >= 2). A larger branching factor converges in fewer rounds at
// the cost of a larger per-message frame.
func NewTree(items []Item, branching int) *Tree {
	if branching < 2 {
		branching = 16
	}
	return &Tree{items: sortItems(items), branching: branching}
}

// Len returns the number of items in the tree.
func (t *Tree) Len() int { return len(t.items) }

// Range is one described sub-range of a side's item set, either as an
// opaque fingerprint (the two sides compare without transmitting ids) or
// as an explicit id list (once a range is small enough that it is cheaper
// to just send the ids than to keep splitting).
type Range struct {
	Lo, Hi      int // index bounds into the side's own sorted items, local use only
	Fingerprint Fingerprint
	IDs         [][IDSize]byte // populated only for small/explicit ranges
}

const explicitThreshold = 1 // a described range [lo, hi) of this size or smaller is sent explicitly, not split

// Describe describes [lo, hi) of the tree. When the whole range holds at
// most explicitThreshold items it returns one Range with the explicit id
// list; otherwise it splits the range into up to branching sibling Ranges,
// each carrying a fingerprint (even a sub-range of a single item).
func (t *Tree) Describe(lo, hi int) []Range {
	if hi <= lo {
		return nil
	}
	n := hi - lo
	if n <= explicitThreshold {
		r := Range{Lo: lo, Hi: hi}
		for i := lo; i < hi; i++ {
			r.IDs = append(r.IDs, t.items[i].ID)
		}
		return []Range{r}
	}

	parts := t.branching
	if parts > n {
		parts = n
	}
	var out []Range
	step := n / parts
	if step == 0 {
		step = 1
	}
	cur := lo
	for len(out) < parts-1 && cur < hi {
		next := cur + step
		if next >= hi {
			break
		}
		out = append(out, Range{Lo: cur, Hi: next, Fingerprint: FingerprintRange(t.items, cur, next)})
		cur = next
	}
	out = append(out, Range{Lo: cur, Hi: hi, Fingerprint: FingerprintRange(t.items, cur, hi)})
	return out
}

// IDsInRange returns the ids present in [lo, hi).
func (t *Tree) IDsInRange(lo, hi int) [][IDSize]byte {
	out := make([][IDSize]byte, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, t.items[i].ID)
	}
	return out
}

// Reconcile computes the full symmetric difference between a local and a
// remote item set without any wire round-trips; it is the pure function
// the Session drives incrementally over NEG-MSG frames, and is exported
// directly so tests and in-process callers (pool-level merges across
// relays, §4.3 sync) can use it without standing up a fake relay.
func Reconcile(local, remote []Item) (need, have [][IDSize]byte) {
	localSorted := sortItems(local)
	remoteSorted := sortItems(remote)

	localSet := make(map[[IDSize]byte]struct{}, len(localSorted))
	for _, it := range localSorted {
		localSet[it.ID] = struct{}{}
	}
	remoteSet := make(map[[IDSize]byte]struct{}, len(remoteSorted))
	for _, it := range remoteSorted {
		remoteSet[it.ID] = struct{}{}
	}

	for _, it := range remoteSorted {
		if _, ok := localSet[it.ID]; !ok {
			need = append(need, it.ID)
		}
	}
	for _, it := range localSorted {
		if _, ok := remoteSet[it.ID]; !ok {
			have = append(have, it.ID)
		}
	}
	return need, have
}
