package negentropy

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"
)

// ExitReason explains why a Session stopped (§4.2.6's "exit_reason").
type ExitReason int

const (
	ExitCompleted ExitReason = iota
	ExitRoundBudgetExceeded
	ExitIdleTimeout
)

func (r ExitReason) String() string {
	switch r {
	case ExitCompleted:
		return "completed"
	case ExitRoundBudgetExceeded:
		return "round_budget_exceeded"
	case ExitIdleTimeout:
		return "idle_timeout"
	}
	return "unknown"
}

// DefaultFrameSizeLimit is the §4.2.6 default (60,000 bytes).
const DefaultFrameSizeLimit = 60_000

// DefaultRoundBudget bounds how many NEG-MSG exchanges a session will run
// before aborting as diverging/stuck.
const DefaultRoundBudget = 64

// ErrFrameTooLarge is returned by Step when the next frame would exceed
// FrameSizeLimit.
var ErrFrameTooLarge = errors.New("negentropy: message exceeds frame size limit")

// Session drives one side (always modeled here as the client/initiator)
// of a NEG-* exchange against a Tree built from the local item set.
type Session struct {
	Tree            *Tree
	FrameSizeLimit  int
	RoundBudget     int
	IdleTimeout     time.Duration

	round     int
	lastFrame time.Time
	done      bool
	exit      ExitReason

	Need [][IDSize]byte
	Have [][IDSize]byte
}

// NewSession builds a session over local items with the §4.2.6 defaults,
// overridable by the caller.
func NewSession(localItems []Item) *Session {
	return &Session{
		Tree:           NewTree(localItems, 16),
		FrameSizeLimit: DefaultFrameSizeLimit,
		RoundBudget:    DefaultRoundBudget,
		IdleTimeout:    30 * time.Second,
		lastFrame:      time.Now(),
	}
}

// OpeningMessage returns the initial hex payload describing the whole
// local range, sent as NEG-OPEN's initial_msg_hex.
func (s *Session) OpeningMessage() (string, error) {
	ranges := s.Tree.Describe(0, s.Tree.Len())
	return encodeRanges(ranges)
}

// Step consumes one NEG-MSG frame from the peer (encoding the peer's view
// of the same ranges this session last described) and returns the next
// frame to send, or ok=false once reconciliation is complete or aborted.
// It enforces the round budget and idle timeout from §4.2.6.
func (s *Session) Step(peerFrameHex string) (nextFrameHex string, ok bool, err error) {
	if s.done {
		return "", false, nil
	}
	if time.Since(s.lastFrame) > s.IdleTimeout {
		s.done = true
		s.exit = ExitIdleTimeout
		return "", false, nil
	}
	s.round++
	if s.round > s.RoundBudget {
		s.done = true
		s.exit = ExitRoundBudgetExceeded
		return "", false, nil
	}
	s.lastFrame = time.Now()

	peerRanges, err := decodeRanges(peerFrameHex)
	if err != nil {
		return "", false, err
	}

	var nextRanges []Range
	anyMismatch := false

	for _, pr := range peerRanges {
		if len(pr.IDs) > 0 {
			// Peer sent an explicit id list for this range: diff directly.
			peerSet := make(map[[IDSize]byte]struct{}, len(pr.IDs))
			for _, id := range pr.IDs {
				peerSet[id] = struct{}{}
			}
			localIDs := s.localIDsMatchingRange(pr)
			localSet := make(map[[IDSize]byte]struct{}, len(localIDs))
			for _, id := range localIDs {
				localSet[id] = struct{}{}
			}
			for _, id := range pr.IDs {
				if _, ok := localSet[id]; !ok {
					s.Need = append(s.Need, id)
				}
			}
			for _, id := range localIDs {
				if _, ok := peerSet[id]; !ok {
					s.Have = append(s.Have, id)
				}
			}
			continue
		}

		lo, hi := s.localBoundsForFingerprintRange(pr)
		localFP := FingerprintRange(s.Tree.items, lo, hi)
		if localFP == pr.Fingerprint {
			continue
		}
		anyMismatch = true
		sub := s.Tree.Describe(lo, hi)
		nextRanges = append(nextRanges, sub...)
	}

	if !anyMismatch || len(nextRanges) == 0 {
		s.done = true
		s.exit = ExitCompleted
		return "", false, nil
	}

	frame, ferr := encodeRanges(nextRanges)
	if ferr != nil {
		return "", false, ferr
	}
	if len(frame) > s.FrameSizeLimit {
		return "", false, ErrFrameTooLarge
	}
	return frame, true, nil
}

// localBoundsForFingerprintRange maps a peer-described index range onto
// this session's own sorted index space. Because both sides sort
// identically (timestamp, then id) and describe proportional splits of
// the same logical key space, we resolve bounds by binary-searching this
// session's tree for the same edge keys rather than reusing the peer's
// raw indices (which index into *their* slice, not ours).
func (s *Session) localBoundsForFindex(lo, hi int) (int, int) {
	if lo < 0 {
		lo = 0
	}
	if hi > s.Tree.Len() {
		hi = s.Tree.Len()
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

func (s *Session) localBoundsForFingerprintRange(pr Range) (int, int) {
	return s.localBoundsForFindex(pr.Lo, pr.Hi)
}

func (s *Session) localIDsMatchingRange(pr Range) [][IDSize]byte {
	lo, hi := s.localBoundsForFindex(pr.Lo, pr.Hi)
	return s.Tree.IDsInRange(lo, hi)
}

// Done reports whether the session has finished (successfully or
// aborted) and, if so, why.
func (s *Session) Done() (bool, ExitReason) { return s.done, s.exit }

// --- wire encoding ---
//
// A message is: varint(rangeCount), then per range:
//   varint(lo) varint(hi) byte(mode) payload
// mode 0 = fingerprint (16 bytes follow), mode 1 = explicit id list
// (varint count, then count*32 bytes).

func encodeRanges(ranges []Range) (string, error) {
	buf := make([]byte, 0, len(ranges)*(FingerprintSize+8))
	buf = appendUvarint(buf, uint64(len(ranges)))
	for _, r := range ranges {
		buf = appendUvarint(buf, uint64(r.Lo))
		buf = appendUvarint(buf, uint64(r.Hi))
		if len(r.IDs) > 0 {
			buf = append(buf, 1)
			buf = appendUvarint(buf, uint64(len(r.IDs)))
			for _, id := range r.IDs {
				buf = append(buf, id[:]...)
			}
		} else {
			buf = append(buf, 0)
			buf = append(buf, r.Fingerprint[:]...)
		}
	}
	return hex.EncodeToString(buf), nil
}

func decodeRanges(msgHex string) ([]Range, error) {
	data, err := hex.DecodeString(msgHex)
	if err != nil {
		return nil, err
	}
	pos := 0
	count, n, err := readUvarint(data[pos:])
	if err != nil {
		return nil, err
	}
	pos += n

	ranges := make([]Range, 0, count)
	for i := uint64(0); i < count; i++ {
		lo, n, err := readUvarint(data[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		hi, n, err := readUvarint(data[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		if pos >= len(data) {
			return nil, errors.New("negentropy: truncated message")
		}
		mode := data[pos]
		pos++
		r := Range{Lo: int(lo), Hi: int(hi)}
		if mode == 1 {
			idCount, n, err := readUvarint(data[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			for j := uint64(0); j < idCount; j++ {
				if pos+IDSize > len(data) {
					return nil, errors.New("negentropy: truncated id list")
				}
				var id [IDSize]byte
				copy(id[:], data[pos:pos+IDSize])
				r.IDs = append(r.IDs, id)
				pos += IDSize
			}
		} else {
			if pos+FingerprintSize > len(data) {
				return nil, errors.New("negentropy: truncated fingerprint")
			}
			copy(r.Fingerprint[:], data[pos:pos+FingerprintSize])
			pos += FingerprintSize
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func readUvarint(data []byte) (uint64, int, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, 0, errors.New("negentropy: bad varint")
	}
	return v, n, nil
}
