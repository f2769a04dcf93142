package nostr

import (
	"sync/atomic"
	"time"
)

// Stats holds the monotonically updated counters for one Relay's
// connection history (§3). Only the Relay's own driver mutates these;
// readers get an eventually-consistent Snapshot.
type Stats struct {
	attempts      atomic.Int64
	successes     atomic.Int64
	bytesIn       atomic.Int64
	bytesOut      atomic.Int64
	lastConnected atomic.Int64 // unix nanos, 0 if never
	lastPingNanos atomic.Int64 // last ping round-trip, nanoseconds

	// ewmaLatencyNanos is stored as an int64 of nanoseconds; it is only
	// ever written from the driver goroutine so a plain atomic store
	// without CAS-retry is sufficient.
	ewmaLatencyNanos atomic.Int64
}

// StatsSnapshot is an immutable point-in-time read of Stats.
type StatsSnapshot struct {
	Attempts      int64
	Successes     int64
	BytesIn       int64
	BytesOut      int64
	LastConnected time.Time
	LastPingRTT   time.Duration
	EWMALatency   time.Duration
	SuccessRate   float64
}

func (s *Stats) recordAttempt() { s.attempts.Add(1) }

func (s *Stats) recordSuccess() {
	s.successes.Add(1)
	s.lastConnected.Store(time.Now().UnixNano())
}

func (s *Stats) recordBytesIn(n int)  { s.bytesIn.Add(int64(n)) }
func (s *Stats) recordBytesOut(n int) { s.bytesOut.Add(int64(n)) }

// recordPing updates the last round-trip and folds it into an EWMA with
// alpha=0.3, the same smoothing constant used by latency trackers across
// the pack's websocket-client examples.
func (s *Stats) recordPing(rtt time.Duration) {
	s.lastPingNanos.Store(int64(rtt))
	const alpha = 0.3
	prev := s.ewmaLatencyNanos.Load()
	if prev == 0 {
		s.ewmaLatencyNanos.Store(int64(rtt))
		return
	}
	next := int64(alpha*float64(rtt) + (1-alpha)*float64(prev))
	s.ewmaLatencyNanos.Store(next)
}

// Snapshot returns a consistent-enough read of all counters. success_rate
// follows §8: successes / max(1, attempts).
func (s *Stats) Snapshot() StatsSnapshot {
	attempts := s.attempts.Load()
	successes := s.successes.Load()
	denom := attempts
	if denom < 1 {
		denom = 1
	}
	var lastConnected time.Time
	if ns := s.lastConnected.Load(); ns != 0 {
		lastConnected = time.Unix(0, ns)
	}
	return StatsSnapshot{
		Attempts:      attempts,
		Successes:     successes,
		BytesIn:       s.bytesIn.Load(),
		BytesOut:      s.bytesOut.Load(),
		LastConnected: lastConnected,
		LastPingRTT:   time.Duration(s.lastPingNanos.Load()),
		EWMALatency:   time.Duration(s.ewmaLatencyNanos.Load()),
		SuccessRate:   float64(successes) / float64(denom),
	}
}
