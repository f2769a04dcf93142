package nostr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatsSnapshotSuccessRate(t *testing.T) {
	s := &Stats{}
	snap := s.Snapshot()
	assert.Equal(t, float64(0), snap.SuccessRate, "no attempts yet should not divide by zero")

	s.recordAttempt()
	s.recordAttempt()
	s.recordSuccess()
	snap = s.Snapshot()
	assert.Equal(t, int64(2), snap.Attempts)
	assert.Equal(t, int64(1), snap.Successes)
	assert.Equal(t, 0.5, snap.SuccessRate)
	assert.False(t, snap.LastConnected.IsZero())
}

func TestStatsRecordPingEWMA(t *testing.T) {
	s := &Stats{}
	s.recordPing(100 * time.Millisecond)
	first := s.Snapshot().EWMALatency
	assert.Equal(t, 100*time.Millisecond, first)

	s.recordPing(200 * time.Millisecond)
	second := s.Snapshot().EWMALatency
	assert.Greater(t, second, first, "EWMA should move toward the new sample")
	assert.Less(t, second, 200*time.Millisecond)
}

func TestStatsRecordBytes(t *testing.T) {
	s := &Stats{}
	s.recordBytesIn(10)
	s.recordBytesOut(20)
	snap := s.Snapshot()
	assert.Equal(t, int64(10), snap.BytesIn)
	assert.Equal(t, int64(20), snap.BytesOut)
}
