package nostr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutgoingQueuePriorityOrdering(t *testing.T) {
	q := NewOutgoingQueue(0)
	require.NoError(t, q.Push([]byte("event"), PriorityNormal, time.Time{}, nil))
	require.NoError(t, q.Push([]byte("close"), PriorityHigh, time.Time{}, nil))
	require.NoError(t, q.Push([]byte("auth"), PriorityAuth, time.Time{}, nil))

	first, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "auth", string(first))

	second, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "close", string(second))

	third, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "event", string(third))
}

func TestOutgoingQueueFIFOWithinTier(t *testing.T) {
	q := NewOutgoingQueue(0)
	require.NoError(t, q.Push([]byte("first"), PriorityNormal, time.Time{}, nil))
	require.NoError(t, q.Push([]byte("second"), PriorityNormal, time.Time{}, nil))

	first, _ := q.Pop()
	second, _ := q.Pop()
	assert.Equal(t, "first", string(first))
	assert.Equal(t, "second", string(second))
}

func TestOutgoingQueueBusyAtCapacity(t *testing.T) {
	q := NewOutgoingQueue(1)
	require.NoError(t, q.Push([]byte("a"), PriorityNormal, time.Time{}, nil))
	err := q.Push([]byte("b"), PriorityNormal, time.Time{}, nil)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestOutgoingQueueDropsPastDeadline(t *testing.T) {
	q := NewOutgoingQueue(0)
	dropped := make(chan struct{}, 1)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, q.Push([]byte("stale"), PriorityNormal, past, func() { dropped <- struct{}{} }))
	require.NoError(t, q.Push([]byte("fresh"), PriorityNormal, time.Time{}, nil))

	payload, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "fresh", string(payload))

	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Fatal("onDrop was never invoked for the stale entry")
	}
}

func TestOutgoingQueueCloseUnblocksPop(t *testing.T) {
	q := NewOutgoingQueue(0)
	done := make(chan struct{})
	go func() {
		_, ok := q.Pop()
		assert.False(t, ok)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Close")
	}
}

func TestOutgoingQueuePushAfterCloseFails(t *testing.T) {
	q := NewOutgoingQueue(0)
	q.Close()
	err := q.Push([]byte("x"), PriorityNormal, time.Time{}, nil)
	assert.ErrorIs(t, err, ErrShutdown)
}
