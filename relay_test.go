package nostr

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrcore/relaypool/negentropy"
)

func testRelayOptions() RelayOptions {
	opts := DefaultRelayOptions()
	opts.RetryBaseInterval = 10 * time.Millisecond
	opts.MaxRetryInterval = 50 * time.Millisecond
	opts.PublishTimeout = 200 * time.Millisecond
	// The fake relay's events carry placeholder ids and signatures.
	opts.Verifier = verifierFunc(func(*Event) error { return nil })
	return opts
}

func TestRelayConnectReachesConnected(t *testing.T) {
	conn := newFakeConn()
	transport := &fakeTransport{conn: conn}
	r := NewRelay("wss://test-relay.example", transport, testRelayOptions())

	assert.Equal(t, StatusInitialized, r.Status())
	require.NoError(t, r.TryConnect(context.Background(), time.Second))
	assert.Equal(t, StatusConnected, r.Status())

	r.Remove()
}

func TestRelayConnectRejectsTerminated(t *testing.T) {
	conn := newFakeConn()
	transport := &fakeTransport{conn: conn}
	r := NewRelay("wss://test-relay.example", transport, testRelayOptions())
	r.Remove()

	err := r.Connect(context.Background())
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestRelayConnectRejectsBanned(t *testing.T) {
	conn := newFakeConn()
	transport := &fakeTransport{conn: conn}
	r := NewRelay("wss://test-relay.example", transport, testRelayOptions())
	r.Ban("test")

	err := r.Connect(context.Background())
	assert.ErrorIs(t, err, ErrBanned)
}

func TestRelaySendEventAccepted(t *testing.T) {
	conn := newFakeConn()
	transport := &fakeTransport{conn: conn}
	r := NewRelay("wss://test-relay.example", transport, testRelayOptions())
	require.NoError(t, r.TryConnect(context.Background(), time.Second))
	defer r.Remove()

	e := &Event{ID: "deadbeef", PubKey: "pk", CreatedAt: 1, Kind: 1, Tags: Tags{}, Content: "hi", Sig: "sig"}

	done := make(chan error, 1)
	go func() { done <- r.SendEvent(context.Background(), e) }()

	select {
	case sent := <-conn.sentCh:
		_ = sent
	case <-time.After(time.Second):
		t.Fatal("event was never sent to the relay")
	}
	conn.pushOK(e.ID, true, "")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("SendEvent never returned")
	}
}

func TestRelaySendEventRejected(t *testing.T) {
	conn := newFakeConn()
	transport := &fakeTransport{conn: conn}
	r := NewRelay("wss://test-relay.example", transport, testRelayOptions())
	require.NoError(t, r.TryConnect(context.Background(), time.Second))
	defer r.Remove()

	e := &Event{ID: "cafebabe", PubKey: "pk", CreatedAt: 1, Kind: 1, Tags: Tags{}, Content: "hi", Sig: "sig"}

	done := make(chan error, 1)
	go func() { done <- r.SendEvent(context.Background(), e) }()

	<-conn.sentCh
	conn.pushOK(e.ID, false, "blocked: spam")

	select {
	case err := <-done:
		require.Error(t, err)
		var nerr *Error
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, KindRejected, nerr.Kind)
	case <-time.After(time.Second):
		t.Fatal("SendEvent never returned")
	}
}

func TestRelaySendEventDeniedWithoutWriteCapability(t *testing.T) {
	conn := newFakeConn()
	transport := &fakeTransport{conn: conn}
	opts := testRelayOptions()
	opts.Capabilities = CapRead
	r := NewRelay("wss://test-relay.example", transport, opts)
	require.NoError(t, r.TryConnect(context.Background(), time.Second))
	defer r.Remove()

	e := &Event{ID: "abc123", PubKey: "pk", CreatedAt: 1, Kind: 1, Tags: Tags{}, Content: "hi", Sig: "sig"}
	err := r.SendEvent(context.Background(), e)
	assert.ErrorIs(t, err, ErrCapabilityDenied)
}

func TestRelayFetchEventsCollectsUntilEOSE(t *testing.T) {
	conn := newFakeConn()
	transport := &fakeTransport{conn: conn}
	r := NewRelay("wss://test-relay.example", transport, testRelayOptions())
	require.NoError(t, r.TryConnect(context.Background(), time.Second))
	defer r.Remove()

	go func() {
		req := <-conn.sentCh
		var arr []interface{}
		_ = json.Unmarshal(req, &arr)
		subID, _ := arr[1].(string)

		// Pushed out of created_at order and with a duplicate id (e1 twice)
		// to exercise the dedup-by-id, sort-by-created_at-desc-then-id-asc
		// ordering FetchEvents is required to produce.
		conn.pushEvent(subID, &Event{ID: "e1", PubKey: "pk", CreatedAt: 1, Kind: 1, Tags: Tags{}, Content: "one", Sig: "sig"})
		conn.pushEvent(subID, &Event{ID: "e2", PubKey: "pk", CreatedAt: 2, Kind: 1, Tags: Tags{}, Content: "two", Sig: "sig"})
		conn.pushEvent(subID, &Event{ID: "e3", PubKey: "pk", CreatedAt: 2, Kind: 1, Tags: Tags{}, Content: "three", Sig: "sig"})
		conn.pushEvent(subID, &Event{ID: "e1", PubKey: "pk", CreatedAt: 1, Kind: 1, Tags: Tags{}, Content: "one-again", Sig: "sig"})
		conn.pushEOSE(subID)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, err := r.FetchEvents(ctx, Filter{Kinds: []int{1}})
	require.NoError(t, err)
	require.Len(t, events, 3)
	// created_at descending; e2 and e3 tie at 2 so break ascending by id.
	assert.Equal(t, []string{"e2", "e3", "e1"}, []string{events[0].ID, events[1].ID, events[2].ID})
}

// TestRelaySyncReconcilesAgainstSimulatedPeer drives a full NEG-OPEN/NEG-MSG
// exchange against a hand-simulated peer negentropy.Session to exercise
// Relay.Sync end to end (§4.2.6, §8 scenario 4's negentropy round trip).
func TestRelaySyncReconcilesAgainstSimulatedPeer(t *testing.T) {
	conn := newFakeConn()
	transport := &fakeTransport{conn: conn}
	r := NewRelay("wss://test-relay.example", transport, testRelayOptions())
	require.NoError(t, r.TryConnect(context.Background(), time.Second))
	defer r.Remove()

	shared := sha256.Sum256([]byte("shared"))
	localOnly := sha256.Sum256([]byte("local-only"))
	remoteOnly := sha256.Sum256([]byte("remote-only"))

	localItems := []negentropy.Item{
		{ID: shared, Timestamp: 1},
		{ID: localOnly, Timestamp: 2},
	}
	remoteItems := []negentropy.Item{
		{ID: shared, Timestamp: 1},
		{ID: remoteOnly, Timestamp: 3},
	}
	remote := negentropy.NewSession(remoteItems)

	go func() {
		raw := <-conn.sentCh // NEG-OPEN
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 4 {
			return
		}
		var subID, openingHex string
		_ = json.Unmarshal(arr[1], &subID)
		_ = json.Unmarshal(arr[3], &openingHex)

		next, ok, err := remote.Step(openingHex)
		if err != nil || !ok {
			return
		}
		conn.pushNegMsg(subID, next)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	summary, err := r.Sync(ctx, Filter{}, localItems)
	require.NoError(t, err)

	assert.Equal(t, negentropy.ExitCompleted, summary.ExitReason)
	require.Len(t, summary.Need, 1)
	assert.Equal(t, remoteOnly, summary.Need[0])
	require.Len(t, summary.Have, 1)
	assert.Equal(t, localOnly, summary.Have[0])
}

func TestRelaySubscribeDuplicateIDRejected(t *testing.T) {
	conn := newFakeConn()
	transport := &fakeTransport{conn: conn}
	r := NewRelay("wss://test-relay.example", transport, testRelayOptions())
	require.NoError(t, r.TryConnect(context.Background(), time.Second))
	defer r.Remove()

	_, err := r.Subscribe(context.Background(), Filter{}, SubscribeOptions{ID: "fixed"})
	require.NoError(t, err)

	_, err = r.Subscribe(context.Background(), Filter{}, SubscribeOptions{ID: "fixed"})
	assert.ErrorIs(t, err, ErrSubscriptionInUse)
}

func TestRelayUnsubscribeIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	transport := &fakeTransport{conn: conn}
	r := NewRelay("wss://test-relay.example", transport, testRelayOptions())
	require.NoError(t, r.TryConnect(context.Background(), time.Second))
	defer r.Remove()

	sub, err := r.Subscribe(context.Background(), Filter{}, SubscribeOptions{ID: "s1"})
	require.NoError(t, err)

	require.NoError(t, r.Unsubscribe(context.Background(), sub.ID))
	require.NoError(t, r.Unsubscribe(context.Background(), sub.ID))
}

func TestRelayBanClosesQueueAndAbsorbs(t *testing.T) {
	conn := newFakeConn()
	transport := &fakeTransport{conn: conn}
	r := NewRelay("wss://test-relay.example", transport, testRelayOptions())
	require.NoError(t, r.TryConnect(context.Background(), time.Second))

	r.Ban("mismatch threshold exceeded")
	assert.Equal(t, StatusBanned, r.Status())
	assert.ErrorIs(t, r.queue.Push([]byte("x"), PriorityNormal, time.Time{}, nil), ErrShutdown)

	err := r.Connect(context.Background())
	assert.ErrorIs(t, err, ErrBanned)
}
