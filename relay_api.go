package nostr

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/nostrcore/relaypool/negentropy"
)

// Subscribe opens a new REQ against the relay (§4.2.4). Capabilities must
// include CapRead, the relay must not be in an absorbing state, and the
// caller-supplied id (if any) must not already be live.
func (r *Relay) Subscribe(ctx context.Context, filter Filter, opts SubscribeOptions) (*Subscription, error) {
	if r.Capabilities()&CapRead == 0 {
		return nil, ErrCapabilityDenied
	}
	status := r.Status()
	if status.Absorbing() {
		if status == StatusTerminated {
			return nil, ErrTerminated
		}
		return nil, ErrBanned
	}

	id := opts.ID
	if id == "" {
		id = newSubscriptionID()
	} else if _, exists := r.subscriptions.Load(id); exists {
		return nil, ErrSubscriptionInUse
	}

	sub := newSubscription(r, id, filter, opts)
	r.subscriptions.Store(id, sub)

	payload, err := encodeReqMsg(id, filter)
	if err != nil {
		r.subscriptions.Delete(id)
		return nil, wrapErr(KindProtocol, r.URL.String(), err)
	}
	if err := r.queue.Push(payload, PriorityNormal, time.Time{}, nil); err != nil {
		r.subscriptions.Delete(id)
		return nil, err
	}
	return sub, nil
}

// Unsubscribe sends CLOSE for subscription id and removes it from the
// table locally (§4.2.4). It is idempotent.
func (r *Relay) Unsubscribe(ctx context.Context, id string) error {
	sub, ok := r.subscriptions.Load(id)
	if !ok {
		return nil
	}
	r.subscriptions.Delete(id)
	sub.markClosedLocally()

	payload, err := encodeCloseMsg(id)
	if err != nil {
		return wrapErr(KindProtocol, r.URL.String(), err)
	}
	return r.queue.Push(payload, PriorityHigh, time.Time{}, nil)
}

// UnsubscribeAll closes every live subscription on this relay.
func (r *Relay) UnsubscribeAll(ctx context.Context) {
	r.unsubscribeAllLocked("unsubscribe_all")
}

func (r *Relay) unsubscribeAllLocked(reason string) {
	var ids []string
	r.subscriptions.Range(func(id string, sub *Subscription) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		if sub, ok := r.subscriptions.Load(id); ok {
			r.subscriptions.Delete(id)
			sub.dispatchClosed(reason)
			// The queue is already closed on Remove/Shutdown; the
			// resulting push error is ignored.
			if payload, err := encodeCloseMsg(id); err == nil {
				_ = r.queue.Push(payload, PriorityHigh, time.Time{}, nil)
			}
		}
	}
}

// FetchEvents runs a subscription to completion-on-EOSE and returns the
// collected events (§4.2.4's fetch_events convenience operation, built on
// Subscribe with an ExitOnEOSE auto_close policy).
func (r *Relay) FetchEvents(ctx context.Context, filter Filter) ([]*Event, error) {
	opts := SubscribeOptions{AutoClose: []ExitPolicy{{Kind: ExitOnEOSE}}}
	sub, err := r.Subscribe(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer r.Unsubscribe(context.Background(), sub.ID)

	var events []*Event
	for {
		select {
		case e := <-sub.Events:
			events = append(events, e)
		case <-sub.EndOfStoredEvents:
			// Events dispatched before EOSE may still sit in the buffer.
			for {
				select {
				case e := <-sub.Events:
					events = append(events, e)
				default:
					return dedupSortEvents(events), nil
				}
			}
		case reason := <-sub.ClosedReason:
			return dedupSortEvents(events), newErr(KindRejected, r.URL.String(), reason)
		case <-ctx.Done():
			return dedupSortEvents(events), ctx.Err()
		}
	}
}

// StreamEvents opens a long-lived subscription and returns it directly for
// the caller to range over sub.Events (§4.2.4's stream_events operation).
func (r *Relay) StreamEvents(ctx context.Context, filter Filter, opts SubscribeOptions) (*Subscription, error) {
	return r.Subscribe(ctx, filter, opts)
}

// SendEvent publishes e and waits for the relay's OK (§4.2.7). On an
// auth-required rejection, and when a Signer is configured, it retries
// once after AUTH completes. Without CapWrite it returns
// ErrCapabilityDenied without sending.
func (r *Relay) SendEvent(ctx context.Context, e *Event) error {
	if r.Capabilities()&CapWrite == 0 {
		return ErrCapabilityDenied
	}

	accepted, msg, err := r.sendEventOnce(ctx, e)
	if err == nil && !accepted && isAuthRequiredReason(msg) && r.Options.Signer != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		var authErr error
		select {
		case authErr = <-r.authState.awaitResult():
		case <-waitCtx.Done():
			authErr = waitCtx.Err()
		}
		cancel()
		if authErr == nil {
			accepted, msg, err = r.sendEventOnce(ctx, e)
		}
	}
	if err != nil {
		return err
	}
	if !accepted {
		return newErr(KindRejected, r.URL.String(), msg)
	}
	return nil
}

func (r *Relay) sendEventOnce(ctx context.Context, e *Event) (accepted bool, message string, err error) {
	payload, err := encodeEventMsg(e)
	if err != nil {
		return false, "", wrapErr(KindProtocol, r.URL.String(), err)
	}

	resultCh := make(chan okResult, 1)
	r.okWaiters.Store(e.ID, resultCh)
	defer r.okWaiters.Delete(e.ID)

	timeout := valueOr(r.Options.PublishTimeout, 10*time.Second)
	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.queue.Push(payload, PriorityNormal, time.Now().Add(timeout), nil); err != nil {
		return false, "", err
	}

	select {
	case res := <-resultCh:
		return res.accepted, res.message, nil
	case <-pubCtx.Done():
		return false, "", wrapErr(KindTimeout, r.URL.String(), pubCtx.Err())
	}
}

// SyncSummary reports the outcome of a Sync call (§4.2.6).
type SyncSummary struct {
	LocalCount  int
	RemoteCount int
	Sent        int
	Received    int
	Duration    time.Duration
	ExitReason  negentropy.ExitReason
	Need        [][32]byte
	Have        [][32]byte
}

// Sync runs a NEG-OPEN/NEG-MSG/NEG-CLOSE negentropy exchange against the
// relay over filter, driven off localItems, and returns the symmetric
// difference once the session completes or aborts (§4.2.6).
func (r *Relay) Sync(ctx context.Context, filter Filter, localItems []negentropy.Item) (SyncSummary, error) {
	if r.Capabilities()&CapRead == 0 {
		return SyncSummary{}, ErrCapabilityDenied
	}
	start := time.Now()

	session := negentropy.NewSession(localItems)
	subID := newSubscriptionID()

	frameCh := make(chan *ServerMessage, 8)
	r.negWaiters.Store(subID, frameCh)
	defer r.negWaiters.Delete(subID)
	defer func() {
		payload, err := encodeNegCloseMsg(subID)
		if err == nil {
			_ = r.queue.Push(payload, PriorityHigh, time.Time{}, nil)
		}
	}()

	opening, err := session.OpeningMessage()
	if err != nil {
		return SyncSummary{}, wrapErr(KindProtocol, r.URL.String(), err)
	}
	payload, err := encodeNegOpenMsg(subID, filter, opening)
	if err != nil {
		return SyncSummary{}, wrapErr(KindProtocol, r.URL.String(), err)
	}
	if err := r.queue.Push(payload, PriorityNormal, time.Time{}, nil); err != nil {
		return SyncSummary{}, err
	}

	for {
		select {
		case msg := <-frameCh:
			if msg.Kind == ServerNegErr {
				done, reason := session.Done()
				_ = done
				return r.negSummary(session, localItems, start, reason), newErr(KindProtocol, r.URL.String(), msg.NegErrReason)
			}
			next, ok, stepErr := session.Step(msg.NegMsgHex)
			if stepErr != nil {
				return r.negSummary(session, localItems, start, negentropy.ExitCompleted), wrapErr(KindProtocol, r.URL.String(), stepErr)
			}
			if !ok {
				_, reason := session.Done()
				return r.negSummary(session, localItems, start, reason), nil
			}
			outPayload, err := encodeNegMsgMsg(subID, next)
			if err != nil {
				return r.negSummary(session, localItems, start, negentropy.ExitCompleted), wrapErr(KindProtocol, r.URL.String(), err)
			}
			if err := r.queue.Push(outPayload, PriorityNormal, time.Time{}, nil); err != nil {
				return r.negSummary(session, localItems, start, negentropy.ExitCompleted), err
			}
		case <-ctx.Done():
			_, reason := session.Done()
			return r.negSummary(session, localItems, start, reason), ctx.Err()
		}
	}
}

func (r *Relay) negSummary(session *negentropy.Session, localItems []negentropy.Item, start time.Time, reason negentropy.ExitReason) SyncSummary {
	return SyncSummary{
		LocalCount:  len(localItems),
		Sent:        len(session.Have),
		Received:    len(session.Need),
		Duration:    time.Since(start),
		ExitReason:  reason,
		Need:        session.Need,
		Have:        session.Have,
	}
}

func hexID(id [32]byte) string { return hex.EncodeToString(id[:]) }
