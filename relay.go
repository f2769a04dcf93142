package nostr

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	s "github.com/SaveTheRbtz/generic-sync-map-go"
	"github.com/jpillora/backoff"

	"github.com/nostrcore/relaypool/nip11"
)

// Relay owns one Transport, one state machine, one connection's stats,
// the outgoing queue and the subscription multiplexer for a single relay
// URL (§4.2).
type Relay struct {
	URL       RelayURL
	Options   RelayOptions
	Stats     *Stats
	Transport Transport

	mu           sync.Mutex
	status       Status
	caps         Capabilities
	sender       Sender
	closeHandle  CloseHandle
	driverCancel context.CancelFunc
	attempts     int
	backoff      *backoff.Backoff
	suspended    bool // local disconnect suspends auto-reconnect until next explicit connect

	document  *nip11.Document
	nip11Done bool

	queue         *OutgoingQueue
	subscriptions s.MapOf[string, *Subscription]
	okWaiters     s.MapOf[string, chan okResult]
	negWaiters    s.MapOf[string, chan *ServerMessage]
	authState     *AuthState
	verifier      *VerificationCache
	mismatches    atomic.Int32

	notify func(Notification)

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

type okResult struct {
	accepted bool
	message  string
}

// NewRelay constructs a Relay entry in the Initialized state. transport is
// injected so the core never hard-binds a WebSocket library (§4.1, §9).
func NewRelay(url RelayURL, transport Transport, opts RelayOptions) *Relay {
	if opts.Capabilities == 0 {
		opts.Capabilities = DefaultCapabilities
	}
	if opts.Verifier == nil {
		opts.Verifier = SchnorrVerifier{}
	}
	r := &Relay{
		URL:        url,
		Options:    opts,
		Stats:      &Stats{},
		Transport:  transport,
		status:     StatusInitialized,
		caps:       opts.Capabilities,
		queue:      NewOutgoingQueue(opts.OutgoingQueueCapacity),
		authState:  &AuthState{},
		verifier:   NewVerificationCache(opts.Verifier, opts.VerificationCacheSize),
		shutdownCh: make(chan struct{}),
		backoff: &backoff.Backoff{
			Min:    valueOr(opts.RetryBaseInterval, 10*time.Second),
			Max:    valueOr(opts.MaxRetryInterval, 10*time.Minute),
			Factor: 2,
			Jitter: true,
		},
	}
	return r
}

func valueOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// SetNotifier installs the callback the driver uses to emit Notifications
// (the Pool wires this in when it owns the Relay; a bare Relay used
// standalone may leave it nil).
func (r *Relay) SetNotifier(fn func(Notification)) {
	r.mu.Lock()
	r.notify = fn
	r.mu.Unlock()
}

func (r *Relay) emit(n Notification) {
	r.mu.Lock()
	fn := r.notify
	r.mu.Unlock()
	if fn != nil {
		n.URL = r.URL
		fn(n)
	}
}

// Status returns the current state (§3).
func (r *Relay) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Capabilities returns the current capability bitset.
func (r *Relay) Capabilities() Capabilities {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.caps
}

// SetCapabilities updates the capability bitset at runtime.
func (r *Relay) SetCapabilities(c Capabilities) {
	r.mu.Lock()
	r.caps = c
	r.mu.Unlock()
}

// Document returns the last-fetched NIP-11 document, if any (§4.2.2, §6.2).
func (r *Relay) Document() *nip11.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.document
}

// setStatus transitions the state machine, refusing to leave an absorbing
// state (§3 invariant) and emitting the matching Notification.
func (r *Relay) setStatus(next Status) bool {
	r.mu.Lock()
	if r.status.Absorbing() {
		r.mu.Unlock()
		return false
	}
	prev := r.status
	r.status = next
	r.mu.Unlock()

	if prev == next {
		return true
	}
	switch next {
	case StatusConnecting:
		r.emit(Notification{Kind: NotifyConnecting})
	case StatusConnected:
		r.emit(Notification{Kind: NotifyConnected})
	}
	return true
}

// Connect starts (or restarts) the connection driver. It rejects
// Terminated/Banned relays per §4.2.2 step 1.
func (r *Relay) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.status.Absorbing() {
		status := r.status
		r.mu.Unlock()
		if status == StatusTerminated {
			return ErrTerminated
		}
		return ErrBanned
	}
	if r.status == StatusConnecting || r.status == StatusConnected {
		r.mu.Unlock()
		return nil
	}
	r.status = StatusPending
	r.suspended = false
	driverCtx, cancel := context.WithCancel(context.Background())
	r.driverCancel = cancel
	r.mu.Unlock()

	go r.runDriver(driverCtx)
	return nil
}

// TryConnect is Connect with a bounded wait for Connected (§4.2.2).
func (r *Relay) TryConnect(ctx context.Context, timeout time.Duration) error {
	if err := r.Connect(ctx); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.WaitForConnection(waitCtx)
}

// WaitForConnection suspends until Connected or Terminated/Banned (§4.2.2).
func (r *Relay) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch r.Status() {
		case StatusConnected:
			return nil
		case StatusTerminated:
			return ErrTerminated
		case StatusBanned:
			return ErrBanned
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return wrapErr(KindTimeout, r.URL.String(), ctx.Err())
		}
	}
}

// Disconnect performs an explicit local disconnect. Per the Open Question
// in §9, whether this suspends auto-reconnect is caller-controlled: the
// default (resume=false) matches "a clean local disconnect suspends
// automatic retry until an explicit connect" (§4.2.1).
func (r *Relay) Disconnect(resume bool) {
	r.mu.Lock()
	cancel := r.driverCancel
	r.suspended = !resume
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Remove terminates the Relay entry absorbingly (§3, §4.3).
func (r *Relay) Remove() {
	r.mu.Lock()
	r.status = StatusTerminated
	cancel := r.driverCancel
	r.mu.Unlock()

	r.shutdownOnce.Do(func() { close(r.shutdownCh) })
	if cancel != nil {
		cancel()
	}
	r.queue.Close()
	r.unsubscribeAllLocked("terminated")
	r.emit(Notification{Kind: NotifyShutdown})
}

// Ban transitions the Relay to Banned (§3, ban_on_mismatch).
func (r *Relay) Ban(reason string) {
	r.mu.Lock()
	if r.status.Absorbing() {
		r.mu.Unlock()
		return
	}
	r.status = StatusBanned
	cancel := r.driverCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.queue.Close()
	_ = reason
}

// runDriver is the per-connection-attempt task: dial, run receive/send/
// ping loops, and on failure schedule a retry per the backoff policy
// (§4.2.1, §5).
func (r *Relay) runDriver(ctx context.Context) {
	r.mu.Lock()
	r.status = StatusConnecting
	mode := r.Options.ConnectionMode
	r.mu.Unlock()
	r.emit(Notification{Kind: NotifyConnecting})

	r.Stats.recordAttempt()

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	sender, receiver, closer, err := r.Transport.Connect(connectCtx, r.URL, mode)
	cancel()
	if err != nil {
		r.handleDisconnect(ctx, ReasonIoError, err)
		return
	}

	r.Stats.recordSuccess()
	r.mu.Lock()
	r.status = StatusConnected
	r.sender = sender
	r.closeHandle = closer
	r.attempts = 0
	r.backoff.Reset()
	r.mu.Unlock()
	r.emit(Notification{Kind: NotifyConnected})

	r.reRegisterSubscriptions()
	go r.maybeFetchNIP11(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.sendLoop(ctx, sender) }()
	go func() { defer wg.Done(); r.pingLoop(ctx, sender) }()

	reason, rerr := r.receiveLoop(ctx, receiver)

	if closer != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = closer.Close(closeCtx)
		cancel()
	}
	wg.Wait()

	r.handleDisconnect(ctx, reason, rerr)
}

func (r *Relay) handleDisconnect(parentCtx context.Context, reason DisconnectReason, err error) {
	r.authState.reset()

	r.mu.Lock()
	wasAbsorbing := r.status.Absorbing()
	if !wasAbsorbing {
		r.status = StatusDisconnected
	}
	suspended := r.suspended
	r.sender = nil
	r.mu.Unlock()

	if wasAbsorbing {
		return
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.emit(Notification{Kind: NotifyDisconnected, Reason: msg})
	_ = reason

	if !r.Options.ReconnectOnDisconnect || suspended {
		return
	}

	r.mu.Lock()
	r.attempts++
	attempt := r.attempts
	r.mu.Unlock()

	interval := r.backoff.ForAttempt(float64(attempt))
	select {
	case <-time.After(interval):
	case <-parentCtx.Done():
		return
	}

	select {
	case <-r.shutdownCh:
		return
	default:
	}
	go r.runDriver(parentCtx)
}

// maybeFetchNIP11 performs the best-effort, at-most-once-per-hour NIP-11
// fetch (§4.2.2 step 3, §6.2).
func (r *Relay) maybeFetchNIP11(ctx context.Context) {
	doc, err := sharedNIP11Fetcher.Fetch(ctx, r.URL.String())
	if err != nil {
		log.Printf("nostr: nip-11 fetch failed for %s: %v", r.URL, err)
		return
	}
	r.mu.Lock()
	r.document = doc
	r.nip11Done = true
	r.mu.Unlock()
}

// sharedNIP11Fetcher is shared across Relay entries so the "at most once
// per URL per hour" budget (§6.2) is enforced process-wide, not reset
// every time a Relay reconnects.
var sharedNIP11Fetcher = nip11.NewFetcher()

// pingLoop sends a ping every PingInterval and folds the round-trip into
// Stats (§4.2.1, §3). Relays whose Sender doesn't implement Pinger simply
// skip latency tracking.
func (r *Relay) pingLoop(ctx context.Context, sender Sender) {
	pinger, ok := sender.(Pinger)
	if !ok {
		return
	}
	interval := valueOr(r.Options.PingInterval, 55*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			rtt, err := pinger.Ping(pingCtx)
			cancel()
			if err != nil {
				log.Printf("nostr: ping failed for %s: %v", r.URL, err)
				return
			}
			r.Stats.recordPing(rtt)
		case <-ctx.Done():
			return
		}
	}
}

// sendLoop drains the OutgoingQueue (§4.2.3). A write timeout triggers one
// retry, then the connection is torn down (§4.2.8).
func (r *Relay) sendLoop(ctx context.Context, sender Sender) {
	for {
		payload, ok := r.queue.Pop()
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		writeTimeout := valueOr(r.Options.WriteTimeout, 60*time.Second)
		sendCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := sender.Send(sendCtx, string(payload))
		cancel()
		if err != nil {
			sendCtx2, cancel2 := context.WithTimeout(ctx, writeTimeout)
			err = sender.Send(sendCtx2, string(payload))
			cancel2()
			if err != nil {
				log.Printf("nostr: send failed for %s, disconnecting: %v", r.URL, err)
				r.mu.Lock()
				closer := r.closeHandle
				r.mu.Unlock()
				if closer != nil {
					closeCtx, cancel3 := context.WithTimeout(context.Background(), closeGracePeriod)
					_ = closer.Close(closeCtx)
					cancel3()
				}
				return
			}
		}
		r.Stats.recordBytesOut(len(payload))
	}
}

// receiveLoop reads frames until end-of-stream and dispatches each to the
// subscription multiplexer / AUTH / OK handling (§4.2.4).
func (r *Relay) receiveLoop(ctx context.Context, receiver Receiver) (DisconnectReason, error) {
	for {
		select {
		case frame, ok := <-receiver.Frames():
			if !ok {
				return r.classifyEndOfStream(receiver)
			}
			switch frame.Kind {
			case FrameText:
				r.Stats.recordBytesIn(len(frame.Text))
				r.handleServerText(ctx, []byte(frame.Text))
			case FrameClose:
				return ReasonRemoteClose, fmt.Errorf("%s", frame.CloseReason)
			}
		case <-receiver.Done():
			return r.classifyEndOfStream(receiver)
		case <-ctx.Done():
			return ReasonLocalClose, ctx.Err()
		}
	}
}

func (r *Relay) classifyEndOfStream(receiver Receiver) (DisconnectReason, error) {
	err := receiver.Err()
	if err == nil {
		return ReasonRemoteClose, nil
	}
	return ReasonIoError, err
}

func (r *Relay) handleServerText(ctx context.Context, raw []byte) {
	msg, err := ParseServerMessage(raw)
	if err != nil {
		return
	}
	switch msg.Kind {
	case ServerEvent:
		r.handleEvent(msg)
	case ServerOK:
		r.handleOK(msg)
	case ServerEOSE:
		if sub, ok := r.subscriptions.Load(msg.SubscriptionID); ok {
			sub.dispatchEOSE()
		}
	case ServerClosed:
		r.handleClosed(ctx, msg)
	case ServerAuth:
		r.handleAuth(ctx, msg)
	case ServerNotice:
		r.emit(Notification{Kind: NotifyRelayMessage, Message: msg})
	case ServerNegMsg, ServerNegErr:
		r.routeNegentropy(msg)
	}
}

func (r *Relay) handleEvent(msg *ServerMessage) {
	sub, ok := r.subscriptions.Load(msg.SubscriptionID)
	if !ok {
		return
	}

	if r.Options.VerifySubscriptions && !sub.Filter.Matches(msg.Event) {
		n := r.mismatches.Add(1)
		if r.Options.BanOnMismatch && int(n) >= r.Options.BanThreshold {
			r.Ban("subscription mismatch threshold exceeded")
		}
		return
	}

	if err := r.verifier.Verify(msg.Event); err != nil {
		log.Printf("nostr: bad event from %s: %v", r.URL, err)
		return
	}

	sub.dispatchEvent(msg.Event)
	r.emit(Notification{Kind: NotifyEvent, SubscriptionID: msg.SubscriptionID, Event: msg.Event})
}

func (r *Relay) handleOK(msg *ServerMessage) {
	if ch, ok := r.okWaiters.Load(msg.OKEventID); ok {
		select {
		case ch <- okResult{accepted: msg.OKAccepted, message: msg.OKMessage}:
		default:
		}
	}
}

// handleClosed removes the SubscriptionTable entry and notifies the sink.
// If the reason indicates AUTH is required and AUTH later completes, the
// REQ is reissued once (§4.2.4).
func (r *Relay) handleClosed(ctx context.Context, msg *ServerMessage) {
	sub, ok := r.subscriptions.Load(msg.SubscriptionID)
	if !ok {
		return
	}
	r.subscriptions.Delete(msg.SubscriptionID)
	sub.dispatchClosed(msg.ClosedReason)

	if isAuthRequiredReason(msg.ClosedReason) && r.Options.Signer != nil {
		go r.reissueAfterAuth(ctx, sub)
	}
}

func isAuthRequiredReason(reason string) bool {
	return len(reason) >= len("auth-required") && reason[:len("auth-required")] == "auth-required"
}

func (r *Relay) reissueAfterAuth(ctx context.Context, sub *Subscription) {
	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	select {
	case err := <-r.authState.awaitResult():
		if err != nil {
			return
		}
	case <-waitCtx.Done():
		return
	}
	r.subscriptions.Store(sub.ID, sub)
	payload, err := encodeReqMsg(sub.ID, sub.Filter)
	if err != nil {
		return
	}
	_ = r.queue.Push(payload, PriorityNormal, time.Time{}, nil)
}

func (r *Relay) handleAuth(ctx context.Context, msg *ServerMessage) {
	r.authState.onChallenge(msg.AuthChallenge)
	if r.Options.Signer == nil {
		return
	}
	go r.performAuth(ctx, msg.AuthChallenge)
}

func (r *Relay) performAuth(ctx context.Context, challenge string) {
	r.authState.setSigning()
	authCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	event, err := r.Options.Signer.SignAuthEvent(authCtx, r.URL.String(), challenge)
	if err != nil {
		r.authState.complete(wrapErr(KindAuthFailed, r.URL.String(), err))
		return
	}

	payload, err := encodeAuthMsg(&event)
	if err != nil {
		r.authState.complete(wrapErr(KindAuthFailed, r.URL.String(), err))
		return
	}

	resultCh := make(chan okResult, 1)
	r.okWaiters.Store(event.ID, resultCh)
	defer r.okWaiters.Delete(event.ID)

	if err := r.queue.Push(payload, PriorityAuth, time.Time{}, nil); err != nil {
		r.authState.complete(err)
		return
	}
	r.authState.setSent()

	select {
	case res := <-resultCh:
		if res.accepted {
			r.authState.complete(nil)
			r.emit(Notification{Kind: NotifyAuthenticated})
		} else {
			r.authState.complete(newErr(KindAuthFailed, r.URL.String(), res.message))
		}
	case <-authCtx.Done():
		r.authState.complete(wrapErr(KindTimeout, r.URL.String(), authCtx.Err()))
	}
}

// reRegisterSubscriptions re-sends REQ for every still-open subscription
// after a reconnect (§4.2.2 step 4). Every REQ is queued at PriorityNormal
// in subscription-table iteration order; no subscription is ordered ahead
// of another.
func (r *Relay) reRegisterSubscriptions() {
	r.subscriptions.Range(func(id string, sub *Subscription) bool {
		payload, err := encodeReqMsg(id, sub.Filter)
		if err != nil {
			return true
		}
		_ = r.queue.Push(payload, PriorityNormal, time.Time{}, nil)
		return true
	})
}

func (r *Relay) routeNegentropy(msg *ServerMessage) {
	if ch, ok := r.negWaiters.Load(msg.SubscriptionID); ok {
		select {
		case ch <- msg:
		default:
		}
	}
}
