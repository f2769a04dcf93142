package nostr

import (
	"context"
	"errors"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"

	"github.com/nostrcore/relaypool/gossip"
	"github.com/nostrcore/relaypool/negentropy"
)

// RelayPool owns a bounded set of Relay entries keyed by normalized URL,
// aggregates their notification streams into one broadcast bus, and
// composes Pool-level operations from per-relay operations (§4.3).
type RelayPool struct {
	Options   PoolOptions
	Transport Transport
	Gossip    *gossip.Router

	relays *xsync.MapOf[RelayURL, *Relay]

	mu       sync.Mutex
	subs     map[string]map[RelayURL]struct{} // subscription id -> relays hosting it
	shutdown bool

	busMu  sync.Mutex
	busCap int
	subscribers map[int]chan Notification
	nextSubID   int
}

// NewRelayPool constructs an empty pool. transport is shared by every
// Relay the pool adds; there is no per-relay transport override (the core
// never hard-binds a concrete Transport, §4.1, §9).
func NewRelayPool(transport Transport, opts PoolOptions) *RelayPool {
	if opts.NotificationChannelCapacity <= 0 {
		opts.NotificationChannelCapacity = 1024
	}
	p := &RelayPool{
		Options:     opts,
		Transport:   transport,
		relays:      xsync.NewMapOf[RelayURL, *Relay](),
		subs:        make(map[string]map[RelayURL]struct{}),
		busCap:      opts.NotificationChannelCapacity,
		subscribers: make(map[int]chan Notification),
	}
	if opts.Gossip.Enabled {
		store := opts.GossipStore
		router := gossip.NewRouter(store)
		if opts.Gossip.MaxRelaysPerMarker > 0 {
			router.MaxRelaysPerMarker = opts.Gossip.MaxRelaysPerMarker
		}
		p.Gossip = router
	}
	return p
}

// Notifications returns a channel the caller can range over to receive
// the Pool's aggregated broadcast stream. The channel is closed on
// Shutdown. A slow reader loses the oldest buffered notifications and
// receives a NotifyLag entry reporting how many were skipped (§4.3).
func (p *RelayPool) Notifications() (<-chan Notification, func()) {
	p.busMu.Lock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Notification, p.busCap)
	p.subscribers[id] = ch
	p.busMu.Unlock()

	cancel := func() {
		p.busMu.Lock()
		if sub, ok := p.subscribers[id]; ok {
			delete(p.subscribers, id)
			close(sub)
		}
		p.busMu.Unlock()
	}
	return ch, cancel
}

func (p *RelayPool) broadcast(n Notification) {
	p.busMu.Lock()
	defer p.busMu.Unlock()
	for id, ch := range p.subscribers {
		select {
		case ch <- n:
		default:
			// Drop the oldest buffered entries to make room for a lag
			// marker and n rather than block the producing Relay driver
			// (§4.3, §5).
			skipped := 0
			for i := 0; i < 2; i++ {
				select {
				case <-ch:
					skipped++
				default:
				}
			}
			select {
			case ch <- Notification{Kind: NotifyLag, URL: n.URL, Skipped: skipped}:
			default:
			}
			select {
			case ch <- n:
			default:
			}
		}
		_ = id
	}
}

// AddRelay normalizes url, rejects it once the entry cap is reached, and
// returns the existing handle if the relay is already present (§4.3).
func (p *RelayPool) AddRelay(ctx context.Context, rawURL string, opts RelayOptions) (*Relay, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrShutdown
	}
	p.mu.Unlock()

	url := NormalizeURL(rawURL)
	if !url.Valid() {
		return nil, newErr(KindInvalidURL, rawURL, "not a ws:// or wss:// url")
	}

	if existing, ok := p.relays.Load(url); ok {
		return existing, nil
	}

	if p.Options.MaxRelays > 0 && p.relays.Size() >= p.Options.MaxRelays {
		return nil, newErr(KindBusy, url.String(), "relay entry cap reached")
	}

	if p.Options.VerifySubscriptions {
		opts.VerifySubscriptions = true
	}
	if p.Options.BanOnMismatch {
		opts.BanOnMismatch = true
	}
	if opts.Signer == nil {
		opts.Signer = p.Options.Signer
	}

	relay := NewRelay(url, p.Transport, opts)
	relay.SetNotifier(p.broadcast)

	actual, loaded := p.relays.LoadOrStore(url, relay)
	if loaded {
		return actual, nil
	}
	return relay, nil
}

// RemoveRelay transitions the Relay to Terminated and drops it from the
// map (§4.3). Outstanding subscriptions on it are closed locally.
func (p *RelayPool) RemoveRelay(url RelayURL) {
	url = NormalizeURL(string(url))
	if relay, ok := p.relays.LoadAndDelete(url); ok {
		relay.Remove()
	}
	p.mu.Lock()
	for id, set := range p.subs {
		delete(set, url)
		if len(set) == 0 {
			delete(p.subs, id)
		}
	}
	p.mu.Unlock()
}

// ForceRemoveRelay is RemoveRelay without waiting for in-flight operations
// to settle; Relay.Remove already tears down without grace, so this is an
// alias kept as a distinct named operation per §4.3.
func (p *RelayPool) ForceRemoveRelay(url RelayURL) {
	p.RemoveRelay(url)
}

// Connect connects every non-Terminated/Banned relay, chunking the dial
// fan-out at Options.ConnectChunkSize to bound concurrent handshakes
// (§4.3).
func (p *RelayPool) Connect(ctx context.Context) Output[struct{}] {
	out := newOutput(struct{}{})

	var targets []*Relay
	p.relays.Range(func(url RelayURL, r *Relay) bool {
		if !r.Status().Absorbing() {
			targets = append(targets, r)
		}
		return true
	})

	chunkSize := p.Options.ConnectChunkSize
	if chunkSize <= 0 {
		chunkSize = 20
	}

	var mu sync.Mutex
	for start := 0; start < len(targets); start += chunkSize {
		end := start + chunkSize
		if end > len(targets) {
			end = len(targets)
		}
		var wg sync.WaitGroup
		for _, r := range targets[start:end] {
			r := r
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := r.Connect(ctx)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					out.fail(r.URL, err.Error())
				} else {
					out.ok(r.URL)
				}
			}()
		}
		wg.Wait()
	}
	return out
}

func (p *RelayPool) writeTargets(author string, isDM bool) []*Relay {
	if p.Gossip != nil && author != "" {
		urls := p.Gossip.SelectForPublish(author, isDM, p)
		return p.relaysForURLs(urls)
	}
	var targets []*Relay
	p.relays.Range(func(_ RelayURL, r *Relay) bool {
		if r.Capabilities().Has(CapWrite) && !r.Status().Absorbing() {
			targets = append(targets, r)
		}
		return true
	})
	return targets
}

func (p *RelayPool) readTargets(authors []string) []*Relay {
	if p.Gossip != nil && len(authors) > 0 {
		urls := p.Gossip.SelectForFetch(authors, p, 0)
		if len(urls) > 0 {
			return p.relaysForURLs(urls)
		}
	}
	var targets []*Relay
	p.relays.Range(func(_ RelayURL, r *Relay) bool {
		if r.Capabilities().Has(CapRead) && !r.Status().Absorbing() {
			targets = append(targets, r)
		}
		return true
	})
	return targets
}

func (p *RelayPool) relaysForURLs(urls []string) []*Relay {
	var out []*Relay
	for _, u := range urls {
		if r, ok := p.relays.Load(NormalizeURL(u)); ok {
			out = append(out, r)
		}
	}
	return out
}

// SuccessRate implements gossip.SuccessRater by reading each Relay's Stats
// snapshot (§4.4 "rank by capability and success rate").
func (p *RelayPool) SuccessRate(url string) float64 {
	if r, ok := p.relays.Load(NormalizeURL(url)); ok {
		return r.Stats.Snapshot().SuccessRate
	}
	return 0
}

// SendEvent fans e out to WRITE-capable relays (gossip-selected if
// configured and opts.Author is set), applying the admission policy
// before each attempt (§4.3).
func (p *RelayPool) SendEvent(ctx context.Context, e *Event, opts PublishOptions) Output[struct{}] {
	out := newOutput(struct{}{})
	targets := p.writeTargets(opts.Author, opts.IsDM)

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, r := range targets {
		r := r
		if p.Options.Admission != nil {
			if d := p.Options.Admission.BeforeConnect(r.URL); !d.Accept {
				mu.Lock()
				out.fail(r.URL, d.Reason)
				mu.Unlock()
				continue
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.SendEvent(ctx, e)
			mu.Lock()
			defer mu.Unlock()
			var nerr *Error
			if errors.As(err, &nerr) && nerr.Kind == KindRejected {
				out.fail(r.URL, nerr.Reason)
			} else if err != nil {
				out.fail(r.URL, err.Error())
			} else {
				out.ok(r.URL)
			}
		}()
	}
	wg.Wait()
	return out
}

// PublishOptions configures SendEvent's target selection.
type PublishOptions struct {
	Author string // drives gossip selection when the Pool's Router is enabled
	IsDM   bool
}

// FetchEvents fans filter out to READ-capable relays, dedupes by event id,
// and returns once every targeted relay's exit policy has fired or the
// context is done (§4.3).
func (p *RelayPool) FetchEvents(ctx context.Context, filter Filter) Output[[]*Event] {
	targets := p.readTargets(filter.Authors)
	out := newOutput[[]*Event](nil)

	type partial struct {
		url    RelayURL
		events []*Event
		err    error
	}
	results := make(chan partial, len(targets))

	for _, r := range targets {
		r := r
		if p.Options.Admission != nil {
			if d := p.Options.Admission.BeforeConnect(r.URL); !d.Accept {
				results <- partial{url: r.URL, err: newErr(KindCapabilityDenied, r.URL.String(), d.Reason)}
				continue
			}
		}
		go func() {
			events, err := r.FetchEvents(ctx, filter)
			results <- partial{url: r.URL, events: events, err: err}
		}()
	}

	var merged []*Event
	for i := 0; i < len(targets); i++ {
		res := <-results
		if res.err != nil {
			out.fail(res.url, res.err.Error())
			continue
		}
		out.ok(res.url)
		merged = append(merged, res.events...)
	}
	out.Value = dedupSortEvents(merged)
	return out
}

// PoolSubscription is the fan-out handle Subscribe/StreamEvents returns:
// one Events channel merged from every targeted relay's Subscription.
type PoolSubscription struct {
	ID     string
	Events chan *Event
	cancel func()
}

// Close unsubscribes from every relay hosting this subscription.
func (ps *PoolSubscription) Close() { ps.cancel() }

// Subscribe fans filter out to READ-capable (possibly gossip-selected)
// relays under one shared subscription id and merges their events,
// deduped by id, into a single channel (§4.3).
func (p *RelayPool) Subscribe(ctx context.Context, filter Filter, opts SubscribeOptions) (*PoolSubscription, Output[struct{}]) {
	out := newOutput(struct{}{})
	targets := p.readTargets(filter.Authors)

	id := opts.ID
	if id == "" {
		id = newSubscriptionID()
	}
	merged := make(chan *Event, 256)
	subCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.subs[id] = make(map[RelayURL]struct{})
	p.mu.Unlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var seen sync.Map

	for _, r := range targets {
		r := r
		perOpts := opts
		perOpts.ID = id
		sub, err := r.Subscribe(subCtx, filter, perOpts)
		mu.Lock()
		if err != nil {
			out.fail(r.URL, err.Error())
			mu.Unlock()
			continue
		}
		out.ok(r.URL)
		mu.Unlock()

		p.mu.Lock()
		p.subs[id][r.URL] = struct{}{}
		p.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case e, ok := <-sub.Events:
					if !ok {
						return
					}
					if _, dup := seen.LoadOrStore(e.ID, struct{}{}); dup {
						continue
					}
					select {
					case merged <- e:
					default:
					}
				case <-subCtx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(merged)
	}()

	ps := &PoolSubscription{
		ID:     id,
		Events: merged,
		cancel: func() {
			cancel()
			p.UnsubscribeByID(context.Background(), id)
		},
	}
	return ps, out
}

// StreamEvents is Subscribe without an EOSE auto-close, kept as a
// distinct named operation to mirror the per-relay API (§4.3).
func (p *RelayPool) StreamEvents(ctx context.Context, filter Filter, opts SubscribeOptions) (*PoolSubscription, Output[struct{}]) {
	return p.Subscribe(ctx, filter, opts)
}

// UnsubscribeByID broadcasts CLOSE to every relay hosting subscription id
// (§4.3).
func (p *RelayPool) UnsubscribeByID(ctx context.Context, id string) Output[struct{}] {
	out := newOutput(struct{}{})
	p.mu.Lock()
	hosts := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()

	for url := range hosts {
		if r, ok := p.relays.Load(url); ok {
			if err := r.Unsubscribe(ctx, id); err != nil {
				out.fail(url, err.Error())
				continue
			}
		}
		out.ok(url)
	}
	return out
}

// UnsubscribeAll broadcasts CLOSE for every subscription on every relay.
func (p *RelayPool) UnsubscribeAll(ctx context.Context) {
	p.relays.Range(func(_ RelayURL, r *Relay) bool {
		r.UnsubscribeAll(ctx)
		return true
	})
	p.mu.Lock()
	p.subs = make(map[string]map[RelayURL]struct{})
	p.mu.Unlock()
}

// SyncDirection controls which side of a Sync's symmetric difference is
// acted on (§4.3 "publish union to WRITE relays according to direction").
type SyncDirection int

const (
	SyncDown SyncDirection = iota // only fetch what we're missing
	SyncUp                        // only publish what the relay is missing
	SyncBoth
)

// SyncOptions configures Sync's direction and local item set.
type SyncOptions struct {
	Direction  SyncDirection
	LocalItems []negentropy.Item
}

// Sync fans a negentropy reconciliation out to READ relays, merges their
// need/have sets, and optionally fetches the union from READ relays and
// publishes the union to WRITE relays according to Direction (§4.3).
func (p *RelayPool) Sync(ctx context.Context, filter Filter, opts SyncOptions) Output[SyncSummary] {
	targets := p.readTargets(filter.Authors)
	out := newOutput(SyncSummary{})

	if len(opts.LocalItems) == 0 && p.Options.Database != nil {
		if items, err := negItemsFromDatabase(ctx, p.Options.Database, filter); err == nil {
			opts.LocalItems = items
		}
	}

	type partial struct {
		url     RelayURL
		summary SyncSummary
		err     error
	}
	results := make(chan partial, len(targets))
	for _, r := range targets {
		r := r
		go func() {
			summary, err := r.Sync(ctx, filter, opts.LocalItems)
			results <- partial{url: r.URL, summary: summary, err: err}
		}()
	}

	needSeen := map[[32]byte]struct{}{}
	haveSeen := map[[32]byte]struct{}{}
	var need, have [][32]byte
	for i := 0; i < len(targets); i++ {
		res := <-results
		if res.err != nil {
			out.fail(res.url, res.err.Error())
			continue
		}
		out.ok(res.url)
		for _, id := range res.summary.Need {
			if _, dup := needSeen[id]; !dup {
				needSeen[id] = struct{}{}
				need = append(need, id)
			}
		}
		for _, id := range res.summary.Have {
			if _, dup := haveSeen[id]; !dup {
				haveSeen[id] = struct{}{}
				have = append(have, id)
			}
		}
	}

	out.Value = SyncSummary{
		LocalCount: len(opts.LocalItems),
		Need:       need,
		Have:       have,
	}

	if opts.Direction == SyncDown || opts.Direction == SyncBoth {
		ids := lo.Map(need, func(id [32]byte, _ int) string { return hexID(id) })
		if len(ids) > 0 {
			fetchOut := p.FetchEvents(ctx, Filter{IDs: ids})
			out.Value.Received = len(fetchOut.Value)
		}
	}

	if opts.Direction == SyncUp || opts.Direction == SyncBoth {
		out.Value.Sent = p.publishHaveUnion(ctx, have)
	}

	return out
}

// publishHaveUnion materializes the have set via Options.Database.Query
// and sends each event to the WRITE relays for its own author, returning
// the total number of successful (event, relay) publishes, summed over
// every event (§4.3 "publish union to WRITE relays according to
// direction").
func (p *RelayPool) publishHaveUnion(ctx context.Context, have [][32]byte) int {
	if p.Options.Database == nil || len(have) == 0 {
		return 0
	}
	ids := lo.Map(have, func(id [32]byte, _ int) string { return hexID(id) })
	it, err := p.Options.Database.Query(ctx, Filter{IDs: ids})
	if err != nil {
		return 0
	}
	defer it.Close()

	sent := 0
	for it.Next() {
		e := it.Event()
		pubOut := p.SendEvent(ctx, e, PublishOptions{Author: e.PubKey})
		sent += len(pubOut.Success)
	}
	return sent
}

// Shutdown is terminal: every relay is removed and subsequent mutating
// operations fail with ErrShutdown (§4.3).
func (p *RelayPool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.mu.Unlock()

	var urls []RelayURL
	p.relays.Range(func(url RelayURL, _ *Relay) bool {
		urls = append(urls, url)
		return true
	})
	for _, url := range urls {
		p.RemoveRelay(url)
	}

	p.busMu.Lock()
	for id, ch := range p.subscribers {
		close(ch)
		delete(p.subscribers, id)
	}
	p.busMu.Unlock()
}
