// Package gossip implements the Gossip Router (§4.4): it chooses target
// relays for an outbound operation from a read-only store of previously
// observed NIP-65/NIP-17 relay-list events. It never fetches those lists
// itself.
package gossip

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Marker is a NIP-65 relay-list marker.
type Marker int

const (
	MarkerReadWrite Marker = iota
	MarkerRead
	MarkerWrite
)

// RelayListEntry is one relay published in an author's NIP-65 list.
type RelayListEntry struct {
	URL    string
	Marker Marker
}

// RelayList is the relay-list state known for one author.
type RelayList struct {
	Author    string
	Relays    []RelayListEntry // NIP-65
	DMRelays  []string         // NIP-17
	IsContact bool             // true if the source event was a contact list (kind 3)
}

func (l RelayList) writeRelays() []string {
	return lo.FilterMap(l.Relays, func(e RelayListEntry, _ int) (string, bool) {
		return e.URL, e.Marker == MarkerReadWrite || e.Marker == MarkerWrite
	})
}

func (l RelayList) readRelays() []string {
	return lo.FilterMap(l.Relays, func(e RelayListEntry, _ int) (string, bool) {
		return e.URL, e.Marker == MarkerReadWrite || e.Marker == MarkerRead
	})
}

// Store is the read-only collaborator over previously observed relay-list
// events (§4.4). The Router never fetches on its own; RefreshAuthor only
// asks the Store to go look.
type Store interface {
	Get(author string) (RelayList, bool)
	Refresh(ctx context.Context, author string) error
}

// SuccessRater exposes a per-relay success rate for ranking fetch/subscribe
// target selection (§4.4 "rank by capability and success rate").
type SuccessRater interface {
	SuccessRate(url string) float64
}

// Router selects target relays per author/filter.
type Router struct {
	Store              Store
	MaxRelaysPerMarker int
	RefreshMinInterval time.Duration

	mu           sync.Mutex
	lastRefresh  map[string]time.Time
	inFlight     map[string]chan struct{}
}

// NewRouter builds a Router over store with the §6.3 default of 3 relays
// per marker and a one-minute refresh coalescing window.
func NewRouter(store Store) *Router {
	return &Router{
		Store:              store,
		MaxRelaysPerMarker: 3,
		RefreshMinInterval: time.Minute,
		lastRefresh:        make(map[string]time.Time),
		inFlight:           make(map[string]chan struct{}),
	}
}

// SelectForPublish picks the relay set for an event authored by author
// (§4.4): up to MaxRelaysPerMarker of the author's NIP-65 write relays,
// ranked by rater.SuccessRate descending, or the NIP-17 DM relays if
// isDM, excluding every relay with a read marker (read-only or read-write)
// when the event is a contact list.
func (r *Router) SelectForPublish(author string, isDM bool, rater SuccessRater) []string {
	list, ok := r.Store.Get(author)
	if !ok {
		return nil
	}

	if isDM {
		return capAt(list.DMRelays, r.cap())
	}

	candidates := list.writeRelays()
	if list.IsContact {
		inbox := lo.Without(candidates, list.readRelays()...)
		candidates = inbox
	}
	if rater != nil {
		sort.SliceStable(candidates, func(i, j int) bool {
			return rater.SuccessRate(candidates[i]) > rater.SuccessRate(candidates[j])
		})
	}
	return capAt(candidates, r.cap())
}

// SelectForFetch unions the read relays across authors, ranks them by
// rater.SuccessRate descending, and caps the result (§4.4).
func (r *Router) SelectForFetch(authors []string, rater SuccessRater, maxTotal int) []string {
	seen := map[string]struct{}{}
	var union []string
	for _, a := range authors {
		list, ok := r.Store.Get(a)
		if !ok {
			continue
		}
		for _, u := range list.readRelays() {
			if _, dup := seen[u]; !dup {
				seen[u] = struct{}{}
				union = append(union, u)
			}
		}
	}

	if rater != nil {
		sort.SliceStable(union, func(i, j int) bool {
			return rater.SuccessRate(union[i]) > rater.SuccessRate(union[j])
		})
	}
	return capAt(union, maxTotal)
}

// RefreshAuthor asks the Store to refresh author's relay list, coalescing
// concurrent callers and rate-limiting repeated calls to RefreshMinInterval
// apart (§4.4: "refreshes are rate-limited and coalesced").
func (r *Router) RefreshAuthor(ctx context.Context, author string) error {
	r.mu.Lock()
	if ch, inFlight := r.inFlight[author]; inFlight {
		r.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	if last, ok := r.lastRefresh[author]; ok && time.Since(last) < r.RefreshMinInterval {
		r.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	r.inFlight[author] = done
	r.mu.Unlock()

	err := r.Store.Refresh(ctx, author)

	r.mu.Lock()
	r.lastRefresh[author] = time.Now()
	delete(r.inFlight, author)
	r.mu.Unlock()
	close(done)

	return err
}

func (r *Router) cap() int {
	if r.MaxRelaysPerMarker <= 0 {
		return 3
	}
	return r.MaxRelaysPerMarker
}

func capAt(items []string, n int) []string {
	if n <= 0 || len(items) <= n {
		return items
	}
	return items[:n]
}
