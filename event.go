package nostr

import (
	"strings"

	"golang.org/x/exp/slices"
)

// Event, Tags and Filter are the minimal shapes the core needs to route
// wire frames and apply filters. The event data model, signing and NIP
// event-builders are external collaborators per spec §1 — this is
// intentionally the narrow shape the core consumes, not a full SDK event
// type.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Tags is a list of tag arrays, e.g. [["e", "<id>"], ["p", "<pubkey>"]].
type Tags [][]string

// Find returns the first tag whose name matches key, or nil.
func (t Tags) Find(key string) []string {
	for _, tag := range t {
		if len(tag) > 0 && tag[0] == key {
			return tag
		}
	}
	return nil
}

// Filter is a declarative event selector per the GLOSSARY. A single
// Filter, not an array, travels in one REQ per §6.1.
type Filter struct {
	IDs     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Tags    map[string][]string `json:"-"`
	Since   *int64              `json:"since,omitempty"`
	Until   *int64              `json:"until,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
	Search  string              `json:"search,omitempty"`
}

// Matches reports whether e satisfies f, used both by verify_subscriptions
// (§4.2.4) and by tests. It does not verify signatures; that is the
// Verifier's job.
func (f Filter) Matches(e *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		tag := e.Tags.Find(name)
		if tag == nil || len(tag) < 2 || !containsString(values, tag[1]) {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, n := range haystack {
		if n == needle {
			return true
		}
	}
	return false
}

// dedupSortEvents dedups by id and orders the result by created_at
// descending, breaking ties by id ascending (§4.2.4's fetch_events
// ordering), shared by Relay.FetchEvents and RelayPool.FetchEvents.
func dedupSortEvents(events []*Event) []*Event {
	seen := make(map[string]struct{}, len(events))
	deduped := make([]*Event, 0, len(events))
	for _, e := range events {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		deduped = append(deduped, e)
	}
	slices.SortFunc(deduped, func(a, b *Event) int {
		if a.CreatedAt != b.CreatedAt {
			return int(b.CreatedAt - a.CreatedAt)
		}
		return strings.Compare(a.ID, b.ID)
	})
	return deduped
}
