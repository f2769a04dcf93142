// Package nip11 fetches and caches relay information documents (§6.2).
package nip11

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Document is the subset of the NIP-11 relay information document the
// core cares about: supported NIPs, limits, and capability hints.
type Document struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Pubkey        string         `json:"pubkey"`
	Contact       string         `json:"contact"`
	SupportedNIPs []int          `json:"supported_nips"`
	Software      string         `json:"software"`
	Version       string         `json:"version"`
	Limitation    map[string]any `json:"limitation"`
}

// Fetcher performs at most one GET per URL per RefreshInterval (§6.2: "at
// most one request per URL per hour"), caching failures too so repeated
// callers don't hammer a relay that is down.
type Fetcher struct {
	Client          *http.Client
	RefreshInterval time.Duration

	mu    sync.Mutex
	cache map[string]entry
}

type entry struct {
	doc      *Document
	err      error
	fetched  time.Time
}

// NewFetcher builds a Fetcher with the §6.2 default of one request per
// hour per URL.
func NewFetcher() *Fetcher {
	return &Fetcher{
		Client:          &http.Client{Timeout: 10 * time.Second},
		RefreshInterval: time.Hour,
		cache:           make(map[string]entry),
	}
}

// httpURL turns a ws://|wss:// relay URL into the https-equivalent NIP-11
// request URL.
func httpURL(relayURL string) string {
	switch {
	case strings.HasPrefix(relayURL, "wss://"):
		return "https://" + strings.TrimPrefix(relayURL, "wss://")
	case strings.HasPrefix(relayURL, "ws://"):
		return "http://" + strings.TrimPrefix(relayURL, "ws://")
	default:
		return relayURL
	}
}

// Fetch returns the cached document for relayURL, performing a GET only
// if more than RefreshInterval has elapsed since the last attempt.
// Failures are non-fatal (§4.2.2 step 3): they are returned to the caller
// to log, never treated as connection failures.
func (f *Fetcher) Fetch(ctx context.Context, relayURL string) (*Document, error) {
	f.mu.Lock()
	if e, ok := f.cache[relayURL]; ok && time.Since(e.fetched) < f.RefreshInterval {
		f.mu.Unlock()
		return e.doc, e.err
	}
	f.mu.Unlock()

	doc, err := f.fetch(ctx, relayURL)

	f.mu.Lock()
	f.cache[relayURL] = entry{doc: doc, err: err, fetched: time.Now()}
	f.mu.Unlock()

	return doc, err
}

func (f *Fetcher) fetch(ctx context.Context, relayURL string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL(relayURL), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/nostr+json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nip11: unexpected status %d", resp.StatusCode)
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("nip11: decode: %w", err)
	}
	return &doc, nil
}
