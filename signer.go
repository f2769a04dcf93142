package nostr

import "context"

// Signer is the external collaborator the core calls to produce a signed
// AUTH event (NIP-42) or a signed EVENT for publish-on-behalf flows. It is
// deliberately the narrowest contract the AUTH flow (§4.2.4, §4.2.7) needs;
// key management and event construction live outside the core (§1).
type Signer interface {
	// SignAuthEvent returns a fully signed kind-22242 auth event
	// responding to challenge on relayURL.
	SignAuthEvent(ctx context.Context, relayURL string, challenge string) (Event, error)
}

// Verifier checks an event's id and signature (§4.5). The core wraps it
// with a bounded cache (§4.2.5); it never re-implements cryptographic
// verification itself beyond the default implementation in verify.go.
type Verifier interface {
	Verify(e *Event) error
}
