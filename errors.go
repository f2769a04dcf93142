package nostr

import "fmt"

// Kind classifies a Relay/Pool error per the taxonomy the caller needs to
// branch on: retried-locally vs surfaced vs fatal-to-the-entry.
type Kind int

const (
	KindTransport Kind = iota
	KindTimeout
	KindProtocol
	KindCapabilityDenied
	KindAuthRequired
	KindAuthFailed
	KindRejected
	KindBusy
	KindNotFound
	KindShutdown
	KindTerminated
	KindBanned
	KindFilterMismatch
	KindInvalidURL
	KindSubscriptionIDInUse
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindCapabilityDenied:
		return "capability_denied"
	case KindAuthRequired:
		return "auth_required"
	case KindAuthFailed:
		return "auth_failed"
	case KindRejected:
		return "rejected"
	case KindBusy:
		return "busy"
	case KindNotFound:
		return "not_found"
	case KindShutdown:
		return "shutdown"
	case KindTerminated:
		return "terminated"
	case KindBanned:
		return "banned"
	case KindFilterMismatch:
		return "filter_mismatch"
	case KindInvalidURL:
		return "invalid_url"
	case KindSubscriptionIDInUse:
		return "subscription_id_in_use"
	}
	return "unknown"
}

// Error wraps a Kind with a human reason and, optionally, the relay it
// came from. Relay/Pool-facing code should construct these with newErr
// rather than fmt.Errorf so callers can branch with errors.Is/As.
type Error struct {
	Kind   Kind
	URL    string
	Reason string
	Err    error
}

func newErr(kind Kind, url, reason string) *Error {
	return &Error{Kind: kind, URL: url, Reason: reason}
}

func wrapErr(kind Kind, url string, err error) *Error {
	return &Error{Kind: kind, URL: url, Reason: err.Error(), Err: err}
}

func (e *Error) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s: %s: %s", e.URL, e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTerminated) etc. work against a bare Kind
// sentinel by comparing Kind fields.
func (e *Error) Is(target error) bool {
	if o, ok := target.(*Error); ok {
		return e.Kind == o.Kind
	}
	return false
}

// Sentinel errors for errors.Is comparisons where callers only care about
// the kind, not the message.
var (
	ErrTerminated        = &Error{Kind: KindTerminated}
	ErrBanned            = &Error{Kind: KindBanned}
	ErrShutdown          = &Error{Kind: KindShutdown}
	ErrCapabilityDenied  = &Error{Kind: KindCapabilityDenied}
	ErrAuthRequired      = &Error{Kind: KindAuthRequired}
	ErrBusy              = &Error{Kind: KindBusy}
	ErrNotConnected      = &Error{Kind: KindTransport, Reason: "not connected"}
	ErrSubscriptionInUse = &Error{Kind: KindSubscriptionIDInUse}
)
