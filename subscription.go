package nostr

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// newSubscriptionID allocates a short opaque id (§3), uuid-derived and
// truncated rather than a process-global counter, so ids stay unique
// across Relay restarts within the same process.
func newSubscriptionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Subscription is a live REQ on one Relay (§3, §4.2.4).
type Subscription struct {
	ID        string
	Filter    Filter
	Relay     *Relay
	CreatedAt time.Time

	Events            chan *Event
	EndOfStoredEvents chan struct{}
	ClosedReason      chan string

	exitPolicies []ExitPolicy

	mu        sync.Mutex
	live      bool
	eosed     bool
	closed    bool
	eventSeen atomic.Int64
	lastEvent atomic.Int64 // unix nanos
	cancelIdle func()
}

// newSubscription constructs a Subscription registered against relay with
// the given filter and options. It does not enqueue the REQ; callers do
// that via Relay.Subscribe.
func newSubscription(relay *Relay, id string, filter Filter, opts SubscribeOptions) *Subscription {
	sub := &Subscription{
		ID:                id,
		Filter:            filter,
		Relay:             relay,
		CreatedAt:         time.Now(),
		Events:            make(chan *Event, 64),
		EndOfStoredEvents: make(chan struct{}, 1),
		ClosedReason:      make(chan string, 1),
		exitPolicies:      opts.AutoClose,
		live:              true,
	}
	return sub
}

// dispatchEvent pushes an event to the sink unless the subscription has
// already been closed; it never blocks the relay's receive loop for more
// than the channel buffer allows.
func (sub *Subscription) dispatchEvent(e *Event) {
	sub.mu.Lock()
	live := sub.live
	sub.mu.Unlock()
	if !live {
		return
	}
	sub.eventSeen.Add(1)
	sub.lastEvent.Store(time.Now().UnixNano())
	select {
	case sub.Events <- e:
	default:
		// Sink is full; drop rather than block the receive loop. A slow
		// consumer loses events the same way the notification bus loses
		// lagging broadcast receivers (§5).
	}
}

func (sub *Subscription) dispatchEOSE() {
	sub.mu.Lock()
	if sub.eosed {
		sub.mu.Unlock()
		return
	}
	sub.eosed = true
	sub.mu.Unlock()
	select {
	case sub.EndOfStoredEvents <- struct{}{}:
	default:
	}
}

func (sub *Subscription) dispatchClosed(reason string) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.live = false
	sub.mu.Unlock()
	select {
	case sub.ClosedReason <- reason:
	default:
	}
}

// satisfiesExit reports whether any configured exit policy fires given the
// current subscription state (§4.2.4).
func (sub *Subscription) satisfiesExit(eosed bool) bool {
	for _, p := range sub.exitPolicies {
		switch p.Kind {
		case ExitOnEOSE:
			if eosed {
				return true
			}
		case ExitOnMinEvents:
			if int(sub.eventSeen.Load()) >= p.MinEvents {
				return true
			}
		case ExitOnDeadline:
			if !p.Deadline.IsZero() && time.Now().After(p.Deadline) {
				return true
			}
		case ExitOnIdleTimeout:
			last := sub.lastEvent.Load()
			if last != 0 && time.Since(time.Unix(0, last)) > p.IdleFor {
				return true
			}
		}
	}
	return false
}

// markClosedLocally flips live off without notifying the relay (used by
// unsubscribe paths that are about to remove the table entry themselves).
func (sub *Subscription) markClosedLocally() {
	sub.mu.Lock()
	sub.live = false
	sub.mu.Unlock()
}
