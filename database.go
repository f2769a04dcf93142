package nostr

import "context"

// SaveStatus reports the outcome of Database.SaveEvent.
type SaveStatus int

const (
	SaveStatusSaved SaveStatus = iota
	SaveStatusDuplicate
	SaveStatusRejected
)

// IDStamp is an (id, created_at) pair as used by negentropy set
// reconciliation (§4.2.6, §6.4).
type IDStamp struct {
	ID        string
	CreatedAt int64
}

// Database is the persistence collaborator (§6.4). The core is itself
// stateless across restarts; it only ever calls these five operations.
type Database interface {
	SaveEvent(ctx context.Context, e *Event) (SaveStatus, error)
	HasEvent(ctx context.Context, id string) (bool, error)
	Query(ctx context.Context, f Filter) (EventIterator, error)
	NegentropyItems(ctx context.Context, f Filter) ([]IDStamp, error)
	Wipe(ctx context.Context) error
}

// EventIterator yields events one at a time; Next returns false at
// end-of-sequence or on error (check Err after).
type EventIterator interface {
	Next() bool
	Event() *Event
	Err() error
	Close() error
}
