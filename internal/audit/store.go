package audit

import (
	"context"
	"time"

	id "veil/pkg/domain"
)

// Store persists the append-only ledger. No update or delete exists on this
// interface and none may be added; compliance reporting depends on events
// being immutable once appended.
type Store interface {
	// Append persists one event and assigns its sequence number.
	Append(ctx context.Context, event Event) error

	// ListByAnonymousID returns events for an identity inside [from, to),
	// ordered by sequence. Zero bounds mean unbounded on that side.
	ListByAnonymousID(ctx context.Context, anonymousID id.AnonymousID, from, to time.Time) ([]Event, error)

	// ListByCase returns the ordered trail for one reveal case.
	ListByCase(ctx context.Context, caseID id.CaseID) ([]Event, error)
}

// Sink receives a copy of every appended event for out-of-band delivery
// (Kafka, SIEM). Delivery is best-effort and must not block appends.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}
