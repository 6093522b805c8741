package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	id "veil/pkg/domain"
)

// Publisher captures structured audit events. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily. Sink delivery
// is asynchronous over the inbox channel; a full inbox drops the copy and
// logs, never blocking the domain write path.
type Publisher struct {
	store  Store
	logger *slog.Logger
	inbox  chan Event
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithSinkBuffer enables the async sink inbox with the given capacity.
func WithSinkBuffer(size int) Option {
	return func(p *Publisher) { p.inbox = make(chan Event, size) }
}

func NewPublisher(store Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit persists the event. Timestamp and ID default when unset.
func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if err := p.store.Append(ctx, event); err != nil {
		return err
	}
	if p.inbox != nil {
		select {
		case p.inbox <- event:
		default:
			p.logger.Warn("audit sink inbox full, dropping copy",
				"action", event.Action, "event_id", event.ID)
		}
	}
	return nil
}

// Inbox exposes the sink channel for the relay worker.
func (p *Publisher) Inbox() <-chan Event { return p.inbox }

func (p *Publisher) ListByAnonymousID(ctx context.Context, anonymousID id.AnonymousID, from, to time.Time) ([]Event, error) {
	return p.store.ListByAnonymousID(ctx, anonymousID, from, to)
}

func (p *Publisher) ListByCase(ctx context.Context, caseID id.CaseID) ([]Event, error) {
	return p.store.ListByCase(ctx, caseID)
}
