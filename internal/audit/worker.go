package audit

import (
	"context"
	"log/slog"

	dErrors "veil/pkg/domain-errors"
)

// Worker relays audit events from the publisher inbox to a sink. It keeps
// out-of-band delivery off the domain write path; sink failures are logged
// and skipped since the store remains the durable record.
type Worker struct {
	sink   Sink
	inbox  <-chan Event
	logger *slog.Logger
}

func NewWorker(sink Sink, inbox <-chan Event, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{sink: sink, inbox: inbox, logger: logger}
}

func (w *Worker) Run(ctx context.Context) error {
	// A publisher built without WithSinkBuffer has a nil inbox; receiving
	// on it would block forever and drop every event on the floor.
	if w.inbox == nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "audit worker requires a publisher built with a sink buffer")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			if err := w.sink.Publish(ctx, event); err != nil {
				w.logger.Error("audit sink publish failed",
					"action", event.Action, "event_id", event.ID, "error", err)
			}
		}
	}
}
