package retention

import (
	"context"
	"time"

	id "veil/pkg/domain"
)

// Store is the durable due-time index. Implementations must make ClaimDue
// mutually exclusive per entry: a task claimed by one scheduler pass is
// invisible to concurrent passes until released or completed. This is what
// prevents a double-wipe of the same record.
type Store interface {
	// Schedule persists a task.
	Schedule(ctx context.Context, task Task) error

	// Cancel removes a pending task. Cancelling an unknown or already
	// claimed task is a no-op; cancellation races with execution.
	Cancel(ctx context.Context, taskID id.TaskID) error

	// CancelByCase removes all pending tasks of the given kinds for a case.
	CancelByCase(ctx context.Context, caseID id.CaseID, kinds ...TaskKind) error

	// ClaimDue atomically claims up to limit tasks with DueAt <= now.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Task, error)

	// Complete removes a claimed task permanently.
	Complete(ctx context.Context, taskID id.TaskID) error

	// Release requeues a claimed task for a later attempt.
	Release(ctx context.Context, taskID id.TaskID, nextDue time.Time, attempts int) error

	// PendingCount reports tasks not yet claimed or completed.
	PendingCount(ctx context.Context) (int, error)
}
