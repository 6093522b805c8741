//go:build integration

package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "veil/pkg/domain"
	"veil/pkg/testutil/containers"
)

const retentionTasksDDL = `
CREATE TABLE IF NOT EXISTS retention_tasks (
    id         UUID PRIMARY KEY,
    kind       TEXT NOT NULL,
    case_id    UUID NOT NULL,
    record_id  UUID,
    stage_id   TEXT,
    due_at     TIMESTAMPTZ NOT NULL,
    attempts   INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    claimed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS retention_tasks_due_idx ON retention_tasks (due_at);
CREATE INDEX IF NOT EXISTS retention_tasks_case_idx ON retention_tasks (case_id);
`

func newPostgresTaskFixture(t *testing.T) *PostgresStore {
	t.Helper()
	pg := containers.NewPostgresContainer(t)
	pg.Exec(t, retentionTasksDDL)
	return NewPostgres(pg.DB)
}

func sampleTask(gen id.Generator, kind TaskKind, due time.Time) Task {
	return Task{
		ID:      id.TaskID(gen.NewID()),
		Kind:    kind,
		CaseID:  id.CaseID(gen.NewID()),
		DueAt:   due,
		Created: due.Add(-time.Minute),
	}
}

func TestPostgresTaskScheduleAndClaim(t *testing.T) {
	store := newPostgresTaskFixture(t)
	ctx := context.Background()
	gen := id.NewSeededGenerator(31)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	due := sampleTask(gen, TaskPurge, now.Add(-time.Minute))
	due.RecordID = id.RecordID(gen.NewID())
	notDue := sampleTask(gen, TaskConsentTimeout, now.Add(time.Hour))

	require.NoError(t, store.Schedule(ctx, due))
	require.NoError(t, store.Schedule(ctx, notDue))

	claimed, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.Equal(t, due.RecordID, claimed[0].RecordID)

	// Claimed tasks stay invisible until the lease expires.
	again, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, store.Complete(ctx, claimed[0].ID))
	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgresTaskLeaseExpiryReclaims(t *testing.T) {
	store := newPostgresTaskFixture(t)
	ctx := context.Background()
	gen := id.NewSeededGenerator(32)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	task := sampleTask(gen, TaskPurge, now.Add(-time.Minute))
	require.NoError(t, store.Schedule(ctx, task))

	claimed, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	later := now.Add(claimLease + time.Minute)
	reclaimed, err := store.ClaimDue(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, task.ID, reclaimed[0].ID)
}

func TestPostgresTaskReleaseRetries(t *testing.T) {
	store := newPostgresTaskFixture(t)
	ctx := context.Background()
	gen := id.NewSeededGenerator(33)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	task := sampleTask(gen, TaskDeferredReveal, now.Add(-time.Second))
	task.StageID = "medical_context"
	require.NoError(t, store.Schedule(ctx, task))

	claimed, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id.StageID("medical_context"), claimed[0].StageID)

	require.NoError(t, store.Release(ctx, task.ID, now.Add(time.Minute), 1))

	retried, err := store.ClaimDue(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, 1, retried[0].Attempts)
}

func TestPostgresTaskCancelByCaseSkipsClaimed(t *testing.T) {
	store := newPostgresTaskFixture(t)
	ctx := context.Background()
	gen := id.NewSeededGenerator(34)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	caseID := id.CaseID(gen.NewID())
	pending := sampleTask(gen, TaskConsentTimeout, now.Add(time.Hour))
	pending.CaseID = caseID
	running := sampleTask(gen, TaskPurge, now.Add(-time.Minute))
	running.CaseID = caseID

	require.NoError(t, store.Schedule(ctx, pending))
	require.NoError(t, store.Schedule(ctx, running))

	claimed, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.CancelByCase(ctx, caseID))

	// The claimed task is mid-execution and survives cancellation.
	later := now.Add(claimLease + time.Minute)
	left, err := store.ClaimDue(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, running.ID, left[0].ID)
}
