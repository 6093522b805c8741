package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veil/internal/audit"
	id "veil/pkg/domain"
)

func newTask(kind TaskKind, due time.Time) Task {
	return Task{
		ID:     id.TaskID(uuid.New()),
		Kind:   kind,
		CaseID: id.CaseID(uuid.New()),
		DueAt:  due,
	}
}

func TestInMemoryStore_ClaimDueOrdering(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now()

	late := newTask(TaskPurge, now.Add(-time.Minute))
	early := newTask(TaskPurge, now.Add(-time.Hour))
	future := newTask(TaskPurge, now.Add(time.Hour))
	require.NoError(t, store.Schedule(ctx, late))
	require.NoError(t, store.Schedule(ctx, early))
	require.NoError(t, store.Schedule(ctx, future))

	claimed, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, early.ID, claimed[0].ID, "earliest due first")
	assert.Equal(t, late.ID, claimed[1].ID)

	// Claimed tasks are invisible to a concurrent pass.
	again, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	pending, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestInMemoryStore_CancelPendingOnly(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now()

	task := newTask(TaskDeferredReveal, now.Add(-time.Second))
	require.NoError(t, store.Schedule(ctx, task))
	require.NoError(t, store.Cancel(ctx, task.ID))

	claimed, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// Cancelling an unknown task is a no-op.
	assert.NoError(t, store.Cancel(ctx, id.TaskID(uuid.New())))
}

func TestInMemoryStore_CancelByCaseFiltersKinds(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now()
	caseID := id.CaseID(uuid.New())

	purge := Task{ID: id.TaskID(uuid.New()), Kind: TaskPurge, CaseID: caseID, DueAt: now.Add(-time.Second)}
	escalation := Task{ID: id.TaskID(uuid.New()), Kind: TaskEscalationDeadline, CaseID: caseID, DueAt: now.Add(-time.Second)}
	require.NoError(t, store.Schedule(ctx, purge))
	require.NoError(t, store.Schedule(ctx, escalation))

	// Cancelling only escalation deadlines must leave the purge in place:
	// an already-registered purge can never be unscheduled.
	require.NoError(t, store.CancelByCase(ctx, caseID, TaskEscalationDeadline))

	claimed, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, TaskPurge, claimed[0].Kind)
}

func TestScheduler_ExecutesAndCompletes(t *testing.T) {
	store := NewInMemoryStore()
	sched, err := NewScheduler(store)
	require.NoError(t, err)

	var mu sync.Mutex
	var executed []id.TaskID
	sched.Register(TaskPurge, func(_ context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		executed = append(executed, task.ID)
		return nil
	})

	ctx := context.Background()
	task := newTask(TaskPurge, time.Now().Add(-time.Second))
	_, err = sched.Schedule(ctx, task)
	require.NoError(t, err)

	require.NoError(t, sched.Tick(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, executed, 1)
	assert.Equal(t, task.ID, executed[0])

	pending, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestScheduler_RejectsUnregisteredKind(t *testing.T) {
	store := NewInMemoryStore()
	sched, err := NewScheduler(store)
	require.NoError(t, err)

	_, err = sched.Schedule(context.Background(), newTask(TaskPurge, time.Now()))
	require.Error(t, err)
}

func TestScheduler_RetriesWithBackoffThenViolation(t *testing.T) {
	store := NewInMemoryStore()
	ledger := audit.NewInMemoryStore()
	pub := audit.NewPublisher(ledger)

	current := time.Now()
	var clockMu sync.Mutex
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		defer clockMu.Unlock()
		current = current.Add(d)
	}

	sched, err := NewScheduler(store,
		WithRetryBudget(3, 10*time.Millisecond),
		WithAuditPublisher(pub),
		WithClock(now),
	)
	require.NoError(t, err)

	var attempts int
	sched.Register(TaskPurge, func(_ context.Context, _ Task) error {
		attempts++
		return errors.New("wipe failed")
	})

	ctx := context.Background()
	task := newTask(TaskPurge, now().Add(-time.Second))
	_, err = sched.Schedule(ctx, task)
	require.NoError(t, err)

	// Attempt 1 fails and is released with backoff.
	require.NoError(t, sched.Tick(ctx))
	assert.Equal(t, 1, attempts)

	// Not yet due again.
	require.NoError(t, sched.Tick(ctx))
	assert.Equal(t, 1, attempts)

	advance(time.Second)
	require.NoError(t, sched.Tick(ctx))
	assert.Equal(t, 2, attempts)

	// Third attempt exhausts the budget: violation raised, task dropped.
	advance(time.Second)
	require.NoError(t, sched.Tick(ctx))
	assert.Equal(t, 3, attempts)

	advance(time.Hour)
	require.NoError(t, sched.Tick(ctx))
	assert.Equal(t, 3, attempts, "no retries after budget exhaustion")

	events, err := pub.ListByCase(ctx, task.CaseID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionRetentionViolation, events[0].Action)
}

func TestScheduler_CancellationToken(t *testing.T) {
	store := NewInMemoryStore()
	sched, err := NewScheduler(store)
	require.NoError(t, err)

	fired := false
	sched.Register(TaskConsentTimeout, func(_ context.Context, _ Task) error {
		fired = true
		return nil
	})

	ctx := context.Background()
	task := newTask(TaskConsentTimeout, time.Now().Add(-time.Second))
	token, err := sched.Schedule(ctx, task)
	require.NoError(t, err)

	require.NoError(t, sched.Cancel(ctx, token))
	require.NoError(t, sched.Tick(ctx))
	assert.False(t, fired, "cancelled task must not execute")
}
