package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"veil/internal/audit"
	"veil/internal/platform/metrics"
	id "veil/pkg/domain"
	dErrors "veil/pkg/domain-errors"
)

// Handler executes one due task. Handlers must be idempotent: a crash between
// execution and completion redelivers the task after the claim lease.
type Handler func(ctx context.Context, task Task) error

// Scheduler polls the due-time index and dispatches tasks to registered
// handlers. Failed executions retry with bounded exponential backoff; a task
// that exhausts its budget raises a retention violation and stops retrying,
// requiring manual operator action.
type Scheduler struct {
	store        Store
	logger       *slog.Logger
	metrics      *metrics.Metrics
	auditor      *audit.Publisher
	handlers     map[TaskKind]Handler
	pollInterval time.Duration
	claimLimit   int
	retryBudget  int
	retryBase    time.Duration
	now          func() time.Time
}

type SchedulerOption func(*Scheduler)

func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

func WithAuditPublisher(p *audit.Publisher) SchedulerOption {
	return func(s *Scheduler) { s.auditor = p }
}

func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.pollInterval = d }
}

func WithRetryBudget(budget int, base time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.retryBudget = budget
		s.retryBase = base
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(store Store, opts ...SchedulerOption) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("retention store is required")
	}
	s := &Scheduler{
		store:        store,
		logger:       slog.Default(),
		handlers:     make(map[TaskKind]Handler),
		pollInterval: time.Second,
		claimLimit:   64,
		retryBudget:  5,
		retryBase:    500 * time.Millisecond,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register binds a handler to a task kind. Last registration wins.
func (s *Scheduler) Register(kind TaskKind, handler Handler) {
	s.handlers[kind] = handler
}

// Schedule persists a task and returns its ID as the cancellation token.
func (s *Scheduler) Schedule(ctx context.Context, task Task) (id.TaskID, error) {
	if task.ID.IsNil() {
		return id.TaskID{}, dErrors.New(dErrors.CodeInvalidInput, "task id is required")
	}
	if _, ok := s.handlers[task.Kind]; !ok {
		return id.TaskID{}, dErrors.Newf(dErrors.CodeInvalidInput, "no handler registered for task kind %q", task.Kind)
	}
	if err := s.store.Schedule(ctx, task); err != nil {
		return id.TaskID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to schedule task")
	}
	return task.ID, nil
}

// Cancel removes a pending task by its cancellation token.
func (s *Scheduler) Cancel(ctx context.Context, taskID id.TaskID) error {
	if err := s.store.Cancel(ctx, taskID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to cancel task")
	}
	return nil
}

// CancelByCase removes all pending tasks of the given kinds for a case.
func (s *Scheduler) CancelByCase(ctx context.Context, caseID id.CaseID, kinds ...TaskKind) error {
	if err := s.store.CancelByCase(ctx, caseID, kinds...); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to cancel case tasks")
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("retention tick failed", "error", err)
			}
		}
	}
}

// Tick claims and executes one batch of due tasks. Exposed so tests can step
// the scheduler without real time passing.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	tasks, err := s.store.ClaimDue(ctx, now, s.claimLimit)
	if err != nil {
		return fmt.Errorf("claim due tasks: %w", err)
	}
	for _, task := range tasks {
		s.execute(ctx, task)
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, task Task) {
	handler, ok := s.handlers[task.Kind]
	if !ok {
		s.logger.Error("no handler for claimed task, dropping", "kind", task.Kind, "task_id", task.ID)
		if err := s.store.Complete(ctx, task.ID); err != nil {
			s.logger.Error("complete orphan task failed", "task_id", task.ID, "error", err)
		}
		return
	}

	start := s.now()
	err := handler(ctx, task)
	if task.Kind == TaskPurge && s.metrics != nil {
		s.metrics.PurgeDuration.Observe(s.now().Sub(start).Seconds())
	}
	if err == nil {
		if err := s.store.Complete(ctx, task.ID); err != nil {
			s.logger.Error("complete task failed", "task_id", task.ID, "error", err)
		}
		return
	}

	attempts := task.Attempts + 1
	if attempts >= s.retryBudget {
		s.raiseViolation(ctx, task, err)
		if cerr := s.store.Complete(ctx, task.ID); cerr != nil {
			s.logger.Error("complete exhausted task failed", "task_id", task.ID, "error", cerr)
		}
		return
	}

	backoff := s.retryBase << (attempts - 1)
	if err := s.store.Release(ctx, task.ID, s.now().Add(backoff), attempts); err != nil {
		s.logger.Error("release task for retry failed", "task_id", task.ID, "error", err)
		return
	}
	s.logger.Warn("task execution failed, retrying",
		"kind", task.Kind, "task_id", task.ID, "attempt", attempts, "backoff", backoff, "error", err)
}

// raiseViolation records that a task ran out of retries. For purge tasks this
// is a retention violation: data that must be erased is still present and an
// operator has to intervene.
func (s *Scheduler) raiseViolation(ctx context.Context, task Task, cause error) {
	s.logger.Error("task exhausted retry budget, manual intervention required",
		"kind", task.Kind, "task_id", task.ID, "case_id", task.CaseID, "error", cause)
	if s.metrics != nil {
		s.metrics.RetentionViolations.Inc()
	}
	if s.auditor != nil {
		event := audit.Event{
			CaseID:        task.CaseID,
			Action:        audit.ActionRetentionViolation,
			Actor:         "retention-scheduler",
			Justification: fmt.Sprintf("task %s (%s) exhausted retry budget", task.ID, task.Kind),
			Detail:        cause.Error(),
		}
		if err := s.auditor.Emit(ctx, event); err != nil {
			s.logger.Error("emit retention violation audit event failed", "task_id", task.ID, "error", err)
		}
	}
}
