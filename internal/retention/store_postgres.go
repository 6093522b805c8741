package retention

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	id "veil/pkg/domain"
	txcontext "veil/pkg/platform/tx"
)

// claimLease bounds how long a claim survives a crashed scheduler before the
// task becomes claimable again.
const claimLease = 5 * time.Minute

// PostgresStore persists tasks in the retention_tasks table. ClaimDue relies
// on FOR UPDATE SKIP LOCKED so concurrent schedulers never claim the same
// entry.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Schedule(ctx context.Context, task Task) error {
	if task.Created.IsZero() {
		task.Created = time.Now()
	}
	var recordID, stageID any
	if !task.RecordID.IsNil() {
		recordID = uuid.UUID(task.RecordID)
	}
	if task.StageID != "" {
		stageID = string(task.StageID)
	}
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO retention_tasks (id, kind, case_id, record_id, stage_id, due_at, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		uuid.UUID(task.ID), string(task.Kind), uuid.UUID(task.CaseID),
		recordID, stageID, task.DueAt, task.Attempts, task.Created,
	)
	if err != nil {
		return fmt.Errorf("schedule retention task: %w", err)
	}
	return nil
}

func (s *PostgresStore) Cancel(ctx context.Context, taskID id.TaskID) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		DELETE FROM retention_tasks WHERE id = $1 AND claimed_at IS NULL
	`, uuid.UUID(taskID))
	if err != nil {
		return fmt.Errorf("cancel retention task: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelByCase(ctx context.Context, caseID id.CaseID, kinds ...TaskKind) error {
	query := `DELETE FROM retention_tasks WHERE case_id = $1 AND claimed_at IS NULL`
	args := []any{uuid.UUID(caseID)}
	if len(kinds) > 0 {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		query += ` AND kind = ANY($2)`
		args = append(args, pq.Array(names))
	}
	if _, err := s.execer(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("cancel retention tasks by case: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		UPDATE retention_tasks SET claimed_at = $1
		WHERE id IN (
			SELECT id FROM retention_tasks
			WHERE due_at <= $1
			  AND (claimed_at IS NULL OR claimed_at < $2)
			ORDER BY due_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, case_id, record_id, stage_id, due_at, attempts, created_at
	`, now, now.Add(-claimLease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due retention tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			t        Task
			taskID   uuid.UUID
			caseID   uuid.UUID
			recordID uuid.NullUUID
			stageID  sql.NullString
			kind     string
		)
		if err := rows.Scan(&taskID, &kind, &caseID, &recordID, &stageID, &t.DueAt, &t.Attempts, &t.Created); err != nil {
			return nil, fmt.Errorf("scan retention task: %w", err)
		}
		t.ID = id.TaskID(taskID)
		t.Kind = TaskKind(kind)
		t.CaseID = id.CaseID(caseID)
		if recordID.Valid {
			t.RecordID = id.RecordID(recordID.UUID)
		}
		if stageID.Valid {
			t.StageID = id.StageID(strings.TrimSpace(stageID.String))
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retention tasks: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Complete(ctx context.Context, taskID id.TaskID) error {
	_, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM retention_tasks WHERE id = $1`, uuid.UUID(taskID))
	if err != nil {
		return fmt.Errorf("complete retention task: %w", err)
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, taskID id.TaskID, nextDue time.Time, attempts int) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE retention_tasks SET claimed_at = NULL, due_at = $2, attempts = $3 WHERE id = $1
	`, uuid.UUID(taskID), nextDue, attempts)
	if err != nil {
		return fmt.Errorf("release retention task: %w", err)
	}
	return nil
}

func (s *PostgresStore) PendingCount(ctx context.Context) (int, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT COUNT(*) FROM retention_tasks WHERE claimed_at IS NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("count pending retention tasks: %w", err)
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("scan pending count: %w", err)
		}
	}
	return n, rows.Err()
}
