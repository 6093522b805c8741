package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "veil/pkg/domain"
	txcontext "veil/pkg/platform/tx"
)

// PostgresStore persists the ledger in PostgreSQL. Each append writes the
// materialized audit_events row plus an outbox row. In-process Kafka
// delivery runs off the publisher inbox; the outbox rows are the durable
// export record for external relays (CDC or a poller) and are not consumed
// by this service.
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

// outboxPayload is the JSON structure published to Kafka. Field names match
// audit.Event for deserialization by downstream consumers.
type outboxPayload struct {
	ID            string `json:"ID"`
	Category      string `json:"Category"`
	Timestamp     string `json:"Timestamp"`
	AnonymousID   string `json:"AnonymousID,omitempty"`
	CaseID        string `json:"CaseID,omitempty"`
	Action        string `json:"Action"`
	Actor         string `json:"Actor,omitempty"`
	Justification string `json:"Justification,omitempty"`
	Detail        string `json:"Detail,omitempty"`
}

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	payload := outboxPayload{
		ID:            event.ID.String(),
		Category:      string(event.Action.Category()),
		Timestamp:     event.Timestamp.Format(time.RFC3339Nano),
		Action:        string(event.Action),
		Actor:         event.Actor,
		Justification: event.Justification,
		Detail:        event.Detail,
	}
	if !event.AnonymousID.IsNil() {
		payload.AnonymousID = event.AnonymousID.String()
	}
	if !event.CaseID.IsNil() {
		payload.CaseID = event.CaseID.String()
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	var caseID any
	if !event.CaseID.IsNil() {
		caseID = uuid.UUID(event.CaseID)
	}

	exec := s.execer(ctx)
	_, err = exec.ExecContext(ctx, `
		INSERT INTO audit_events (id, anonymous_id, case_id, action, category, actor, justification, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		event.ID,
		uuid.UUID(event.AnonymousID),
		caseID,
		string(event.Action),
		string(event.Action.Category()),
		event.Actor,
		event.Justification,
		event.Detail,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		uuid.New(),
		"audit",
		event.ID.String(),
		string(event.Action),
		payloadBytes,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByAnonymousID(ctx context.Context, anonymousID id.AnonymousID, from, to time.Time) ([]Event, error) {
	query := `
		SELECT seq, id, anonymous_id, case_id, action, actor, justification, detail, occurred_at
		FROM audit_events
		WHERE anonymous_id = $1
		  AND ($2::timestamptz IS NULL OR occurred_at >= $2)
		  AND ($3::timestamptz IS NULL OR occurred_at < $3)
		ORDER BY seq
	`
	var fromArg, toArg any
	if !from.IsZero() {
		fromArg = from
	}
	if !to.IsZero() {
		toArg = to
	}
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(anonymousID), fromArg, toArg)
	if err != nil {
		return nil, fmt.Errorf("list audit events by anonymous id: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) ListByCase(ctx context.Context, caseID id.CaseID) ([]Event, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT seq, id, anonymous_id, case_id, action, actor, justification, detail, occurred_at
		FROM audit_events
		WHERE case_id = $1
		ORDER BY seq
	`, uuid.UUID(caseID))
	if err != nil {
		return nil, fmt.Errorf("list audit events by case: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var (
			e      Event
			anonID uuid.UUID
			caseID uuid.NullUUID
			action string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &anonID, &caseID, &action, &e.Actor, &e.Justification, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.AnonymousID = id.AnonymousID(anonID)
		if caseID.Valid {
			e.CaseID = id.CaseID(caseID.UUID)
		}
		e.Action = Action(action)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}
