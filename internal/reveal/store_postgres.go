package reveal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	id "veil/pkg/domain"
	"veil/pkg/platform/sentinel"
	txcontext "veil/pkg/platform/tx"
)

// PostgresCaseStore persists reveal cases. The dynamic parts (records,
// escalations, override, deadlines) live in jsonb columns; a partial unique
// index on (anonymous_id, emergency_type) WHERE state <> 'purged' backs the
// single-active-case rule so concurrent activations race safely.
//
// Schema:
//
//	CREATE TABLE reveal_cases (
//	    case_id        UUID PRIMARY KEY,
//	    anonymous_id   UUID NOT NULL,
//	    emergency_type TEXT NOT NULL,
//	    protocol_id    TEXT NOT NULL,
//	    state          TEXT NOT NULL,
//	    stage_id       TEXT NOT NULL,
//	    stage_index    INT NOT NULL,
//	    prior_stage_id TEXT NOT NULL DEFAULT '',
//	    detail         JSONB NOT NULL,
//	    activated_at   TIMESTAMPTZ NOT NULL,
//	    updated_at     TIMESTAMPTZ NOT NULL
//	);
//	CREATE UNIQUE INDEX reveal_cases_active_uniq
//	    ON reveal_cases (anonymous_id, emergency_type)
//	    WHERE state <> 'purged';
//	CREATE INDEX reveal_cases_anonymous_idx ON reveal_cases (anonymous_id);
type PostgresCaseStore struct {
	db *sql.DB
}

func NewPostgresCaseStore(db *sql.DB) *PostgresCaseStore {
	return &PostgresCaseStore{db: db}
}

type caseExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresCaseStore) execer(ctx context.Context) caseExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// caseDetail is the jsonb envelope for the mutable parts of a case.
type caseDetail struct {
	ConsentDeadline *time.Time           `json:"consentDeadline,omitempty"`
	Override        *AppliedOverride     `json:"override,omitempty"`
	Escalations     []ArmedEscalation    `json:"escalations,omitempty"`
	Records         []RevealedDataRecord `json:"records,omitempty"`
}

func marshalDetail(c RevealCase) ([]byte, error) {
	b, err := json.Marshal(caseDetail{
		ConsentDeadline: c.ConsentDeadline,
		Override:        c.Override,
		Escalations:     c.Escalations,
		Records:         c.Records,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal case detail: %w", err)
	}
	return b, nil
}

func (s *PostgresCaseStore) Create(ctx context.Context, c RevealCase) error {
	detail, err := marshalDetail(c)
	if err != nil {
		return err
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO reveal_cases (case_id, anonymous_id, emergency_type, protocol_id, state, stage_id, stage_index, prior_stage_id, detail, activated_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		uuid.UUID(c.CaseID), uuid.UUID(c.AnonymousID), c.EmergencyType, string(c.ProtocolID),
		string(c.State), string(c.StageID), c.StageIndex, string(c.PriorStageID),
		detail, c.ActivatedAt, c.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create reveal case: %w", err)
	}
	return nil
}

func (s *PostgresCaseStore) Update(ctx context.Context, c RevealCase) error {
	detail, err := marshalDetail(c)
	if err != nil {
		return err
	}
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE reveal_cases
		SET state = $2, stage_id = $3, stage_index = $4, prior_stage_id = $5, detail = $6, updated_at = $7
		WHERE case_id = $1
	`,
		uuid.UUID(c.CaseID), string(c.State), string(c.StageID), c.StageIndex,
		string(c.PriorStageID), detail, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update reveal case: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

const caseColumns = `case_id, anonymous_id, emergency_type, protocol_id, state, stage_id, stage_index, prior_stage_id, detail, activated_at, updated_at`

func (s *PostgresCaseStore) Get(ctx context.Context, caseID id.CaseID) (RevealCase, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM reveal_cases WHERE case_id = $1`, uuid.UUID(caseID))
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RevealCase{}, sentinel.ErrNotFound
	}
	if err != nil {
		return RevealCase{}, fmt.Errorf("get reveal case: %w", err)
	}
	return c, nil
}

func (s *PostgresCaseStore) CountActiveByAnonymous(ctx context.Context, anonymousID id.AnonymousID) (int, error) {
	var n int
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reveal_cases WHERE anonymous_id = $1 AND state <> 'purged'
	`, uuid.UUID(anonymousID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active cases: %w", err)
	}
	return n, nil
}

func (s *PostgresCaseStore) ListByAnonymous(ctx context.Context, anonymousID id.AnonymousID) ([]RevealCase, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT `+caseColumns+` FROM reveal_cases WHERE anonymous_id = $1 ORDER BY activated_at`,
		uuid.UUID(anonymousID))
	if err != nil {
		return nil, fmt.Errorf("list reveal cases: %w", err)
	}
	defer rows.Close()

	var out []RevealCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reveal case: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (RevealCase, error) {
	var (
		c          RevealCase
		caseID     uuid.UUID
		anonID     uuid.UUID
		protocolID string
		state      string
		stageID    string
		priorStage string
		detail     []byte
	)
	err := row.Scan(&caseID, &anonID, &c.EmergencyType, &protocolID, &state, &stageID,
		&c.StageIndex, &priorStage, &detail, &c.ActivatedAt, &c.UpdatedAt)
	if err != nil {
		return RevealCase{}, err
	}
	c.CaseID = id.CaseID(caseID)
	c.AnonymousID = id.AnonymousID(anonID)
	c.ProtocolID = id.ProtocolID(protocolID)
	c.State = id.CaseState(state)
	c.StageID = id.StageID(stageID)
	c.PriorStageID = id.StageID(priorStage)

	var d caseDetail
	if err := json.Unmarshal(detail, &d); err != nil {
		return RevealCase{}, fmt.Errorf("unmarshal case detail: %w", err)
	}
	c.ConsentDeadline = d.ConsentDeadline
	c.Override = d.Override
	c.Escalations = d.Escalations
	c.Records = d.Records
	return c, nil
}
