package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "veil/pkg/domain"
	"veil/pkg/platform/sentinel"
	txcontext "veil/pkg/platform/tx"
)

// PostgresStore persists identities in PostgreSQL. Layers are stored as
// jsonb; byte fields inside them round-trip via encoding/json base64.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Save(ctx context.Context, identity AnonymousIdentity) error {
	public, err := json.Marshal(identity.Public)
	if err != nil {
		return fmt.Errorf("marshal public layer: %w", err)
	}
	encrypted, err := json.Marshal(identity.Encrypted)
	if err != nil {
		return fmt.Errorf("marshal encrypted layer: %w", err)
	}
	secured, err := json.Marshal(identity.Secured)
	if err != nil {
		return fmt.Errorf("marshal secured layer: %w", err)
	}
	var extended any
	if identity.Extended != nil {
		b, err := json.Marshal(identity.Extended)
		if err != nil {
			return fmt.Errorf("marshal extended layer: %w", err)
		}
		extended = b
	}
	controls, err := json.Marshal(identity.Controls)
	if err != nil {
		return fmt.Errorf("marshal controls: %w", err)
	}
	interaction, err := json.Marshal(identity.Interaction)
	if err != nil {
		return fmt.Errorf("marshal interaction params: %w", err)
	}

	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO identities (anonymous_id, tier, codename, public_layer, encrypted_layer, secured_layer, extended_layer, controls, interaction, created_at, last_key_rotation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (anonymous_id) DO UPDATE SET
			controls = EXCLUDED.controls,
			last_key_rotation = EXCLUDED.last_key_rotation
	`,
		uuid.UUID(identity.AnonymousID), string(identity.Tier), identity.Codename,
		public, encrypted, secured, extended, controls, interaction,
		identity.CreatedAt, identity.LastKeyRotation,
	)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, anonymousID id.AnonymousID) (AnonymousIdentity, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `
		SELECT anonymous_id, tier, codename, public_layer, encrypted_layer, secured_layer, extended_layer, controls, interaction, created_at, last_key_rotation
		FROM identities WHERE anonymous_id = $1
	`, uuid.UUID(anonymousID))

	var (
		identity  AnonymousIdentity
		anonID    uuid.UUID
		tier      string
		public    []byte
		encrypted []byte
		secured   []byte
		extended  []byte
		controls  []byte
		interact  []byte
	)
	err := row.Scan(&anonID, &tier, &identity.Codename, &public, &encrypted, &secured, &extended, &controls, &interact, &identity.CreatedAt, &identity.LastKeyRotation)
	if errors.Is(err, sql.ErrNoRows) {
		return AnonymousIdentity{}, sentinel.ErrNotFound
	}
	if err != nil {
		return AnonymousIdentity{}, fmt.Errorf("find identity: %w", err)
	}

	identity.AnonymousID = id.AnonymousID(anonID)
	identity.Tier = id.Tier(tier)
	if err := json.Unmarshal(public, &identity.Public); err != nil {
		return AnonymousIdentity{}, fmt.Errorf("unmarshal public layer: %w", err)
	}
	if err := json.Unmarshal(encrypted, &identity.Encrypted); err != nil {
		return AnonymousIdentity{}, fmt.Errorf("unmarshal encrypted layer: %w", err)
	}
	if err := json.Unmarshal(secured, &identity.Secured); err != nil {
		return AnonymousIdentity{}, fmt.Errorf("unmarshal secured layer: %w", err)
	}
	if len(extended) > 0 {
		identity.Extended = &ExtendedLayer{}
		if err := json.Unmarshal(extended, identity.Extended); err != nil {
			return AnonymousIdentity{}, fmt.Errorf("unmarshal extended layer: %w", err)
		}
	}
	if err := json.Unmarshal(controls, &identity.Controls); err != nil {
		return AnonymousIdentity{}, fmt.Errorf("unmarshal controls: %w", err)
	}
	if err := json.Unmarshal(interact, &identity.Interaction); err != nil {
		return AnonymousIdentity{}, fmt.Errorf("unmarshal interaction params: %w", err)
	}
	return identity, nil
}

func (s *PostgresStore) UpdateControls(ctx context.Context, anonymousID id.AnonymousID, controls AnonymityControls) error {
	payload, err := json.Marshal(controls)
	if err != nil {
		return fmt.Errorf("marshal controls: %w", err)
	}
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE identities SET controls = $2 WHERE anonymous_id = $1
	`, uuid.UUID(anonymousID), payload)
	if err != nil {
		return fmt.Errorf("update controls: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TouchKeyRotation(ctx context.Context, anonymousID id.AnonymousID) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE identities SET last_key_rotation = $2 WHERE anonymous_id = $1
	`, uuid.UUID(anonymousID), time.Now())
	if err != nil {
		return fmt.Errorf("touch key rotation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
