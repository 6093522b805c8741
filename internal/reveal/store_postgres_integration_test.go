//go:build integration

package reveal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "veil/pkg/domain"
	"veil/pkg/platform/sentinel"
	"veil/pkg/testutil"
	"veil/pkg/testutil/containers"
)

const revealCasesDDL = `
CREATE TABLE IF NOT EXISTS reveal_cases (
    case_id        UUID PRIMARY KEY,
    anonymous_id   UUID NOT NULL,
    emergency_type TEXT NOT NULL,
    protocol_id    TEXT NOT NULL,
    state          TEXT NOT NULL,
    stage_id       TEXT NOT NULL,
    stage_index    INT NOT NULL,
    prior_stage_id TEXT NOT NULL DEFAULT '',
    detail         JSONB NOT NULL,
    activated_at   TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS reveal_cases_active_uniq
    ON reveal_cases (anonymous_id, emergency_type)
    WHERE state <> 'purged';
CREATE INDEX IF NOT EXISTS reveal_cases_anonymous_idx ON reveal_cases (anonymous_id);
`

func newPostgresCaseFixture(t *testing.T) *PostgresCaseStore {
	t.Helper()
	pg := containers.NewPostgresContainer(t)
	pg.Exec(t, revealCasesDDL)
	return NewPostgresCaseStore(pg.DB)
}

func sampleCase(gen id.Generator, emergencyType string) RevealCase {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return RevealCase{
		CaseID:        id.CaseID(gen.NewID()),
		AnonymousID:   id.AnonymousID(gen.NewID()),
		EmergencyType: emergencyType,
		ProtocolID:    id.ProtocolID(emergencyType),
		State:         id.CaseStageEvaluating,
		StageID:       "immediate_location",
		StageIndex:    0,
		PriorStageID:  "immediate_location",
		ActivatedAt:   now,
		UpdatedAt:     now,
	}
}

func TestPostgresCaseStoreRoundTrip(t *testing.T) {
	store := newPostgresCaseFixture(t)
	ctx := context.Background()
	gen := id.NewSeededGenerator(21)

	c := sampleCase(gen, "medical_emergency")
	deadline := c.ActivatedAt.Add(15 * time.Minute)
	c.State = id.CaseConsentPending
	c.ConsentDeadline = &deadline
	c.Records = []RevealedDataRecord{{
		RecordID:         id.RecordID(gen.NewID()),
		DataType:         "location",
		Sensitivity:      id.SensitivityModerate,
		Payload:          []byte(`{"dataType":"location"}`),
		RevealedAt:       c.ActivatedAt,
		RevealedTo:       []id.TeamID{id.TeamID(gen.NewID())},
		PurgeScheduledAt: c.ActivatedAt.Add(24 * time.Hour),
	}}

	require.NoError(t, store.Create(ctx, c))

	got, err := store.Get(ctx, c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, c.State, got.State)
	require.NotNil(t, got.ConsentDeadline)
	assert.True(t, got.ConsentDeadline.Equal(deadline))
	require.Len(t, got.Records, 1)
	assert.Equal(t, c.Records[0].Payload, got.Records[0].Payload)
	assert.Equal(t, c.Records[0].RevealedTo, got.Records[0].RevealedTo)
}

func TestPostgresCaseStoreSingleActivePerType(t *testing.T) {
	store := newPostgresCaseFixture(t)
	ctx := context.Background()
	gen := id.NewSeededGenerator(22)

	first := sampleCase(gen, "medical_emergency")
	require.NoError(t, store.Create(ctx, first))

	testutil.When(t, "a second active case for the same identity and type is created", func(t *testing.T) {
		dup := sampleCase(gen, "medical_emergency")
		dup.AnonymousID = first.AnonymousID
		assert.ErrorIs(t, store.Create(ctx, dup), sentinel.ErrConflict)
	})

	testutil.When(t, "the first case is purged", func(t *testing.T) {
		first.State = id.CasePurged
		require.NoError(t, store.Update(ctx, first))

		replacement := sampleCase(gen, "medical_emergency")
		replacement.AnonymousID = first.AnonymousID
		assert.NoError(t, store.Create(ctx, replacement))

		n, err := store.CountActiveByAnonymous(ctx, first.AnonymousID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestPostgresCaseStoreUpdateMissing(t *testing.T) {
	store := newPostgresCaseFixture(t)
	gen := id.NewSeededGenerator(23)

	err := store.Update(context.Background(), sampleCase(gen, "legal_order"))
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestPostgresCaseStoreListByAnonymous(t *testing.T) {
	store := newPostgresCaseFixture(t)
	ctx := context.Background()
	gen := id.NewSeededGenerator(24)

	c1 := sampleCase(gen, "medical_emergency")
	c2 := sampleCase(gen, "security_threat")
	c2.AnonymousID = c1.AnonymousID
	c2.ActivatedAt = c1.ActivatedAt.Add(time.Hour)
	require.NoError(t, store.Create(ctx, c1))
	require.NoError(t, store.Create(ctx, c2))

	cases, err := store.ListByAnonymous(ctx, c1.AnonymousID)
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, c1.CaseID, cases[0].CaseID)
	assert.Equal(t, c2.CaseID, cases[1].CaseID)
}
