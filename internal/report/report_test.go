package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veil/internal/audit"
	"veil/internal/identity"
	"veil/internal/identity/vault"
	"veil/internal/retention"
	"veil/internal/reveal"
	"veil/internal/reveal/token"
	"veil/internal/team"
	id "veil/pkg/domain"
	dErrors "veil/pkg/domain-errors"
)

type harness struct {
	generator  *Generator
	engine     *reveal.Engine
	identities *identity.Service
	teams      *team.InMemoryRegistry
	subject    identity.AnonymousIdentity
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	sealer, err := vault.NewSealer([]byte("report-test-secret"))
	require.NoError(t, err)
	auditor := audit.NewPublisher(audit.NewInMemoryStore())

	identities, err := identity.New(identity.NewInMemoryStore(), sealer,
		identity.WithGenerator(id.NewSeededGenerator(3)),
		identity.WithAuditPublisher(auditor),
	)
	require.NoError(t, err)
	subject, err := identities.Create(ctx, identity.CreateParams{
		RealIdentityRef: "vault-ref-0002",
		Tier:            id.TierSterling,
		DeviceSignature: "Mozilla/5.0 (X11; Linux x86_64) Firefox/140.0",
	})
	require.NoError(t, err)

	scheduler, err := retention.NewScheduler(retention.NewInMemoryStore())
	require.NoError(t, err)
	minter, err := token.NewMinter([]byte("report-signing-key"), time.Hour, nil)
	require.NoError(t, err)
	protocols := reveal.NewInMemoryProtocolRegistry()
	require.NoError(t, reveal.RegisterBuiltins(protocols))
	teams := team.NewInMemoryRegistry()

	engine, err := reveal.NewEngine(reveal.NewInMemoryCaseStore(), protocols, identities, teams, scheduler, minter, sealer,
		reveal.WithGenerator(id.NewSeededGenerator(5)),
		reveal.WithAuditPublisher(auditor),
	)
	require.NoError(t, err)

	generator, err := NewGenerator(identities, engine, auditor)
	require.NoError(t, err)

	return &harness{generator: generator, engine: engine, identities: identities, teams: teams, subject: subject}
}

func TestCleanHistoryScoresFull(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.Activate(ctx, h.subject.AnonymousID, "medical_emergency", []string{"emergency_activation"}, "dispatch")
	require.NoError(t, err)

	rep, err := h.generator.Generate(ctx, h.subject.AnonymousID, time.Now().Add(-time.Hour), time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 100.0, rep.ComplianceScore)
	assert.Empty(t, rep.Violations)
	assert.Equal(t, 1, rep.CasesOpened)
	assert.Equal(t, 2, rep.RecordsPending)
	assert.Equal(t, 1, rep.EventTally[audit.ActionCaseActivated])
	assert.Equal(t, 1, rep.EventTally[audit.ActionRevealed])
	assert.Greater(t, rep.TotalEvents, 0)
}

func TestDeniedAccessLowersScore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	unverified := team.EmergencyResponseTeam{
		TeamID:         id.TeamID(id.NewSeededGenerator(42).NewID()),
		Name:           "unvetted",
		Type:           team.TypeMedical,
		ClearanceLevel: id.SensitivityCritical,
		IdentityAccess: id.RevealFullIdentity,
	}
	require.NoError(t, h.teams.Register(ctx, unverified))

	c, err := h.engine.Activate(ctx, h.subject.AnonymousID, "medical_emergency", []string{"emergency_activation"}, "dispatch")
	require.NoError(t, err)
	_, err = h.engine.GrantAccess(ctx, c.CaseID, unverified.TeamID, []string{"location"}, "dispatch")
	require.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	rep, err := h.generator.Generate(ctx, h.subject.AnonymousID, time.Now().Add(-time.Hour), time.Time{})
	require.NoError(t, err)

	assert.Less(t, rep.ComplianceScore, 100.0)
	require.Len(t, rep.Violations, 1)
	assert.Equal(t, audit.ActionAccessDenied, rep.Violations[0].Action)
	assert.Greater(t, rep.Risk.IdentityExposure, 0.0)
}

func TestEmptyWindowRejected(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	_, err := h.generator.Generate(context.Background(), h.subject.AnonymousID, now, now)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func TestUnknownIdentityRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.generator.Generate(context.Background(), id.AnonymousID(id.NewSeededGenerator(77).NewID()), time.Now().Add(-time.Hour), time.Time{})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}
