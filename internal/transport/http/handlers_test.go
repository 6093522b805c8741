package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veil/internal/anonymity"
	"veil/internal/audit"
	"veil/internal/identity"
	"veil/internal/identity/vault"
	"veil/internal/platform/metrics"
	"veil/internal/report"
	"veil/internal/retention"
	"veil/internal/reveal"
	"veil/internal/reveal/token"
	"veil/internal/team"
	id "veil/pkg/domain"
)

const testAdminToken = "test-admin-token"

type apiHarness struct {
	server     *httptest.Server
	identities *identity.Service
	engine     *reveal.Engine
	teams      *team.InMemoryRegistry
	scheduler  *retention.Scheduler
}

var harnessMetrics *metrics.Metrics

// Prometheus collectors register globally, so the test harness shares one set.
func sharedMetrics() *metrics.Metrics {
	if harnessMetrics == nil {
		harnessMetrics = metrics.New()
	}
	return harnessMetrics
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sealer, err := vault.NewSealer([]byte("harness-master-secret"))
	require.NoError(t, err)
	auditor := audit.NewPublisher(audit.NewInMemoryStore())

	identities, err := identity.New(identity.NewInMemoryStore(), sealer,
		identity.WithAuditPublisher(auditor),
	)
	require.NoError(t, err)

	scheduler, err := retention.NewScheduler(retention.NewInMemoryStore(),
		retention.WithPollInterval(time.Hour),
	)
	require.NoError(t, err)

	minter, err := token.NewMinter([]byte("harness-signing-key"), 48*time.Hour, nil)
	require.NoError(t, err)

	protocols := reveal.NewInMemoryProtocolRegistry()
	require.NoError(t, reveal.RegisterBuiltins(protocols))

	teams := team.NewInMemoryRegistry()
	engine, err := reveal.NewEngine(reveal.NewInMemoryCaseStore(), protocols, identities, teams,
		scheduler, minter, sealer,
		reveal.WithAuditPublisher(auditor),
	)
	require.NoError(t, err)

	reports, err := report.NewGenerator(identities, engine, auditor)
	require.NoError(t, err)

	rules := anonymity.NewEngine(anonymity.WithLogger(logger))
	require.NoError(t, anonymity.DefaultRules(rules))
	evaluator := anonymity.NewEvaluator(rules, identities, engine, auditor,
		anonymity.WithEvaluatorLogger(logger))

	router := NewRouter(logger, sharedMetrics(), nil,
		NewIdentityHandler(identities, reports, evaluator, logger),
		NewCaseHandler(engine, logger),
		NewTeamHandler(teams, testAdminToken, logger),
	)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &apiHarness{
		server:     server,
		identities: identities,
		engine:     engine,
		teams:      teams,
		scheduler:  scheduler,
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, payload
}

func (h *apiHarness) createIdentity(t *testing.T, tier string) identityResponse {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/v1/identities", map[string]any{
		"realIdentityRef": "vault-ref-0001",
		"tier":            tier,
		"deviceSignature": "Mozilla/5.0 (X11; Linux x86_64) Firefox/140.0",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created identityResponse
	require.NoError(t, json.Unmarshal(body, &created))
	return created
}

func (h *apiHarness) activateCase(t *testing.T, anonymousID, emergencyType string, conditions []string) caseResponse {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/v1/cases", map[string]any{
		"anonymousId":       anonymousID,
		"emergencyType":     emergencyType,
		"triggerConditions": conditions,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var c caseResponse
	require.NoError(t, json.Unmarshal(body, &c))
	return c
}

func TestCreateIdentityReturnsPublicViewOnly(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.do(t, http.MethodPost, "/v1/identities", map[string]any{
		"realIdentityRef": "vault-ref-0042",
		"tier":            "sterling",
		"deviceSignature": "Mozilla/5.0 (X11; Linux x86_64) Firefox/140.0",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created identityResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.AnonymousID)
	assert.NotEmpty(t, created.Codename)
	assert.Equal(t, "sterling", created.Tier)

	// The raw body must never carry the real identity reference.
	assert.NotContains(t, string(body), "vault-ref-0042")
}

func TestCreateIdentityUnknownTierRejected(t *testing.T) {
	h := newAPIHarness(t)
	resp, body := h.do(t, http.MethodPost, "/v1/identities", map[string]any{
		"realIdentityRef": "vault-ref-0042",
		"tier":            "platinum",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
}

func TestDescribeUnknownIdentity(t *testing.T) {
	h := newAPIHarness(t)
	resp, _ := h.do(t, http.MethodGet, "/v1/identities/3b0c44a0-7f4e-4a5d-9f7e-111111111111", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestActivateCaseEndToEnd(t *testing.T) {
	h := newAPIHarness(t)
	created := h.createIdentity(t, "sterling")

	c := h.activateCase(t, created.AnonymousID, "medical_emergency", []string{"emergency_activation"})
	assert.Equal(t, "revealed", c.State)
	assert.Equal(t, "immediate_location", c.StageID)
	require.Len(t, c.Records, 2)
	for _, rec := range c.Records {
		assert.False(t, rec.PurgeScheduledAt.IsZero())
	}
}

func TestActivateDuplicateCaseConflicts(t *testing.T) {
	h := newAPIHarness(t)
	created := h.createIdentity(t, "sterling")
	h.activateCase(t, created.AnonymousID, "medical_emergency", []string{"emergency_activation"})

	resp, body := h.do(t, http.MethodPost, "/v1/cases", map[string]any{
		"anonymousId":       created.AnonymousID,
		"emergencyType":     "medical_emergency",
		"triggerConditions": []string{"emergency_activation"},
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
}

func TestActivateMissingEmergencyType(t *testing.T) {
	h := newAPIHarness(t)
	created := h.createIdentity(t, "sterling")
	resp, _ := h.do(t, http.MethodPost, "/v1/cases", map[string]any{
		"anonymousId":       created.AnonymousID,
		"triggerConditions": []string{"emergency_activation"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConsentDecisionFlow(t *testing.T) {
	h := newAPIHarness(t)
	created := h.createIdentity(t, "sterling")
	c := h.activateCase(t, created.AnonymousID, "medical_emergency", []string{"hospital_admission", "medical_emergency"})
	require.Equal(t, "consent_pending", c.State)
	require.NotNil(t, c.ConsentBy)

	resp, body := h.do(t, http.MethodPost, fmt.Sprintf("/v1/cases/%s/consent", c.CaseID),
		map[string]any{"decision": "give"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var after caseResponse
	require.NoError(t, json.Unmarshal(body, &after))
	assert.Equal(t, "revealed", after.State)
	for _, rec := range after.Records {
		assert.True(t, rec.ConsentGiven)
	}
}

func TestConsentInvalidDecisionRejected(t *testing.T) {
	h := newAPIHarness(t)
	created := h.createIdentity(t, "sterling")
	c := h.activateCase(t, created.AnonymousID, "medical_emergency", []string{"hospital_admission", "medical_emergency"})

	resp, _ := h.do(t, http.MethodPost, fmt.Sprintf("/v1/cases/%s/consent", c.CaseID),
		map[string]any{"decision": "maybe"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOverrideEndpointBypassesConsent(t *testing.T) {
	h := newAPIHarness(t)
	created := h.createIdentity(t, "sterling")
	c := h.activateCase(t, created.AnonymousID, "medical_emergency", []string{"hospital_admission", "medical_emergency"})
	require.Equal(t, "consent_pending", c.State)

	resp, body := h.do(t, http.MethodPost, fmt.Sprintf("/v1/cases/%s/override", c.CaseID),
		map[string]any{"overrideType": "medical_necessity", "justification": "patient unconscious on arrival"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var after caseResponse
	require.NoError(t, json.Unmarshal(body, &after))
	assert.Equal(t, "revealed", after.State)
}

func TestOverrideWithoutJustificationRejected(t *testing.T) {
	h := newAPIHarness(t)
	created := h.createIdentity(t, "sterling")
	c := h.activateCase(t, created.AnonymousID, "medical_emergency", []string{"hospital_admission", "medical_emergency"})

	resp, _ := h.do(t, http.MethodPost, fmt.Sprintf("/v1/cases/%s/override", c.CaseID),
		map[string]any{"overrideType": "medical_necessity"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAccessGrantMintsTokens(t *testing.T) {
	h := newAPIHarness(t)
	created := h.createIdentity(t, "sterling")
	c := h.activateCase(t, created.AnonymousID, "medical_emergency", []string{"emergency_activation"})

	registerResp, registerBody := h.do(t, http.MethodPost, "/v1/teams", map[string]any{
		"name":             "county-ems",
		"type":             "medical",
		"clearanceLevel":   "critical",
		"identityAccess":   "full_identity",
		"retentionSeconds": 86400,
		"verified":         true,
	}, map[string]string{"X-Admin-Token": testAdminToken})
	require.Equal(t, http.StatusCreated, registerResp.StatusCode, string(registerBody))
	var registered teamResponse
	require.NoError(t, json.Unmarshal(registerBody, &registered))

	resp, body := h.do(t, http.MethodPost, fmt.Sprintf("/v1/cases/%s/access", c.CaseID), map[string]any{
		"teamId":    registered.TeamID,
		"dataTypes": []string{"location", "address"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var granted accessResponse
	require.NoError(t, json.Unmarshal(body, &granted))
	require.Len(t, granted.Tokens, 2)
	for _, tok := range granted.Tokens {
		assert.NotEmpty(t, tok.Token)
		assert.False(t, tok.ExpiresAt.IsZero())
	}
}

func TestAccessGrantUnverifiedTeamForbidden(t *testing.T) {
	h := newAPIHarness(t)
	created := h.createIdentity(t, "sterling")
	c := h.activateCase(t, created.AnonymousID, "medical_emergency", []string{"emergency_activation"})

	responder := team.EmergencyResponseTeam{
		TeamID:         mustTeamID(t, "5f2b1f7e-9a3c-4d6b-8123-222222222222"),
		Name:           "unvetted-crew",
		Type:           team.TypeMedical,
		ClearanceLevel: id.SensitivityCritical,
		IdentityAccess: id.RevealFullIdentity,
		Verified:       false,
	}
	require.NoError(t, h.teams.Register(context.Background(), responder))

	resp, _ := h.do(t, http.MethodPost, fmt.Sprintf("/v1/cases/%s/access", c.CaseID), map[string]any{
		"teamId":    responder.TeamID.String(),
		"dataTypes": []string{"location"},
	}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTeamRegistrationRequiresAdminToken(t *testing.T) {
	h := newAPIHarness(t)
	resp, _ := h.do(t, http.MethodPost, "/v1/teams", map[string]any{
		"name":           "county-ems",
		"type":           "medical",
		"clearanceLevel": "high",
		"identityAccess": "location_only",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCancelPendingCase(t *testing.T) {
	h := newAPIHarness(t)
	created := h.createIdentity(t, "sterling")
	c := h.activateCase(t, created.AnonymousID, "medical_emergency", []string{"hospital_admission", "medical_emergency"})
	require.Equal(t, "consent_pending", c.State)

	resp, _ := h.do(t, http.MethodDelete, fmt.Sprintf("/v1/cases/%s", c.CaseID),
		map[string]any{"reason": "false alarm"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	getResp, getBody := h.do(t, http.MethodGet, fmt.Sprintf("/v1/cases/%s", c.CaseID), nil, nil)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var after caseResponse
	require.NoError(t, json.Unmarshal(getBody, &after))
	assert.Equal(t, "purged", after.State)
}

func TestCancelRevealedCaseConflicts(t *testing.T) {
	h := newAPIHarness(t)
	created := h.createIdentity(t, "sterling")
	c := h.activateCase(t, created.AnonymousID, "medical_emergency", []string{"emergency_activation"})
	require.Equal(t, "revealed", c.State)

	resp, _ := h.do(t, http.MethodDelete, fmt.Sprintf("/v1/cases/%s", c.CaseID), nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAuditReportEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	created := h.createIdentity(t, "sterling")
	h.activateCase(t, created.AnonymousID, "medical_emergency", []string{"emergency_activation"})

	resp, body := h.do(t, http.MethodGet,
		fmt.Sprintf("/v1/identities/%s/audit-report", created.AnonymousID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var rep report.ComplianceReport
	require.NoError(t, json.Unmarshal(body, &rep))
	assert.Equal(t, created.Codename, rep.Codename)
	assert.NotZero(t, rep.TotalEvents)
}

func TestEvaluatePostureEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	created := h.createIdentity(t, "sterling")

	resp, body := h.do(t, http.MethodPost,
		fmt.Sprintf("/v1/identities/%s/evaluate", created.AnonymousID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var decision evaluateResponse
	require.NoError(t, json.Unmarshal(body, &decision))
	assert.Equal(t, "maintain", decision.Action)
}

func TestUnknownFieldRejected(t *testing.T) {
	h := newAPIHarness(t)
	resp, _ := h.do(t, http.MethodPost, "/v1/identities", map[string]any{
		"realIdentityRef": "vault-ref-0042",
		"tier":            "sterling",
		"surprise":        true,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)
	resp, body := h.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func mustTeamID(t *testing.T, s string) id.TeamID {
	t.Helper()
	parsed, err := id.ParseTeamID(s)
	require.NoError(t, err)
	return parsed
}
