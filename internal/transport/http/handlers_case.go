package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"veil/internal/reveal"
	id "veil/pkg/domain"
	dErrors "veil/pkg/domain-errors"
	"veil/pkg/requestcontext"
)

// CaseHandler serves the reveal case endpoints. Record payloads are never
// returned here; access goes through scoped tokens.
type CaseHandler struct {
	engine *reveal.Engine
	logger *slog.Logger
}

func NewCaseHandler(engine *reveal.Engine, logger *slog.Logger) *CaseHandler {
	return &CaseHandler{engine: engine, logger: logger}
}

func (h *CaseHandler) Register(r chi.Router) {
	r.Post("/v1/cases", h.handleActivate)
	r.Get("/v1/cases/{caseID}", h.handleGet)
	r.Delete("/v1/cases/{caseID}", h.handleCancel)
	r.Post("/v1/cases/{caseID}/consent", h.handleConsent)
	r.Post("/v1/cases/{caseID}/escalate", h.handleEscalate)
	r.Post("/v1/cases/{caseID}/override", h.handleOverride)
	r.Post("/v1/cases/{caseID}/access", h.handleAccess)
}

type activateCaseRequest struct {
	AnonymousID       string   `json:"anonymousId"`
	EmergencyType     string   `json:"emergencyType"`
	TriggerConditions []string `json:"triggerConditions"`
}

type caseResponse struct {
	CaseID        string           `json:"caseId"`
	AnonymousID   string           `json:"anonymousId"`
	EmergencyType string           `json:"emergencyType"`
	State         string           `json:"state"`
	StageID       string           `json:"stageId"`
	ConsentBy     *time.Time       `json:"consentDeadline,omitempty"`
	Records       []recordResponse `json:"records,omitempty"`
	ActivatedAt   time.Time        `json:"activatedAt"`
}

type recordResponse struct {
	RecordID         string     `json:"recordId"`
	DataType         string     `json:"dataType"`
	Sensitivity      string     `json:"sensitivity"`
	ConsentGiven     bool       `json:"consentGiven"`
	RevealedAt       time.Time  `json:"revealedAt"`
	PurgeScheduledAt time.Time  `json:"purgeScheduledAt"`
	PurgedAt         *time.Time `json:"purgedAt,omitempty"`
}

func (h *CaseHandler) handleActivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req activateCaseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	anonymousID, err := id.ParseAnonymousID(req.AnonymousID)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.EmergencyType == "" {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "emergency type is required"))
		return
	}

	c, err := h.engine.Activate(ctx, anonymousID, req.EmergencyType, req.TriggerConditions, actorFrom(ctx))
	if err != nil {
		h.logger.WarnContext(ctx, "case activation failed",
			"request_id", requestcontext.RequestID(ctx), "emergency_type", req.EmergencyType, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCaseResponse(c))
}

func (h *CaseHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	caseID, err := id.ParseCaseID(chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := h.engine.GetCase(r.Context(), caseID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

type cancelCaseRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *CaseHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID, err := id.ParseCaseID(chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req cancelCaseRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := h.engine.CancelCase(ctx, caseID, req.Reason, actorFrom(ctx)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type consentRequest struct {
	Decision string `json:"decision"` // give | revoke
}

func (h *CaseHandler) handleConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID, err := id.ParseCaseID(chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req consentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var c reveal.RevealCase
	switch req.Decision {
	case "give":
		c, err = h.engine.GiveConsent(ctx, caseID, actorFrom(ctx))
	case "revoke":
		c, err = h.engine.RevokeConsent(ctx, caseID, actorFrom(ctx))
	default:
		err = dErrors.Newf(dErrors.CodeInvalidInput, "decision must be give or revoke, got %q", req.Decision)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

type escalateRequest struct {
	Condition string `json:"condition"`
}

func (h *CaseHandler) handleEscalate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID, err := id.ParseCaseID(chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req escalateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.engine.SignalEscalation(ctx, caseID, req.Condition, actorFrom(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

type overrideRequest struct {
	OverrideType  string `json:"overrideType"`
	Justification string `json:"justification"`
}

func (h *CaseHandler) handleOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID, err := id.ParseCaseID(chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req overrideRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.engine.ApplyOverride(ctx, caseID, req.OverrideType, req.Justification, actorFrom(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

type accessRequest struct {
	TeamID    string   `json:"teamId"`
	DataTypes []string `json:"dataTypes"`
}

type accessResponse struct {
	Tokens []accessTokenResponse `json:"tokens"`
}

type accessTokenResponse struct {
	DataType  string    `json:"dataType"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *CaseHandler) handleAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID, err := id.ParseCaseID(chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req accessRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	teamID, err := id.ParseTeamID(req.TeamID)
	if err != nil {
		writeError(w, err)
		return
	}
	tokens, err := h.engine.GrantAccess(ctx, caseID, teamID, req.DataTypes, actorFrom(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := accessResponse{Tokens: make([]accessTokenResponse, len(tokens))}
	for i, tok := range tokens {
		resp.Tokens[i] = accessTokenResponse{DataType: tok.DataType, Token: tok.Token, ExpiresAt: tok.ExpiresAt}
	}
	writeJSON(w, http.StatusOK, resp)
}

// actorFrom names the acting principal for audit entries. Unauthenticated
// callers are recorded by network address.
func actorFrom(ctx context.Context) string {
	if actor := requestcontext.Actor(ctx); actor != "" {
		return actor
	}
	if ip := requestcontext.ClientIP(ctx); ip != "" {
		return "anonymous@" + ip
	}
	return "anonymous"
}

func toCaseResponse(c reveal.RevealCase) caseResponse {
	resp := caseResponse{
		CaseID:        c.CaseID.String(),
		AnonymousID:   c.AnonymousID.String(),
		EmergencyType: c.EmergencyType,
		State:         c.State.String(),
		StageID:       c.StageID.String(),
		ConsentBy:     c.ConsentDeadline,
		ActivatedAt:   c.ActivatedAt,
	}
	for _, rec := range c.Records {
		resp.Records = append(resp.Records, recordResponse{
			RecordID:         rec.RecordID.String(),
			DataType:         rec.DataType,
			Sensitivity:      rec.Sensitivity.String(),
			ConsentGiven:     rec.ConsentGiven,
			RevealedAt:       rec.RevealedAt,
			PurgeScheduledAt: rec.PurgeScheduledAt,
			PurgedAt:         rec.PurgedAt,
		})
	}
	return resp
}
