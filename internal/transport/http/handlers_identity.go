package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"veil/internal/anonymity"
	"veil/internal/identity"
	"veil/internal/report"
	id "veil/pkg/domain"
	dErrors "veil/pkg/domain-errors"
	"veil/pkg/requestcontext"
)

// IdentityHandler serves the identity lifecycle endpoints. Responses carry
// the public view only; attribute layers never cross this boundary.
type IdentityHandler struct {
	identities *identity.Service
	reports    *report.Generator
	evaluator  *anonymity.Evaluator
	logger     *slog.Logger
}

func NewIdentityHandler(identities *identity.Service, reports *report.Generator, evaluator *anonymity.Evaluator, logger *slog.Logger) *IdentityHandler {
	return &IdentityHandler{identities: identities, reports: reports, evaluator: evaluator, logger: logger}
}

func (h *IdentityHandler) Register(r chi.Router) {
	r.Post("/v1/identities", h.handleCreate)
	r.Get("/v1/identities/{anonymousID}", h.handleDescribe)
	r.Post("/v1/identities/{anonymousID}/level", h.handleSetLevel)
	r.Post("/v1/identities/{anonymousID}/evaluate", h.handleEvaluate)
	r.Get("/v1/identities/{anonymousID}/audit-report", h.handleAuditReport)
}

type createIdentityRequest struct {
	RealIdentityRef   string   `json:"realIdentityRef"`
	Tier              string   `json:"tier"`
	DeviceSignature   string   `json:"deviceSignature,omitempty"`
	BiometricSample   []byte   `json:"biometricSample,omitempty"`
	ServiceCategories []string `json:"serviceCategories,omitempty"`
}

type identityResponse struct {
	AnonymousID    string   `json:"anonymousId"`
	Codename       string   `json:"codename"`
	Tier           string   `json:"tier"`
	Level          int      `json:"anonymityLevel"`
	GeographicMask string   `json:"geographicMask,omitempty"`
	Categories     []string `json:"serviceCategories,omitempty"`
}

func (h *IdentityHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createIdentityRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tier, err := id.ParseTier(req.Tier)
	if err != nil {
		writeError(w, err)
		return
	}
	deviceSignature := req.DeviceSignature
	if deviceSignature == "" {
		deviceSignature = requestcontext.UserAgent(ctx)
	}

	created, err := h.identities.Create(ctx, identity.CreateParams{
		RealIdentityRef:   req.RealIdentityRef,
		Tier:              tier,
		DeviceSignature:   deviceSignature,
		BiometricSample:   req.BiometricSample,
		ServiceCategories: req.ServiceCategories,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "identity creation failed",
			"request_id", requestcontext.RequestID(ctx), "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIdentityResponse(created.View()))
}

func (h *IdentityHandler) handleDescribe(w http.ResponseWriter, r *http.Request) {
	anonymousID, err := id.ParseAnonymousID(chi.URLParam(r, "anonymousID"))
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.identities.Describe(r.Context(), anonymousID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(view))
}

type setLevelRequest struct {
	Level  int    `json:"level"`
	Reason string `json:"reason,omitempty"`
}

type setLevelResponse struct {
	Level int `json:"level"`
}

func (h *IdentityHandler) handleSetLevel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	anonymousID, err := id.ParseAnonymousID(chi.URLParam(r, "anonymousID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req setLevelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	applied, err := h.identities.SetLevel(ctx, anonymousID, id.AnonymityLevel(req.Level), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setLevelResponse{Level: int(applied)})
}

type evaluateResponse struct {
	Rule   string            `json:"rule,omitempty"`
	Action string            `json:"action"`
	Params map[string]string `json:"parameters,omitempty"`
}

func (h *IdentityHandler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	anonymousID, err := id.ParseAnonymousID(chi.URLParam(r, "anonymousID"))
	if err != nil {
		writeError(w, err)
		return
	}
	decision, err := h.evaluator.Evaluate(r.Context(), anonymousID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{
		Rule:   decision.Rule,
		Action: string(decision.Action),
		Params: decision.Parameters,
	})
}

func (h *IdentityHandler) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	anonymousID, err := id.ParseAnonymousID(chi.URLParam(r, "anonymousID"))
	if err != nil {
		writeError(w, err)
		return
	}
	from, to, err := parseWindow(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rep, err := h.reports.Generate(ctx, anonymousID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// parseWindow reads optional RFC 3339 `from`/`to` query parameters. Default
// window is the trailing 30 days.
func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	now := requestcontext.Now(r.Context())
	from := now.Add(-30 * 24 * time.Hour)
	to := time.Time{}
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, dErrors.New(dErrors.CodeInvalidInput, "invalid from timestamp")
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, dErrors.New(dErrors.CodeInvalidInput, "invalid to timestamp")
		}
		to = parsed
	}
	return from, to, nil
}

func toIdentityResponse(view identity.PublicView) identityResponse {
	return identityResponse{
		AnonymousID:    view.AnonymousID.String(),
		Codename:       view.Codename,
		Tier:           view.Tier.String(),
		Level:          int(view.Level),
		GeographicMask: view.GeographicMask,
		Categories:     view.ServiceCategories,
	}
}
