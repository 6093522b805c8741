package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"veil/internal/team"
	id "veil/pkg/domain"
	dErrors "veil/pkg/domain-errors"
	"veil/pkg/platform/middleware/admin"
)

// TeamHandler serves the response-team registry. Registration is an operator
// action and sits behind the admin token.
type TeamHandler struct {
	registry   *team.InMemoryRegistry
	adminToken string
	logger     *slog.Logger
}

func NewTeamHandler(registry *team.InMemoryRegistry, adminToken string, logger *slog.Logger) *TeamHandler {
	return &TeamHandler{registry: registry, adminToken: adminToken, logger: logger}
}

func (h *TeamHandler) Register(r chi.Router) {
	adminRouter := chi.NewRouter()
	adminRouter.Use(admin.RequireAdminToken(h.adminToken, h.logger))
	adminRouter.Post("/", h.handleRegister)
	adminRouter.Get("/{teamID}", h.handleGet)

	r.Mount("/v1/teams", adminRouter)
}

type registerTeamRequest struct {
	TeamID           string `json:"teamId,omitempty"`
	Name             string `json:"name"`
	Type             string `json:"type"`
	ClearanceLevel   string `json:"clearanceLevel"`
	IdentityAccess   string `json:"identityAccess"`
	RetentionSeconds int64  `json:"retentionSeconds"`
	Verified         bool   `json:"verified"`
}

type teamResponse struct {
	TeamID           string `json:"teamId"`
	Name             string `json:"name"`
	Type             string `json:"type"`
	ClearanceLevel   string `json:"clearanceLevel"`
	IdentityAccess   string `json:"identityAccess"`
	RetentionSeconds int64  `json:"retentionSeconds"`
	Verified         bool   `json:"verified"`
}

func (h *TeamHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req registerTeamRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "team name is required"))
		return
	}
	teamType, err := team.ParseType(req.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	clearance, err := id.ParseSensitivity(req.ClearanceLevel)
	if err != nil {
		writeError(w, err)
		return
	}
	identityAccess, err := id.ParseRevealLevel(req.IdentityAccess)
	if err != nil {
		writeError(w, err)
		return
	}

	teamID := id.TeamID(uuid.New())
	if req.TeamID != "" {
		teamID, err = id.ParseTeamID(req.TeamID)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	record := team.EmergencyResponseTeam{
		TeamID:          teamID,
		Name:            req.Name,
		Type:            teamType,
		ClearanceLevel:  clearance,
		IdentityAccess:  identityAccess,
		RetentionPolicy: time.Duration(req.RetentionSeconds) * time.Second,
		Verified:        req.Verified,
	}
	if err := h.registry.Register(ctx, record); err != nil {
		writeError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "response team registered",
		"team_id", teamID, "type", teamType, "verified", req.Verified)
	writeJSON(w, http.StatusCreated, toTeamResponse(record))
}

func (h *TeamHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	teamID, err := id.ParseTeamID(chi.URLParam(r, "teamID"))
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := h.registry.FindByID(r.Context(), teamID)
	if err != nil {
		writeError(w, dErrors.Wrap(err, dErrors.CodeNotFound, "team not found"))
		return
	}
	writeJSON(w, http.StatusOK, toTeamResponse(record))
}

func toTeamResponse(t team.EmergencyResponseTeam) teamResponse {
	return teamResponse{
		TeamID:           t.TeamID.String(),
		Name:             t.Name,
		Type:             string(t.Type),
		ClearanceLevel:   t.ClearanceLevel.String(),
		IdentityAccess:   t.IdentityAccess.String(),
		RetentionSeconds: int64(t.RetentionPolicy / time.Second),
		Verified:         t.Verified,
	}
}
