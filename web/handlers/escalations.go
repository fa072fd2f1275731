package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/veritwin/veritwin/internal/escalation"
	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/pkg/types"
)

// EscalationHandlers serves the owner review surface: list pending
// escalations, respond with an answer, or dismiss.
type EscalationHandlers struct {
	manager *escalation.Manager
	store   storage.Store
	logger  *slog.Logger
}

// NewEscalationHandlers wires the escalation endpoints.
func NewEscalationHandlers(manager *escalation.Manager, store storage.Store, logger *slog.Logger) *EscalationHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &EscalationHandlers{manager: manager, store: store, logger: logger}
}

// requireTwinAccess verifies the authenticated tenant owns the twin. The
// same "not found" answer covers unknown and foreign twins.
func (h *EscalationHandlers) requireTwinAccess(w http.ResponseWriter, r *http.Request, twinID string) bool {
	tenantID := r.Header.Get(TenantHeader)
	twin, err := h.store.GetTwin(r.Context(), twinID)
	if err != nil || twin.TenantID != tenantID {
		writeError(w, http.StatusForbidden, "twin not accessible", "UNAUTHORIZED_NAMESPACE")
		return false
	}
	return true
}

// HandleList handles GET /api/twins/{twin}/escalations. The optional
// status query parameter filters by lifecycle state.
func (h *EscalationHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	twinID := r.PathValue("twin")
	if !h.requireTwinAccess(w, r, twinID) {
		return
	}

	filter := storage.EscalationFilter{}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = types.EscalationStatus(status)
	}

	escalations, err := h.store.ListEscalations(r.Context(), twinID, filter)
	if err != nil {
		h.logger.Error("list escalations failed", "twin_id", twinID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list escalations", "INTERNAL")
		return
	}

	items := make([]EscalationResponse, 0, len(escalations))
	for i := range escalations {
		items = append(items, escalationResponse(&escalations[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"escalations": items,
		"total":       len(items),
	})
}

// HandleRespond handles POST /api/escalations/{id}/respond.
func (h *EscalationHandlers) HandleRespond(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}

	if !h.authorizeEscalation(w, r, id) {
		return
	}

	esc, err := h.manager.Respond(r.Context(), id, req.Answer, req.AddToKnowledge)
	if err != nil {
		h.writeResolveError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, escalationResponse(esc))
}

// HandleDismiss handles POST /api/escalations/{id}/dismiss.
func (h *EscalationHandlers) HandleDismiss(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !h.authorizeEscalation(w, r, id) {
		return
	}

	esc, err := h.manager.Dismiss(r.Context(), id)
	if err != nil {
		h.writeResolveError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, escalationResponse(esc))
}

// authorizeEscalation checks that the escalation's twin belongs to the
// authenticated tenant before any mutation.
func (h *EscalationHandlers) authorizeEscalation(w http.ResponseWriter, r *http.Request, id string) bool {
	esc, err := h.store.GetEscalation(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "escalation not found", "NOT_FOUND")
		} else {
			h.logger.Error("escalation lookup failed", "escalation_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "lookup failed", "INTERNAL")
		}
		return false
	}
	return h.requireTwinAccess(w, r, esc.TwinID)
}

func (h *EscalationHandlers) writeResolveError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "escalation not found", "NOT_FOUND")
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "escalation already resolved", "ALREADY_RESOLVED")
	case errors.Is(err, storage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "answer is required", "BAD_REQUEST")
	default:
		h.logger.Error("escalation resolution failed", "escalation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "resolution failed", "INTERNAL")
	}
}
