package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/veritwin/veritwin/internal/llm"
	"github.com/veritwin/veritwin/internal/namespace"
	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/pkg/types"
)

// AnswerHandlers serves direct owner authoring of verified answers: the
// only mutation path into the verified-answer store besides the escalation
// feedback loop.
type AnswerHandlers struct {
	store    storage.Store
	embedder llm.EmbeddingGenerator
	logger   *slog.Logger
}

// NewAnswerHandlers wires the verified-answer endpoints. embedder may be
// nil; answers then participate only in exact matching.
func NewAnswerHandlers(store storage.Store, embedder llm.EmbeddingGenerator, logger *slog.Logger) *AnswerHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnswerHandlers{store: store, embedder: embedder, logger: logger}
}

// HandleCreate handles POST /api/twins/{twin}/answers.
func (h *AnswerHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	twinID := r.PathValue("twin")
	tenantID := r.Header.Get(TenantHeader)

	twin, err := h.store.GetTwin(r.Context(), twinID)
	if err != nil || twin.TenantID != tenantID {
		writeError(w, http.StatusForbidden, "twin not accessible", "UNAUTHORIZED_NAMESPACE")
		return
	}

	var req CreateAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if req.Question == "" || req.Answer == "" {
		writeError(w, http.StatusBadRequest, "question and answer are required", "BAD_REQUEST")
		return
	}

	ns, err := namespace.Derive(twin.TenantID, twin.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid identity", "BAD_REQUEST")
		return
	}

	answer := &types.VerifiedAnswer{
		TwinID:    twinID,
		Namespace: ns,
		Question:  req.Question,
		Answer:    req.Answer,
		Citations: req.Citations,
		CreatedBy: tenantID,
	}

	if h.embedder != nil {
		if embedding, embErr := h.embedder.Embed(r.Context(), req.Question); embErr != nil {
			h.logger.Warn("question embedding failed, answer is exact-match only", "error", embErr)
		} else {
			answer.QuestionEmbedding = embedding
		}
	}

	if err := h.store.CreateVerifiedAnswer(r.Context(), answer); err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid answer", "BAD_REQUEST")
			return
		}
		h.logger.Error("create verified answer failed", "twin_id", twinID, "error", err)
		writeError(w, http.StatusInternalServerError, "create failed", "INTERNAL")
		return
	}

	writeJSON(w, http.StatusCreated, answerResponse(answer))
}

// HandleGet handles GET /api/answers/{id}.
func (h *AnswerHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	answer, ok := h.authorizedAnswer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, answerResponse(answer))
}

// HandleEdit handles POST /api/answers/{id}/edit. Edits append immutable
// patches; prior revisions stay readable through the history endpoint.
func (h *AnswerHandlers) HandleEdit(w http.ResponseWriter, r *http.Request) {
	answer, ok := h.authorizedAnswer(w, r)
	if !ok {
		return
	}

	var req EditAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if req.Answer == "" {
		writeError(w, http.StatusBadRequest, "answer is required", "BAD_REQUEST")
		return
	}

	patch, err := h.store.AppendPatch(r.Context(), answer.ID, req.Answer, r.Header.Get(TenantHeader))
	if err != nil {
		h.logger.Error("append patch failed", "answer_id", answer.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "edit failed", "INTERNAL")
		return
	}

	writeJSON(w, http.StatusOK, PatchResponse{
		Version:   patch.Version,
		Answer:    patch.Answer,
		EditedBy:  patch.EditedBy,
		CreatedAt: patch.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// HandleHistory handles GET /api/answers/{id}/history.
func (h *AnswerHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	answer, ok := h.authorizedAnswer(w, r)
	if !ok {
		return
	}

	patches, err := h.store.GetHistory(r.Context(), answer.ID)
	if err != nil {
		h.logger.Error("get history failed", "answer_id", answer.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "history failed", "INTERNAL")
		return
	}

	items := make([]PatchResponse, 0, len(patches))
	for _, p := range patches {
		items = append(items, PatchResponse{
			Version:   p.Version,
			Answer:    p.Answer,
			EditedBy:  p.EditedBy,
			CreatedAt: p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"answer_id": answer.ID,
		"patches":   items,
	})
}

// HandleDisable handles POST /api/answers/{id}/disable. Disabled answers
// stop matching but remain in the audit trail; there is no hard delete.
func (h *AnswerHandlers) HandleDisable(w http.ResponseWriter, r *http.Request) {
	answer, ok := h.authorizedAnswer(w, r)
	if !ok {
		return
	}

	if err := h.store.DisableVerifiedAnswer(r.Context(), answer.ID); err != nil {
		h.logger.Error("disable answer failed", "answer_id", answer.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "disable failed", "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

// authorizedAnswer loads the answer and verifies the authenticated tenant
// owns its twin.
func (h *AnswerHandlers) authorizedAnswer(w http.ResponseWriter, r *http.Request) (*types.VerifiedAnswer, bool) {
	id := r.PathValue("id")
	answer, err := h.store.GetVerifiedAnswer(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "answer not found", "NOT_FOUND")
		} else {
			h.logger.Error("answer lookup failed", "answer_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "lookup failed", "INTERNAL")
		}
		return nil, false
	}

	twin, err := h.store.GetTwin(r.Context(), answer.TwinID)
	if err != nil || twin.TenantID != r.Header.Get(TenantHeader) {
		writeError(w, http.StatusForbidden, "twin not accessible", "UNAUTHORIZED_NAMESPACE")
		return nil, false
	}
	return answer, true
}
