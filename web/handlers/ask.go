package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/veritwin/veritwin/internal/escalation"
	"github.com/veritwin/veritwin/internal/llm"
	"github.com/veritwin/veritwin/internal/namespace"
	"github.com/veritwin/veritwin/internal/retrieval"
	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/internal/variant"
	"github.com/veritwin/veritwin/pkg/types"
)

// uncertainAnswer tells the user the question was forwarded, not dropped.
const uncertainAnswer = "I'm not confident enough to answer that yet. I've forwarded your question to the owner and will have a verified answer soon."

// AskHandlers serves POST /api/ask: the full precedence waterfall plus the
// confidence gate that routes low-confidence questions to escalation.
type AskHandlers struct {
	orchestrator *retrieval.Orchestrator
	escalations  *escalation.Manager
	store        storage.Store
	generator    llm.TextGenerator
	variants     *variant.Registry
	logger       *slog.Logger
}

// NewAskHandlers wires the ask endpoint. generator may be nil; answers are
// then grounded context verbatim rather than synthesized prose.
func NewAskHandlers(orchestrator *retrieval.Orchestrator, escalations *escalation.Manager, store storage.Store, generator llm.TextGenerator, variants *variant.Registry, logger *slog.Logger) *AskHandlers {
	if variants == nil {
		variants = variant.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AskHandlers{
		orchestrator: orchestrator,
		escalations:  escalations,
		store:        store,
		generator:    generator,
		variants:     variants,
		logger:       logger,
	}
}

// HandleAsk handles POST /api/ask.
func (h *AskHandlers) HandleAsk(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if req.TwinID == "" || req.Question == "" {
		writeError(w, http.StatusBadRequest, "twin_id and question are required", "BAD_REQUEST")
		return
	}

	mode := namespace.ModeTwin
	if req.Mode == "creator" {
		mode = namespace.ModeCreator
	}

	result, err := h.orchestrator.Retrieve(r.Context(), retrieval.Request{
		TenantID: tenantID,
		TwinID:   req.TwinID,
		Mode:     mode,
		Query:    req.Question,
		History:  req.History,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrUnauthorizedNamespace):
			writeError(w, http.StatusForbidden, "twin not accessible", "UNAUTHORIZED_NAMESPACE")
		case errors.Is(err, storage.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "invalid request", "BAD_REQUEST")
		default:
			h.logger.Error("retrieval failed", "twin_id", req.TwinID, "error", err)
			writeError(w, http.StatusInternalServerError, "retrieval failed", "INTERNAL")
		}
		return
	}

	settings, err := h.store.GetTwinSettings(r.Context(), req.TwinID)
	if err != nil {
		settings = &types.TwinSettings{TwinID: req.TwinID}
	}
	threshold := h.orchestrator.ThresholdFor(settings)

	resp := AskResponse{
		Confidence:   result.Confidence,
		Source:       string(result.Source),
		UsedVerified: result.UsedVerified,
		Exact:        result.ExactVerified,
	}

	switch {
	case result.UsedVerified && (result.ExactVerified || result.Confidence >= threshold):
		// Verified answers are reused verbatim, never paraphrased.
		resp.Answer = result.Verified.Answer
		resp.Citations = result.Verified.Citations

	case result.Confidence >= threshold:
		resp.Answer = h.synthesize(r.Context(), req.Question, result, settings)
		resp.Citations = collectCitations(result.Contexts)

	default:
		draft := ""
		if len(result.Contexts) > 0 {
			draft = h.synthesize(r.Context(), req.Question, result, settings)
		}
		esc, _, escErr := h.escalations.Create(r.Context(), escalation.CreateRequest{
			TwinID:     req.TwinID,
			Question:   req.Question,
			Context:    contextTexts(result.Contexts),
			AIAttempt:  draft,
			Confidence: result.Confidence,
		})
		if escErr != nil {
			h.logger.Error("escalation creation failed", "twin_id", req.TwinID, "error", escErr)
			writeError(w, http.StatusInternalServerError, "escalation failed", "INTERNAL")
			return
		}
		resp.Answer = uncertainAnswer
		resp.Escalated = true
		resp.EscalationID = esc.ID
	}

	writeJSON(w, http.StatusOK, resp)
}

// synthesize renders the twin's variant prompt over the grounded contexts
// and completes it. Without a generator, the top context is returned
// verbatim so grounding is still explicit.
func (h *AskHandlers) synthesize(ctx context.Context, question string, result *types.RetrievalResult, settings *types.TwinSettings) string {
	texts := contextTexts(result.Contexts)
	if h.generator == nil {
		if len(texts) > 0 {
			return texts[0]
		}
		return ""
	}

	v := h.variants.Get(settings.Variant)
	answer, err := h.generator.Complete(ctx, v.Render(question, texts))
	if err != nil {
		h.logger.Warn("answer synthesis failed, returning top context", "error", err)
		if len(texts) > 0 {
			return texts[0]
		}
		return ""
	}
	return answer
}

func contextTexts(contexts []types.GroundedContext) []string {
	texts := make([]string, 0, len(contexts))
	for _, c := range contexts {
		texts = append(texts, c.Text)
	}
	return texts
}

func collectCitations(contexts []types.GroundedContext) []string {
	seen := make(map[string]bool)
	var citations []string
	for _, c := range contexts {
		for _, cite := range c.Citations {
			if cite == "" || seen[cite] {
				continue
			}
			seen[cite] = true
			citations = append(citations, cite)
		}
	}
	return citations
}
