// Package escalation implements the human-review workflow: low-confidence
// questions become durable escalation records, and owner responses feed
// back into the verified-answer store so the same gap is not reopened.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veritwin/veritwin/internal/llm"
	"github.com/veritwin/veritwin/internal/namespace"
	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/pkg/types"
)

// DefaultDedupWindow bounds how far back duplicate detection looks for a
// pending escalation with the same twin and normalized question.
const DefaultDedupWindow = time.Hour

// Notifier receives escalation lifecycle events, typically to push them to
// connected owner dashboards. Implementations must not block.
type Notifier interface {
	EscalationCreated(esc *types.Escalation)
	EscalationResolved(esc *types.Escalation)
}

// Manager coordinates escalation creation, resolution, and the knowledge
// write-back loop.
type Manager struct {
	store       storage.Store
	embedder    llm.EmbeddingGenerator
	notifier    Notifier
	dedupWindow time.Duration
	logger      *slog.Logger
}

// NewManager wires the escalation manager. embedder and notifier may be
// nil; without an embedder, written-back answers carry no embedding and
// participate only in exact matching.
func NewManager(store storage.Store, embedder llm.EmbeddingGenerator, notifier Notifier, dedupWindow time.Duration, logger *slog.Logger) *Manager {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       store,
		embedder:    embedder,
		notifier:    notifier,
		dedupWindow: dedupWindow,
		logger:      logger,
	}
}

// CreateRequest snapshots everything an escalation needs from the failed
// retrieval.
type CreateRequest struct {
	TwinID   string
	Question string

	// Context holds the grounding texts retrieved at escalation time.
	Context []string

	// AIAttempt is the tentative low-confidence draft answer, if any.
	AIAttempt string

	// Confidence is the retrieval confidence that triggered escalation.
	Confidence float64
}

// Create inserts a pending escalation. When a pending escalation for the
// same twin and normalized question already exists inside the dedup window,
// the existing record is returned with created=false instead of spawning a
// duplicate. Creation is atomic: the row exists fully or not at all.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (esc *types.Escalation, created bool, err error) {
	if req.TwinID == "" || req.Question == "" {
		return nil, false, fmt.Errorf("%w: twin id and question are required", storage.ErrInvalidInput)
	}

	candidate := &types.Escalation{
		TwinID:          req.TwinID,
		Question:        req.Question,
		QuestionHash:    types.NormalizeQuestion(req.Question),
		Context:         req.Context,
		AIAttempt:       req.AIAttempt,
		ConfidenceScore: req.Confidence,
	}

	dedupSince := time.Now().Add(-m.dedupWindow)
	esc, err = m.store.CreateEscalation(ctx, candidate, dedupSince)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateEscalation) {
			return esc, false, nil
		}
		return nil, false, err
	}

	m.logger.Info("escalation created",
		"escalation_id", esc.ID, "twin_id", esc.TwinID, "confidence", esc.ConfidenceScore)
	if m.notifier != nil {
		m.notifier.EscalationCreated(esc)
	}
	return esc, true, nil
}

// Respond resolves a pending escalation with the owner's answer. When
// addToKnowledge is set, the (question, answer) pair is written through to
// the verified-answer store so the identical future question short-circuits
// at retrieval time instead of re-escalating.
func (m *Manager) Respond(ctx context.Context, escalationID, ownerAnswer string, addToKnowledge bool) (*types.Escalation, error) {
	if ownerAnswer == "" {
		return nil, fmt.Errorf("%w: owner answer is required", storage.ErrInvalidInput)
	}

	esc, err := m.store.ResolveEscalation(ctx, escalationID, types.EscalationResponded, ownerAnswer, addToKnowledge)
	if err != nil {
		return nil, err
	}

	if addToKnowledge {
		if err := m.writeBack(ctx, esc, ownerAnswer); err != nil {
			// The resolution stands; the knowledge write is retryable by
			// the owner creating the answer directly.
			m.logger.Error("knowledge write-back failed",
				"escalation_id", esc.ID, "error", err)
		}
	}

	if m.notifier != nil {
		m.notifier.EscalationResolved(esc)
	}
	return esc, nil
}

// Dismiss resolves a pending escalation without any knowledge write.
func (m *Manager) Dismiss(ctx context.Context, escalationID string) (*types.Escalation, error) {
	esc, err := m.store.ResolveEscalation(ctx, escalationID, types.EscalationDismissed, "", false)
	if err != nil {
		return nil, err
	}
	if m.notifier != nil {
		m.notifier.EscalationResolved(esc)
	}
	return esc, nil
}

// writeBack turns an owner response into a verified answer. The question
// embedding is best-effort: failure leaves the answer exact-match-only.
func (m *Manager) writeBack(ctx context.Context, esc *types.Escalation, ownerAnswer string) error {
	twin, err := m.store.GetTwin(ctx, esc.TwinID)
	if err != nil {
		return fmt.Errorf("escalation: look up twin for write-back: %w", err)
	}
	ns, err := namespaceFor(twin)
	if err != nil {
		return err
	}

	answer := &types.VerifiedAnswer{
		TwinID:    esc.TwinID,
		Namespace: ns,
		Question:  esc.Question,
		Answer:    ownerAnswer,
		CreatedBy: "escalation",
	}

	if m.embedder != nil {
		embedding, embErr := m.embedder.Embed(ctx, esc.Question)
		if embErr != nil {
			m.logger.Warn("write-back embedding failed, answer is exact-match only",
				"escalation_id", esc.ID, "error", embErr)
		} else {
			answer.QuestionEmbedding = embedding
		}
	}

	if err := m.store.CreateVerifiedAnswer(ctx, answer); err != nil {
		return fmt.Errorf("escalation: write back verified answer: %w", err)
	}

	m.logger.Info("escalation response written to knowledge",
		"escalation_id", esc.ID, "answer_id", answer.ID)
	return nil
}

// namespaceFor derives the twin-scoped namespace from registry identity,
// the same derivation the resolver applies on the read path.
func namespaceFor(twin *types.Twin) (types.Namespace, error) {
	ns, err := namespace.Derive(twin.TenantID, twin.ID)
	if err != nil {
		return "", fmt.Errorf("escalation: derive namespace: %w", err)
	}
	return ns, nil
}
