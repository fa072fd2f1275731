// Package storage provides composable storage interfaces for the Veritwin
// retrieval core.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. Every read and write is
// scoped to a namespace; implementations must filter by namespace at query
// time, not only at write time, so a mismatched namespace can never return
// another tenant's rows.
package storage

import (
	"context"
	"time"

	"github.com/veritwin/veritwin/pkg/types"
)

// TwinRegistry maps twins to their owning tenant and creator. Namespace
// resolution reads this table to authorize access before any retrieval.
type TwinRegistry interface {
	// CreateTwin registers a twin. Returns ErrInvalidInput when required
	// identity fields are missing.
	CreateTwin(ctx context.Context, twin *types.Twin) error

	// GetTwin retrieves a twin by ID. Returns ErrNotFound if absent.
	GetTwin(ctx context.Context, twinID string) (*types.Twin, error)
}

// VerifiedAnswerStore persists owner-approved question/answer pairs with
// immutable edit history.
type VerifiedAnswerStore interface {
	// CreateVerifiedAnswer stores a new answer and its initial patch
	// (version 1) in one transaction. Requires a non-empty answer text.
	CreateVerifiedAnswer(ctx context.Context, answer *types.VerifiedAnswer) error

	// GetVerifiedAnswer returns the answer with its latest patch applied.
	// Returns ErrNotFound if absent.
	GetVerifiedAnswer(ctx context.Context, id string) (*types.VerifiedAnswer, error)

	// ExactMatch looks up an active answer by normalized question text
	// within a namespace. Returns ErrNotFound when no row matches.
	ExactMatch(ctx context.Context, ns types.Namespace, normalizedQuestion string) (*types.VerifiedAnswer, error)

	// SemanticCandidates returns the k active answers in the namespace whose
	// stored question embeddings are closest to the query embedding, best
	// first. Answers without embeddings are skipped. An empty result is not
	// an error.
	SemanticCandidates(ctx context.Context, ns types.Namespace, embedding []float32, k int) ([]ScoredAnswer, error)

	// AppendPatch records a new answer revision and bumps the version.
	// History is never mutated; concurrent edits may reorder but cannot
	// lose revisions. Returns ErrNotFound if the answer is absent.
	AppendPatch(ctx context.Context, answerID, newAnswer, editedBy string) (*types.AnswerPatch, error)

	// GetHistory returns all patches for an answer, oldest first. Length
	// strictly increases by one per edit.
	GetHistory(ctx context.Context, answerID string) ([]types.AnswerPatch, error)

	// DisableVerifiedAnswer soft-disables an answer so it no longer
	// matches, preserving the audit trail. Returns ErrNotFound if absent.
	DisableVerifiedAnswer(ctx context.Context, id string) error
}

// GraphStore holds typed entity/fact nodes and edges scoped to a twin's
// namespace. External ingestion collaborators write; the core reads.
type GraphStore interface {
	// PutNode upserts a node. Returns ErrInvalidInput when the namespace is
	// empty.
	PutNode(ctx context.Context, node *types.GraphNode) error

	// PutEdge upserts an edge. Both endpoints must already exist in the
	// same namespace as the edge; violations return ErrNamespaceMismatch.
	PutEdge(ctx context.Context, edge *types.GraphEdge) error

	// GraphQuery returns nodes whose name or fact matches terms of the
	// query, plus nodes reachable within opts.ExpandHops edges, ranked by
	// match quality. Rows outside ns are never returned.
	GraphQuery(ctx context.Context, ns types.Namespace, query string, opts GraphQueryOptions) ([]types.GraphNode, error)
}

// VectorIndex provides similarity search over content chunks, partitioned
// by namespace.
type VectorIndex interface {
	// UpsertChunks writes chunks into a namespace. Chunks carrying a
	// different namespace than ns are rejected with ErrNamespaceMismatch.
	UpsertChunks(ctx context.Context, ns types.Namespace, chunks []types.ContextChunk) error

	// VectorSearch returns the chunks nearest to the query embedding within
	// the namespace, best first. The namespace filter is applied in the
	// query itself, never post-hoc.
	VectorSearch(ctx context.Context, ns types.Namespace, embedding []float32, opts VectorSearchOptions) ([]ScoredChunk, error)
}

// EscalationStore persists escalation records and enforces the pending →
// responded|dismissed state machine at the row level.
type EscalationStore interface {
	// CreateEscalation inserts a pending escalation atomically. When a
	// pending row with the same twin and question hash exists with
	// created_at newer than dedupSince, it returns that row together with
	// ErrDuplicateEscalation instead of inserting.
	CreateEscalation(ctx context.Context, esc *types.Escalation, dedupSince time.Time) (*types.Escalation, error)

	// GetEscalation retrieves an escalation by ID.
	GetEscalation(ctx context.Context, id string) (*types.Escalation, error)

	// ListEscalations returns a twin's escalations, newest first.
	ListEscalations(ctx context.Context, twinID string, filter EscalationFilter) ([]types.Escalation, error)

	// ResolveEscalation transitions a pending escalation to a terminal
	// status and records the owner response. Returns ErrInvalidTransition
	// when the row is already terminal.
	ResolveEscalation(ctx context.Context, id string, status types.EscalationStatus, ownerResponse string, addToKnowledge bool) (*types.Escalation, error)
}

// SettingsStore persists per-twin runtime overrides. Callers read at
// request time so owner changes take effect promptly; implementations must
// not cache indefinitely.
type SettingsStore interface {
	// GetTwinSettings returns the overrides for a twin. A twin with no
	// stored settings yields a zero-value TwinSettings, not an error.
	GetTwinSettings(ctx context.Context, twinID string) (*types.TwinSettings, error)

	// SaveTwinSettings upserts the overrides for a twin.
	SaveTwinSettings(ctx context.Context, settings *types.TwinSettings) error
}

// Store is the full set of persistence capabilities a backend provides.
// Both the SQLite and Postgres backends implement it.
type Store interface {
	TwinRegistry
	VerifiedAnswerStore
	GraphStore
	VectorIndex
	EscalationStore
	SettingsStore

	// PurgeTwin hard-deletes the twin's namespace partition (verified
	// answers with their patches, graph rows, chunks), its escalations and
	// settings, and its registry row, in one transaction. This is the only
	// hard-delete path and exists solely for the tenant-deletion workflow.
	PurgeTwin(ctx context.Context, ns types.Namespace, twinID string) error

	// Close releases any resources held by the store.
	Close() error
}
