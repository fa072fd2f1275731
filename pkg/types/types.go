// Package types defines the core data structures for the Veritwin retrieval
// core: verified answers, graph facts, vector-indexed chunks, retrieval
// results, and escalations. All persisted records are scoped to a namespace
// derived from authenticated tenant/twin identity.
package types

import (
	"strings"
	"time"
)

// Namespace identifies an isolated read/write partition. It is always
// constructed server-side by the namespace resolver from authenticated
// identity fields, never from user-supplied request text.
type Namespace string

// GroundingSource identifies which store produced a piece of grounding.
type GroundingSource string

// Grounding source constants, in decreasing order of trust.
const (
	// SourceVerified is an owner-approved verified answer.
	SourceVerified GroundingSource = "verified"

	// SourceGraph is a structured fact from the twin's knowledge graph.
	SourceGraph GroundingSource = "graph"

	// SourceVector is a similarity match from the vector index.
	SourceVector GroundingSource = "vector"
)

// Precedence returns the trust rank of a source (lower is more trusted).
// Used as the tie-break when fused scores are equal.
func (s GroundingSource) Precedence() int {
	switch s {
	case SourceVerified:
		return 0
	case SourceGraph:
		return 1
	case SourceVector:
		return 2
	default:
		return 3
	}
}

// AnswerStatus represents the lifecycle status of a verified answer.
type AnswerStatus string

const (
	// AnswerActive indicates the answer is live and eligible for matching.
	AnswerActive AnswerStatus = "active"

	// AnswerDisabled indicates the answer was soft-disabled by the owner.
	// Disabled answers are retained for audit but never matched.
	AnswerDisabled AnswerStatus = "disabled"
)

// VerifiedAnswer is an owner-approved question/answer pair. The answer text
// is immutable history: edits append AnswerPatch rows and bump Version, and
// the current text is always the latest patch.
type VerifiedAnswer struct {
	// ID uniquely identifies the answer across all versions.
	ID string

	// TwinID is the twin this answer belongs to.
	TwinID string

	// Namespace is the partition the answer was written into.
	Namespace Namespace

	// Question is the owner-facing question text as originally entered.
	Question string

	// QuestionNormalized is the case/whitespace-normalized form used for
	// exact matching. Derived at write time, never user-supplied directly.
	QuestionNormalized string

	// Answer is the current answer text (latest patch applied).
	Answer string

	// Citations point at the source content backing the answer.
	Citations []string

	// QuestionEmbedding is the embedding of Question used for semantic
	// matching. May be empty when embedding generation was unavailable at
	// write time; such answers still participate in exact matching.
	QuestionEmbedding []float32

	// Version starts at 1 and increments with each patch.
	Version int

	// Status is active or disabled.
	Status AnswerStatus

	// CreatedBy records who authored the answer (owner id or "escalation").
	CreatedBy string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AnswerPatch is one immutable revision of a verified answer's text.
type AnswerPatch struct {
	// ID uniquely identifies the patch.
	ID string

	// AnswerID links the patch to its VerifiedAnswer.
	AnswerID string

	// Version is the answer version this patch produced.
	Version int

	// Answer is the full answer text as of this revision.
	Answer string

	// EditedBy records who made the edit.
	EditedBy string

	CreatedAt time.Time
}

// GraphNode is a typed entity or fact scoped to a twin's namespace.
type GraphNode struct {
	ID        string
	Namespace Namespace

	// Name is the entity or fact label (e.g. "minimum check size").
	Name string

	// Kind is the node type (e.g. "person", "metric", "policy").
	Kind string

	// Fact is the statement the node asserts, when it is a fact node.
	Fact string

	// SourceID points at the ingested content the node was extracted from.
	SourceID string

	CreatedAt time.Time
}

// GraphEdge is a typed relation between two nodes. Both endpoints must
// belong to the same namespace; stores enforce this at write time.
type GraphEdge struct {
	ID        string
	Namespace Namespace
	FromID    string
	ToID      string

	// Relation is the edge type (e.g. "works_at", "invests_in").
	Relation string

	// SourceID points at the ingested content the edge was extracted from.
	SourceID string

	CreatedAt time.Time
}

// ContextChunk is a unit of vector-indexed content written by external
// ingestion collaborators.
type ContextChunk struct {
	ID        string
	Namespace Namespace
	Text      string
	Embedding []float32

	// SourceID identifies the document the chunk came from. Used for
	// citations and for deduplicating fused results that refer to the
	// same underlying content.
	SourceID string

	Metadata map[string]interface{}

	CreatedAt time.Time
}

// GroundedContext is one merged, ranked item in a retrieval result. It may
// originate from any grounding source; Sources lists every source that
// surfaced the same underlying content.
type GroundedContext struct {
	// ID is the id of the underlying record (answer, node, or chunk).
	ID string

	// Text is the grounding text handed to the response layer.
	Text string

	// Citations point at backing source content.
	Citations []string

	// Sources lists each store that surfaced this item, most trusted first.
	Sources []GroundingSource

	// Score is the fused rank score. Comparable only within one result.
	Score float64
}

// RetrievalResult is the ephemeral, per-query output of the orchestrator.
// It is never persisted; escalations snapshot the parts they need.
type RetrievalResult struct {
	// Contexts is the merged, capped-length grounding list, best first.
	Contexts []GroundedContext

	// Source is the store that produced the top-ranked grounding, or empty
	// when Contexts is empty.
	Source GroundingSource

	// Confidence is the [0,1] trust score for the result. 1.0 only for an
	// exact verified match; 0.0 when no grounding was found.
	Confidence float64

	// UsedVerified is true when a verified answer grounds the response.
	UsedVerified bool

	// Verified is the matched verified answer, when UsedVerified is true.
	Verified *VerifiedAnswer

	// ExactVerified is true when the verified match was a normalized
	// exact-text hit (verbatim reuse is certain, not probabilistic).
	ExactVerified bool

	// Query is the query text actually used for retrieval (possibly the
	// rewritten standalone form). OriginalQuery preserves the input.
	Query         string
	OriginalQuery string

	// DegradedSources lists sources that timed out or errored; their
	// absence lowered Confidence but did not fail the request.
	DegradedSources []GroundingSource
}

// EscalationStatus represents the state of an escalation record.
type EscalationStatus string

const (
	// EscalationPending awaits an owner action.
	EscalationPending EscalationStatus = "pending"

	// EscalationResponded is terminal: the owner answered.
	EscalationResponded EscalationStatus = "responded"

	// EscalationDismissed is terminal: the owner dismissed the question.
	EscalationDismissed EscalationStatus = "dismissed"
)

// CanTransitionTo reports whether the status may move to next. The only
// legal transitions are pending→responded and pending→dismissed; terminal
// states are final.
func (s EscalationStatus) CanTransitionTo(next EscalationStatus) bool {
	if s != EscalationPending {
		return false
	}
	return next == EscalationResponded || next == EscalationDismissed
}

// Escalation is a durable record of a question the system could not answer
// confidently, awaiting owner resolution.
type Escalation struct {
	ID     string
	TwinID string

	// Question is the user's question as asked.
	Question string

	// QuestionHash is the normalized-question digest used for duplicate
	// detection within the dedup window.
	QuestionHash string

	// Context snapshots the grounding texts retrieved at escalation time.
	Context []string

	// AIAttempt is the tentative low-confidence draft answer, if any.
	AIAttempt string

	// ConfidenceScore is the retrieval confidence that triggered escalation.
	ConfidenceScore float64

	Status EscalationStatus

	// OwnerResponse is the owner's answer, set on respond.
	OwnerResponse string

	// AddToKnowledge records whether the owner asked for the response to be
	// written back to the verified-answer store.
	AddToKnowledge bool

	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Twin is a registry row mapping a twin to its owning tenant and creator.
// Ownership checks during namespace resolution read this table.
type Twin struct {
	ID        string
	TenantID  string
	CreatorID string
	Name      string
	CreatedAt time.Time
}

// TwinSettings are per-twin runtime overrides, read at request time so owner
// changes take effect promptly. Nil pointer fields mean "use the deployment
// default".
type TwinSettings struct {
	TwinID string

	// ConfidenceThreshold overrides the escalation threshold.
	ConfidenceThreshold *float64

	// SemanticMatching toggles semantic verified-answer matching.
	SemanticMatching *bool

	// Variant selects a named behavior variant; empty means vanilla.
	Variant string

	UpdatedAt time.Time
}

// NormalizeQuestion lowercases, trims, and collapses internal whitespace so
// that exact verified-answer matching is insensitive to case and spacing.
// Trailing punctuation is folded so "...size" and "...size?" match.
func NormalizeQuestion(q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	q = strings.TrimRight(q, "?.! ")
	return strings.Join(strings.Fields(q), " ")
}
