package storage

import (
	"errors"

	"github.com/veritwin/veritwin/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorizedNamespace indicates that the caller's authenticated
	// identity does not own the requested partition. Never recovered; the
	// request is rejected before any retrieval runs.
	ErrUnauthorizedNamespace = errors.New("unauthorized namespace")

	// ErrNamespaceMismatch indicates that a record's namespace does not match
	// the namespace the query was scoped to. This is the second isolation
	// enforcement point (the first is namespace resolution).
	ErrNamespaceMismatch = errors.New("namespace mismatch")

	// ErrDuplicateEscalation indicates a pending escalation already exists
	// for the same twin and question within the dedup window. Recovered by
	// returning the existing record.
	ErrDuplicateEscalation = errors.New("duplicate pending escalation")

	// ErrInvalidTransition indicates an escalation state change that the
	// state machine forbids (terminal states are final).
	ErrInvalidTransition = errors.New("invalid escalation transition")

	// ErrSourceTimeout indicates a retrieval source exceeded its deadline.
	// Recovered locally: the orchestrator degrades confidence and continues.
	ErrSourceTimeout = errors.New("retrieval source timed out")

	// ErrSourceUnavailable indicates a retrieval source failed outright.
	// Recovered the same way as a timeout, logged for alerting.
	ErrSourceUnavailable = errors.New("retrieval source unavailable")

	// ErrStaleVerifiedAnswer indicates a version conflict during an edit.
	// Resolved by re-reading the latest patch; edits always append.
	ErrStaleVerifiedAnswer = errors.New("stale verified answer version")
)

// ScoredAnswer pairs a verified answer with its cosine similarity to the
// query embedding, for semantic matching.
type ScoredAnswer struct {
	Answer     *types.VerifiedAnswer
	Similarity float64
}

// ScoredChunk pairs a context chunk with its cosine similarity to the query
// embedding.
type ScoredChunk struct {
	Chunk      *types.ContextChunk
	Similarity float64
}

// VectorSearchOptions configures a vector index query.
type VectorSearchOptions struct {
	// K is the number of nearest chunks to return (default: 10, max: 50).
	K int

	// MinSimilarity drops chunks below this cosine similarity (default: 0).
	MinSimilarity float64
}

// Normalize applies defaults and caps to the options.
func (o *VectorSearchOptions) Normalize() {
	if o.K < 1 {
		o.K = 10
	}
	if o.K > 50 {
		o.K = 50
	}
	if o.MinSimilarity < 0 {
		o.MinSimilarity = 0
	}
	if o.MinSimilarity > 1 {
		o.MinSimilarity = 1
	}
}

// GraphQueryOptions configures a graph store query.
type GraphQueryOptions struct {
	// Limit is the maximum number of nodes to return (default: 10, max: 50).
	Limit int

	// ExpandHops is how many edge hops to expand from term-matched nodes
	// (default: 1, max: 2). Expansion never crosses namespaces because edges
	// are namespace-scoped at write time.
	ExpandHops int
}

// Normalize applies defaults and caps to the options.
func (o *GraphQueryOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 10
	}
	if o.Limit > 50 {
		o.Limit = 50
	}
	if o.ExpandHops < 0 {
		o.ExpandHops = 1
	}
	if o.ExpandHops > 2 {
		o.ExpandHops = 2
	}
}

// EscalationFilter narrows escalation listings.
type EscalationFilter struct {
	// Status filters by escalation status; empty means all.
	Status types.EscalationStatus

	// Limit caps the number of rows returned (default: 50, max: 200).
	Limit int
}

// Normalize applies defaults and caps to the filter.
func (f *EscalationFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
}
