// Package llm provides text generation and embedding clients for the
// retrieval pipeline. All providers are wrapped in a circuit breaker so a
// failing upstream degrades retrieval instead of stalling it.
package llm

import "context"

// TextGenerator is the interface for LLM text completion. The query
// rewriter and answer synthesis use single-string completion style.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// EmbeddingGenerator is the interface for generating vector embeddings
// used by semantic verified matching and chunk search.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}
