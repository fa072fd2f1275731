package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/veritwin/veritwin/internal/llm"
	"github.com/veritwin/veritwin/internal/namespace"
	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/pkg/types"
)

// Options configure the orchestrator. Zero values fall back to defaults.
type Options struct {
	// ConfidenceThreshold is the default escalation threshold; per-twin
	// settings override it at request time. Default 0.7.
	ConfidenceThreshold float64

	// SemanticVerifiedThreshold gates probabilistic verified-answer reuse.
	// Deliberately stricter than ConfidenceThreshold to avoid false
	// verbatim reuse. Default 0.90.
	SemanticVerifiedThreshold float64

	// SemanticMatching enables semantic verified matching by default;
	// per-twin settings override it.
	SemanticMatching bool

	// FusionK is the reciprocal rank fusion constant. Default 60.
	FusionK float64

	// MaxContexts caps the merged grounding list. Default 10.
	MaxContexts int

	// SourceTimeout bounds each graph/vector/semantic lookup
	// independently. Default 3s.
	SourceTimeout time.Duration

	// EmbedTimeout bounds query embedding generation. Default 5s.
	EmbedTimeout time.Duration
}

func (o *Options) normalize() {
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = 0.7
	}
	if o.SemanticVerifiedThreshold <= 0 {
		o.SemanticVerifiedThreshold = 0.90
	}
	if o.FusionK <= 0 {
		o.FusionK = DefaultFusionK
	}
	if o.MaxContexts <= 0 {
		o.MaxContexts = 10
	}
	if o.SourceTimeout <= 0 {
		o.SourceTimeout = 3 * time.Second
	}
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = 5 * time.Second
	}
}

// Request carries one retrieval invocation. Identity fields come from the
// authenticated request context, never from the request body.
type Request struct {
	TenantID string
	TwinID   string
	Mode     namespace.Mode

	Query   string
	History []string
}

// Orchestrator runs the precedence waterfall for each query: namespace
// resolution, optional rewrite, exact verified short-circuit, concurrent
// graph/vector/semantic retrieval, rank fusion, and confidence scoring.
type Orchestrator struct {
	resolver *namespace.Resolver
	store    storage.Store
	embedder llm.EmbeddingGenerator
	rewriter *Rewriter
	opts     Options
	logger   *slog.Logger
}

// NewOrchestrator wires the orchestrator. embedder and rewriter may be nil;
// without an embedder, vector search and semantic matching degrade to
// graph-plus-exact retrieval.
func NewOrchestrator(resolver *namespace.Resolver, store storage.Store, embedder llm.EmbeddingGenerator, rewriter *Rewriter, opts Options, logger *slog.Logger) *Orchestrator {
	opts.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	if rewriter == nil {
		rewriter = NewRewriter(nil, logger)
	}
	return &Orchestrator{
		resolver: resolver,
		store:    store,
		embedder: embedder,
		rewriter: rewriter,
		opts:     opts,
		logger:   logger,
	}
}

// ThresholdFor returns the effective escalation threshold for a twin,
// honoring a per-twin override.
func (o *Orchestrator) ThresholdFor(settings *types.TwinSettings) float64 {
	if settings != nil && settings.ConfidenceThreshold != nil {
		return *settings.ConfidenceThreshold
	}
	return o.opts.ConfidenceThreshold
}

// Retrieve runs the waterfall and returns a grounded, confidence-scored
// result. Isolation failures abort the request; source failures degrade it.
func (o *Orchestrator) Retrieve(ctx context.Context, req Request) (*types.RetrievalResult, error) {
	if req.Query == "" {
		return nil, storage.ErrInvalidInput
	}

	ns, err := o.resolver.Resolve(ctx, req.TenantID, req.TwinID, req.Mode)
	if err != nil {
		return nil, err
	}

	// Per-twin settings are read on every request so owner changes apply
	// promptly. A settings read failure falls back to deployment defaults.
	settings, err := o.store.GetTwinSettings(ctx, req.TwinID)
	if err != nil {
		o.logger.Warn("twin settings read failed, using defaults", "twin_id", req.TwinID, "error", err)
		settings = &types.TwinSettings{TwinID: req.TwinID}
	}
	semanticEnabled := o.opts.SemanticMatching
	if settings.SemanticMatching != nil {
		semanticEnabled = *settings.SemanticMatching
	}

	query := o.rewriter.Rewrite(ctx, req.Query, req.History)
	result := &types.RetrievalResult{
		Query:         query,
		OriginalQuery: req.Query,
	}

	// Exact verified match short-circuits everything. Try the retrieval
	// query first, then the original form if the rewriter changed it.
	if hit := o.exactVerified(ctx, ns, query, req.Query); hit != nil {
		result.Contexts = []types.GroundedContext{verifiedContext(hit, 1.0)}
		result.Source = types.SourceVerified
		result.Confidence = 1.0
		result.UsedVerified = true
		result.Verified = hit
		result.ExactVerified = true
		return result, nil
	}

	embedding := o.embedQuery(ctx, query, result)
	lists, semanticBest, semanticSim := o.gatherSources(ctx, ns, query, embedding, semanticEnabled, result)

	result.Contexts = fuseRankedLists(lists, o.opts.FusionK, o.opts.MaxContexts)
	result.Confidence = scoreConfidence(result.Contexts, o.opts.FusionK, len(result.DegradedSources))

	if len(result.Contexts) > 0 {
		result.Source = result.Contexts[0].Sources[0]
	}
	if semanticBest != nil {
		result.UsedVerified = true
		result.Verified = semanticBest
		// A verified answer this similar should be served, not escalated;
		// floor the confidence at its similarity, below certainty.
		floor := math.Min(semanticSim, maxFusedConfidence)
		result.Confidence = math.Max(result.Confidence, floor)
	}
	return result, nil
}

// exactVerified looks up an exact normalized match for either query form.
func (o *Orchestrator) exactVerified(ctx context.Context, ns types.Namespace, queries ...string) *types.VerifiedAnswer {
	tried := make(map[string]bool, len(queries))
	for _, q := range queries {
		normalized := types.NormalizeQuestion(q)
		if normalized == "" || tried[normalized] {
			continue
		}
		tried[normalized] = true

		hit, err := o.store.ExactMatch(ctx, ns, normalized)
		if err == nil {
			return hit
		}
		if !errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn("exact verified lookup failed", "error", err)
		}
	}
	return nil
}

// embedQuery generates the query embedding, recording the vector source as
// degraded when generation is unavailable or fails.
func (o *Orchestrator) embedQuery(ctx context.Context, query string, result *types.RetrievalResult) []float32 {
	if o.embedder == nil {
		return nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, o.opts.EmbedTimeout)
	defer cancel()

	embedding, err := o.embedder.Embed(embedCtx, query)
	if err != nil {
		o.logger.Warn("query embedding failed, vector retrieval degraded", "error", err)
		result.DegradedSources = append(result.DegradedSources, types.SourceVector)
		return nil
	}
	return embedding
}

// sourceOutcome is one source's contribution, collected concurrently.
type sourceOutcome struct {
	source     types.GroundingSource
	candidates []candidate
	err        error
}

// gatherSources runs graph, vector, and semantic-verified lookups
// concurrently, each under its own timeout. A failed or timed-out source
// contributes nothing and is recorded as degraded.
func (o *Orchestrator) gatherSources(ctx context.Context, ns types.Namespace, query string, embedding []float32, semanticEnabled bool, result *types.RetrievalResult) ([][]candidate, *types.VerifiedAnswer, float64) {
	var wg sync.WaitGroup
	outcomes := make(chan sourceOutcome, 3)
	var semanticMu sync.Mutex
	var semanticBest *types.VerifiedAnswer
	var semanticSim float64

	runSource := func(source types.GroundingSource, fn func(context.Context) ([]candidate, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srcCtx, cancel := context.WithTimeout(ctx, o.opts.SourceTimeout)
			defer cancel()

			candidates, err := fn(srcCtx)
			outcomes <- sourceOutcome{source: source, candidates: candidates, err: err}
		}()
	}

	runSource(types.SourceGraph, func(srcCtx context.Context) ([]candidate, error) {
		nodes, err := o.store.GraphQuery(srcCtx, ns, query, storage.GraphQueryOptions{})
		if err != nil {
			return nil, err
		}
		return graphCandidates(nodes), nil
	})

	if len(embedding) > 0 {
		runSource(types.SourceVector, func(srcCtx context.Context) ([]candidate, error) {
			chunks, err := o.store.VectorSearch(srcCtx, ns, embedding, storage.VectorSearchOptions{})
			if err != nil {
				return nil, err
			}
			return vectorCandidates(chunks), nil
		})

		if semanticEnabled {
			runSource(types.SourceVerified, func(srcCtx context.Context) ([]candidate, error) {
				scored, err := o.store.SemanticCandidates(srcCtx, ns, embedding, o.opts.MaxContexts)
				if err != nil {
					return nil, err
				}
				accepted := make([]candidate, 0, len(scored))
				for _, sa := range scored {
					if sa.Similarity < o.opts.SemanticVerifiedThreshold {
						continue
					}
					accepted = append(accepted, verifiedCandidate(sa.Answer))
				}
				if len(accepted) > 0 {
					semanticMu.Lock()
					semanticBest = scored[0].Answer
					semanticSim = scored[0].Similarity
					semanticMu.Unlock()
				}
				return accepted, nil
			})
		}
	}

	wg.Wait()
	close(outcomes)

	var lists [][]candidate
	for outcome := range outcomes {
		if outcome.err != nil {
			o.logger.Warn("retrieval source degraded",
				"source", string(outcome.source), "error", outcome.err)
			result.DegradedSources = append(result.DegradedSources, outcome.source)
			continue
		}
		if len(outcome.candidates) > 0 {
			lists = append(lists, outcome.candidates)
		}
	}
	return lists, semanticBest, semanticSim
}

func graphCandidates(nodes []types.GraphNode) []candidate {
	candidates := make([]candidate, 0, len(nodes))
	for _, node := range nodes {
		text := node.Fact
		if text == "" {
			text = node.Name
		}
		var citations []string
		if node.SourceID != "" {
			citations = []string{node.SourceID}
		}
		candidates = append(candidates, candidate{
			Source:    types.SourceGraph,
			ID:        node.ID,
			DedupKey:  node.SourceID,
			Text:      text,
			Citations: citations,
		})
	}
	return candidates
}

func vectorCandidates(chunks []storage.ScoredChunk) []candidate {
	candidates := make([]candidate, 0, len(chunks))
	for _, sc := range chunks {
		var citations []string
		if sc.Chunk.SourceID != "" {
			citations = []string{sc.Chunk.SourceID}
		}
		candidates = append(candidates, candidate{
			Source:    types.SourceVector,
			ID:        sc.Chunk.ID,
			DedupKey:  sc.Chunk.SourceID,
			Text:      sc.Chunk.Text,
			Citations: citations,
		})
	}
	return candidates
}

func verifiedCandidate(answer *types.VerifiedAnswer) candidate {
	return candidate{
		Source:    types.SourceVerified,
		ID:        answer.ID,
		Text:      answer.Answer,
		Citations: answer.Citations,
	}
}

func verifiedContext(answer *types.VerifiedAnswer, score float64) types.GroundedContext {
	return types.GroundedContext{
		ID:        answer.ID,
		Text:      answer.Answer,
		Citations: answer.Citations,
		Sources:   []types.GroundingSource{types.SourceVerified},
		Score:     score,
	}
}
