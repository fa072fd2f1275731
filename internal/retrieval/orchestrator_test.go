package retrieval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritwin/veritwin/internal/namespace"
	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/pkg/types"
)

// mockStore implements storage.Store with overridable behavior per method.
type mockStore struct {
	twins map[string]*types.Twin

	exactMatch         func(ns types.Namespace, normalized string) (*types.VerifiedAnswer, error)
	semanticCandidates func(ns types.Namespace, embedding []float32, k int) ([]storage.ScoredAnswer, error)
	graphQuery         func(ns types.Namespace, query string) ([]types.GraphNode, error)
	vectorSearch       func(ns types.Namespace, embedding []float32) ([]storage.ScoredChunk, error)
	settings           *types.TwinSettings

	graphCalls    atomic.Int32
	vectorCalls   atomic.Int32
	semanticCalls atomic.Int32
}

func newMockStore() *mockStore {
	return &mockStore{
		twins: map[string]*types.Twin{
			"twin-1": {ID: "twin-1", TenantID: "tenant-a", CreatorID: "creator-1"},
		},
	}
}

func (m *mockStore) CreateTwin(ctx context.Context, twin *types.Twin) error { return nil }

func (m *mockStore) GetTwin(ctx context.Context, twinID string) (*types.Twin, error) {
	if twin, ok := m.twins[twinID]; ok {
		return twin, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) CreateVerifiedAnswer(ctx context.Context, answer *types.VerifiedAnswer) error {
	return nil
}

func (m *mockStore) GetVerifiedAnswer(ctx context.Context, id string) (*types.VerifiedAnswer, error) {
	return nil, storage.ErrNotFound
}

func (m *mockStore) ExactMatch(ctx context.Context, ns types.Namespace, normalized string) (*types.VerifiedAnswer, error) {
	if m.exactMatch != nil {
		return m.exactMatch(ns, normalized)
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) SemanticCandidates(ctx context.Context, ns types.Namespace, embedding []float32, k int) ([]storage.ScoredAnswer, error) {
	m.semanticCalls.Add(1)
	if m.semanticCandidates != nil {
		return m.semanticCandidates(ns, embedding, k)
	}
	return nil, nil
}

func (m *mockStore) AppendPatch(ctx context.Context, answerID, newAnswer, editedBy string) (*types.AnswerPatch, error) {
	return nil, storage.ErrNotFound
}

func (m *mockStore) GetHistory(ctx context.Context, answerID string) ([]types.AnswerPatch, error) {
	return nil, nil
}

func (m *mockStore) DisableVerifiedAnswer(ctx context.Context, id string) error { return nil }

func (m *mockStore) PutNode(ctx context.Context, node *types.GraphNode) error { return nil }
func (m *mockStore) PutEdge(ctx context.Context, edge *types.GraphEdge) error { return nil }

func (m *mockStore) GraphQuery(ctx context.Context, ns types.Namespace, query string, opts storage.GraphQueryOptions) ([]types.GraphNode, error) {
	m.graphCalls.Add(1)
	if m.graphQuery != nil {
		return m.graphQuery(ns, query)
	}
	return nil, nil
}

func (m *mockStore) UpsertChunks(ctx context.Context, ns types.Namespace, chunks []types.ContextChunk) error {
	return nil
}

func (m *mockStore) VectorSearch(ctx context.Context, ns types.Namespace, embedding []float32, opts storage.VectorSearchOptions) ([]storage.ScoredChunk, error) {
	m.vectorCalls.Add(1)
	if m.vectorSearch != nil {
		return m.vectorSearch(ns, embedding)
	}
	return nil, nil
}

func (m *mockStore) CreateEscalation(ctx context.Context, esc *types.Escalation, dedupSince time.Time) (*types.Escalation, error) {
	return esc, nil
}

func (m *mockStore) GetEscalation(ctx context.Context, id string) (*types.Escalation, error) {
	return nil, storage.ErrNotFound
}

func (m *mockStore) ListEscalations(ctx context.Context, twinID string, filter storage.EscalationFilter) ([]types.Escalation, error) {
	return nil, nil
}

func (m *mockStore) ResolveEscalation(ctx context.Context, id string, status types.EscalationStatus, ownerResponse string, addToKnowledge bool) (*types.Escalation, error) {
	return nil, storage.ErrNotFound
}

func (m *mockStore) GetTwinSettings(ctx context.Context, twinID string) (*types.TwinSettings, error) {
	if m.settings != nil {
		return m.settings, nil
	}
	return &types.TwinSettings{TwinID: twinID}, nil
}

func (m *mockStore) SaveTwinSettings(ctx context.Context, settings *types.TwinSettings) error {
	return nil
}

func (m *mockStore) PurgeTwin(ctx context.Context, ns types.Namespace, twinID string) error {
	return nil
}

func (m *mockStore) Close() error { return nil }

var _ storage.Store = (*mockStore)(nil)

type stubEmbedder struct {
	vector []float32
	err    error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vector, s.err
}

func (s *stubEmbedder) GetModel() string { return "stub-embed" }

func newTestOrchestrator(store *mockStore, embedder *stubEmbedder) *Orchestrator {
	resolver := namespace.NewResolver(store)
	var emb *stubEmbedder
	if embedder != nil {
		emb = embedder
	}
	if emb == nil {
		return NewOrchestrator(resolver, store, nil, nil, Options{SemanticMatching: true}, nil)
	}
	return NewOrchestrator(resolver, store, emb, nil, Options{SemanticMatching: true}, nil)
}

func testRequest(query string) Request {
	return Request{TenantID: "tenant-a", TwinID: "twin-1", Query: query}
}

func TestRetrieveExactVerifiedShortCircuits(t *testing.T) {
	store := newMockStore()
	answer := &types.VerifiedAnswer{
		ID:       "va-1",
		Answer:   "Our minimum check size is $250k.",
		Question: "What is your minimum check size?",
	}
	store.exactMatch = func(ns types.Namespace, normalized string) (*types.VerifiedAnswer, error) {
		if normalized == "what is your minimum check size" {
			return answer, nil
		}
		return nil, storage.ErrNotFound
	}

	o := newTestOrchestrator(store, &stubEmbedder{vector: []float32{1, 0}})

	result, err := o.Retrieve(context.Background(), testRequest("What is your minimum CHECK size?"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, result.Confidence)
	assert.True(t, result.UsedVerified)
	assert.True(t, result.ExactVerified)
	assert.Equal(t, types.SourceVerified, result.Source)
	require.Len(t, result.Contexts, 1)
	assert.Equal(t, answer.Answer, result.Contexts[0].Text)

	// Short-circuit means graph and vector never ran.
	assert.Zero(t, store.graphCalls.Load())
	assert.Zero(t, store.vectorCalls.Load())
}

func TestRetrieveRejectsForeignTenant(t *testing.T) {
	store := newMockStore()
	o := newTestOrchestrator(store, nil)

	_, err := o.Retrieve(context.Background(), Request{
		TenantID: "tenant-b", TwinID: "twin-1", Query: "anything",
	})
	assert.ErrorIs(t, err, storage.ErrUnauthorizedNamespace)
	assert.Zero(t, store.graphCalls.Load())
}

func TestRetrieveFusesGraphAndVector(t *testing.T) {
	store := newMockStore()
	store.graphQuery = func(ns types.Namespace, query string) ([]types.GraphNode, error) {
		return []types.GraphNode{
			{ID: "n1", Fact: "Acme invests in seed rounds", SourceID: "doc-1"},
		}, nil
	}
	store.vectorSearch = func(ns types.Namespace, embedding []float32) ([]storage.ScoredChunk, error) {
		return []storage.ScoredChunk{
			{Chunk: &types.ContextChunk{ID: "c1", Text: "Seed round chunk", SourceID: "doc-1"}, Similarity: 0.9},
			{Chunk: &types.ContextChunk{ID: "c2", Text: "Other chunk", SourceID: "doc-2"}, Similarity: 0.5},
		}, nil
	}

	o := newTestOrchestrator(store, &stubEmbedder{vector: []float32{1, 0}})

	result, err := o.Retrieve(context.Background(), testRequest("Which rounds does Acme invest in?"))
	require.NoError(t, err)

	assert.False(t, result.UsedVerified)
	assert.Greater(t, result.Confidence, 0.0)
	require.NotEmpty(t, result.Contexts)

	// doc-1 surfaced from both sources, so it ranks first and carries both.
	assert.Equal(t, "n1", result.Contexts[0].ID)
	assert.Len(t, result.Contexts[0].Sources, 2)
	assert.Equal(t, types.SourceGraph, result.Source)
	assert.Len(t, result.Contexts, 2)
}

func TestRetrieveZeroResultsZeroConfidence(t *testing.T) {
	store := newMockStore()
	o := newTestOrchestrator(store, &stubEmbedder{vector: []float32{1, 0}})

	result, err := o.Retrieve(context.Background(), testRequest("Completely unknown topic?"))
	require.NoError(t, err)

	assert.Zero(t, result.Confidence)
	assert.Empty(t, result.Contexts)
	assert.False(t, result.UsedVerified)
}

func TestRetrieveDegradesOnSourceFailure(t *testing.T) {
	store := newMockStore()
	store.graphQuery = func(ns types.Namespace, query string) ([]types.GraphNode, error) {
		return nil, errors.New("graph store unreachable")
	}
	store.vectorSearch = func(ns types.Namespace, embedding []float32) ([]storage.ScoredChunk, error) {
		return []storage.ScoredChunk{
			{Chunk: &types.ContextChunk{ID: "c1", Text: "chunk", SourceID: "doc-1"}, Similarity: 0.8},
		}, nil
	}

	o := newTestOrchestrator(store, &stubEmbedder{vector: []float32{1, 0}})

	result, err := o.Retrieve(context.Background(), testRequest("Tell me about pricing plans?"))
	require.NoError(t, err)

	assert.Contains(t, result.DegradedSources, types.SourceGraph)
	require.NotEmpty(t, result.Contexts)

	// Same retrieval without the failure scores strictly higher.
	healthy := newMockStore()
	healthy.vectorSearch = store.vectorSearch
	o2 := newTestOrchestrator(healthy, &stubEmbedder{vector: []float32{1, 0}})
	healthyResult, err := o2.Retrieve(context.Background(), testRequest("Tell me about pricing plans?"))
	require.NoError(t, err)
	assert.Greater(t, healthyResult.Confidence, result.Confidence)
}

func TestRetrieveEmbedderFailureDegradesVector(t *testing.T) {
	store := newMockStore()
	store.graphQuery = func(ns types.Namespace, query string) ([]types.GraphNode, error) {
		return []types.GraphNode{{ID: "n1", Fact: "a fact", SourceID: "doc-1"}}, nil
	}

	o := newTestOrchestrator(store, &stubEmbedder{err: errors.New("embedding provider down")})

	result, err := o.Retrieve(context.Background(), testRequest("What facts exist about pricing?"))
	require.NoError(t, err)

	assert.Contains(t, result.DegradedSources, types.SourceVector)
	assert.Zero(t, store.vectorCalls.Load())
	assert.Zero(t, store.semanticCalls.Load())
	require.NotEmpty(t, result.Contexts)
}

func TestRetrieveSemanticVerifiedAboveThreshold(t *testing.T) {
	store := newMockStore()
	answer := &types.VerifiedAnswer{ID: "va-9", Answer: "We charge 2 and 20.", Citations: []string{"doc-7"}}
	store.semanticCandidates = func(ns types.Namespace, embedding []float32, k int) ([]storage.ScoredAnswer, error) {
		return []storage.ScoredAnswer{{Answer: answer, Similarity: 0.96}}, nil
	}

	o := newTestOrchestrator(store, &stubEmbedder{vector: []float32{1, 0}})

	result, err := o.Retrieve(context.Background(), testRequest("How much do you charge in fees?"))
	require.NoError(t, err)

	assert.True(t, result.UsedVerified)
	assert.False(t, result.ExactVerified)
	assert.Equal(t, answer, result.Verified)
	assert.Less(t, result.Confidence, 1.0)

	// Similarity floors the confidence so the hit is served, not escalated.
	assert.GreaterOrEqual(t, result.Confidence, 0.9)
}

func TestRetrieveSemanticVerifiedBelowThresholdIgnored(t *testing.T) {
	store := newMockStore()
	store.semanticCandidates = func(ns types.Namespace, embedding []float32, k int) ([]storage.ScoredAnswer, error) {
		return []storage.ScoredAnswer{
			{Answer: &types.VerifiedAnswer{ID: "va-9", Answer: "maybe"}, Similarity: 0.75},
		}, nil
	}

	o := newTestOrchestrator(store, &stubEmbedder{vector: []float32{1, 0}})

	result, err := o.Retrieve(context.Background(), testRequest("How much do you charge in fees?"))
	require.NoError(t, err)

	assert.False(t, result.UsedVerified)
	assert.Nil(t, result.Verified)
}

func TestRetrieveSemanticDisabledPerTwin(t *testing.T) {
	store := newMockStore()
	disabled := false
	store.settings = &types.TwinSettings{TwinID: "twin-1", SemanticMatching: &disabled}

	o := newTestOrchestrator(store, &stubEmbedder{vector: []float32{1, 0}})

	_, err := o.Retrieve(context.Background(), testRequest("How much do you charge in fees?"))
	require.NoError(t, err)
	assert.Zero(t, store.semanticCalls.Load())
}

func TestThresholdForHonorsOverride(t *testing.T) {
	o := newTestOrchestrator(newMockStore(), nil)

	assert.Equal(t, 0.7, o.ThresholdFor(nil))
	assert.Equal(t, 0.7, o.ThresholdFor(&types.TwinSettings{}))

	custom := 0.85
	assert.Equal(t, 0.85, o.ThresholdFor(&types.TwinSettings{ConfidenceThreshold: &custom}))
}

func TestRetrieveRejectsEmptyQuery(t *testing.T) {
	o := newTestOrchestrator(newMockStore(), nil)
	_, err := o.Retrieve(context.Background(), testRequest(""))
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
