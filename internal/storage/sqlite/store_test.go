package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

const (
	testNS      = types.Namespace("tenant:tenant-a:twin:twin-1")
	testOtherNS = types.Namespace("tenant:tenant-b:twin:twin-2")
)

func TestTwinRegistry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.CreateTwin(ctx, &types.Twin{ID: "twin-1", TenantID: "tenant-a", CreatorID: "creator-x", Name: "Alice's Twin"})
	require.NoError(t, err)

	twin, err := store.GetTwin(ctx, "twin-1")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", twin.TenantID)
	assert.Equal(t, "creator-x", twin.CreatorID)

	_, err = store.GetTwin(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = store.CreateTwin(ctx, &types.Twin{ID: "", TenantID: "tenant-a"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestVerifiedAnswerLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	answer := &types.VerifiedAnswer{
		TwinID:            "twin-1",
		Namespace:         testNS,
		Question:          "What is our minimum check size?",
		Answer:            "$500K",
		Citations:         []string{"doc-7"},
		QuestionEmbedding: []float32{1, 0, 0},
		CreatedBy:         "owner-1",
	}
	require.NoError(t, store.CreateVerifiedAnswer(ctx, answer))
	require.NotEmpty(t, answer.ID)
	assert.Equal(t, 1, answer.Version)

	// Exact match is normalized: case and spacing variations hit.
	got, err := store.ExactMatch(ctx, testNS, types.NormalizeQuestion("WHAT IS OUR  minimum check size?"))
	require.NoError(t, err)
	assert.Equal(t, answer.ID, got.ID)
	assert.Equal(t, "$500K", got.Answer)
	assert.Equal(t, []string{"doc-7"}, got.Citations)
	assert.Equal(t, []float32{1, 0, 0}, got.QuestionEmbedding)

	// A different namespace never sees the row.
	_, err = store.ExactMatch(ctx, testOtherNS, types.NormalizeQuestion("What is our minimum check size?"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Empty answer text is rejected.
	err = store.CreateVerifiedAnswer(ctx, &types.VerifiedAnswer{
		TwinID: "twin-1", Namespace: testNS, Question: "q", Answer: "",
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestAppendPatchPreservesHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	answer := &types.VerifiedAnswer{
		TwinID: "twin-1", Namespace: testNS,
		Question: "What is our minimum check size?", Answer: "$500K",
	}
	require.NoError(t, store.CreateVerifiedAnswer(ctx, answer))

	history, err := store.GetHistory(ctx, answer.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)

	patch, err := store.AppendPatch(ctx, answer.ID, "$750K", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 2, patch.Version)

	// History strictly grows; prior text is never deleted.
	history, err = store.GetHistory(ctx, answer.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "$500K", history[0].Answer)
	assert.Equal(t, "$750K", history[1].Answer)

	// Reads always serve the latest patch.
	got, err := store.GetVerifiedAnswer(ctx, answer.ID)
	require.NoError(t, err)
	assert.Equal(t, "$750K", got.Answer)
	assert.Equal(t, 2, got.Version)

	_, err = store.AppendPatch(ctx, "missing", "text", "owner-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDisableVerifiedAnswer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	answer := &types.VerifiedAnswer{
		TwinID: "twin-1", Namespace: testNS,
		Question: "What is our minimum check size?", Answer: "$500K",
	}
	require.NoError(t, store.CreateVerifiedAnswer(ctx, answer))
	require.NoError(t, store.DisableVerifiedAnswer(ctx, answer.ID))

	// Disabled answers never match but remain readable for audit.
	_, err := store.ExactMatch(ctx, testNS, types.NormalizeQuestion(answer.Question))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := store.GetVerifiedAnswer(ctx, answer.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AnswerDisabled, got.Status)
}

func TestSemanticCandidates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	answers := []struct {
		question  string
		embedding []float32
	}{
		{"What is our minimum check size?", []float32{1, 0, 0}},
		{"Where are you based?", []float32{0, 1, 0}},
		{"What sectors do you invest in?", []float32{0.9, 0.1, 0}},
	}
	for _, a := range answers {
		require.NoError(t, store.CreateVerifiedAnswer(ctx, &types.VerifiedAnswer{
			TwinID: "twin-1", Namespace: testNS,
			Question: a.question, Answer: "answer", QuestionEmbedding: a.embedding,
		}))
	}

	// An answer without an embedding participates only in exact matching.
	require.NoError(t, store.CreateVerifiedAnswer(ctx, &types.VerifiedAnswer{
		TwinID: "twin-1", Namespace: testNS, Question: "No embedding?", Answer: "answer",
	}))

	scored, err := store.SemanticCandidates(ctx, testNS, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	assert.Equal(t, "What is our minimum check size?", scored[0].Answer.Question)
	assert.InDelta(t, 1.0, scored[0].Similarity, 1e-9)
	assert.Greater(t, scored[0].Similarity, scored[1].Similarity)

	// Other namespaces stay invisible.
	scored, err = store.SemanticCandidates(ctx, testOtherNS, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, scored)
}

func TestVectorSearchNamespaceIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertChunks(ctx, testNS, []types.ContextChunk{
		{Text: "We write $500K checks into pre-seed rounds.", Embedding: []float32{1, 0}, SourceID: "doc-1"},
		{Text: "The team is based in Austin.", Embedding: []float32{0, 1}, SourceID: "doc-2"},
	}))
	require.NoError(t, store.UpsertChunks(ctx, testOtherNS, []types.ContextChunk{
		{Text: "Other tenant's secret.", Embedding: []float32{1, 0}, SourceID: "doc-x"},
	}))

	results, err := store.VectorSearch(ctx, testNS, []float32{1, 0}, storage.VectorSearchOptions{K: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "doc-1", results[0].Chunk.SourceID)
	for _, r := range results {
		assert.Equal(t, testNS, r.Chunk.Namespace)
	}

	// A chunk pinned to another namespace is rejected at write time.
	err = store.UpsertChunks(ctx, testNS, []types.ContextChunk{
		{Namespace: testOtherNS, Text: "smuggled", Embedding: []float32{1, 0}},
	})
	assert.ErrorIs(t, err, storage.ErrNamespaceMismatch)
}

func TestGraphQueryAndEdgeNamespaceInvariant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	nodeA := &types.GraphNode{Namespace: testNS, Name: "minimum check size", Kind: "metric", Fact: "minimum check size is $500K", SourceID: "doc-1"}
	nodeB := &types.GraphNode{Namespace: testNS, Name: "Acme Fund", Kind: "organization"}
	nodeC := &types.GraphNode{Namespace: testOtherNS, Name: "foreign node"}
	require.NoError(t, store.PutNode(ctx, nodeA))
	require.NoError(t, store.PutNode(ctx, nodeB))
	require.NoError(t, store.PutNode(ctx, nodeC))

	// Edges may not cross namespaces.
	err := store.PutEdge(ctx, &types.GraphEdge{Namespace: testNS, FromID: nodeA.ID, ToID: nodeC.ID, Relation: "related_to"})
	assert.ErrorIs(t, err, storage.ErrNamespaceMismatch)

	require.NoError(t, store.PutEdge(ctx, &types.GraphEdge{Namespace: testNS, FromID: nodeA.ID, ToID: nodeB.ID, Relation: "metric_of"}))

	// Term match finds the fact node, 1-hop expansion pulls the neighbor.
	nodes, err := store.GraphQuery(ctx, testNS, "what is the minimum check size?", storage.GraphQueryOptions{Limit: 10, ExpandHops: 1})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, nodeA.ID, nodes[0].ID)
	assert.Equal(t, nodeB.ID, nodes[1].ID)

	// The other namespace sees nothing.
	nodes, err = store.GraphQuery(ctx, testOtherNS, "minimum check size", storage.GraphQueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestEscalationDedup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	since := time.Now().Add(-time.Hour)

	first, err := store.CreateEscalation(ctx, &types.Escalation{
		TwinID: "twin-1", Question: "What is your fund size?", ConfidenceScore: 0.2,
	}, since)
	require.NoError(t, err)
	assert.Equal(t, types.EscalationPending, first.Status)

	// The same normalized question within the window returns the existing row.
	dup, err := store.CreateEscalation(ctx, &types.Escalation{
		TwinID: "twin-1", Question: "what is your FUND SIZE??", ConfidenceScore: 0.1,
	}, since)
	assert.ErrorIs(t, err, storage.ErrDuplicateEscalation)
	require.NotNil(t, dup)
	assert.Equal(t, first.ID, dup.ID)

	// A different twin is unaffected.
	other, err := store.CreateEscalation(ctx, &types.Escalation{
		TwinID: "twin-2", Question: "What is your fund size?",
	}, since)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	pending, err := store.ListEscalations(ctx, "twin-1", storage.EscalationFilter{Status: types.EscalationPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEscalationResolution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	esc, err := store.CreateEscalation(ctx, &types.Escalation{
		TwinID: "twin-1", Question: "What is your thesis?",
	}, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	resolved, err := store.ResolveEscalation(ctx, esc.ID, types.EscalationResponded, "We focus on pre-seed B2B", true)
	require.NoError(t, err)
	assert.Equal(t, types.EscalationResponded, resolved.Status)
	assert.Equal(t, "We focus on pre-seed B2B", resolved.OwnerResponse)
	assert.True(t, resolved.AddToKnowledge)
	require.NotNil(t, resolved.ResolvedAt)

	// Terminal states are final.
	_, err = store.ResolveEscalation(ctx, esc.ID, types.EscalationDismissed, "", false)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	// After resolution the same question may escalate again.
	again, err := store.CreateEscalation(ctx, &types.Escalation{
		TwinID: "twin-1", Question: "What is your thesis?",
	}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, esc.ID, again.ID)

	_, err = store.ResolveEscalation(ctx, "missing", types.EscalationDismissed, "", false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTwinSettingsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// No stored settings yields zero-value overrides, not an error.
	settings, err := store.GetTwinSettings(ctx, "twin-1")
	require.NoError(t, err)
	assert.Nil(t, settings.ConfidenceThreshold)
	assert.Nil(t, settings.SemanticMatching)

	threshold := 0.85
	semantic := false
	require.NoError(t, store.SaveTwinSettings(ctx, &types.TwinSettings{
		TwinID:              "twin-1",
		ConfidenceThreshold: &threshold,
		SemanticMatching:    &semantic,
		Variant:             "fundraising",
	}))

	settings, err = store.GetTwinSettings(ctx, "twin-1")
	require.NoError(t, err)
	require.NotNil(t, settings.ConfidenceThreshold)
	assert.Equal(t, 0.85, *settings.ConfidenceThreshold)
	require.NotNil(t, settings.SemanticMatching)
	assert.False(t, *settings.SemanticMatching)
	assert.Equal(t, "fundraising", settings.Variant)
}

func TestPurgeTwin(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTwin(ctx, &types.Twin{ID: "twin-1", TenantID: "tenant-a"}))
	require.NoError(t, store.CreateVerifiedAnswer(ctx, &types.VerifiedAnswer{
		TwinID: "twin-1", Namespace: testNS, Question: "q", Answer: "a",
	}))
	require.NoError(t, store.UpsertChunks(ctx, testNS, []types.ContextChunk{
		{Text: "chunk", Embedding: []float32{1}},
	}))
	node := &types.GraphNode{Namespace: testNS, Name: "node"}
	require.NoError(t, store.PutNode(ctx, node))
	_, err := store.CreateEscalation(ctx, &types.Escalation{TwinID: "twin-1", Question: "q2"}, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	require.NoError(t, store.PurgeTwin(ctx, testNS, "twin-1"))

	_, err = store.GetTwin(ctx, "twin-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.ExactMatch(ctx, testNS, "q")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	chunks, err := store.VectorSearch(ctx, testNS, []float32{1}, storage.VectorSearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, chunks)
	escs, err := store.ListEscalations(ctx, "twin-1", storage.EscalationFilter{})
	require.NoError(t, err)
	assert.Empty(t, escs)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}))
	assert.Equal(t, 0.0, cosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestVectorEncodeDecodeRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75}
	decoded, err := decodeVector(encodeVector(vec), len(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, decoded)

	_, err = decodeVector([]byte{1, 2, 3}, 2)
	assert.Error(t, err)
}
