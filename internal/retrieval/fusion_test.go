package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritwin/veritwin/pkg/types"
)

func TestFuseRankedListsMergesCrossSourceAgreement(t *testing.T) {
	graph := []candidate{
		{Source: types.SourceGraph, ID: "n1", DedupKey: "doc-1", Text: "fact from doc-1"},
		{Source: types.SourceGraph, ID: "n2", DedupKey: "doc-2", Text: "fact from doc-2"},
	}
	vector := []candidate{
		{Source: types.SourceVector, ID: "c9", DedupKey: "doc-1", Text: "chunk from doc-1"},
		{Source: types.SourceVector, ID: "c3", DedupKey: "doc-3", Text: "chunk from doc-3"},
	}

	results := fuseRankedLists([][]candidate{graph, vector}, DefaultFusionK, 10)
	require.Len(t, results, 3)

	// doc-1 was rank 1 in both sources; its summed score wins.
	top := results[0]
	assert.Equal(t, "n1", top.ID)
	assert.Equal(t, []types.GroundingSource{types.SourceGraph, types.SourceVector}, top.Sources)
	assert.InDelta(t, 2.0/61.0, top.Score, 1e-9)

	// The merged entry keeps the more trusted source's text.
	assert.Equal(t, "fact from doc-1", top.Text)
}

func TestFuseRankedListsTieBreaksOnSourcePrecedence(t *testing.T) {
	verified := []candidate{
		{Source: types.SourceVerified, ID: "v1", Text: "verified"},
	}
	vector := []candidate{
		{Source: types.SourceVector, ID: "c1", Text: "chunk"},
	}

	// Both are rank 1 in their own list, so scores are equal.
	results := fuseRankedLists([][]candidate{vector, verified}, DefaultFusionK, 10)
	require.Len(t, results, 2)
	assert.Equal(t, types.SourceVerified, results[0].Sources[0])
	assert.Equal(t, types.SourceVector, results[1].Sources[0])
}

func TestFuseRankedListsCapsLength(t *testing.T) {
	var list []candidate
	for i := 0; i < 20; i++ {
		list = append(list, candidate{Source: types.SourceVector, ID: string(rune('a' + i))})
	}
	results := fuseRankedLists([][]candidate{list}, DefaultFusionK, 5)
	assert.Len(t, results, 5)
}

func TestFuseRankedListsDistinctItemsWithoutSourcePointer(t *testing.T) {
	// A graph node and a chunk with no source pointer must not merge even
	// when ids collide.
	graph := []candidate{{Source: types.SourceGraph, ID: "x"}}
	vector := []candidate{{Source: types.SourceVector, ID: "x"}}

	results := fuseRankedLists([][]candidate{graph, vector}, DefaultFusionK, 10)
	assert.Len(t, results, 2)
}

func TestScoreConfidenceZeroOnEmpty(t *testing.T) {
	assert.Zero(t, scoreConfidence(nil, DefaultFusionK, 0))
	assert.Zero(t, scoreConfidence([]types.GroundedContext{}, DefaultFusionK, 2))
}

func TestScoreConfidenceAgreementBonus(t *testing.T) {
	single := []types.GroundedContext{{
		Score:   1.0 / 61.0,
		Sources: []types.GroundingSource{types.SourceVector},
	}}
	agreed := []types.GroundedContext{{
		Score:   2.0 / 61.0,
		Sources: []types.GroundingSource{types.SourceGraph, types.SourceVector},
	}}

	base := scoreConfidence(single, DefaultFusionK, 0)
	boosted := scoreConfidence(agreed, DefaultFusionK, 0)
	assert.Greater(t, boosted, base)
	assert.InDelta(t, 0.5, base, 1e-9)
}

func TestScoreConfidenceDegradationPenalty(t *testing.T) {
	contexts := []types.GroundedContext{{
		Score:   1.0 / 61.0,
		Sources: []types.GroundingSource{types.SourceGraph},
	}}

	healthy := scoreConfidence(contexts, DefaultFusionK, 0)
	degraded := scoreConfidence(contexts, DefaultFusionK, 1)
	assert.InDelta(t, healthy-0.1, degraded, 1e-9)

	// Penalty floors at zero, never negative.
	floored := scoreConfidence(contexts, DefaultFusionK, 10)
	assert.Zero(t, floored)
}

func TestScoreConfidenceNeverReachesCertainty(t *testing.T) {
	contexts := []types.GroundedContext{{
		Score:   3.0 / 61.0,
		Sources: []types.GroundingSource{types.SourceVerified, types.SourceGraph, types.SourceVector},
	}}
	assert.LessOrEqual(t, scoreConfidence(contexts, DefaultFusionK, 0), 0.95)
}
