package retrieval

import (
	"math"

	"github.com/veritwin/veritwin/pkg/types"
)

// Confidence scoring constants. An exact verified match bypasses scoring
// entirely at confidence 1.0; everything below is for fused results.
const (
	// agreementBonus is added when the top item was surfaced by two or
	// more independent sources.
	agreementBonus = 0.15

	// degradedPenalty is subtracted per source that timed out or errored.
	degradedPenalty = 0.1

	// maxFusedConfidence caps non-exact results below certainty; only an
	// exact verified hit may report 1.0.
	maxFusedConfidence = 0.95
)

// scoreConfidence maps a fused result to a [0,1] confidence value.
//
// Zero results always score 0. Otherwise the base is the top fused score
// normalized against the theoretical single-source maximum 1/(k+1), with a
// bonus for cross-source agreement and a penalty per degraded source.
func scoreConfidence(contexts []types.GroundedContext, fusionK float64, degraded int) float64 {
	if len(contexts) == 0 {
		return 0
	}
	if fusionK <= 0 {
		fusionK = DefaultFusionK
	}

	// A rank-1 hit from a single source scores 1/(k+1); normalize so that
	// such a hit lands at a usable baseline rather than near zero.
	singleSourceMax := 1.0 / (fusionK + 1)
	confidence := contexts[0].Score / (2 * singleSourceMax)

	if len(contexts[0].Sources) >= 2 {
		confidence += agreementBonus
	}
	confidence -= degradedPenalty * float64(degraded)

	confidence = math.Min(confidence, maxFusedConfidence)
	return math.Max(confidence, 0)
}
