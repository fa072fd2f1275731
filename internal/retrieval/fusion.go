// Package retrieval implements the precedence waterfall: verified exact
// match first, then concurrent graph and vector lookups merged with
// reciprocal rank fusion and scored for confidence.
package retrieval

import (
	"sort"

	"github.com/veritwin/veritwin/pkg/types"
)

// DefaultFusionK is the reciprocal rank fusion constant. k=60 is a
// well-tuned default that keeps any single source from dominating.
const DefaultFusionK = 60.0

// candidate is one ranked item from a single source before fusion.
type candidate struct {
	// Source is the store that produced the item.
	Source types.GroundingSource

	// ID is the underlying record id (answer, node, or chunk).
	ID string

	// DedupKey identifies the underlying source content. Items from
	// different stores that share a DedupKey are merged into one fused
	// entry. Falls back to "<source>:<id>" when no source pointer exists.
	DedupKey string

	Text      string
	Citations []string
}

func (c candidate) key() string {
	if c.DedupKey != "" {
		return c.DedupKey
	}
	return string(c.Source) + ":" + c.ID
}

// fuseRankedLists merges per-source ranked lists using reciprocal rank
// fusion: each item scores the sum over sources of 1/(k + rank). Items
// referring to the same underlying content are deduplicated and their
// scores summed, so cross-source agreement ranks higher. Ties break on
// source precedence (verified > graph > vector), then id for stability.
func fuseRankedLists(lists [][]candidate, k float64, limit int) []types.GroundedContext {
	if k <= 0 {
		k = DefaultFusionK
	}

	type fused struct {
		first   candidate
		sources []types.GroundingSource
		score   float64
	}
	merged := make(map[string]*fused)
	var order []string

	for _, list := range lists {
		for rank, c := range list {
			key := c.key()
			entry, ok := merged[key]
			if !ok {
				entry = &fused{first: c}
				merged[key] = entry
				order = append(order, key)
			}
			entry.score += 1.0 / (k + float64(rank+1))
			if !containsSource(entry.sources, c.Source) {
				entry.sources = append(entry.sources, c.Source)
			}
			// Keep the most trusted source's text and citations.
			if c.Source.Precedence() < entry.first.Source.Precedence() {
				entry.first = c
			}
		}
	}

	results := make([]types.GroundedContext, 0, len(order))
	for _, key := range order {
		entry := merged[key]
		sort.Slice(entry.sources, func(i, j int) bool {
			return entry.sources[i].Precedence() < entry.sources[j].Precedence()
		})
		results = append(results, types.GroundedContext{
			ID:        entry.first.ID,
			Text:      entry.first.Text,
			Citations: entry.first.Citations,
			Sources:   entry.sources,
			Score:     entry.score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		pi, pj := results[i].Sources[0].Precedence(), results[j].Sources[0].Precedence()
		if pi != pj {
			return pi < pj
		}
		return results[i].ID < results[j].ID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func containsSource(sources []types.GroundingSource, s types.GroundingSource) bool {
	for _, have := range sources {
		if have == s {
			return true
		}
	}
	return false
}
