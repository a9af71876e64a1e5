// Package vectorstore provides the semantic search stage: nearest article ids
// for a query vector, filtered by a minimum score.
package vectorstore

import (
	"context"
	"sort"
)

// SearchResult is one admitted candidate from semantic search.
type SearchResult struct {
	ArticleID string
	Slot      int
	Score     float32
}

// ArticlePoint is one indexed passage: its slot in the id list, the owning
// article and its (already normalized) vector.
type ArticlePoint struct {
	Slot      int
	ArticleID string
	Vector    []float32
}

// Searcher defines the semantic search operations the retrieval pipeline needs.
type Searcher interface {
	// Search returns at most topK results with Score >= minScore, ordered by
	// descending score; equal scores are ordered by ascending slot.
	Search(ctx context.Context, vector []float32, topK int, minScore float32) ([]SearchResult, error)

	// Count returns the number of indexed passages.
	Count(ctx context.Context) (int, error)
}

// sortResults orders results best first with ties broken by slot.
func sortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Slot < results[j].Slot
	})
}
