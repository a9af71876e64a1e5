package vectorstore

import (
	"context"
	"fmt"

	"github.com/knoguchi/landlaw/internal/vectorindex"
)

// FlatStore serves searches from an in-memory vectorindex.Index loaded at startup.
type FlatStore struct {
	index *vectorindex.Index
}

// NewFlatStore wraps a loaded index. A nil index behaves as an empty one.
func NewFlatStore(index *vectorindex.Index) *FlatStore {
	return &FlatStore{index: index}
}

// Search performs an exact inner-product scan over every slot.
func (s *FlatStore) Search(ctx context.Context, vector []float32, topK int, minScore float32) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hits, err := s.index.Search(vector, topK, minScore)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, len(hits))
	for i, h := range hits {
		results[i] = SearchResult{ArticleID: h.ArticleID, Slot: h.Slot, Score: h.Score}
	}
	return results, nil
}

// Count returns the number of slots in the index.
func (s *FlatStore) Count(_ context.Context) (int, error) {
	return s.index.Len(), nil
}

// Dim returns the vector dimension of the index.
func (s *FlatStore) Dim() int {
	return s.index.Dim()
}

// Ensure FlatStore implements Searcher
var _ Searcher = (*FlatStore)(nil)
