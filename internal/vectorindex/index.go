// Package vectorindex holds the embedding index: N dense vectors stored in
// slot order next to the list of article ids that own them.
//
// An Index is immutable once built. It is read by many concurrent queries
// and never patched; a new build replaces both the vector file and the id
// list together.
package vectorindex

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrIndexUnavailable is returned when the index or id list cannot be loaded.
	ErrIndexUnavailable = errors.New("vectorindex: index unavailable")

	// ErrLengthMismatch is returned when the vector count differs from the id count.
	// It is always reported together with ErrIndexUnavailable.
	ErrLengthMismatch = errors.New("vectorindex: vector count does not match id count")

	// ErrDimensionMismatch is returned when a vector has the wrong dimension.
	ErrDimensionMismatch = errors.New("vectorindex: dimension mismatch")
)

// Metric is the similarity the stored vectors were indexed for.
type Metric int

const (
	// InnerProduct scores are dot products; on unit vectors this is cosine similarity.
	InnerProduct Metric = iota
	// L2 indexes store squared euclidean distance; scores are converted to
	// cosine similarity assuming unit vectors.
	L2
)

func (m Metric) String() string {
	switch m {
	case InnerProduct:
		return "inner_product"
	case L2:
		return "l2"
	default:
		return fmt.Sprintf("metric(%d)", int(m))
	}
}

// Hit is one search result: the slot, the article owning it, and its similarity.
type Hit struct {
	Slot      int
	ArticleID string
	Score     float32
}

// Index is an exact flat index over dense vectors.
type Index struct {
	dim     int
	metric  Metric
	vectors []float32 // len == dim * len(ids), row-major by slot
	ids     []string
}

// New builds an index from parallel slices of ids and vectors. Every vector
// must have length dim. The slices are copied.
func New(dim int, metric Metric, ids []string, vectors [][]float32) (*Index, error) {
	if dim <= 0 && len(ids) > 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrDimensionMismatch, dim)
	}
	if len(ids) != len(vectors) {
		return nil, fmt.Errorf("%w: %w: %d vectors, %d ids", ErrIndexUnavailable, ErrLengthMismatch, len(vectors), len(ids))
	}

	flat := make([]float32, 0, dim*len(vectors))
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: slot %d has %d dimensions, expected %d", ErrDimensionMismatch, i, len(v), dim)
		}
		flat = append(flat, v...)
	}

	return &Index{
		dim:     dim,
		metric:  metric,
		vectors: flat,
		ids:     append([]string(nil), ids...),
	}, nil
}

// Empty returns an index with no vectors.
func Empty(dim int) *Index {
	return &Index{dim: dim, metric: InnerProduct}
}

// Len returns the number of slots.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.ids)
}

// Dim returns the vector dimension.
func (x *Index) Dim() int {
	if x == nil {
		return 0
	}
	return x.dim
}

// Metric returns the metric the vectors were stored for.
func (x *Index) Metric() Metric {
	return x.metric
}

// IDAt returns the article id owning slot i.
func (x *Index) IDAt(i int) string {
	return x.ids[i]
}

// IDs returns a copy of the id list in slot order.
func (x *Index) IDs() []string {
	return append([]string(nil), x.ids...)
}

// Vector returns a copy of the vector stored in slot i.
func (x *Index) Vector(i int) []float32 {
	return append([]float32(nil), x.vectors[i*x.dim:(i+1)*x.dim]...)
}

// Search scans every slot and returns up to topK hits whose score is at least
// threshold, best first. Equal scores keep slot order. A nil or empty index
// yields no hits.
func (x *Index) Search(query []float32, topK int, threshold float32) ([]Hit, error) {
	if x.Len() == 0 || topK <= 0 {
		return []Hit{}, nil
	}
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(query), x.dim)
	}

	hits := make([]Hit, 0, min(topK, x.Len()))
	for slot := range x.ids {
		score := x.score(query, slot)
		if score < threshold {
			continue
		}
		hits = append(hits, Hit{Slot: slot, ArticleID: x.ids[slot], Score: score})
	}

	// Slots were appended in ascending order, so a stable sort keeps ties in
	// insertion order.
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (x *Index) score(query []float32, slot int) float32 {
	row := x.vectors[slot*x.dim : (slot+1)*x.dim]
	switch x.metric {
	case L2:
		var d float64
		for i, q := range query {
			diff := float64(q) - float64(row[i])
			d += diff * diff
		}
		// |q-v|^2 = 2 - 2 q.v for unit vectors
		return float32(1 - d/2)
	default:
		var dot float64
		for i, q := range query {
			dot += float64(q) * float64(row[i])
		}
		return float32(dot)
	}
}
