package embedder

import (
	"context"
	"math"
)

// NormalizedEmbedder L2-normalizes every vector produced by the wrapped embedder.
// Index build and query serving must both go through it so that inner product
// equals cosine similarity on both sides.
type NormalizedEmbedder struct {
	inner Embedder
}

// Normalized wraps e. Wrapping an already normalized embedder returns it unchanged.
func Normalized(e Embedder) *NormalizedEmbedder {
	if n, ok := e.(*NormalizedEmbedder); ok {
		return n
	}
	return &NormalizedEmbedder{inner: e}
}

// Embed generates a unit-length embedding for text.
func (n *NormalizedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := n.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return L2Normalize(vec), nil
}

// EmbedBatch generates unit-length embeddings for texts, in input order.
func (n *NormalizedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := n.inner.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(vecs))
	for i, v := range vecs {
		out[i] = L2Normalize(v)
	}
	return out, nil
}

// Dimension returns the dimensionality of the wrapped embedder.
func (n *NormalizedEmbedder) Dimension() int {
	return n.inner.Dimension()
}

// ModelName returns the name of the wrapped model.
func (n *NormalizedEmbedder) ModelName() string {
	return n.inner.ModelName()
}

// L2Normalize returns a unit-length copy of v. The norm is accumulated in
// float64. A zero vector is returned as a zero copy.
func L2Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

var _ Embedder = (*NormalizedEmbedder)(nil)
