// Package reranker provides the precision stage of retrieval: every
// (query, passage) pair is scored jointly by a model that sees both texts,
// and passages are re-ordered by that score.
//
// Joint scoring is far more expensive than a vector lookup, so it only runs
// over the small candidate pool admitted by semantic search. Batches are
// bounded so the cost of a request grows in predictable steps with the pool
// size.
package reranker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ErrModelUnavailable is returned when the scoring model cannot be reached.
var ErrModelUnavailable = errors.New("reranker: model unavailable")

const (
	// DefaultBatchSize is the number of pairs sent to the scorer per call.
	DefaultBatchSize = 16

	// DefaultConcurrency is the number of batches scored at once.
	DefaultConcurrency = 2

	// DefaultMaxPassageRunes caps passage length; ms-marco MiniLM reads 512 tokens.
	DefaultMaxPassageRunes = 2048
)

// Scorer computes one relevance score per passage for the query, in input order.
type Scorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float32, error)

	// Name identifies the scoring model.
	Name() string
}

// Passage is a candidate handed to the reranker.
type Passage struct {
	ID   string
	Text string
}

// Scored is a passage with its relevance score.
type Scored struct {
	Passage
	Score float32
}

// Reranker scores passages in bounded batches and sorts them by score.
// It holds no per-request state and is safe for concurrent use.
type Reranker struct {
	scorer          Scorer
	batchSize       int
	concurrency     int
	maxPassageRunes int
}

// Option configures a Reranker.
type Option func(*Reranker)

// WithBatchSize sets the number of pairs per scorer call.
func WithBatchSize(n int) Option {
	return func(r *Reranker) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithConcurrency sets how many batches may be scored at once.
func WithConcurrency(n int) Option {
	return func(r *Reranker) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithMaxPassageRunes caps the passage text sent to the scorer.
func WithMaxPassageRunes(n int) Option {
	return func(r *Reranker) {
		if n > 0 {
			r.maxPassageRunes = n
		}
	}
}

// New creates a Reranker over scorer.
func New(scorer Scorer, opts ...Option) *Reranker {
	r := &Reranker{
		scorer:          scorer,
		batchSize:       DefaultBatchSize,
		concurrency:     DefaultConcurrency,
		maxPassageRunes: DefaultMaxPassageRunes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the scorer's model name.
func (r *Reranker) Name() string {
	return r.scorer.Name()
}

// Rerank scores every passage against query and returns them sorted by
// descending score. Passages with equal scores keep their input order, so
// reranking an already reranked list returns it unchanged.
func (r *Reranker) Rerank(ctx context.Context, query string, passages []Passage) ([]Scored, error) {
	if len(passages) == 0 {
		return []Scored{}, nil
	}

	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = truncateRunes(p.Text, r.maxPassageRunes)
	}

	scores := make([]float32, len(passages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for start := 0; start < len(texts); start += r.batchSize {
		end := min(start+r.batchSize, len(texts))
		g.Go(func() error {
			batch, err := r.scorer.Score(gctx, query, texts[start:end])
			if err != nil {
				return fmt.Errorf("failed to score passages %d-%d: %w", start, end-1, err)
			}
			if len(batch) != end-start {
				return fmt.Errorf("scorer returned %d scores for %d passages", len(batch), end-start)
			}
			copy(scores[start:end], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Scored, len(passages))
	for i, p := range passages {
		out[i] = Scored{Passage: p, Score: scores[i]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out, nil
}

// Probe scores one pair to check that the model answers.
func (r *Reranker) Probe(ctx context.Context) error {
	scores, err := r.scorer.Score(ctx, "thu hồi đất", []string{"Nhà nước thu hồi đất vì mục đích quốc phòng, an ninh."})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrModelUnavailable, r.scorer.Name(), err)
	}
	if len(scores) != 1 {
		return fmt.Errorf("%w: %s returned %d scores for 1 passage", ErrModelUnavailable, r.scorer.Name(), len(scores))
	}
	return nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
