// Package indexbuild is the offline step that embeds every indexable article
// of the law graph and writes the vector index and id list together.
package indexbuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/knoguchi/landlaw/internal/embedder"
	"github.com/knoguchi/landlaw/internal/graphstore"
	"github.com/knoguchi/landlaw/internal/vectorindex"
	"github.com/knoguchi/landlaw/internal/vectorstore"
	"github.com/panjf2000/ants/v2"
)

var (
	// ErrListerRequired is returned when no article source is provided.
	ErrListerRequired = errors.New("indexbuild: article lister required")

	// ErrEncoderRequired is returned when no encoder is provided.
	ErrEncoderRequired = errors.New("indexbuild: encoder required")
)

const (
	DefaultBatchSize = 32
	upsertChunkSize  = 256
)

// ArticleLister is the part of graphstore.Store the build reads.
type ArticleLister interface {
	ListIndexable(ctx context.Context) ([]*graphstore.Article, error)
}

// PointWriter mirrors the built index into a vector database.
type PointWriter interface {
	Recreate(ctx context.Context, dimension int) error
	Upsert(ctx context.Context, points []vectorstore.ArticlePoint) error
}

// ProgressFunc is called after each embedded batch with the number of
// articles embedded so far and the total.
type ProgressFunc func(done, total int)

// Stats describes one build.
type Stats struct {
	Articles   int
	Duplicates int
	Batches    int
	Dimension  int
	Model      string
	Duration   time.Duration
}

// Builder embeds articles on a bounded worker pool.
type Builder struct {
	lister    ArticleLister
	encoder   embedder.Embedder
	pool      *ants.Pool
	batchSize int
	writer    PointWriter
	progress  ProgressFunc
	logger    *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder) error

// WithPoolSize sets the number of batches embedded concurrently.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(b *Builder) error {
		if size < 1 {
			size = 1
		}
		if b.pool != nil {
			b.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		b.pool = pool
		return nil
	}
}

// WithBatchSize sets the number of passages per EmbedBatch call.
func WithBatchSize(n int) Option {
	return func(b *Builder) error {
		if n < 1 {
			return fmt.Errorf("batch size must be >= 1, got %d", n)
		}
		b.batchSize = n
		return nil
	}
}

// WithPointWriter also writes every vector to w after the build.
func WithPointWriter(w PointWriter) Option {
	return func(b *Builder) error {
		b.writer = w
		return nil
	}
}

// WithProgress sets a progress callback. Calls are serialized.
func WithProgress(fn ProgressFunc) Option {
	return func(b *Builder) error {
		b.progress = fn
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) error {
		if logger == nil {
			logger = slog.Default()
		}
		b.logger = logger
		return nil
	}
}

// New creates a Builder. The encoder is wrapped with embedder.Normalized so
// stored vectors are unit length, the same as query vectors at serve time.
func New(lister ArticleLister, encoder embedder.Embedder, opts ...Option) (*Builder, error) {
	if lister == nil {
		return nil, ErrListerRequired
	}
	if encoder == nil {
		return nil, ErrEncoderRequired
	}

	pool, err := ants.NewPool(max(runtime.NumCPU()/2, 1))
	if err != nil {
		return nil, err
	}

	b := &Builder{
		lister:    lister,
		encoder:   embedder.Normalized(encoder),
		pool:      pool,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		if optErr := opt(b); optErr != nil {
			b.Release()
			return nil, optErr
		}
	}

	return b, nil
}

// Release releases the worker pool.
// The builder should not be used after calling Release.
func (b *Builder) Release() {
	if b.pool != nil {
		b.pool.Release()
	}
}

// Build lists, embeds and indexes every article. Articles repeated under the
// same canonical id are indexed once.
func (b *Builder) Build(ctx context.Context) (*vectorindex.Index, *Stats, error) {
	start := time.Now()
	stats := &Stats{Model: b.encoder.ModelName()}

	listed, err := b.lister.ListIndexable(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list articles: %w", err)
	}

	seen := make(map[string]bool, len(listed))
	articles := make([]*graphstore.Article, 0, len(listed))
	for _, a := range listed {
		id := graphstore.CanonicalID(a.ID)
		if seen[id] {
			stats.Duplicates++
			continue
		}
		seen[id] = true
		articles = append(articles, a)
	}
	stats.Articles = len(articles)

	ids := make([]string, len(articles))
	texts := make([]string, len(articles))
	for i, a := range articles {
		ids[i] = graphstore.CanonicalID(a.ID)
		texts[i] = a.Passage()
	}

	b.logger.Info("embedding articles", "articles", len(articles), "duplicates", stats.Duplicates, "model", stats.Model)

	vectors, batches, err := b.embedAll(ctx, texts)
	if err != nil {
		return nil, nil, err
	}
	stats.Batches = batches

	dim := b.encoder.Dimension()
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	stats.Dimension = dim

	index, err := vectorindex.New(dim, vectorindex.InnerProduct, ids, vectors)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build index: %w", err)
	}

	if b.writer != nil {
		if err := b.mirror(ctx, index); err != nil {
			return nil, nil, err
		}
	}

	stats.Duration = time.Since(start)
	return index, stats, nil
}

// BuildAndSave builds the index and writes it with its id list.
func (b *Builder) BuildAndSave(ctx context.Context, indexPath, idListPath string) (*Stats, error) {
	index, stats, err := b.Build(ctx)
	if err != nil {
		return nil, err
	}
	if err := vectorindex.Save(index, indexPath, idListPath); err != nil {
		return nil, fmt.Errorf("failed to save index: %w", err)
	}
	b.logger.Info("index written",
		"indexPath", indexPath,
		"idListPath", idListPath,
		"vectors", index.Len(),
		"dimension", index.Dim(),
		"duration", stats.Duration,
	)
	return stats, nil
}

func (b *Builder) embedAll(ctx context.Context, texts []string) ([][]float32, int, error) {
	vectors := make([][]float32, len(texts))
	if len(texts) == 0 {
		return vectors, 0, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		done     int
		batches  int
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	for start := 0; start < len(texts); start += b.batchSize {
		end := min(start+b.batchSize, len(texts))
		batches++
		wg.Add(1)
		err := b.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			vecs, err := b.encoder.EmbedBatch(ctx, texts[start:end])
			if err != nil {
				fail(fmt.Errorf("failed to embed articles %d-%d: %w", start, end-1, err))
				return
			}
			if len(vecs) != end-start {
				fail(fmt.Errorf("encoder returned %d vectors for %d articles", len(vecs), end-start))
				return
			}
			copy(vectors[start:end], vecs)

			mu.Lock()
			done += end - start
			if b.progress != nil {
				b.progress(done, len(texts))
			}
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			fail(fmt.Errorf("failed to submit batch: %w", err))
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, 0, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return vectors, batches, nil
}

func (b *Builder) mirror(ctx context.Context, index *vectorindex.Index) error {
	if err := b.writer.Recreate(ctx, index.Dim()); err != nil {
		return fmt.Errorf("failed to recreate collection: %w", err)
	}
	for start := 0; start < index.Len(); start += upsertChunkSize {
		end := min(start+upsertChunkSize, index.Len())
		points := make([]vectorstore.ArticlePoint, 0, end-start)
		for slot := start; slot < end; slot++ {
			points = append(points, vectorstore.ArticlePoint{
				Slot:      slot,
				ArticleID: index.IDAt(slot),
				Vector:    index.Vector(slot),
			})
		}
		if err := b.writer.Upsert(ctx, points); err != nil {
			return fmt.Errorf("failed to upsert points %d-%d: %w", start, end-1, err)
		}
	}
	b.logger.Info("vector collection updated", "points", index.Len())
	return nil
}
