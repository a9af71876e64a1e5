// Package bootstrap builds the retrieval components named in a config.Config.
// Both the daemon and the CLI start from here.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/knoguchi/landlaw/internal/config"
	"github.com/knoguchi/landlaw/internal/embedder"
	"github.com/knoguchi/landlaw/internal/graphstore"
	"github.com/knoguchi/landlaw/internal/llm"
	"github.com/knoguchi/landlaw/internal/reranker"
	"github.com/knoguchi/landlaw/internal/retrieval"
	"github.com/knoguchi/landlaw/internal/server"
	"github.com/knoguchi/landlaw/internal/vectorindex"
	"github.com/knoguchi/landlaw/internal/vectorstore"
)

// Components holds everything a retrieval process needs. Close releases
// whatever was opened, in reverse order.
type Components struct {
	Store    graphstore.Store
	Searcher vectorstore.Searcher
	Encoder  embedder.Embedder
	Reranker *reranker.Reranker
	Pipeline *retrieval.Pipeline

	closers []func(context.Context) error
}

func (c *Components) onClose(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

// Close releases every opened component and joins their errors.
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Checks returns the readiness probes for the opened components.
func (c *Components) Checks() []server.Check {
	return []server.Check{
		{Name: "graph", Run: c.Store.Ping},
		{Name: "index", Run: func(ctx context.Context) error {
			n, err := c.Searcher.Count(ctx)
			if err != nil {
				return err
			}
			if n == 0 {
				return errors.New("embedding index is empty")
			}
			return nil
		}},
	}
}

// Open builds every component and probes both models. Any failure closes what
// was already opened and is returned; the process must not serve without them.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Components{}
	fail := func(err error) (*Components, error) {
		if cerr := c.Close(ctx); cerr != nil {
			logger.Warn("failed to release components", "error", cerr)
		}
		return nil, err
	}

	store, err := OpenGraphStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	c.Store = store
	c.onClose(store.Close)
	logger.Info("opened graph store", "backend", cfg.GraphBackend)

	searcher, closeSearcher, err := OpenSearcher(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	c.Searcher = searcher
	c.onClose(closeSearcher)
	n, err := searcher.Count(ctx)
	if err != nil {
		return fail(fmt.Errorf("%w: failed to count index entries: %v", vectorindex.ErrIndexUnavailable, err))
	}
	logger.Info("opened embedding index", "backend", cfg.VectorBackend, "entries", n)

	encoder, closeEncoder, err := NewEncoder(cfg)
	if err != nil {
		return fail(err)
	}
	c.Encoder = encoder
	c.onClose(closeEncoder)
	if err := embedder.Probe(ctx, encoder); err != nil {
		return fail(err)
	}
	logger.Info("encoder ready", "model", encoder.ModelName(), "dimension", encoder.Dimension())

	if x, ok := searcher.(*vectorstore.FlatStore); ok && x.Dim() != encoder.Dimension() {
		return fail(fmt.Errorf("%w: index has %d dimensions, encoder %s produces %d",
			vectorindex.ErrDimensionMismatch, x.Dim(), encoder.ModelName(), encoder.Dimension()))
	}

	c.Reranker = NewReranker(cfg)
	if err := c.Reranker.Probe(ctx); err != nil {
		return fail(err)
	}
	logger.Info("reranker ready", "model", c.Reranker.Name())

	c.Pipeline, err = NewPipeline(cfg, c.Encoder, c.Searcher, c.Store, c.Reranker, logger)
	if err != nil {
		return fail(err)
	}
	return c, nil
}

// OpenGraphStore connects to the configured graph backend.
func OpenGraphStore(ctx context.Context, cfg *config.Config) (graphstore.Store, error) {
	switch cfg.GraphBackend {
	case config.GraphBackendNeo4j:
		return graphstore.NewNeo4jStore(ctx, graphstore.Neo4jConfig{
			URI:      cfg.Neo4jURI,
			User:     cfg.Neo4jUser,
			Password: cfg.Neo4jPassword,
			Database: cfg.Neo4jDatabase,
		})
	case config.GraphBackendPostgres:
		return graphstore.NewPostgresStore(ctx, cfg.DatabaseURL)
	case config.GraphBackendMemory:
		return graphstore.LoadFixture(cfg.GraphFixturePath)
	default:
		return nil, fmt.Errorf("unknown graph backend %q", cfg.GraphBackend)
	}
}

// OpenSearcher loads the flat index from disk or connects to Qdrant.
func OpenSearcher(ctx context.Context, cfg *config.Config) (vectorstore.Searcher, func(context.Context) error, error) {
	switch cfg.VectorBackend {
	case config.VectorBackendFlat:
		index, err := vectorindex.Load(cfg.IndexPath, cfg.IDListPath)
		if err != nil {
			return nil, nil, err
		}
		return vectorstore.NewFlatStore(index), noClose, nil
	case config.VectorBackendQdrant:
		qs, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL, cfg.QdrantCollection)
		if err != nil {
			return nil, nil, err
		}
		return qs, func(context.Context) error { return qs.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}

// NewEncoder builds the configured encoder. Output vectors are unit length.
func NewEncoder(cfg *config.Config) (embedder.Embedder, func(context.Context) error, error) {
	switch cfg.EncoderProvider {
	case config.EncoderOllama:
		e := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL:   cfg.OllamaURL,
			Model:     cfg.OllamaEmbeddingModel,
			Dimension: cfg.EncoderDimension,
			Retry:     cfg.RetryPolicy(),
		})
		return embedder.Normalized(e), noClose, nil
	case config.EncoderHugot:
		e, err := embedder.NewHugotEmbedder(embedder.HugotConfig{ModelPath: cfg.EncoderModelPath})
		if err != nil {
			return nil, nil, err
		}
		return embedder.Normalized(e), func(context.Context) error { return e.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown encoder provider %q", cfg.EncoderProvider)
	}
}

// NewReranker builds the configured scorer behind a batching Reranker.
func NewReranker(cfg *config.Config) *reranker.Reranker {
	var scorer reranker.Scorer
	switch cfg.RerankerProvider {
	case config.RerankerLLM:
		client := llm.NewOllamaClient(
			llm.WithBaseURL(cfg.OllamaURL),
			llm.WithModel(cfg.OllamaLLMModel),
			llm.WithRetry(cfg.RetryPolicy()),
		)
		scorer = reranker.NewLLMScorer(client, reranker.WithLLMModel(cfg.OllamaLLMModel))
	default:
		scorer = reranker.NewCrossEncoderScorer(cfg.RerankerURL,
			reranker.WithModel(cfg.RerankerModel),
			reranker.WithRetry(cfg.RetryPolicy()),
		)
	}
	return reranker.New(scorer,
		reranker.WithBatchSize(cfg.RerankBatchSize),
		reranker.WithConcurrency(cfg.RerankConcurrency),
		reranker.WithMaxPassageRunes(cfg.RerankMaxPassageRunes),
	)
}

// NewPipeline applies the retrieval settings of cfg.
func NewPipeline(cfg *config.Config, encoder embedder.Embedder, searcher vectorstore.Searcher,
	store graphstore.Store, ranker retrieval.Ranker, logger *slog.Logger) (*retrieval.Pipeline, error) {
	return retrieval.New(encoder, searcher, store, ranker,
		retrieval.WithScoreThreshold(cfg.ScoreThreshold),
		retrieval.WithMaxInitialK(cfg.MaxInitialK),
		retrieval.WithDefaultK(cfg.DefaultInitialK, cfg.DefaultFinalK),
		retrieval.WithFormerVersions(cfg.AttachFormerVersions),
		retrieval.WithLogger(logger),
	)
}

func noClose(context.Context) error { return nil }
