// Package retrieval turns a free-text legal question into a small ranked set
// of land-law articles.
//
// A request runs four stages in order:
//   - the cleaned query is embedded and matched against the article index,
//     admitting only candidates above the score threshold
//   - admitted ids are resolved to articles in the law graph in one batch
//   - article passages (title plus body) are rescored jointly with the
//     cleaned query by the reranker
//   - the top results are kept and 2024 articles get their 2013 predecessor
//
// Every stage change is reported to a Monitor. Shared collaborators are
// read-only, so one Pipeline serves any number of concurrent requests.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knoguchi/landlaw/internal/embedder"
	"github.com/knoguchi/landlaw/internal/graphstore"
	"github.com/knoguchi/landlaw/internal/reranker"
	"github.com/knoguchi/landlaw/internal/vectorstore"
)

const (
	DefaultScoreThreshold = 0.3
	DefaultInitialK       = 20
	DefaultFinalK         = 5
	DefaultMaxInitialK    = 100
)

// Reason explains an empty or partial result.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNoCandidates     Reason = "no_candidates"
	ReasonEnrichmentFailed Reason = "enrichment_failed"
)

// Ranker reorders passages by joint relevance to the query.
type Ranker interface {
	Rerank(ctx context.Context, query string, passages []reranker.Passage) ([]reranker.Scored, error)
}

// Request is one retrieval query. Zero k values take the pipeline defaults.
type Request struct {
	Query    string
	InitialK int
	FinalK   int
}

// Candidate is an admitted search hit resolved against the law graph.
type Candidate struct {
	ArticleID     string
	Slot          int
	SemanticScore float32
	RerankScore   *float32
	Article       *graphstore.Article
}

// Document is one ranked article in a Result. Text is the article body.
type Document struct {
	ID            string                       `json:"id"`
	ArticleNumber string                       `json:"article_number"`
	LawYear       int                          `json:"law_year"`
	Name          string                       `json:"name"`
	Text          string                       `json:"text"`
	SemanticScore float32                      `json:"semantic_score"`
	RerankScore   float32                      `json:"rerank_score"`
	Former        *graphstore.SupersessionLink `json:"former,omitempty"`
}

// Result is the outcome of one request. Documents is never nil.
type Result struct {
	RequestID        string     `json:"request_id"`
	Documents        []Document `json:"documents"`
	Dropped          int        `json:"dropped"`
	EnrichmentFailed bool       `json:"enrichment_failed"`
	Reason           Reason     `json:"reason,omitempty"`
	State            State      `json:"-"`
}

// Pipeline runs retrieval requests against shared, read-only collaborators.
type Pipeline struct {
	encoder  embedder.Embedder
	searcher vectorstore.Searcher
	store    graphstore.Store
	ranker   Ranker

	threshold       float32
	defaultInitialK int
	defaultFinalK   int
	maxInitialK     int
	attachFormer    bool
	monitor         Monitor
	logger          *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithScoreThreshold sets the minimum semantic score a candidate needs to be
// admitted. Scores are cosine similarities, so t must lie in [-1, 1].
func WithScoreThreshold(t float32) Option {
	return func(p *Pipeline) error {
		if math.IsNaN(float64(t)) || t < -1 || t > 1 {
			return fmt.Errorf("score threshold %v outside [-1, 1]", t)
		}
		p.threshold = t
		return nil
	}
}

// WithDefaultK sets the k values used when a request leaves them zero.
func WithDefaultK(initialK, finalK int) Option {
	return func(p *Pipeline) error {
		if initialK < 1 || finalK < 1 || finalK > initialK {
			return fmt.Errorf("default k values need 1 <= final (%d) <= initial (%d)", finalK, initialK)
		}
		p.defaultInitialK = initialK
		p.defaultFinalK = finalK
		return nil
	}
}

// WithMaxInitialK caps the candidate pool a request may ask for.
func WithMaxInitialK(n int) Option {
	return func(p *Pipeline) error {
		if n < 1 {
			return fmt.Errorf("max initial k must be >= 1, got %d", n)
		}
		p.maxInitialK = n
		return nil
	}
}

// WithFormerVersions controls whether 2024 results carry their 2013 predecessor.
func WithFormerVersions(enabled bool) Option {
	return func(p *Pipeline) error {
		p.attachFormer = enabled
		return nil
	}
}

// WithMonitor sets a monitor notified of every request's progress.
func WithMonitor(m Monitor) Option {
	return func(p *Pipeline) error {
		if m == nil {
			m = &noopMonitor{}
		}
		p.monitor = m
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// New creates a pipeline. The encoder should produce unit-length vectors;
// wrap it with embedder.Normalized.
func New(encoder embedder.Embedder, searcher vectorstore.Searcher, store graphstore.Store, ranker Ranker, opts ...Option) (*Pipeline, error) {
	if encoder == nil {
		return nil, ErrEncoderRequired
	}
	if searcher == nil {
		return nil, ErrSearcherRequired
	}
	if store == nil {
		return nil, ErrStoreRequired
	}
	if ranker == nil {
		return nil, ErrRerankerRequired
	}

	p := &Pipeline{
		encoder:         encoder,
		searcher:        searcher,
		store:           store,
		ranker:          ranker,
		threshold:       DefaultScoreThreshold,
		defaultInitialK: DefaultInitialK,
		defaultFinalK:   DefaultFinalK,
		maxInitialK:     DefaultMaxInitialK,
		attachFormer:    true,
		monitor:         &noopMonitor{},
		logger:          slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	if p.defaultInitialK > p.maxInitialK {
		return nil, fmt.Errorf("default initial k %d exceeds max initial k %d", p.defaultInitialK, p.maxInitialK)
	}

	return p, nil
}

// ScoreThreshold returns the admission threshold.
func (p *Pipeline) ScoreThreshold() float32 {
	return p.threshold
}

// run tracks the state of one request.
type run struct {
	p     *Pipeline
	id    string
	state State
	start time.Time
}

func (r *run) enter(s State) {
	from := r.state
	r.state = s
	r.p.monitor.Transition(r.id, from, s)
}

func (r *run) fail(err error) (*Result, error) {
	r.enter(StateFailed)
	r.p.logger.Error("retrieval failed", "requestId", r.id, "error", err, "duration", time.Since(r.start))
	r.p.monitor.Finish(r.id, nil, err)
	return nil, err
}

func (r *run) done(res *Result) (*Result, error) {
	r.enter(StateDone)
	res.RequestID = r.id
	res.State = StateDone
	r.p.logger.Info("retrieval completed",
		"requestId", r.id,
		"documents", len(res.Documents),
		"dropped", res.Dropped,
		"reason", res.Reason,
		"duration", time.Since(r.start),
	)
	r.p.monitor.Finish(r.id, res, nil)
	return res, nil
}

// Retrieve runs one request through the pipeline.
//
// A query with no candidate above the threshold, or whose candidates cannot
// be resolved in the graph, yields an empty Result with a Reason and a nil
// error. Encoder, searcher and reranker failures fail the request.
func (p *Pipeline) Retrieve(ctx context.Context, req Request) (*Result, error) {
	r := &run{p: p, id: uuid.NewString(), state: StateIdle, start: time.Now()}

	req, cleaned, err := p.validate(req)
	if err != nil {
		return r.fail(err)
	}

	r.enter(StateEmbedding)
	vec, err := p.encoder.Embed(ctx, cleaned)
	if err != nil {
		return r.fail(fmt.Errorf("failed to embed query: %w", err))
	}

	r.enter(StateSearching)
	hits, err := p.searcher.Search(ctx, vec, req.InitialK, p.threshold)
	if err != nil {
		return r.fail(fmt.Errorf("failed to search index: %w", err))
	}
	p.monitor.AfterSemanticSearch(r.id, hits)
	if len(hits) == 0 {
		return r.done(&Result{Documents: []Document{}, Reason: ReasonNoCandidates})
	}

	r.enter(StateEnriching)
	candidates, dropped, err := p.enrich(ctx, hits)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return r.fail(ctxErr)
		}
		p.logger.Warn("graph enrichment failed, dropping all candidates",
			"requestId", r.id,
			"candidates", len(hits),
			"error", err,
		)
		p.monitor.AfterEnrichment(r.id, nil, len(hits))
		return r.done(&Result{
			Documents:        []Document{},
			Dropped:          len(hits),
			EnrichmentFailed: true,
			Reason:           ReasonEnrichmentFailed,
		})
	}
	p.monitor.AfterEnrichment(r.id, candidates, dropped)
	if len(candidates) == 0 {
		return r.done(&Result{Documents: []Document{}, Dropped: dropped, Reason: ReasonNoCandidates})
	}

	r.enter(StateReranking)
	passages := make([]reranker.Passage, len(candidates))
	byID := make(map[string]*Candidate, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		passages[i] = reranker.Passage{ID: c.ArticleID, Text: c.Article.Passage()}
		byID[c.ArticleID] = c
	}
	scored, err := p.ranker.Rerank(ctx, cleaned, passages)
	if err != nil {
		return r.fail(fmt.Errorf("failed to rerank candidates: %w", err))
	}

	r.enter(StateTruncating)
	scored = scored[:min(req.FinalK, len(scored))]
	docs := make([]Document, 0, len(scored))
	for _, s := range scored {
		c := byID[s.ID]
		score := s.Score
		c.RerankScore = &score
		docs = append(docs, Document{
			ID:            c.ArticleID,
			ArticleNumber: c.Article.ArticleNumber,
			LawYear:       c.Article.LawYear,
			Name:          c.Article.Name,
			Text:          c.Article.Content,
			SemanticScore: c.SemanticScore,
			RerankScore:   score,
		})
	}
	if p.attachFormer {
		p.attachFormerVersions(ctx, r.id, docs)
	}

	return r.done(&Result{Documents: docs, Dropped: dropped})
}

// validate applies default k values and checks the request bounds.
func (p *Pipeline) validate(req Request) (Request, string, error) {
	if req.InitialK == 0 {
		req.InitialK = p.defaultInitialK
	}
	if req.FinalK == 0 {
		req.FinalK = min(p.defaultFinalK, req.InitialK)
	}

	switch {
	case strings.TrimSpace(req.Query) == "":
		return req, "", fmt.Errorf("%w: empty query", ErrInvalidRequest)
	case req.InitialK < 1:
		return req, "", fmt.Errorf("%w: initial k must be >= 1, got %d", ErrInvalidRequest, req.InitialK)
	case req.InitialK > p.maxInitialK:
		return req, "", fmt.Errorf("%w: initial k %d exceeds maximum %d", ErrInvalidRequest, req.InitialK, p.maxInitialK)
	case req.FinalK < 1 || req.FinalK > req.InitialK:
		return req, "", fmt.Errorf("%w: final k must be in [1, %d], got %d", ErrInvalidRequest, req.InitialK, req.FinalK)
	}

	cleaned := CleanQuery(req.Query)
	if cleaned == "" {
		return req, "", fmt.Errorf("%w: query %q has no searchable text", ErrInvalidRequest, req.Query)
	}
	return req, cleaned, nil
}

// enrich resolves hits in one batch lookup. Repeated article ids keep their
// best-scored hit; ids missing from the graph are counted as dropped.
func (p *Pipeline) enrich(ctx context.Context, hits []vectorstore.SearchResult) ([]Candidate, int, error) {
	seen := make(map[string]bool, len(hits))
	unique := make([]vectorstore.SearchResult, 0, len(hits))
	for _, h := range hits {
		id := graphstore.CanonicalID(h.ArticleID)
		if seen[id] {
			continue
		}
		seen[id] = true
		h.ArticleID = id
		unique = append(unique, h)
	}

	ids := make([]string, len(unique))
	for i, h := range unique {
		ids[i] = h.ArticleID
	}
	articles, err := p.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	candidates := make([]Candidate, 0, len(unique))
	dropped := 0
	for _, h := range unique {
		a, ok := articles[h.ArticleID]
		if !ok || a == nil {
			p.logger.Debug("candidate missing from graph", "articleId", h.ArticleID)
			dropped++
			continue
		}
		candidates = append(candidates, Candidate{
			ArticleID:     h.ArticleID,
			Slot:          h.Slot,
			SemanticScore: h.Score,
			Article:       a,
		})
	}
	return candidates, dropped, nil
}

func (p *Pipeline) attachFormerVersions(ctx context.Context, requestID string, docs []Document) {
	for i := range docs {
		if docs[i].LawYear != graphstore.LawYear2024 {
			continue
		}
		link, err := p.store.GetSupersededLink(ctx, docs[i].ID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			p.logger.Warn("failed to load former version",
				"requestId", requestID,
				"articleId", docs[i].ID,
				"error", err,
			)
			continue
		}
		docs[i].Former = link
	}
}
