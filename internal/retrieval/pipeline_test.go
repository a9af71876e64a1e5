package retrieval

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/knoguchi/landlaw/internal/embedder"
	"github.com/knoguchi/landlaw/internal/graphstore"
	"github.com/knoguchi/landlaw/internal/reranker"
	"github.com/knoguchi/landlaw/internal/vectorindex"
	"github.com/knoguchi/landlaw/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const violationQuery = "thu hồi đất do vi phạm pháp luật"

func unit(v ...float32) []float32 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	n := float32(math.Sqrt(s))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

// fakeEncoder maps known texts to fixed vectors and everything else to fallback.
type fakeEncoder struct {
	vectors  map[string][]float32
	fallback []float32
	err      error

	mu   sync.Mutex
	seen []string
}

func (e *fakeEncoder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.seen = append(e.seen, text)
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return e.fallback, nil
}

func (e *fakeEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *fakeEncoder) Dimension() int    { return 3 }
func (e *fakeEncoder) ModelName() string { return "fake" }

// passageScorer scores passages from a table keyed by passage text.
type passageScorer struct {
	scores map[string]float32
	err    error

	mu      sync.Mutex
	queries []string
}

func (s *passageScorer) Score(_ context.Context, query string, passages []string) ([]float32, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]float32, len(passages))
	for i, p := range passages {
		out[i] = s.scores[p]
	}
	return out, nil
}

func (s *passageScorer) Name() string { return "passage-table" }

// brokenStore fails batch and link lookups, or leaves undecodable ids out of
// batch results the way the database backends do.
type brokenStore struct {
	graphstore.Store
	batchErr    error
	linkErr     error
	undecodable map[string]bool
}

func (b *brokenStore) GetByIDs(ctx context.Context, ids []string) (map[string]*graphstore.Article, error) {
	if b.batchErr != nil {
		return nil, b.batchErr
	}
	found, err := b.Store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for id := range b.undecodable {
		delete(found, id)
	}
	return found, nil
}

func (b *brokenStore) GetSupersededLink(ctx context.Context, id string) (*graphstore.SupersessionLink, error) {
	if b.linkErr != nil {
		return nil, b.linkErr
	}
	return b.Store.GetSupersededLink(ctx, id)
}

type transition struct {
	from, to State
}

type recordingMonitor struct {
	mu          sync.Mutex
	transitions []transition
	hits        []int
	dropped     int
	finished    *Result
	finishErr   error
}

func (m *recordingMonitor) Transition(_ string, from, to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, transition{from, to})
}

func (m *recordingMonitor) AfterSemanticSearch(_ string, hits []vectorstore.SearchResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits = append(m.hits, len(hits))
}

func (m *recordingMonitor) AfterEnrichment(_ string, _ []Candidate, dropped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = dropped
}

func (m *recordingMonitor) Finish(_ string, result *Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = result
	m.finishErr = err
}

func (m *recordingMonitor) states() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []State{StateIdle}
	for _, tr := range m.transitions {
		out = append(out, tr.to)
	}
	return out
}

var lawArticles = []graphstore.Article{
	{ID: "dieu_16_2013", ArticleNumber: "16", LawYear: 2013, Name: "Nhà nước quyết định thu hồi đất", Content: "Nhà nước quyết định thu hồi đất khi người sử dụng đất vi phạm pháp luật về đất đai."},
	{ID: "dieu_81_2024", ArticleNumber: "81", LawYear: 2024, Name: "Các trường hợp thu hồi đất do vi phạm pháp luật về đất đai", Content: "Sử dụng đất không đúng mục đích đã được Nhà nước giao, cho thuê."},
	{ID: "dieu_139_2024", ArticleNumber: "139", LawYear: 2024, Name: "Giải quyết đối với trường hợp sử dụng đất có vi phạm pháp luật", Content: "Hộ gia đình, cá nhân đang sử dụng đất có vi phạm pháp luật về đất đai trước ngày 01 tháng 7 năm 2014."},
	{ID: "dieu_64_2013", ArticleNumber: "64", LawYear: 2013, Name: "Thu hồi đất do vi phạm pháp luật về đất đai", Content: "Sử dụng đất không đúng mục đích đã được Nhà nước giao."},
	{ID: "dieu_3_2024", ArticleNumber: "3", LawYear: 2024, Name: "Giải thích từ ngữ", Content: "Trong Luật này, các từ ngữ dưới đây được hiểu như sau."},
}

var rerankScores = map[string]float32{
	"dieu_81_2024":  0.95,
	"dieu_139_2024": 0.8,
	"dieu_16_2013":  0.7,
	"dieu_64_2013":  0.4,
	"dieu_3_2024":   0.1,
}

type harness struct {
	encoder *fakeEncoder
	scorer  *passageScorer
	store   graphstore.Store
	index   *vectorindex.Index
	monitor *recordingMonitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := graphstore.NewMemoryStore(graphstore.Fixture{
		Articles: lawArticles,
		Links: []graphstore.SupersessionLink{
			{ArticleID: "dieu_81_2024", FormerID: "dieu_64_2013", ChangeType: graphstore.ChangeAmended, Summary: "Bổ sung các trường hợp vi phạm."},
		},
	})
	require.NoError(t, err)

	// dieu_999_2024 is indexed but absent from the graph.
	index, err := vectorindex.New(3, vectorindex.InnerProduct,
		[]string{"dieu_16_2013", "dieu_81_2024", "dieu_139_2024", "dieu_64_2013", "dieu_3_2024", "dieu_999_2024"},
		[][]float32{
			unit(1, 0, 0),
			unit(0.9, 0.43589, 0),
			unit(0.8, 0.6, 0),
			unit(0.6, 0.8, 0),
			unit(0, 0, 1),
			unit(0.7, 0.71414, 0),
		})
	require.NoError(t, err)

	scores := make(map[string]float32, len(lawArticles))
	for i := range lawArticles {
		scores[lawArticles[i].Passage()] = rerankScores[lawArticles[i].ID]
	}

	return &harness{
		encoder: &fakeEncoder{
			vectors:  map[string][]float32{violationQuery: unit(1, 0, 0)},
			fallback: unit(0, 1, 0),
		},
		scorer:  &passageScorer{scores: scores},
		store:   store,
		index:   index,
		monitor: &recordingMonitor{},
	}
}

func (h *harness) pipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithMonitor(h.monitor)}, opts...)
	p, err := New(embedder.Normalized(h.encoder), vectorstore.NewFlatStore(h.index), h.store, reranker.New(h.scorer), opts...)
	require.NoError(t, err)
	return p
}

func docIDs(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func TestNew(t *testing.T) {
	h := newHarness(t)
	enc := h.encoder
	search := vectorstore.NewFlatStore(h.index)
	rr := reranker.New(h.scorer)

	t.Run("valid configuration", func(t *testing.T) {
		p, err := New(enc, search, h.store, rr)
		require.NoError(t, err)
		assert.InDelta(t, DefaultScoreThreshold, p.ScoreThreshold(), 1e-6)
	})

	t.Run("nil logger and monitor fall back to defaults", func(t *testing.T) {
		_, err := New(enc, search, h.store, rr, WithLogger(nil), WithMonitor(nil))
		require.NoError(t, err)
	})

	t.Run("missing collaborators", func(t *testing.T) {
		_, err := New(nil, search, h.store, rr)
		assert.Equal(t, ErrEncoderRequired, err)
		_, err = New(enc, nil, h.store, rr)
		assert.Equal(t, ErrSearcherRequired, err)
		_, err = New(enc, search, nil, rr)
		assert.Equal(t, ErrStoreRequired, err)
		_, err = New(enc, search, h.store, nil)
		assert.Equal(t, ErrRerankerRequired, err)
	})

	t.Run("invalid options", func(t *testing.T) {
		for name, opt := range map[string]Option{
			"threshold above one": WithScoreThreshold(1.5),
			"threshold nan":       WithScoreThreshold(float32(math.NaN())),
			"zero max k":          WithMaxInitialK(0),
			"final above initial": WithDefaultK(3, 5),
		} {
			_, err := New(enc, search, h.store, rr, opt)
			assert.Error(t, err, name)
		}
	})

	t.Run("default initial k above max", func(t *testing.T) {
		_, err := New(enc, search, h.store, rr, WithMaxInitialK(10))
		assert.Error(t, err)
	})
}

func TestRetrieveViolationScenario(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)

	res, err := p.Retrieve(context.Background(), Request{Query: violationQuery, InitialK: 10, FinalK: 3})
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, ReasonNone, res.Reason)
	_, err = uuid.Parse(res.RequestID)
	assert.NoError(t, err)

	require.Len(t, res.Documents, 3)
	assert.Equal(t, []string{"dieu_81_2024", "dieu_139_2024", "dieu_16_2013"}, docIDs(res.Documents))
	for i := 1; i < len(res.Documents); i++ {
		assert.GreaterOrEqual(t, res.Documents[i-1].RerankScore, res.Documents[i].RerankScore)
	}
	assert.InDelta(t, 0.95, res.Documents[0].RerankScore, 1e-6)

	first := res.Documents[0]
	assert.Equal(t, "81", first.ArticleNumber)
	assert.Equal(t, 2024, first.LawYear)
	assert.Equal(t, lawArticles[1].Content, first.Text)
	assert.Equal(t, lawArticles[1].Name, first.Name)
	assert.InDelta(t, 0.9, first.SemanticScore, 1e-3)

	require.NotNil(t, first.Former)
	assert.Equal(t, "dieu_64_2013", first.Former.FormerID)
	assert.Equal(t, graphstore.ChangeAmended, first.Former.ChangeType)
	assert.Nil(t, res.Documents[1].Former, "dieu_139_2024 has no former version")
	assert.Nil(t, res.Documents[2].Former, "2013 articles are not linked")

	assert.Equal(t, 1, res.Dropped, "dieu_999_2024 is missing from the graph")
	assert.False(t, res.EnrichmentFailed)

	assert.Equal(t, []State{
		StateIdle, StateEmbedding, StateSearching, StateEnriching, StateReranking, StateTruncating, StateDone,
	}, h.monitor.states())
	assert.Equal(t, []int{5}, h.monitor.hits)
	assert.Same(t, res, h.monitor.finished)
}

func TestRetrieveQueryRouting(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)

	raw := "Cho tôi hỏi: THU HỒI ĐẤT do vi phạm pháp luật?"
	res, err := p.Retrieve(context.Background(), Request{Query: raw, InitialK: 10, FinalK: 3})
	require.NoError(t, err)
	require.Len(t, res.Documents, 3)

	assert.Equal(t, []string{violationQuery}, h.encoder.seen, "encoder sees the cleaned query")
	assert.Equal(t, []string{violationQuery}, h.scorer.queries, "reranker sees the cleaned query")
}

func TestRetrieveEmptyIndex(t *testing.T) {
	h := newHarness(t)
	h.index = vectorindex.Empty(3)
	p := h.pipeline(t)

	for _, q := range []string{violationQuery, "giá đất", "bồi thường khi nhà nước thu hồi đất"} {
		res, err := p.Retrieve(context.Background(), Request{Query: q, InitialK: 10, FinalK: 3})
		require.NoError(t, err)
		assert.Empty(t, res.Documents)
		assert.NotNil(t, res.Documents)
		assert.Equal(t, ReasonNoCandidates, res.Reason)
		assert.Equal(t, StateDone, res.State)
	}
	assert.Equal(t, []State{StateIdle, StateEmbedding, StateSearching, StateDone}, h.monitor.states()[:4])
}

func TestRetrieveDoesNotPad(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, WithScoreThreshold(0.85))

	res, err := p.Retrieve(context.Background(), Request{Query: violationQuery, InitialK: 5, FinalK: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"dieu_81_2024", "dieu_16_2013"}, docIDs(res.Documents))
	assert.Zero(t, res.Dropped)
}

func TestRetrieveTruncation(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, WithScoreThreshold(-1))

	for initialK := 1; initialK <= 6; initialK++ {
		for finalK := 1; finalK <= initialK; finalK++ {
			res, err := p.Retrieve(context.Background(), Request{Query: violationQuery, InitialK: initialK, FinalK: finalK})
			require.NoError(t, err)
			assert.LessOrEqual(t, len(res.Documents), finalK, "initial %d final %d", initialK, finalK)
		}
	}
}

func TestThresholdMonotonicity(t *testing.T) {
	h := newHarness(t)
	queries := []string{violationQuery, "giá đất"}
	thresholds := []float32{-1, 0, 0.3, 0.5, 0.75, 0.95, 1}

	for _, q := range queries {
		prev := math.MaxInt
		for _, th := range thresholds {
			h.monitor = &recordingMonitor{}
			p := h.pipeline(t, WithScoreThreshold(th))
			_, err := p.Retrieve(context.Background(), Request{Query: q, InitialK: 10, FinalK: 1})
			require.NoError(t, err)
			require.Len(t, h.monitor.hits, 1)
			n := h.monitor.hits[0]
			assert.LessOrEqual(t, n, prev, "query %q threshold %v", q, th)
			prev = n
		}
	}
}

func TestRetrieveGracefulDegradation(t *testing.T) {
	t.Run("store unreachable drops every candidate", func(t *testing.T) {
		h := newHarness(t)
		h.store = &brokenStore{Store: h.store, batchErr: graphstore.ErrStoreUnreachable}
		p := h.pipeline(t)

		res, err := p.Retrieve(context.Background(), Request{Query: violationQuery, InitialK: 10, FinalK: 3})
		require.NoError(t, err)
		assert.Empty(t, res.Documents)
		assert.True(t, res.EnrichmentFailed)
		assert.Equal(t, ReasonEnrichmentFailed, res.Reason)
		assert.Equal(t, 5, res.Dropped)
		assert.Equal(t, StateDone, res.State)
		assert.Empty(t, h.scorer.queries, "reranker is not called")
	})

	t.Run("undecodable article drops only itself", func(t *testing.T) {
		h := newHarness(t)
		h.store = &brokenStore{Store: h.store, undecodable: map[string]bool{"dieu_139_2024": true}}
		p := h.pipeline(t)

		res, err := p.Retrieve(context.Background(), Request{Query: violationQuery, InitialK: 10, FinalK: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"dieu_81_2024", "dieu_16_2013", "dieu_64_2013"}, docIDs(res.Documents))
		assert.Equal(t, 2, res.Dropped, "dieu_999_2024 and dieu_139_2024")
		assert.False(t, res.EnrichmentFailed)
		assert.Equal(t, ReasonNone, res.Reason)
	})

	t.Run("former version failures are not fatal", func(t *testing.T) {
		h := newHarness(t)
		h.store = &brokenStore{Store: h.store, linkErr: errors.New("session expired")}
		p := h.pipeline(t)

		res, err := p.Retrieve(context.Background(), Request{Query: violationQuery, InitialK: 10, FinalK: 3})
		require.NoError(t, err)
		require.Len(t, res.Documents, 3)
		assert.Nil(t, res.Documents[0].Former)
	})

	t.Run("former versions disabled", func(t *testing.T) {
		h := newHarness(t)
		p := h.pipeline(t, WithFormerVersions(false))

		res, err := p.Retrieve(context.Background(), Request{Query: violationQuery, InitialK: 10, FinalK: 1})
		require.NoError(t, err)
		require.Len(t, res.Documents, 1)
		assert.Nil(t, res.Documents[0].Former)
	})

	t.Run("every candidate missing", func(t *testing.T) {
		h := newHarness(t)
		empty, err := graphstore.NewMemoryStore(graphstore.Fixture{})
		require.NoError(t, err)
		h.store = empty
		p := h.pipeline(t)

		res, err := p.Retrieve(context.Background(), Request{Query: violationQuery, InitialK: 10, FinalK: 3})
		require.NoError(t, err)
		assert.Empty(t, res.Documents)
		assert.False(t, res.EnrichmentFailed)
		assert.Equal(t, ReasonNoCandidates, res.Reason)
		assert.Equal(t, 5, res.Dropped)
	})
}

func TestRetrieveFailures(t *testing.T) {
	t.Run("encoder failure", func(t *testing.T) {
		h := newHarness(t)
		h.encoder.err = embedder.ErrModelUnavailable
		p := h.pipeline(t)

		res, err := p.Retrieve(context.Background(), Request{Query: violationQuery})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, embedder.ErrModelUnavailable)
		assert.Equal(t, []State{StateIdle, StateEmbedding, StateFailed}, h.monitor.states())
		assert.ErrorIs(t, h.monitor.finishErr, embedder.ErrModelUnavailable)
	})

	t.Run("reranker failure", func(t *testing.T) {
		h := newHarness(t)
		h.scorer.err = errors.New("cuda out of memory")
		p := h.pipeline(t)

		_, err := p.Retrieve(context.Background(), Request{Query: violationQuery})
		require.Error(t, err)
		assert.Equal(t, StateFailed, h.monitor.states()[len(h.monitor.states())-1])
	})

	t.Run("cancelled context", func(t *testing.T) {
		h := newHarness(t)
		p := h.pipeline(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := p.Retrieve(ctx, Request{Query: violationQuery})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRetrieveValidation(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, WithMaxInitialK(50))

	tests := []struct {
		name string
		req  Request
	}{
		{"empty query", Request{Query: "   ", InitialK: 5, FinalK: 1}},
		{"only filler", Request{Query: "Định nghĩa là gì?", InitialK: 5, FinalK: 1}},
		{"negative initial k", Request{Query: violationQuery, InitialK: -1, FinalK: 1}},
		{"negative final k", Request{Query: violationQuery, InitialK: 5, FinalK: -2}},
		{"final above initial", Request{Query: violationQuery, InitialK: 3, FinalK: 4}},
		{"initial above max", Request{Query: violationQuery, InitialK: 51, FinalK: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.monitor.transitions = nil
			_, err := p.Retrieve(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Equal(t, []State{StateIdle, StateFailed}, h.monitor.states())
		})
	}

	t.Run("zero k values take defaults", func(t *testing.T) {
		p := h.pipeline(t, WithDefaultK(4, 2), WithScoreThreshold(-1))
		res, err := p.Retrieve(context.Background(), Request{Query: violationQuery})
		require.NoError(t, err)
		assert.Len(t, res.Documents, 2)
	})

	t.Run("default final k is capped by initial k", func(t *testing.T) {
		res, err := p.Retrieve(context.Background(), Request{Query: violationQuery, InitialK: 2})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(res.Documents), 2)
	})
}

func TestRetrieveConcurrent(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)

	want, err := p.Retrieve(context.Background(), Request{Query: violationQuery, InitialK: 10, FinalK: 3})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Result, 16)
	errs := make([]error, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Retrieve(context.Background(), Request{Query: violationQuery, InitialK: 10, FinalK: 3})
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, docIDs(want.Documents), docIDs(res.Documents))
		assert.NotEqual(t, want.RequestID, res.RequestID)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reranking", StateReranking.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateTruncating.Terminal())
}
