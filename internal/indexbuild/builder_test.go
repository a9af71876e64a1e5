package indexbuild

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/knoguchi/landlaw/internal/graphstore"
	"github.com/knoguchi/landlaw/internal/vectorindex"
	"github.com/knoguchi/landlaw/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLister struct {
	articles []*graphstore.Article
	err      error
}

func (l *staticLister) ListIndexable(context.Context) ([]*graphstore.Article, error) {
	return l.articles, l.err
}

// lengthEncoder embeds a text as (len, 1, 0, 0), unnormalized.
type lengthEncoder struct {
	failOn string

	mu    sync.Mutex
	calls int
}

func (e *lengthEncoder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.failOn != "" && text == e.failOn {
		return nil, errors.New("inference failed")
	}
	return []float32{float32(len(text)), 1, 0, 0}, nil
}

func (e *lengthEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
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

func (e *lengthEncoder) Dimension() int    { return 4 }
func (e *lengthEncoder) ModelName() string { return "length" }

type recordingWriter struct {
	dim    int
	points []vectorstore.ArticlePoint
	calls  int
}

func (w *recordingWriter) Recreate(_ context.Context, dim int) error {
	w.dim = dim
	w.points = nil
	return nil
}

func (w *recordingWriter) Upsert(_ context.Context, points []vectorstore.ArticlePoint) error {
	w.calls++
	w.points = append(w.points, points...)
	return nil
}

func articles(n int) []*graphstore.Article {
	out := make([]*graphstore.Article, n)
	for i := range out {
		out[i] = &graphstore.Article{
			ID:            fmt.Sprintf("dieu_%d_2024", i+1),
			ArticleNumber: fmt.Sprint(i + 1),
			LawYear:       2024,
			Name:          fmt.Sprintf("Điều %d", i+1),
			Content:       fmt.Sprintf("Nội dung điều %d", i+1),
		}
	}
	return out
}

func TestNew(t *testing.T) {
	lister := &staticLister{}
	enc := &lengthEncoder{}

	t.Run("valid configuration", func(t *testing.T) {
		b, err := New(lister, enc, WithPoolSize(2), WithBatchSize(4), WithLogger(nil))
		require.NoError(t, err)
		b.Release()
	})

	t.Run("missing collaborators", func(t *testing.T) {
		_, err := New(nil, enc)
		assert.Equal(t, ErrListerRequired, err)
		_, err = New(lister, nil)
		assert.Equal(t, ErrEncoderRequired, err)
	})

	t.Run("invalid batch size", func(t *testing.T) {
		_, err := New(lister, enc, WithBatchSize(0))
		assert.Error(t, err)
	})
}

func TestBuild(t *testing.T) {
	list := articles(10)
	list = append(list, &graphstore.Article{ID: "Dieu 3 2024", LawYear: 2024, Content: "trùng"})

	enc := &lengthEncoder{}
	writer := &recordingWriter{}
	var progress []int
	b, err := New(&staticLister{articles: list}, enc,
		WithPoolSize(3),
		WithBatchSize(4),
		WithPointWriter(writer),
		WithProgress(func(done, total int) {
			assert.Equal(t, 10, total)
			progress = append(progress, done)
		}),
	)
	require.NoError(t, err)
	defer b.Release()

	index, stats, err := b.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, stats.Articles)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, 4, stats.Dimension)
	assert.Equal(t, "length", stats.Model)
	assert.Equal(t, 3, enc.calls)

	require.Equal(t, 10, index.Len())
	for slot := 0; slot < index.Len(); slot++ {
		assert.Equal(t, list[slot].ID, index.IDAt(slot), "slot order follows the listing")
		v := index.Vector(slot)
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		assert.InDelta(t, 1, math.Sqrt(sum), 1e-5, "stored vectors are unit length")
	}

	require.Len(t, progress, 3)
	assert.Equal(t, 10, progress[len(progress)-1])

	assert.Equal(t, 4, writer.dim)
	require.Len(t, writer.points, 10)
	for i, p := range writer.points {
		assert.Equal(t, i, p.Slot)
		assert.Equal(t, index.IDAt(i), p.ArticleID)
		assert.Equal(t, index.Vector(i), p.Vector)
	}
}

func TestBuildAndSave(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "faiss_index.bin")
	idPath := filepath.Join(dir, "law_ids.json")

	b, err := New(&staticLister{articles: articles(5)}, &lengthEncoder{}, WithBatchSize(2))
	require.NoError(t, err)
	defer b.Release()

	stats, err := b.BuildAndSave(context.Background(), indexPath, idPath)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Articles)

	loaded, err := vectorindex.Load(indexPath, idPath)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Len())
	assert.Equal(t, "dieu_1_2024", loaded.IDAt(0))

	// A passage embedded at query time matches its stored vector exactly.
	enc := &lengthEncoder{}
	a := articles(5)[2]
	q, err := enc.Embed(context.Background(), a.Passage())
	require.NoError(t, err)
	var n float64
	for _, x := range q {
		n += float64(x) * float64(x)
	}
	for i := range q {
		q[i] = float32(float64(q[i]) / math.Sqrt(n))
	}
	hits, err := loaded.Search(q, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1, hits[0].Score, 1e-5)
}

func TestBuildEmpty(t *testing.T) {
	b, err := New(&staticLister{}, &lengthEncoder{})
	require.NoError(t, err)
	defer b.Release()

	index, stats, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, index.Len())
	assert.Equal(t, 4, index.Dim())
	assert.Zero(t, stats.Batches)
}

func TestBuildErrors(t *testing.T) {
	t.Run("listing fails", func(t *testing.T) {
		b, err := New(&staticLister{err: graphstore.ErrStoreUnreachable}, &lengthEncoder{})
		require.NoError(t, err)
		defer b.Release()

		_, _, err = b.Build(context.Background())
		assert.ErrorIs(t, err, graphstore.ErrStoreUnreachable)
	})

	t.Run("embedding fails", func(t *testing.T) {
		list := articles(9)
		b, err := New(&staticLister{articles: list}, &lengthEncoder{failOn: list[6].Passage()}, WithBatchSize(2))
		require.NoError(t, err)
		defer b.Release()

		_, _, err = b.Build(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "inference failed")
	})

	t.Run("cancelled", func(t *testing.T) {
		b, err := New(&staticLister{articles: articles(3)}, &lengthEncoder{})
		require.NoError(t, err)
		defer b.Release()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err = b.Build(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
