package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/knoguchi/landlaw/internal/bootstrap"
	"github.com/knoguchi/landlaw/internal/config"
	"github.com/knoguchi/landlaw/internal/embedder"
	"github.com/knoguchi/landlaw/internal/graphstore"
	"github.com/knoguchi/landlaw/internal/indexbuild"
	"github.com/knoguchi/landlaw/internal/retrieval"
	"github.com/knoguchi/landlaw/internal/vectorindex"
	"github.com/knoguchi/landlaw/internal/vectorstore"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

var (
	headingColor = color.New(color.FgCyan, color.Bold)
	scoreColor   = color.New(color.FgGreen)
	formerColor  = color.New(color.FgYellow)
	warnColor    = color.New(color.FgRed)
)

func progressEnabled() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func buildIndexCommand(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	indexPath, idListPath := cfg.IndexPath, cfg.IDListPath
	if c.IsSet("index") {
		indexPath = c.String("index")
	}
	if c.IsSet("ids") {
		idListPath = c.String("ids")
	}

	store, err := bootstrap.OpenGraphStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open graph store: %w", err)
	}
	defer store.Close(context.Background())

	encoder, closeEncoder, err := bootstrap.NewEncoder(cfg)
	if err != nil {
		return fmt.Errorf("failed to create encoder: %w", err)
	}
	defer closeEncoder(context.Background())
	if err := embedder.Probe(ctx, encoder); err != nil {
		return err
	}

	opts := []indexbuild.Option{
		indexbuild.WithBatchSize(c.Int("batch-size")),
		indexbuild.WithPoolSize(c.Int("workers")),
	}

	if c.Bool("qdrant") {
		qs, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL, cfg.QdrantCollection)
		if err != nil {
			return fmt.Errorf("failed to connect to Qdrant: %w", err)
		}
		defer qs.Close()
		opts = append(opts, indexbuild.WithPointWriter(qs))
	}

	var bar *progressbar.ProgressBar
	if c.Bool("progress") {
		opts = append(opts, indexbuild.WithProgress(func(done, total int) {
			if bar == nil {
				bar = newProgressBar(total)
			}
			_ = bar.Set(done)
		}))
	}

	builder, err := indexbuild.New(store, encoder, opts...)
	if err != nil {
		return err
	}
	defer builder.Release()

	fmt.Fprintf(os.Stderr, "Graph backend: %s\n", cfg.GraphBackend)
	fmt.Fprintf(os.Stderr, "Encoder: %s (%d dimensions)\n", encoder.ModelName(), encoder.Dimension())
	fmt.Fprintf(os.Stderr, "Output: %s, %s\n", indexPath, idListPath)
	fmt.Fprintln(os.Stderr)

	stats, err := builder.BuildAndSave(ctx, indexPath, idListPath)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return fmt.Errorf("index build failed: %w", err)
	}

	w := c.App.Writer
	headingColor.Fprintln(w, "Index built")
	fmt.Fprintf(w, "  articles:   %d\n", stats.Articles)
	fmt.Fprintf(w, "  duplicates: %d\n", stats.Duplicates)
	fmt.Fprintf(w, "  batches:    %d\n", stats.Batches)
	fmt.Fprintf(w, "  dimension:  %d\n", stats.Dimension)
	fmt.Fprintf(w, "  model:      %s\n", stats.Model)
	fmt.Fprintf(w, "  duration:   %s\n", stats.Duration.Round(time.Millisecond))
	return nil
}

func newProgressBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("embedding"),
		progressbar.OptionSetWidth(32),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func retrieveCommand(c *cli.Context) error {
	query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if query == "" {
		return errors.New("query is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	components, err := bootstrap.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer components.Close(context.Background())

	result, err := components.Pipeline.Retrieve(ctx, retrieval.Request{
		Query:    query,
		InitialK: c.Int("initial-k"),
		FinalK:   c.Int("final-k"),
	})
	if err != nil {
		return fmt.Errorf("retrieval failed: %w", err)
	}

	if c.Bool("json") {
		return printJSON(c.App.Writer, result)
	}
	printResult(c.App.Writer, query, result)
	return nil
}

func articleCommand(c *cli.Context) error {
	id := strings.TrimSpace(c.Args().First())
	if id == "" {
		return errors.New("article id is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := bootstrap.OpenGraphStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open graph store: %w", err)
	}
	defer store.Close(context.Background())

	article, err := store.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get article %q: %w", id, err)
	}
	link, err := store.GetSupersededLink(ctx, article.ID)
	if err != nil {
		return fmt.Errorf("failed to get former version of %q: %w", article.ID, err)
	}

	if c.Bool("json") {
		return printJSON(c.App.Writer, struct {
			*graphstore.Article
			Former *graphstore.SupersessionLink `json:"former,omitempty"`
		}{article, link})
	}

	w := c.App.Writer
	printArticle(w, article)
	if link != nil {
		fmt.Fprintln(w)
		formerColor.Fprintf(w, "Former version %s (%s)\n", link.FormerID, link.ChangeType)
		if link.Former != nil {
			printArticle(w, link.Former)
		}
	}
	return nil
}

func loadGraphCommand(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return errors.New("fixture path is required")
	}
	f, err := graphstore.ReadFixture(path)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := graphstore.NewPostgresStore(ctx, c.String("database-url"))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close(context.Background())

	if err := store.Import(ctx, *f); err != nil {
		return fmt.Errorf("graph import failed: %w", err)
	}

	headingColor.Fprintf(c.App.Writer, "Loaded %s\n", path)
	fmt.Fprintf(c.App.Writer, "  articles: %d\n", len(f.Articles))
	fmt.Fprintf(c.App.Writer, "  links:    %d\n", len(f.Links))
	fmt.Fprintf(c.App.Writer, "  concepts: %d\n", len(f.Concepts))
	return nil
}

func inspectIndexCommand(c *cli.Context) error {
	index, err := vectorindex.Load(c.String("index"), c.String("ids"))
	if err != nil {
		return err
	}

	w := c.App.Writer
	headingColor.Fprintln(w, c.String("index"))
	fmt.Fprintf(w, "  vectors:   %d\n", index.Len())
	fmt.Fprintf(w, "  dimension: %d\n", index.Dim())
	fmt.Fprintf(w, "  metric:    %s\n", index.Metric())

	ids := index.IDs()
	seen := make(map[string]struct{}, len(ids))
	var nonCanonical []string
	for _, id := range ids {
		seen[id] = struct{}{}
		if graphstore.CanonicalID(id) != id {
			nonCanonical = append(nonCanonical, id)
		}
	}
	fmt.Fprintf(w, "  articles:  %d\n", len(seen))
	if len(nonCanonical) > 0 {
		warnColor.Fprintf(w, "  %d ids are not canonical, first: %s\n", len(nonCanonical), nonCanonical[0])
	}

	limit := min(c.Int("limit"), len(ids))
	for i := 0; i < limit; i++ {
		fmt.Fprintf(w, "  [%d] %s\n", i, ids[i])
	}
	return nil
}

func printResult(w io.Writer, query string, result *retrieval.Result) {
	headingColor.Fprintf(w, "%q: %d articles\n", query, len(result.Documents))
	switch {
	case result.EnrichmentFailed:
		warnColor.Fprintln(w, "graph store unavailable, no articles could be enriched")
	case result.Reason == retrieval.ReasonNoCandidates:
		warnColor.Fprintln(w, "no article passed the score threshold")
	}
	if result.Dropped > 0 {
		warnColor.Fprintf(w, "%d candidates were missing from the graph\n", result.Dropped)
	}

	for i, doc := range result.Documents {
		fmt.Fprintln(w)
		headingColor.Fprintf(w, "%d. Điều %s (%d) %s\n", i+1, doc.ArticleNumber, doc.LawYear, doc.Name)
		scoreColor.Fprintf(w, "   rerank %.4f  semantic %.4f  %s\n", doc.RerankScore, doc.SemanticScore, doc.ID)
		if doc.Former != nil {
			formerColor.Fprintf(w, "   former: %s (%s)\n", doc.Former.FormerID, doc.Former.ChangeType)
		}
	}
}

func printArticle(w io.Writer, a *graphstore.Article) {
	headingColor.Fprintf(w, "Điều %s (%d) %s\n", a.ArticleNumber, a.LawYear, a.Name)
	fmt.Fprintf(w, "id: %s\n\n", a.ID)
	fmt.Fprintln(w, a.Content)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
