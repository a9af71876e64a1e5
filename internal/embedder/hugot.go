package embedder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
)

// HugotConfig configures a local ONNX sentence-transformer.
type HugotConfig struct {
	// ModelPath is a directory holding the exported model and tokenizer.
	ModelPath string

	// ModelName is reported by ModelName. Defaults to the base name of ModelPath.
	ModelName string
}

// HugotEmbedder runs a sentence-transformer in process with the pure Go backend.
// The pipeline is not safe for concurrent use, calls are serialized.
type HugotEmbedder struct {
	mu        sync.Mutex
	session   *hugot.Session
	pipeline  *pipelines.FeatureExtractionPipeline
	modelName string
	dimension int
}

// NewHugotEmbedder loads the model at cfg.ModelPath. The embedding dimension is
// learned by embedding a probe text, so a model that loads but cannot run is
// rejected here.
func NewHugotEmbedder(cfg HugotConfig) (*HugotEmbedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("%w: hugot model path is empty", ErrModelUnavailable)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	name := cfg.ModelName
	if name == "" {
		name = filepath.Base(cfg.ModelPath)
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create hugot session: %v", ErrModelUnavailable, err)
	}

	config := hugot.FeatureExtractionConfig{
		ModelPath: cfg.ModelPath,
		Name:      "landlaw-encoder",
	}
	pipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			err = errors.Join(err, destroyErr)
		}
		return nil, fmt.Errorf("%w: failed to create feature extraction pipeline: %v", ErrModelUnavailable, err)
	}

	e := &HugotEmbedder{
		session:   session,
		pipeline:  pipeline,
		modelName: name,
	}

	probe, err := e.run([]string{probeText})
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	e.dimension = len(probe[0])

	return e, nil
}

func (e *HugotEmbedder) run(texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("hugot returned %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

// Embed generates an embedding vector for a single text input.
func (e *HugotEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := e.run([]string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in one pipeline call.
func (e *HugotEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.run(texts)
}

// Dimension returns the dimensionality of the embedding vectors.
func (e *HugotEmbedder) Dimension() int {
	return e.dimension
}

// ModelName returns the name of the embedding model being used.
func (e *HugotEmbedder) ModelName() string {
	return e.modelName
}

// Close releases the hugot session.
func (e *HugotEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}

// PrepareModel downloads a Hugging Face model into modelDir unless it is
// already there, and returns the local path.
func PrepareModel(modelName, modelDir, onnxFilePath string) (string, error) {
	modelPath := filepath.Join(modelDir, strings.ReplaceAll(modelName, "/", "_"))
	if _, err := os.Stat(modelPath); err == nil {
		return modelPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to stat model directory: %w", err)
	}

	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create model directory: %w", err)
	}
	downloadOptions := hugot.NewDownloadOptions()
	if onnxFilePath != "" {
		downloadOptions.OnnxFilePath = onnxFilePath
	}
	downloadedPath, err := hugot.DownloadModel(modelName, modelDir, downloadOptions)
	if err != nil {
		return "", fmt.Errorf("failed to download model: %w", err)
	}
	return downloadedPath, nil
}

var _ Embedder = (*HugotEmbedder)(nil)
