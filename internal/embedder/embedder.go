// Package embedder provides the text encoder that maps queries and article
// passages into the vector space of the embedding index.
package embedder

import (
	"context"
	"errors"
	"fmt"
)

// ErrModelUnavailable is returned when the encoder model cannot be loaded or reached.
var ErrModelUnavailable = errors.New("embedder: model unavailable")

// Embedder defines the interface for text embedding services.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Returns a slice of embeddings in the same order as the input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// ModelConfig holds configuration for a specific embedding model.
type ModelConfig struct {
	Dimension     int // Embedding dimension
	ContextLength int // Max tokens the model can process
}

// KnownModels maps embedding model names to their configurations.
var KnownModels = map[string]ModelConfig{
	"bkai-foundation-models/vietnamese-bi-encoder": {
		Dimension:     768,
		ContextLength: 256,
	},
	"sentence-transformers/paraphrase-multilingual-MiniLM-L12-v2": {
		Dimension:     384,
		ContextLength: 128,
	},
	"nomic-embed-text": {
		Dimension:     768,
		ContextLength: 8192,
	},
	"mxbai-embed-large": {
		Dimension:     1024,
		ContextLength: 512,
	},
	"bge-m3": {
		Dimension:     1024,
		ContextLength: 8192,
	},
}

// GetModelConfig returns the configuration for a model, or defaults if unknown.
func GetModelConfig(modelName string) ModelConfig {
	if cfg, ok := KnownModels[modelName]; ok {
		return cfg
	}
	return ModelConfig{
		Dimension:     768,
		ContextLength: 512,
	}
}

// probeText is a short Vietnamese legal phrase used to check that the model answers.
const probeText = "quyền sử dụng đất"

// Probe embeds a fixed text once and checks that the vector has the advertised
// dimension. Any failure is reported as ErrModelUnavailable.
func Probe(ctx context.Context, e Embedder) error {
	vec, err := e.Embed(ctx, probeText)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrModelUnavailable, e.ModelName(), err)
	}
	if len(vec) != e.Dimension() {
		return fmt.Errorf("%w: %s returned %d dimensions, expected %d",
			ErrModelUnavailable, e.ModelName(), len(vec), e.Dimension())
	}
	return nil
}
