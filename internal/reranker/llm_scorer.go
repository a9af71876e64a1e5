package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/knoguchi/landlaw/internal/llm"
)

// LLMScorer asks a generative model to grade each passage against the query.
// The model sees the query and every passage together in one prompt, which
// gives cross-encoder style joint scoring without a dedicated model server.
type LLMScorer struct {
	llmClient llm.LLM
	model     string
}

// LLMOption is a functional option for configuring LLMScorer.
type LLMOption func(*LLMScorer)

// WithLLMModel sets the model to use for scoring.
func WithLLMModel(model string) LLMOption {
	return func(s *LLMScorer) {
		s.model = model
	}
}

// NewLLMScorer creates a new LLM-based scorer.
func NewLLMScorer(llmClient llm.LLM, opts ...LLMOption) *LLMScorer {
	s := &LLMScorer{
		llmClient: llmClient,
		model:     llm.DefaultModel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float32 `json:"score"`
}

type scoreResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Score grades every passage from 0 to 1. Generation is pinned to
// temperature 0 and a fixed seed so the same input yields the same scores.
func (s *LLMScorer) Score(ctx context.Context, query string, passages []string) ([]float32, error) {
	if len(passages) == 0 {
		return []float32{}, nil
	}

	response, err := s.llmClient.Generate(ctx, buildScorePrompt(query, passages), llm.GenerateOptions{
		Model:         s.model,
		Deterministic: true,
		MaxTokens:     1024,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM scoring failed: %w", err)
	}

	return parseScoreResponse(response, len(passages))
}

// Name returns the model used for scoring.
func (s *LLMScorer) Name() string {
	return s.model
}

func buildScorePrompt(query string, passages []string) string {
	var sb strings.Builder

	sb.WriteString("Bạn là hệ thống chấm điểm mức độ liên quan của điều luật đất đai với câu hỏi.\n")
	sb.WriteString("You are a relevance scoring system for Vietnamese land law articles.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Articles to score:\n")
	for i, p := range passages {
		fmt.Fprintf(&sb, "[Doc %d]: %s\n\n", i, p)
	}

	sb.WriteString(`Score each article from 0.0 to 1.0 based on how well it answers the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant articles should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseScoreResponse extracts scores from the model output. Entries the model
// skipped get 0.5; scores are clamped to [0, 1].
func parseScoreResponse(response string, n int) ([]float32, error) {
	response = strings.TrimSpace(response)

	// Models often wrap JSON in a markdown fence.
	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}
	response = strings.TrimSpace(response)

	var parsed scoreResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse score response: %w", err)
	}

	scores := make([]float32, n)
	for i := range scores {
		scores[i] = 0.5
	}
	for _, s := range parsed.Scores {
		if s.DocIndex < 0 || s.DocIndex >= n {
			continue
		}
		scores[s.DocIndex] = min(max(s.Score, 0), 1)
	}
	return scores, nil
}

var _ Scorer = (*LLMScorer)(nil)
