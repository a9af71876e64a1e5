package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/knoguchi/landlaw/internal/retry"
)

// DefaultCrossEncoderModel is the pairwise model the index was tuned with.
const DefaultCrossEncoderModel = "cross-encoder/ms-marco-MiniLM-L-6-v2"

// CrossEncoderScorer calls a text-embeddings-inference style /rerank endpoint
// serving a cross-encoder.
type CrossEncoderScorer struct {
	baseURL string
	model   string
	retry   retry.Policy
	client  *http.Client
}

// CrossEncoderOption configures a CrossEncoderScorer.
type CrossEncoderOption func(*CrossEncoderScorer)

// WithModel names the model served behind the endpoint.
func WithModel(model string) CrossEncoderOption {
	return func(s *CrossEncoderScorer) {
		s.model = model
	}
}

// WithRetry sets the retry policy for each request.
func WithRetry(p retry.Policy) CrossEncoderOption {
	return func(s *CrossEncoderScorer) {
		if p.MaxAttempts > 0 {
			s.retry = p
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) CrossEncoderOption {
	return func(s *CrossEncoderScorer) {
		s.client = client
	}
}

// NewCrossEncoderScorer creates a scorer for the server at baseURL.
func NewCrossEncoderScorer(baseURL string, opts ...CrossEncoderOption) *CrossEncoderScorer {
	s := &CrossEncoderScorer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   DefaultCrossEncoderModel,
		retry:   retry.NoRetry,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
	Truncate  bool     `json:"truncate"`
}

type rerankItem struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

// Score returns the cross-encoder logit for each passage, in input order.
func (s *CrossEncoderScorer) Score(ctx context.Context, query string, passages []string) ([]float32, error) {
	if len(passages) == 0 {
		return []float32{}, nil
	}

	body, err := json.Marshal(rerankRequest{
		Query:     query,
		Texts:     passages,
		RawScores: true,
		Truncate:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	items, err := retry.DoWithData(ctx, s.retry, func() ([]rerankItem, error) {
		return s.post(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	scores := make([]float32, len(passages))
	seen := make([]bool, len(passages))
	for _, it := range items {
		if it.Index < 0 || it.Index >= len(passages) {
			return nil, fmt.Errorf("reranker returned out of range index %d", it.Index)
		}
		scores[it.Index] = it.Score
		seen[it.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("reranker returned no score for passage %d", i)
		}
	}
	return scores, nil
}

func (s *CrossEncoderScorer) post(ctx context.Context, body []byte) ([]rerankItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		apiErr := fmt.Errorf("rerank API error (status %d): %s", resp.StatusCode, string(msg))
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(apiErr)
		}
		return nil, apiErr
	}

	var items []rerankItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return items, nil
}

// Name returns the served model name.
func (s *CrossEncoderScorer) Name() string {
	return s.model
}

var _ Scorer = (*CrossEncoderScorer)(nil)
