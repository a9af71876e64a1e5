package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knoguchi/landlaw/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaClientGenerate(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		got = ollamaRequest{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ollamaResponse{Model: got.Model, Response: "xin chào", Done: true})
	}))
	defer srv.Close()

	c := NewOllamaClient(WithBaseURL(srv.URL+"/"), WithModel("qwen2.5"))
	assert.Equal(t, "qwen2.5", c.Model())

	t.Run("deterministic pins temperature and seed", func(t *testing.T) {
		out, err := c.Generate(context.Background(), "hỏi", GenerateOptions{Deterministic: true, Temperature: 0.9, MaxTokens: 64})
		require.NoError(t, err)
		assert.Equal(t, "xin chào", out)
		assert.Equal(t, "qwen2.5", got.Model)
		assert.False(t, got.Stream)
		assert.EqualValues(t, 0, got.Options["temperature"])
		assert.EqualValues(t, 0, got.Options["seed"])
		assert.EqualValues(t, 64, got.Options["num_predict"])
	})

	t.Run("per request model and temperature", func(t *testing.T) {
		_, err := c.Generate(context.Background(), "hỏi", GenerateOptions{Model: "llama3.2", Temperature: 0.5})
		require.NoError(t, err)
		assert.Equal(t, "llama3.2", got.Model)
		assert.InDelta(t, 0.5, got.Options["temperature"], 1e-6)
		assert.NotContains(t, got.Options, "seed")
	})

	t.Run("no options", func(t *testing.T) {
		_, err := c.Generate(context.Background(), "hỏi", GenerateOptions{})
		require.NoError(t, err)
		assert.Nil(t, got.Options)
	})
}

func TestOllamaClientRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "loading", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: "ok", Done: true})
	}))
	defer srv.Close()

	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	t.Run("retries server errors", func(t *testing.T) {
		c := NewOllamaClient(WithBaseURL(srv.URL), WithRetry(policy))
		out, err := c.Generate(context.Background(), "p", GenerateOptions{})
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
		assert.EqualValues(t, 2, calls.Load())
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		var n atomic.Int32
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n.Add(1)
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer bad.Close()

		c := NewOllamaClient(WithBaseURL(bad.URL), WithRetry(policy))
		_, err := c.Generate(context.Background(), "p", GenerateOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 404")
		assert.EqualValues(t, 1, n.Load())
	})
}
