package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/widgetrag/backend/internal/apperr"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:        srv.URL + "/v1",
		APIKey:         "test",
		Timeout:        5 * time.Second,
		EmbeddingModel: "embed",
		EmbeddingDim:   3,
	})
}

func TestGenerate(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "phi:latest", req["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  Plans start at $10.  "}}],
			"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`))
	})

	out, err := c.Generate(context.Background(), "phi:latest", "prompt", Options{MaxTokens: 50})
	require.NoError(t, err)
	assert.Equal(t, "Plans start at $10.", out.Content)
	assert.Equal(t, 17, out.Usage.TotalTokens)
}

func TestGenerateServerError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"model not loaded"}}`, http.StatusInternalServerError)
	})

	_, err := c.Generate(context.Background(), "qwen:0.5b", "prompt", Options{})
	assert.ErrorIs(t, err, apperr.ErrLLM)
}

func TestEmbedOrdersByIndexAndChecksDimension(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0,1,0]},
			{"index":0,"embedding":[1,0,0]}
		]}`))
	})

	out, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, out)
	assert.Equal(t, 3, c.Dimension())
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1,0]}]}`))
	})

	_, err := c.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, apperr.ErrLLM)
}
