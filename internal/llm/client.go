package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/apperr"
	"github.com/widgetrag/backend/internal/metrics"
	"github.com/widgetrag/backend/pkg/circuitbreaker"
	"github.com/widgetrag/backend/pkg/logger"
	"github.com/widgetrag/backend/pkg/retry"
)

const embeddingBatchSize = 100

type Options struct {
	Temperature float32
	MaxTokens   int
	TopP        float32
	Stop        []string
}

type Completion struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Generator produces a completion for a prompt with a named model.
type Generator interface {
	Generate(ctx context.Context, model, prompt string, opts Options) (*Completion, error)
}

// Embedder turns texts into vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Client talks to any OpenAI-compatible endpoint, Ollama's /v1 included.
type Client struct {
	client         *openai.Client
	embeddingModel string
	embeddingDim   int
	breakers       *circuitbreaker.Set
	embedBreaker   *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	EmbeddingModel string
	EmbeddingDim   int
}

func NewClient(cfg Config) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	breakerCfg := circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Logger:           logger.GetLogger(),
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.CircuitState.WithLabelValues(name).Set(float64(to))
		},
	}

	retryConfig := retry.Config{
		Name:           "embedding",
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		ShouldRetry:    retryable,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("base_url", clientCfg.BaseURL),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.Int("embedding_dim", cfg.EmbeddingDim),
	)

	return &Client{
		client:         openai.NewClientWithConfig(clientCfg),
		embeddingModel: cfg.EmbeddingModel,
		embeddingDim:   cfg.EmbeddingDim,
		breakers:       circuitbreaker.NewSet("llm", breakerCfg),
		embedBreaker:   circuitbreaker.NewCircuitBreaker("embedding", breakerCfg),
		retryConfig:    retryConfig,
	}
}

// retryable treats client errors as permanent.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 0 || apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return !errors.Is(err, context.DeadlineExceeded)
}

// Generate runs one completion. It neither retries nor applies its own
// deadline: the caller owns the time budget and the fallback order.
func (c *Client) Generate(ctx context.Context, model, prompt string, opts Options) (*Completion, error) {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		TopP:        opts.TopP,
		Stop:        opts.Stop,
	}

	resp, err := circuitbreaker.Call(ctx, c.breakers.Get(model), func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		return c.client.CreateChatCompletion(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: model %s: %w", apperr.ErrLLM, model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: model %s returned no choices", apperr.ErrLLM, model)
	}

	metrics.LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(resp.Usage.CompletionTokens))

	logger.Debug("LLM completion generated",
		zap.String("model", model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return &Completion{
		Content: strings.TrimSpace(resp.Choices[0].Message.Content),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (c *Client) Dimension() int {
	return c.embeddingDim
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embeddingBatchSize {
		end := min(start+embeddingBatchSize, len(texts))
		batch, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, batch...)
	}
	return embeddings, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := retry.DoWithResult(ctx, c.retryConfig, func(ctx context.Context) (openai.EmbeddingResponse, error) {
		resp, err := circuitbreaker.Call(ctx, c.embedBreaker, func(ctx context.Context) (openai.EmbeddingResponse, error) {
			return c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: texts,
				Model: openai.EmbeddingModel(c.embeddingModel),
			})
		})
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return resp, retry.Stop(err)
		}
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate embeddings: %w", apperr.ErrLLM, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", apperr.ErrLLM, len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", apperr.ErrLLM, d.Index)
		}
		if c.embeddingDim > 0 && len(d.Embedding) != c.embeddingDim {
			return nil, fmt.Errorf("%w: embedding dimension %d, expected %d", apperr.ErrLLM, len(d.Embedding), c.embeddingDim)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
