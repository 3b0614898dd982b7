// Package generation turns a question and its retrieved context into an
// answer. Configured models are tried in order; when none produces a usable
// answer a deterministic template reply is built from the context instead.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/llm"
	"github.com/widgetrag/backend/internal/metrics"
	"github.com/widgetrag/backend/internal/retrieval"
	"github.com/widgetrag/backend/pkg/config"
	"github.com/widgetrag/backend/pkg/fallback"
)

const (
	MethodLLM              = "llm"
	MethodTemplateFallback = "template_fallback"
	MethodNoContext        = "no_context"
)

type Request struct {
	SystemPrompt string
	Context      []retrieval.Document
	Question     string
	Temperature  float32
	MaxTokens    int
}

type Result struct {
	Response string
	// ModelUsed is empty when the template produced the response.
	ModelUsed  string
	Fallback   bool
	Method     string
	Attempts   []fallback.Attempt
	TokensUsed int
	// ContextUsed is how many documents made it into the prompt.
	ContextUsed int
}

type Options struct {
	Models            []config.ModelConfig
	MaxContextLength  int
	ContextThreshold  float64
	MinResponseLength int
	OverallTimeout    time.Duration
	TopP              float32
}

func OptionsFromConfig(cfg config.GenerationConfig) Options {
	models := cfg.Models
	if len(models) == 0 {
		models = config.DefaultModels()
	}
	return Options{
		Models:            models,
		MaxContextLength:  cfg.MaxContextLength,
		ContextThreshold:  cfg.ContextScoreThreshold,
		MinResponseLength: cfg.MinResponseLength,
		OverallTimeout:    time.Duration(cfg.OverallTimeoutSec) * time.Second,
		TopP:              cfg.TopP,
	}
}

type Generator struct {
	llm    llm.Generator
	opts   Options
	logger *zap.Logger
}

func NewGenerator(gen llm.Generator, opts Options, logger *zap.Logger) *Generator {
	return &Generator{llm: gen, opts: opts, logger: logger}
}

type completion struct {
	content string
	tokens  int
}

func (g *Generator) Generate(ctx context.Context, req Request) Result {
	contextText, used := buildContext(req.Context, g.opts.ContextThreshold, g.opts.MaxContextLength)
	prompt := buildPrompt(req.SystemPrompt, contextText, req.Question)

	steps := make([]fallback.Step[completion], 0, len(g.opts.Models))
	for _, m := range g.opts.Models {
		steps = append(steps, fallback.Step[completion]{
			Name:    m.Name,
			Timeout: m.Timeout(),
			Run:     g.modelStep(m, req, prompt),
		})
	}

	chain := &fallback.Chain[completion]{
		Name:  "generation",
		Steps: steps,
		Accept: func(c completion) error {
			if len(strings.TrimSpace(c.content)) <= g.opts.MinResponseLength {
				return errors.New("response too short")
			}
			return nil
		},
		Terminal: func(_ context.Context, cause error) (completion, error) {
			g.logger.Warn("All models failed, using template response", zap.Error(cause))
			return completion{content: templateResponse(req.Question, req.Context)}, nil
		},
		Deadline: g.opts.OverallTimeout,
		Logger:   g.logger,
	}

	out := chain.Run(ctx)
	for _, a := range out.Attempts {
		result := "success"
		switch {
		case errors.Is(a.Err, fallback.ErrStepTimeout):
			result = "timeout"
		case errors.Is(a.Err, fallback.ErrRejected):
			result = "rejected"
		case a.Err != nil:
			result = "error"
		}
		metrics.GenerationAttempts.WithLabelValues(a.Step, result).Inc()
		metrics.GenerationDuration.WithLabelValues(a.Step).Observe(a.Duration.Seconds())
	}

	res := Result{
		Response:    out.Value.content,
		Attempts:    out.Attempts,
		TokensUsed:  out.Value.tokens,
		ContextUsed: used,
	}
	if !out.Degraded {
		res.ModelUsed = out.Step
		res.Method = MethodLLM
		res.Response = strings.TrimSpace(res.Response)
		return res
	}

	res.Fallback = true
	res.Method = MethodTemplateFallback
	if len(req.Context) == 0 {
		res.Method = MethodNoContext
	}
	return res
}

func (g *Generator) modelStep(m config.ModelConfig, req Request, prompt string) func(context.Context) (completion, error) {
	return func(ctx context.Context) (completion, error) {
		temperature := m.Temperature
		if req.Temperature > 0 {
			temperature = min(req.Temperature, m.Temperature)
		}
		maxTokens := m.MaxTokens
		if req.MaxTokens > 0 && (maxTokens <= 0 || req.MaxTokens < maxTokens) {
			maxTokens = req.MaxTokens
		}

		out, err := g.llm.Generate(ctx, m.Name, prompt, llm.Options{
			Temperature: temperature,
			MaxTokens:   maxTokens,
			TopP:        g.opts.TopP,
		})
		if err != nil {
			return completion{}, fmt.Errorf("model %s: %w", m.Name, err)
		}
		return completion{content: out.Content, tokens: out.Usage.TotalTokens}, nil
	}
}
