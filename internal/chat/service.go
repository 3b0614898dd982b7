// Package chat answers widget visitors' questions: authenticate, admit,
// consult the response cache, retrieve context, generate and record.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/admission"
	"github.com/widgetrag/backend/internal/apperr"
	"github.com/widgetrag/backend/internal/generation"
	"github.com/widgetrag/backend/internal/metrics"
	"github.com/widgetrag/backend/internal/retrieval"
	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/internal/usage"
)

const (
	UntrainedResponse = "I'm still learning about this product. Please check back soon!"
	ApologyResponse   = "I apologize, but I'm experiencing technical difficulties. Please try again in a moment."

	MaxMessageLength = 1000
)

type Request struct {
	APIKey    string `json:"api_key" validate:"required"`
	Message   string `json:"message" validate:"required,max=1000"`
	SessionID string `json:"session_id,omitempty"`
	// WidgetID picks one of the user's widgets; empty means the first
	// active one.
	WidgetID string `json:"widget_id,omitempty"`
}

type UsageInfo struct {
	CurrentUsage   int    `json:"current_usage"`
	DailyLimit     int    `json:"daily_limit"`
	Remaining      int    `json:"remaining"`
	Plan           string `json:"plan"`
	SearchMethod   string `json:"search_method,omitempty"`
	ResponseMethod string `json:"response_method,omitempty"`
	ModelUsed      string `json:"model_used,omitempty"`
	Degraded       bool   `json:"degraded,omitempty"`
}

type Response struct {
	Response       string     `json:"response"`
	SessionID      string     `json:"session_id"`
	UsageInfo      *UsageInfo `json:"usage_info,omitempty"`
	ResponseTimeMs int        `json:"response_time_ms"`
	ContextSources int        `json:"context_sources"`
	Cached         bool       `json:"cached"`
	Error          string     `json:"error,omitempty"`
}

type Users interface {
	GetUserByAPIKey(ctx context.Context, apiKey string) (*models.User, error)
	GetActiveWidgetForUser(ctx context.Context, userID string) (*models.Widget, error)
	GetWidget(ctx context.Context, userID, widgetID string) (*models.Widget, error)
}

type Admitter interface {
	Admit(ctx context.Context, user *models.User) (*admission.UsageSnapshot, error)
}

type ResponseCache interface {
	Get(ctx context.Context, widgetID, query string) (string, bool)
	Put(ctx context.Context, widgetID, query, response string) bool
}

type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) retrieval.Result
}

type Generator interface {
	Generate(ctx context.Context, req generation.Request) generation.Result
}

type UsageRecorder interface {
	Record(rec usage.Record)
}

type Deps struct {
	Users     Users
	Admission Admitter
	Cache     ResponseCache
	Retriever Retriever
	Generator Generator
	Usage     UsageRecorder
	Logger    *zap.Logger
}

type Options struct {
	TopK             int
	DefaultThreshold float64
	// Debug exposes internal error text in responses.
	Debug bool
}

type Service struct {
	deps Deps
	opts Options
	log  *zap.Logger
}

func NewService(deps Deps, opts Options) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.TopK <= 0 {
		opts.TopK = 4
	}
	return &Service{deps: deps, opts: opts, log: log}
}

// Process answers one message. Authentication, validation, subscription and
// quota failures are returned as errors; anything else becomes an apology
// response.
func (s *Service) Process(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, apperr.NewValidation("message must not be empty")
	}
	if utf8.RuneCountInString(req.Message) > MaxMessageLength {
		return nil, apperr.NewValidation("message must be at most 1000 characters")
	}

	user, widget, err := s.authenticate(ctx, req)
	if err != nil {
		metrics.ChatTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	snap, err := s.deps.Admission.Admit(ctx, user)
	if err != nil {
		outcome := "rejected"
		if apperr.IsRateLimit(err) {
			outcome = "rate_limited"
		}
		metrics.ChatTotal.WithLabelValues(outcome).Inc()
		return nil, err
	}

	info := &UsageInfo{
		CurrentUsage: snap.CurrentUsage,
		DailyLimit:   snap.DailyLimit,
		Remaining:    snap.Remaining,
		Plan:         snap.Plan,
		Degraded:     snap.Degraded,
	}
	resp := &Response{SessionID: req.SessionID, UsageInfo: info}

	if widget.TrainingStatus != models.TrainingCompleted {
		resp.Response = UntrainedResponse
		resp.ResponseTimeMs = elapsedMs(start)
		metrics.ChatTotal.WithLabelValues("untrained").Inc()
		return resp, nil
	}

	if cached, ok := s.deps.Cache.Get(ctx, widget.ID, req.Message); ok {
		resp.Response = cached
		resp.Cached = true
		resp.ResponseTimeMs = elapsedMs(start)
		s.record(user, widget, req, resp, "", 0, false)
		metrics.ChatTotal.WithLabelValues("cached").Inc()
		metrics.ChatDuration.WithLabelValues("cache").Observe(time.Since(start).Seconds())
		return resp, nil
	}

	threshold := widget.SearchThreshold
	if threshold <= 0 {
		threshold = s.opts.DefaultThreshold
	}
	found := s.deps.Retriever.Retrieve(ctx, retrieval.Request{
		Namespace: widget.Namespace(),
		WidgetID:  widget.ID,
		Query:     req.Message,
		TopK:      s.opts.TopK,
		Threshold: threshold,
	})
	if found.Err != nil {
		return s.apologize(resp, start, found.Err), nil
	}
	info.SearchMethod = found.Method

	gen := s.deps.Generator.Generate(ctx, generation.Request{
		SystemPrompt: widget.SystemPrompt,
		Context:      found.Documents,
		Question:     req.Message,
		Temperature:  widget.Temperature,
		MaxTokens:    widget.MaxTokens,
	})
	if ctx.Err() != nil {
		return s.apologize(resp, start, ctx.Err()), nil
	}

	info.ResponseMethod = gen.Method
	info.ModelUsed = gen.ModelUsed
	resp.Response = gen.Response
	resp.ContextSources = len(found.Documents)
	resp.ResponseTimeMs = elapsedMs(start)

	// Only model answers are cached.
	if !gen.Fallback {
		s.deps.Cache.Put(ctx, widget.ID, req.Message, gen.Response)
	}
	s.record(user, widget, req, resp, gen.ModelUsed, gen.TokensUsed, gen.Fallback)

	metrics.ChatTotal.WithLabelValues("answered").Inc()
	metrics.ChatDuration.WithLabelValues(gen.Method).Observe(time.Since(start).Seconds())
	return resp, nil
}

func (s *Service) authenticate(ctx context.Context, req Request) (*models.User, *models.Widget, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, nil, apperr.ErrUnauthorized
	}
	user, err := s.deps.Users.GetUserByAPIKey(ctx, req.APIKey)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil, apperr.ErrUnauthorized
	}
	if err != nil {
		return nil, nil, err
	}
	if !user.IsActive || !user.IsSubscriptionActive {
		return nil, nil, apperr.ErrUnauthorized
	}

	var widget *models.Widget
	if req.WidgetID != "" {
		widget, err = s.deps.Users.GetWidget(ctx, user.ID, req.WidgetID)
		if err == nil && !widget.IsActive {
			err = apperr.NotFound("widget")
		}
	} else {
		widget, err = s.deps.Users.GetActiveWidgetForUser(ctx, user.ID)
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil, apperr.NewValidation("No active widget found for this API key")
	}
	if err != nil {
		return nil, nil, err
	}
	return user, widget, nil
}

func (s *Service) apologize(resp *Response, start time.Time, cause error) *Response {
	s.log.Error("Chat processing failed", zap.String("session_id", resp.SessionID), zap.Error(cause))
	metrics.ChatTotal.WithLabelValues("error").Inc()

	resp.Response = ApologyResponse
	resp.ResponseTimeMs = elapsedMs(start)
	if s.opts.Debug {
		resp.Error = cause.Error()
	}
	return resp
}

func (s *Service) record(user *models.User, widget *models.Widget, req Request, resp *Response, model string, tokens int, fallback bool) {
	if s.deps.Usage == nil {
		return
	}
	s.deps.Usage.Record(usage.Record{
		UserID:         user.ID,
		WidgetID:       widget.ID,
		SessionID:      req.SessionID,
		Query:          req.Message,
		Response:       resp.Response,
		ModelUsed:      model,
		ContextUsed:    resp.ContextSources,
		TokensUsed:     tokens,
		ResponseTimeMs: resp.ResponseTimeMs,
		Cached:         resp.Cached,
		Fallback:       fallback,
	})
}

func elapsedMs(start time.Time) int {
	return int(time.Since(start).Milliseconds())
}
