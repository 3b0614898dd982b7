package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/admission"
	"github.com/widgetrag/backend/internal/apperr"
	rediscache "github.com/widgetrag/backend/internal/cache/redis"
	"github.com/widgetrag/backend/internal/generation"
	"github.com/widgetrag/backend/internal/retrieval"
	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/internal/usage"
	"github.com/widgetrag/backend/pkg/config"
)

type directory struct {
	user   *models.User
	widget *models.Widget
}

func (d *directory) GetUserByAPIKey(_ context.Context, key string) (*models.User, error) {
	if key != d.user.APIKey {
		return nil, apperr.NotFound("user")
	}
	return d.user, nil
}

func (d *directory) GetActiveWidgetForUser(context.Context, string) (*models.Widget, error) {
	if d.widget == nil {
		return nil, apperr.NotFound("widget")
	}
	return d.widget, nil
}

func (d *directory) GetWidget(_ context.Context, _, id string) (*models.Widget, error) {
	if d.widget == nil || d.widget.ID != id {
		return nil, apperr.NotFound("widget")
	}
	return d.widget, nil
}

type stubRetriever struct {
	calls int
	res   retrieval.Result
}

func (s *stubRetriever) Retrieve(context.Context, retrieval.Request) retrieval.Result {
	s.calls++
	return s.res
}

type stubGenerator struct {
	calls int
	res   generation.Result
}

func (s *stubGenerator) Generate(context.Context, generation.Request) generation.Result {
	s.calls++
	return s.res
}

type recordings struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (r *recordings) Record(rec usage.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

type harness struct {
	svc       *Service
	dir       *directory
	retriever *stubRetriever
	generator *stubGenerator
	usage     *recordings
	cache     *rediscache.ResponseCache
	mr        *miniredis.Miniredis
}

func newHarness(t *testing.T, dailyQueries int) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	widget := models.DefaultWidget("u1", "Docs")
	widget.ID = "w1"
	widget.TrainingStatus = models.TrainingCompleted

	h := &harness{
		dir: &directory{
			user:   &models.User{ID: "u1", APIKey: "key-1", Plan: "starter", IsActive: true, IsSubscriptionActive: true},
			widget: &widget,
		},
		retriever: &stubRetriever{res: retrieval.Result{
			Method:    retrieval.MethodVector,
			Documents: []retrieval.Document{{Content: "Starter is $10 per month.", Score: 0.9}},
		}},
		generator: &stubGenerator{res: generation.Result{
			Response:  "The starter plan costs $10 per month.",
			ModelUsed: "qwen:0.5b",
			Method:    generation.MethodLLM,
		}},
		usage: &recordings{},
		cache: rediscache.NewResponseCache(rediscache.Wrap(rdb), time.Hour, zap.NewNop()),
		mr:    mr,
	}

	admit := admission.NewController(rdb, nil, admission.Limits{
		Plans: map[string]config.PlanConfig{"starter": {DailyQueries: dailyQueries, RequestsPerMinute: 100}},
	}, zap.NewNop())

	h.svc = NewService(Deps{
		Users:     h.dir,
		Admission: admit,
		Cache:     h.cache,
		Retriever: h.retriever,
		Generator: h.generator,
		Usage:     h.usage,
		Logger:    zap.NewNop(),
	}, Options{TopK: 4, DefaultThreshold: 0.7})
	return h
}

func TestAnswerThenCachedRepeat(t *testing.T) {
	h := newHarness(t, 50)
	ctx := context.Background()

	first, err := h.svc.Process(ctx, Request{APIKey: "key-1", Message: "What is the price?", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "The starter plan costs $10 per month.", first.Response)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, first.ContextSources)
	assert.Equal(t, retrieval.MethodVector, first.UsageInfo.SearchMethod)
	assert.Equal(t, generation.MethodLLM, first.UsageInfo.ResponseMethod)
	assert.Equal(t, 1, first.UsageInfo.CurrentUsage)
	assert.Equal(t, 49, first.UsageInfo.Remaining)

	second, err := h.svc.Process(ctx, Request{APIKey: "key-1", Message: "what is the PRICE", SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 0, second.ContextSources)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, 1, h.retriever.calls)
	assert.Equal(t, 1, h.generator.calls)
	assert.Equal(t, 2, second.UsageInfo.CurrentUsage)

	require.Len(t, h.usage.recs, 2)
	assert.True(t, h.usage.recs[1].Cached)
}

func TestUntrainedWidget(t *testing.T) {
	h := newHarness(t, 50)
	h.dir.widget.TrainingStatus = models.TrainingInProgress

	resp, err := h.svc.Process(context.Background(), Request{APIKey: "key-1", Message: "Hello there"})
	require.NoError(t, err)
	assert.Equal(t, UntrainedResponse, resp.Response)
	assert.Equal(t, 0, resp.ContextSources)
	assert.False(t, resp.Cached)
	assert.NotEmpty(t, resp.SessionID)
	assert.Zero(t, h.retriever.calls)
	assert.Equal(t, rediscache.CacheStats{}, h.cache.Stats(context.Background(), "w1"))
}

func TestDailyLimitSurfacesAsError(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	_, err := h.svc.Process(ctx, Request{APIKey: "key-1", Message: "first question"})
	require.NoError(t, err)

	_, err = h.svc.Process(ctx, Request{APIKey: "key-1", Message: "second question"})
	var rl *apperr.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "daily", rl.Window)
	assert.EqualValues(t, 1, rl.Limit)
}

func TestAuthenticationAndValidation(t *testing.T) {
	h := newHarness(t, 50)
	ctx := context.Background()

	_, err := h.svc.Process(ctx, Request{APIKey: "wrong", Message: "hi there"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	h.dir.user.IsSubscriptionActive = false
	_, err = h.svc.Process(ctx, Request{APIKey: "key-1", Message: "hi there"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	h.dir.user.IsSubscriptionActive = true

	_, err = h.svc.Process(ctx, Request{APIKey: "key-1", Message: "   "})
	assert.True(t, apperr.IsValidation(err))

	_, err = h.svc.Process(ctx, Request{APIKey: "key-1", Message: "hi", WidgetID: "nope"})
	assert.True(t, apperr.IsValidation(err))
}

func TestRetrievalFailureApologizes(t *testing.T) {
	h := newHarness(t, 50)
	h.retriever.res = retrieval.Result{Err: errors.New("all search paths failed")}

	resp, err := h.svc.Process(context.Background(), Request{APIKey: "key-1", Message: "anything at all"})
	require.NoError(t, err)
	assert.Equal(t, ApologyResponse, resp.Response)
	assert.Empty(t, resp.Error)

	h.svc.opts.Debug = true
	resp, err = h.svc.Process(context.Background(), Request{APIKey: "key-1", Message: "anything at all"})
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "all search paths failed")
}

func TestTemplateAnswersAreNotCached(t *testing.T) {
	h := newHarness(t, 50)
	h.generator.res = generation.Result{
		Response: "Based on our documentation:\n\nStarter is $10 per month.\n\nDoes this help answer your question?",
		Fallback: true,
		Method:   generation.MethodTemplateFallback,
	}

	resp, err := h.svc.Process(context.Background(), Request{APIKey: "key-1", Message: "Tell me more"})
	require.NoError(t, err)
	assert.Equal(t, generation.MethodTemplateFallback, resp.UsageInfo.ResponseMethod)
	assert.Empty(t, resp.UsageInfo.ModelUsed)

	_, ok := h.cache.Get(context.Background(), "w1", "Tell me more")
	assert.False(t, ok)
}
