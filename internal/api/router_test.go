package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/widgetrag/backend/internal/admission"
	"github.com/widgetrag/backend/internal/api/handlers"
	"github.com/widgetrag/backend/internal/apperr"
	"github.com/widgetrag/backend/internal/chat"
	"github.com/widgetrag/backend/internal/ingestion"
	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/internal/training"
	"github.com/widgetrag/backend/internal/usage"
	"github.com/widgetrag/backend/internal/widgets"
)

var owner = &models.User{ID: "u1", APIKey: "key-1", Plan: "starter", IsActive: true, IsSubscriptionActive: true}

type users struct{}

func (users) GetUserByAPIKey(_ context.Context, key string) (*models.User, error) {
	if key == owner.APIKey {
		return owner, nil
	}
	return nil, apperr.NotFound("user")
}

type chatFunc func(chat.Request) (*chat.Response, error)

func (f chatFunc) Process(_ context.Context, req chat.Request) (*chat.Response, error) { return f(req) }

type trainer struct {
	items    []ingestion.Item
	startErr error
}

func (tr *trainer) Start(_ context.Context, _ *models.User, widgetID string, items []ingestion.Item) (*training.Task, error) {
	if tr.startErr != nil {
		return nil, tr.startErr
	}
	tr.items = items
	return &training.Task{TaskID: "t1", Status: training.StatusStarted, Message: "Training started in background", WidgetID: widgetID}, nil
}

func (tr *trainer) Retrain(_ context.Context, _ *models.User, widgetID string, _ bool) (*training.Task, error) {
	return &training.Task{TaskID: "t2", Status: training.StatusStarted, WidgetID: widgetID}, nil
}

func (tr *trainer) Status(_ context.Context, _ *models.User, widgetID string) (*training.Status, error) {
	if widgetID != "w1" {
		return nil, apperr.NotFound("widget")
	}
	return &training.Status{WidgetID: widgetID, Status: models.TrainingCompleted, ProgressPercentage: 100}, nil
}

func (tr *trainer) DeleteDocument(context.Context, *models.User, string, string) error {
	return apperr.NotFound("document")
}

type widgetStore struct{}

func (widgetStore) Create(_ context.Context, _ *models.User, s widgets.Settings) (*models.Widget, error) {
	if s.Name != nil && *s.Name == "Second" {
		return nil, apperr.Subscription("plan starter allows at most 1 widgets")
	}
	w := models.DefaultWidget(owner.ID, *s.Name)
	w.ID = "w1"
	return &w, nil
}

func (widgetStore) Get(_ context.Context, _ *models.User, id string) (*models.Widget, error) {
	if id != "w1" {
		return nil, apperr.NotFound("widget")
	}
	w := models.DefaultWidget(owner.ID, "Docs")
	w.ID = id
	return &w, nil
}

func (widgetStore) List(context.Context, *models.User) ([]models.Widget, error) {
	return []models.Widget{models.DefaultWidget(owner.ID, "Docs")}, nil
}

func (s widgetStore) Update(ctx context.Context, u *models.User, id string, _ widgets.Settings) (*models.Widget, error) {
	return s.Get(ctx, u, id)
}

func (widgetStore) Disable(context.Context, *models.User, string) error { return nil }

func (widgetStore) Stats(_ context.Context, _ *models.User, id string) (*widgets.Stats, error) {
	return &widgets.Stats{WidgetID: id, VectorCount: 7}, nil
}

type quota struct{}

func (quota) Stats(context.Context, *models.User) (*admission.Stats, error) {
	return &admission.Stats{DailyUsage: 3, DailyLimit: 50, Remaining: 47, Plan: "starter"}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type env struct {
	app     *fiber.App
	trainer *trainer
	rdb     *redis.Client
}

func newEnv(t *testing.T, process chatFunc, ready error) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	e := &env{app: fiber.New(), trainer: &trainer{}, rdb: rdb}
	Register(e.app, Routes{
		Users:    users{},
		Chat:     handlers.NewChatHandler(process),
		Training: handlers.NewTrainingHandler(e.trainer),
		Widgets:  handlers.NewWidgetHandler(widgetStore{}),
		Usage:    handlers.NewUsageHandler(quota{}, widgetStore{}, rdb),
		Health:   handlers.NewHealthHandler(map[string]handlers.Pinger{"redis": pinger{ready}}),
	})
	return e
}

func (e *env) do(t *testing.T, method, path, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return e.send(t, req)
}

func (e *env) send(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

var authed = map[string]string{"X-API-Key": "key-1"}

func answering(req chat.Request) (*chat.Response, error) {
	return &chat.Response{
		Response:  "Starter costs $10.",
		SessionID: "s1",
		UsageInfo: &chat.UsageInfo{CurrentUsage: 1, DailyLimit: 50, Remaining: 49, Plan: "starter"},
	}, nil
}

func TestChatEndpoint(t *testing.T) {
	e := newEnv(t, answering, nil)

	status, body := e.do(t, "POST", "/api/v1/chat", `{"api_key":"key-1","message":"price?"}`, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "Starter costs $10.", body["response"])
	assert.EqualValues(t, 49, body["usage_info"].(map[string]any)["remaining"])

	status, body = e.do(t, "POST", "/api/v1/chat", `{"api_key":"key-1"}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "Validation failed", body["error"])
}

func TestChatErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"unauthorized", apperr.ErrUnauthorized, fiber.StatusUnauthorized},
		{"subscription", apperr.Subscription("subscription is not active"), fiber.StatusForbidden},
		{"validation", apperr.NewValidation("No active widget found for this API key"), fiber.StatusBadRequest},
		{"rate limit", &apperr.RateLimitError{Window: "daily", Limit: 50, Current: 50}, fiber.StatusTooManyRequests},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, func(chat.Request) (*chat.Response, error) { return nil, tc.err }, nil)
			status, body := e.do(t, "POST", "/api/v1/chat", `{"api_key":"key-1","message":"hi"}`, nil)
			assert.Equal(t, tc.status, status)
			if tc.status == fiber.StatusTooManyRequests {
				assert.EqualValues(t, 50, body["limit"])
				assert.EqualValues(t, 0, body["remaining"])
			}
		})
	}
}

func TestChatUnexpectedErrorApologizes(t *testing.T) {
	e := newEnv(t, func(chat.Request) (*chat.Response, error) {
		return nil, errors.New("database is locked")
	}, nil)

	status, body := e.do(t, "POST", "/api/v1/chat", `{"message":"hi","session_id":"s9"}`, authed)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, chat.ApologyResponse, body["response"])
	assert.Equal(t, "s9", body["session_id"])
}

func TestManagementRequiresAPIKey(t *testing.T) {
	e := newEnv(t, answering, nil)

	status, _ := e.do(t, "GET", "/api/v1/widgets", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = e.do(t, "GET", "/api/v1/widgets", "", map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body := e.do(t, "GET", "/api/v1/widgets", "", map[string]string{"Authorization": "Bearer key-1"})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["widgets"], 1)
}

func TestTrainingEndpoints(t *testing.T) {
	e := newEnv(t, answering, nil)

	status, body := e.do(t, "POST", "/api/v1/training/start",
		`{"widget_id":"w1","items":[{"type":"text","content":"Our product syncs files."}]}`, authed)
	assert.Equal(t, fiber.StatusAccepted, status)
	assert.Equal(t, "started", body["status"])
	require.Len(t, e.trainer.items, 1)

	status, _ = e.do(t, "POST", "/api/v1/training/start", `{"widget_id":"w1","items":[]}`, authed)
	assert.Equal(t, fiber.StatusBadRequest, status)

	e.trainer.startErr = apperr.ErrTrainingInProgress
	status, _ = e.do(t, "POST", "/api/v1/training/start",
		`{"widget_id":"w1","items":[{"type":"text","content":"Our product syncs files."}]}`, authed)
	assert.Equal(t, fiber.StatusConflict, status)

	status, body = e.do(t, "GET", "/api/v1/training/status/w1", "", authed)
	assert.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 100, body["progress_percentage"])

	status, _ = e.do(t, "GET", "/api/v1/training/status/w2", "", authed)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = e.do(t, "DELETE", "/api/v1/training/document/d1", "", authed)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body = e.do(t, "POST", "/api/v1/training/retrain/w1?clear_existing=true", "", authed)
	assert.Equal(t, fiber.StatusAccepted, status)
	assert.Equal(t, "t2", body["task_id"])
}

func uploadRequest(t *testing.T, filename, mime string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("widget_id", "w1"))
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", mime)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/v1/training/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-API-Key", "key-1")
	return req
}

func TestUploadExtractsFileText(t *testing.T) {
	e := newEnv(t, answering, nil)

	status, _ := e.send(t, uploadRequest(t, "guide.html", "text/html",
		[]byte("<html><body><script>x()</script><p>Install the agent first.</p></body></html>")))
	assert.Equal(t, fiber.StatusAccepted, status)
	require.Len(t, e.trainer.items, 1)
	item := e.trainer.items[0]
	assert.Equal(t, models.ContentFile, item.Type)
	assert.Equal(t, "guide.html", item.Title)
	assert.Equal(t, "Install the agent first.", item.Content)

	status, _ = e.send(t, uploadRequest(t, "movie.mp4", "video/mp4", []byte{0, 0, 0, 1}))
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestWidgetEndpoints(t *testing.T) {
	e := newEnv(t, answering, nil)

	status, body := e.do(t, "POST", "/api/v1/widgets", `{"name":"Docs","temperature":0.3}`, authed)
	assert.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "w1", body["id"])
	assert.Equal(t, "not_started", body["training_status"])

	status, _ = e.do(t, "POST", "/api/v1/widgets", `{"name":"Second"}`, authed)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = e.do(t, "PUT", "/api/v1/widgets/w1", `{"temperature":5}`, authed)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = e.do(t, "GET", "/api/v1/widgets/nope", "", authed)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body = e.do(t, "GET", "/api/v1/widgets/w1/stats", "", authed)
	assert.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 7, body["vector_count"])

	status, _ = e.do(t, "DELETE", "/api/v1/widgets/w1", "", authed)
	assert.Equal(t, fiber.StatusNoContent, status)
}

func TestUsageEndpoint(t *testing.T) {
	e := newEnv(t, answering, nil)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, e.rdb.HSet(ctx, usage.AnalyticsKey("w1", now), "queries", 4, "response_time_ms", 400).Err())

	status, body := e.do(t, "GET", "/api/v1/usage", "", authed)
	assert.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 47, body["usage"].(map[string]any)["remaining"])
	assert.Nil(t, body["analytics"])

	status, body = e.do(t, "GET", "/api/v1/usage?widget_id=w1&days=2", "", authed)
	assert.Equal(t, fiber.StatusOK, status)
	days := body["analytics"].([]any)
	require.Len(t, days, 2)
	today := days[0].(map[string]any)
	assert.EqualValues(t, 4, today["queries"])
	assert.EqualValues(t, 100, today["avg_response_time_ms"])
}

func TestHealthAndReadiness(t *testing.T) {
	e := newEnv(t, answering, nil)
	status, body := e.do(t, "GET", "/api/v1/health", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, _ = e.do(t, "GET", "/api/v1/ready", "", nil)
	assert.Equal(t, fiber.StatusOK, status)

	down := newEnv(t, answering, errors.New("connection refused"))
	status, body = down.do(t, "GET", "/api/v1/ready", "", nil)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "connection refused", body["checks"].(map[string]any)["redis"])
}
