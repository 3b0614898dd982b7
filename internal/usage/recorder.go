// Package usage records chat outcomes after the response has been sent.
// Recording never blocks or fails a chat request: when the recorder is
// saturated or a write fails, the record is dropped and counted.
package usage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/pkoukk/tiktoken-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/metrics"
	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/internal/storage/sqlite"
	"github.com/widgetrag/backend/pkg/utils"
)

const (
	maxLoggedQuery = 1000
	analyticsTTL   = 7 * 24 * time.Hour
	// samples kept in the recent response-time list of a widget
	maxSamples = 100
)

// Record describes one answered chat request.
type Record struct {
	UserID         string
	WidgetID       string
	SessionID      string
	Query          string
	Response       string
	ModelUsed      string
	ContextUsed    int
	TokensUsed     int
	ResponseTimeMs int
	Cached         bool
	Fallback       bool
	At             time.Time
}

type Store interface {
	InsertUsageLog(ctx context.Context, l *models.UsageLog) error
	AppendExchange(ctx context.Context, ex sqlite.Exchange, newID func() string) error
}

type Recorder struct {
	store   Store
	rdb     *redis.Client
	pool    *ants.Pool
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup

	countTokens func(string) int
}

// NewRecorder creates a recorder with a fixed number of workers. rdb may be
// nil, in which case per-widget analytics are not kept.
func NewRecorder(store Store, rdb *redis.Client, workers int, timeout time.Duration, logger *zap.Logger) (*Recorder, error) {
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create usage pool: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Recorder{
		store:       store,
		rdb:         rdb,
		pool:        pool,
		timeout:     timeout,
		logger:      logger,
		countTokens: CountTokens,
	}, nil
}

// Record schedules r for persistence and returns immediately.
func (r *Recorder) Record(rec Record) {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}

	r.wg.Add(1)
	err := r.pool.Submit(func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		r.write(ctx, rec)
	})
	if err != nil {
		r.wg.Done()
		metrics.UsageDropped.Inc()
		r.logger.Warn("Usage record dropped", zap.String("widget_id", rec.WidgetID), zap.Error(err))
	}
}

func (r *Recorder) write(ctx context.Context, rec Record) {
	err := r.store.InsertUsageLog(ctx, &models.UsageLog{
		UserID:         rec.UserID,
		WidgetID:       rec.WidgetID,
		QueryText:      utils.Truncate(rec.Query, maxLoggedQuery),
		ResponseTimeMs: rec.ResponseTimeMs,
		Cached:         rec.Cached,
		CreatedAt:      rec.At,
	})
	if err != nil {
		metrics.UsageDropped.Inc()
		r.logger.Error("Failed to log usage", zap.String("widget_id", rec.WidgetID), zap.Error(err))
	}

	if rec.SessionID != "" {
		answerTokens := rec.TokensUsed
		if answerTokens == 0 {
			answerTokens = r.countTokens(rec.Response)
		}
		err := r.store.AppendExchange(ctx, sqlite.Exchange{
			UserID:         rec.UserID,
			WidgetID:       rec.WidgetID,
			SessionID:      rec.SessionID,
			Question:       rec.Query,
			QuestionTokens: r.countTokens(rec.Query),
			Answer:         rec.Response,
			AnswerTokens:   answerTokens,
			ModelUsed:      rec.ModelUsed,
			ContextUsed:    rec.ContextUsed,
			ResponseTimeMs: rec.ResponseTimeMs,
			At:             rec.At,
		}, uuid.NewString)
		if err != nil {
			r.logger.Error("Failed to store conversation", zap.String("session_id", rec.SessionID), zap.Error(err))
		}
	}

	if r.rdb != nil {
		r.bumpAnalytics(ctx, rec)
	}
}

// AnalyticsKey is the daily per-widget counter hash.
func AnalyticsKey(widgetID string, day time.Time) string {
	return fmt.Sprintf("analytics:widget:%s:%s", widgetID, day.UTC().Format("2006-01-02"))
}

func samplesKey(widgetID string) string {
	return fmt.Sprintf("analytics:widget:%s:response_times", widgetID)
}

func (r *Recorder) bumpAnalytics(ctx context.Context, rec Record) {
	key := AnalyticsKey(rec.WidgetID, rec.At)
	pipe := r.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "queries", 1)
	pipe.HIncrBy(ctx, key, "response_time_ms", int64(rec.ResponseTimeMs))
	if rec.Cached {
		pipe.HIncrBy(ctx, key, "cached", 1)
	}
	if rec.Fallback {
		pipe.HIncrBy(ctx, key, "fallback", 1)
	}
	if rec.ModelUsed != "" {
		pipe.HIncrBy(ctx, key, "model:"+rec.ModelUsed, 1)
	}
	pipe.Expire(ctx, key, analyticsTTL)
	samples := samplesKey(rec.WidgetID)
	pipe.LPush(ctx, samples, rec.ResponseTimeMs)
	pipe.LTrim(ctx, samples, 0, maxSamples-1)
	pipe.Expire(ctx, samples, analyticsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Debug("Failed to update widget analytics", zap.String("widget_id", rec.WidgetID), zap.Error(err))
	}
}

// Analytics is one day of per-widget counters.
type Analytics struct {
	Date              string           `json:"date"`
	Queries           int64            `json:"queries"`
	Cached            int64            `json:"cached"`
	Fallback          int64            `json:"fallback"`
	AvgResponseTimeMs float64          `json:"avg_response_time_ms"`
	Models            map[string]int64 `json:"models,omitempty"`
}

// DailyAnalytics reads the last days of counters, newest first.
func DailyAnalytics(ctx context.Context, rdb *redis.Client, widgetID string, now time.Time, days int) ([]Analytics, error) {
	out := make([]Analytics, 0, days)
	for i := 0; i < days; i++ {
		day := now.UTC().AddDate(0, 0, -i)
		vals, err := rdb.HGetAll(ctx, AnalyticsKey(widgetID, day)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read analytics: %w", err)
		}
		a := Analytics{Date: day.Format("2006-01-02")}
		var totalMs int64
		for field, raw := range vals {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			switch {
			case field == "queries":
				a.Queries = n
			case field == "cached":
				a.Cached = n
			case field == "fallback":
				a.Fallback = n
			case field == "response_time_ms":
				totalMs = n
			case strings.HasPrefix(field, "model:"):
				if a.Models == nil {
					a.Models = make(map[string]int64)
				}
				a.Models[strings.TrimPrefix(field, "model:")] = n
			}
		}
		if a.Queries > 0 {
			a.AvgResponseTimeMs = float64(totalMs) / float64(a.Queries)
		}
		out = append(out, a)
	}
	return out, nil
}

// RecentResponseTimes returns the newest response-time samples of a widget
// in milliseconds, newest first.
func RecentResponseTimes(ctx context.Context, rdb *redis.Client, widgetID string) ([]int, error) {
	raw, err := rdb.LRange(ctx, samplesKey(widgetID), 0, maxSamples-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read response times: %w", err)
	}
	out := make([]int, 0, len(raw))
	for _, r := range raw {
		if n, err := strconv.Atoi(r); err == nil {
			out = append(out, n)
		}
	}
	return out, nil
}

// Close waits for scheduled records to be written, up to timeout.
func (r *Recorder) Close(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("Timed out waiting for usage records")
	}
	r.pool.Release()
}

var encoding = sync.OnceValues(func() (*tiktoken.Tiktoken, error) {
	return tiktoken.GetEncoding("cl100k_base")
})

// CountTokens estimates the token count of text. Without the encoder it
// falls back to four characters per token.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	enc, err := encoding()
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
