package usage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/internal/storage/sqlite"
)

type memoryStore struct {
	mu        sync.Mutex
	logs      []models.UsageLog
	exchanges []sqlite.Exchange
	block     chan struct{}
	fail      bool
}

func (m *memoryStore) InsertUsageLog(_ context.Context, l *models.UsageLog) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("database is locked")
	}
	m.logs = append(m.logs, *l)
	return nil
}

func (m *memoryStore) AppendExchange(_ context.Context, ex sqlite.Exchange, _ func() string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges = append(m.exchanges, ex)
	return nil
}

func newRecorder(t *testing.T, store Store, rdb *redis.Client, workers int) *Recorder {
	t.Helper()
	r, err := NewRecorder(store, rdb, workers, time.Second, zap.NewNop())
	require.NoError(t, err)
	r.countTokens = func(s string) int { return len(strings.Fields(s)) }
	return r
}

func TestRecordWritesLogExchangeAndAnalytics(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := &memoryStore{}
	r := newRecorder(t, store, rdb, 2)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Record(Record{
		UserID: "u1", WidgetID: "w1", SessionID: "s1",
		Query: strings.Repeat("q", 1500), Response: "an answer here",
		ModelUsed: "phi:latest", ResponseTimeMs: 120, At: at,
	})
	r.Record(Record{UserID: "u1", WidgetID: "w2", Query: "hm", Response: "template", Fallback: true, ResponseTimeMs: 30, At: at})
	r.Record(Record{UserID: "u1", WidgetID: "w1", Query: "again", Response: "cached", Cached: true, ResponseTimeMs: 10, At: at})
	r.Close(time.Second)

	require.Len(t, store.logs, 3)
	assert.Len(t, store.logs[0].QueryText, maxLoggedQuery)
	require.Len(t, store.exchanges, 1, "records without a session are not stored as conversations")
	assert.Equal(t, 3, store.exchanges[0].AnswerTokens)
	assert.Equal(t, "phi:latest", store.exchanges[0].ModelUsed)

	stats, err := DailyAnalytics(context.Background(), rdb, "w1", at, 2)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.EqualValues(t, 2, stats[0].Queries)
	assert.EqualValues(t, 1, stats[0].Cached)
	assert.InDelta(t, 65, stats[0].AvgResponseTimeMs, 0.001)
	assert.EqualValues(t, 1, stats[0].Models["phi:latest"])
	assert.Zero(t, stats[1].Queries)

	other, err := DailyAnalytics(context.Background(), rdb, "w2", at, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, other[0].Fallback)

	samples, err := RecentResponseTimes(context.Background(), rdb, "w1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{120, 10}, samples)

	ttl := mr.TTL(AnalyticsKey("w1", at))
	assert.Equal(t, analyticsTTL, ttl)
}

func TestRecordNeverBlocksWhenSaturated(t *testing.T) {
	store := &memoryStore{block: make(chan struct{})}
	r := newRecorder(t, store, nil, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			r.Record(Record{UserID: "u1", WidgetID: "w1", Query: "q"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a saturated recorder")
	}
	close(store.block)
	r.Close(time.Second)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Less(t, len(store.logs), 20)
	assert.GreaterOrEqual(t, len(store.logs), 1)
}

func TestRecordSurvivesStoreFailure(t *testing.T) {
	store := &memoryStore{fail: true}
	r := newRecorder(t, store, nil, 1)
	r.Record(Record{UserID: "u1", WidgetID: "w1", Query: "q"})
	r.Close(time.Second)
	assert.Empty(t, store.logs)
}
