package admission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/apperr"
	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/pkg/config"
)

type fakeDurable struct {
	used  int
	calls int
}

func (f *fakeDurable) IncrementDailyUsage(_ context.Context, _ string, limit int, _ time.Time) (int, bool, error) {
	f.calls++
	if limit >= 0 && f.used >= limit {
		return f.used, false, nil
	}
	f.used++
	return f.used, true, nil
}

func testLimits() Limits {
	return Limits{
		Plans: map[string]config.PlanConfig{
			"starter":    {DailyQueries: 2, RequestsPerMinute: 100},
			"burst":      {DailyQueries: -1, RequestsPerMinute: 2},
			"enterprise": {DailyQueries: -1, RequestsPerMinute: 300},
		},
		DefaultPerMinute: 60,
	}
}

func activeUser(plan string) *models.User {
	return &models.User{ID: "u1", Plan: plan, IsActive: true, IsSubscriptionActive: true}
}

func newController(t *testing.T) (*Controller, *miniredis.Miniredis, *fakeDurable, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })

	now := time.Date(2026, 5, 4, 23, 59, 0, 0, time.UTC)
	durable := &fakeDurable{}
	c := NewController(rdb, durable, testLimits(), zap.NewNop()).WithClock(func() time.Time { return now })
	return c, mr, durable, &now
}

func TestAdmitDailyLimitAndRollover(t *testing.T) {
	c, mr, _, now := newController(t)
	ctx := context.Background()
	user := activeUser("starter")

	s, err := c.Admit(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, s.CurrentUsage)
	assert.Equal(t, 1, s.Remaining)

	s, err = c.Admit(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Remaining)

	_, err = c.Admit(ctx, user)
	var rl *apperr.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "daily", rl.Window)
	assert.EqualValues(t, 2, rl.Limit)
	assert.Contains(t, rl.Error(), "Daily query limit (2) exceeded")

	ttl := mr.TTL(DailyKey(user.ID, *now))
	assert.True(t, ttl > 0 && ttl <= 24*time.Hour, "daily key expires by next UTC midnight, got %s", ttl)

	*now = now.Add(2 * time.Minute)
	s, err = c.Admit(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, s.CurrentUsage)
}

func TestAdmitMinuteWindowDoesNotConsumeOnReject(t *testing.T) {
	c, mr, _, now := newController(t)
	ctx := context.Background()
	user := activeUser("burst")
	*now = time.Date(2026, 5, 4, 10, 0, 10, 0, time.UTC)

	for i := 0; i < 2; i++ {
		s, err := c.Admit(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, -1, s.Remaining)
	}

	_, err := c.Admit(ctx, user)
	var rl *apperr.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "minute", rl.Window)
	assert.Equal(t, "Too many requests. Please slow down.", rl.Error())

	daily, err := mr.Get(DailyKey(user.ID, *now))
	require.NoError(t, err)
	assert.Equal(t, "2", daily)

	*now = now.Add(time.Minute)
	_, err = c.Admit(ctx, user)
	assert.NoError(t, err)
}

func TestAdmitRejectsInactiveSubscription(t *testing.T) {
	c, _, _, _ := newController(t)
	ctx := context.Background()

	user := activeUser("starter")
	user.IsSubscriptionActive = false
	_, err := c.Admit(ctx, user)
	assert.ErrorIs(t, err, apperr.ErrSubscription)

	_, err = c.Admit(ctx, activeUser("platinum"))
	assert.ErrorIs(t, err, apperr.ErrSubscription)
}

func TestAdmitDegradesToDurableCounter(t *testing.T) {
	c, mr, durable, _ := newController(t)
	ctx := context.Background()
	user := activeUser("starter")
	mr.Close()

	s, err := c.Admit(ctx, user)
	require.NoError(t, err)
	assert.True(t, s.Degraded)
	assert.Equal(t, 1, s.CurrentUsage)

	_, err = c.Admit(ctx, user)
	require.NoError(t, err)

	_, err = c.Admit(ctx, user)
	assert.True(t, apperr.IsRateLimit(err))
	assert.Equal(t, 3, durable.calls)
}

func TestStats(t *testing.T) {
	c, _, _, _ := newController(t)
	ctx := context.Background()
	user := activeUser("starter")

	_, err := c.Admit(ctx, user)
	require.NoError(t, err)

	st, err := c.Stats(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, st.DailyUsage)
	assert.Equal(t, 2, st.DailyLimit)
	assert.Equal(t, 1, st.Remaining)
}
