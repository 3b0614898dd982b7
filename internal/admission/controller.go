// Package admission enforces per-user query quotas before any expensive work
// is done for a chat request.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/apperr"
	"github.com/widgetrag/backend/internal/metrics"
	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/pkg/config"
)

// checkAndIncr reads every window first and only increments when all of
// them have room, so a rejected request never consumes quota.
var checkAndIncr = redis.NewScript(`
local counts = {}
for i = 1, #KEYS do
	local limit = tonumber(ARGV[i])
	local current = tonumber(redis.call('GET', KEYS[i]) or '0')
	if limit >= 0 and current >= limit then
		return {0, i, current}
	end
end
for i = 1, #KEYS do
	counts[i] = redis.call('INCR', KEYS[i])
	if redis.call('TTL', KEYS[i]) < 0 then
		redis.call('EXPIRE', KEYS[i], tonumber(ARGV[#KEYS + i]))
	end
end
return {1, counts[1], counts[2], counts[3]}
`)

var windowNames = []string{"daily", "minute", "hour"}

// DurableCounter is the fallback daily counter used when Redis is down.
type DurableCounter interface {
	IncrementDailyUsage(ctx context.Context, userID string, limit int, now time.Time) (int, bool, error)
}

type UsageSnapshot struct {
	CurrentUsage int    `json:"current_usage"`
	DailyLimit   int    `json:"daily_limit"`
	Remaining    int    `json:"remaining"`
	Plan         string `json:"plan"`
	Degraded     bool   `json:"degraded,omitempty"`
}

type Limits struct {
	Plans            map[string]config.PlanConfig
	DefaultPerMinute int
}

type Controller struct {
	rdb     *redis.Client
	durable DurableCounter
	limits  Limits
	now     func() time.Time
	logger  *zap.Logger
}

func NewController(rdb *redis.Client, durable DurableCounter, limits Limits, logger *zap.Logger) *Controller {
	return &Controller{rdb: rdb, durable: durable, limits: limits, now: time.Now, logger: logger}
}

// WithClock replaces the time source; used by tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

type windowLimits struct {
	daily, minute, hour int
}

func (c *Controller) planFor(user *models.User) (config.PlanConfig, windowLimits, error) {
	if user == nil || !user.IsActive || !user.IsSubscriptionActive {
		return config.PlanConfig{}, windowLimits{}, apperr.Subscription("subscription is not active")
	}
	plan, ok := c.limits.Plans[user.Plan]
	if !ok {
		return config.PlanConfig{}, windowLimits{}, apperr.Subscription("unknown plan %q", user.Plan)
	}

	perMinute := plan.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = c.limits.DefaultPerMinute
	}
	hour := -1
	if perMinute > 0 {
		hour = perMinute * 60
	} else {
		perMinute = -1
	}
	return plan, windowLimits{daily: plan.DailyQueries, minute: perMinute, hour: hour}, nil
}

func DailyKey(userID string, now time.Time) string {
	return fmt.Sprintf("usage:daily:%s:%s", userID, now.UTC().Format(time.DateOnly))
}

func minuteKey(userID string, now time.Time) string {
	return fmt.Sprintf("rate_limit:%s:minute:%s", userID, now.UTC().Format("2006-01-02T15:04"))
}

func hourKey(userID string, now time.Time) string {
	return fmt.Sprintf("rate_limit:%s:hour:%s", userID, now.UTC().Format("2006-01-02T15"))
}

// secondsUntilMidnight is the daily window TTL, never more than a day.
func secondsUntilMidnight(now time.Time) int {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	s := int(midnight.Sub(now).Seconds())
	if s < 1 {
		return 1
	}
	return s
}

func snapshot(plan string, current, limit int) *UsageSnapshot {
	remaining := -1
	if limit >= 0 {
		remaining = max(limit-current, 0)
	}
	return &UsageSnapshot{CurrentUsage: current, DailyLimit: limit, Remaining: remaining, Plan: plan}
}

// Admit checks every quota window for the user and consumes one unit from
// each when all have room.
func (c *Controller) Admit(ctx context.Context, user *models.User) (*UsageSnapshot, error) {
	_, lim, err := c.planFor(user)
	if err != nil {
		return nil, err
	}

	now := c.now()
	keys := []string{DailyKey(user.ID, now), minuteKey(user.ID, now), hourKey(user.ID, now)}
	args := []any{lim.daily, lim.minute, lim.hour, secondsUntilMidnight(now), 60, 3600}

	res, err := checkAndIncr.Run(ctx, c.rdb, keys, args...).Int64Slice()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("Admission falling back to durable counter", zap.String("user_id", user.ID), zap.Error(err))
		return c.admitDurable(ctx, user, lim.daily, now)
	}

	if res[0] == 0 {
		window := windowNames[res[1]-1]
		limit := []int{lim.daily, lim.minute, lim.hour}[res[1]-1]
		metrics.AdmissionRejected.WithLabelValues(window).Inc()
		return nil, &apperr.RateLimitError{
			Window:    window,
			Limit:     int64(limit),
			Current:   res[2],
			Remaining: 0,
		}
	}

	c.recordDurable(ctx, user.ID, now)
	return snapshot(user.Plan, int(res[1]), lim.daily), nil
}

func (c *Controller) recordDurable(ctx context.Context, userID string, now time.Time) {
	if c.durable == nil {
		return
	}
	if _, _, err := c.durable.IncrementDailyUsage(ctx, userID, -1, now); err != nil {
		c.logger.Debug("Failed to update durable usage counters", zap.String("user_id", userID), zap.Error(err))
	}
}

// admitDurable enforces only the daily window.
func (c *Controller) admitDurable(ctx context.Context, user *models.User, dailyLimit int, now time.Time) (*UsageSnapshot, error) {
	if c.durable == nil {
		return nil, errors.New("admission store unavailable")
	}

	current, allowed, err := c.durable.IncrementDailyUsage(ctx, user.ID, dailyLimit, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check durable usage: %w", err)
	}
	metrics.AdmissionDegraded.Inc()

	if !allowed {
		metrics.AdmissionRejected.WithLabelValues("daily").Inc()
		return nil, &apperr.RateLimitError{Window: "daily", Limit: int64(dailyLimit), Current: int64(current)}
	}

	s := snapshot(user.Plan, current, dailyLimit)
	s.Degraded = true
	return s, nil
}

type Stats struct {
	DailyUsage    int               `json:"daily_usage"`
	DailyLimit    int               `json:"daily_limit"`
	Remaining     int               `json:"remaining"`
	LifetimeUsage int               `json:"lifetime_usage"`
	Plan          string            `json:"plan"`
	PlanLimits    config.PlanConfig `json:"plan_limits"`
}

// Stats reports a user's quota position without consuming anything.
func (c *Controller) Stats(ctx context.Context, user *models.User) (*Stats, error) {
	plan, lim, err := c.planFor(user)
	if err != nil {
		return nil, err
	}

	now := c.now()
	used, err := c.rdb.Get(ctx, DailyKey(user.ID, now)).Int()
	switch {
	case errors.Is(err, redis.Nil):
		used = 0
	case err != nil:
		used = user.QueriesUsedToday
		if user.LastQueryReset.UTC().Format(time.DateOnly) != now.UTC().Format(time.DateOnly) {
			used = 0
		}
	}

	s := snapshot(user.Plan, used, lim.daily)
	return &Stats{
		DailyUsage:    used,
		DailyLimit:    lim.daily,
		Remaining:     s.Remaining,
		LifetimeUsage: user.TotalQueriesLifetime,
		Plan:          user.Plan,
		PlanLimits:    plan,
	}, nil
}
