package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/admission"
	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/internal/usage"
	"github.com/widgetrag/backend/pkg/logger"
)

const maxAnalyticsDays = 7

type QuotaReporter interface {
	Stats(ctx context.Context, user *models.User) (*admission.Stats, error)
}

type WidgetGetter interface {
	Get(ctx context.Context, user *models.User, widgetID string) (*models.Widget, error)
}

type UsageHandler struct {
	quota   QuotaReporter
	widgets WidgetGetter
	rdb     *redis.Client
}

func NewUsageHandler(quota QuotaReporter, widgets WidgetGetter, rdb *redis.Client) *UsageHandler {
	return &UsageHandler{quota: quota, widgets: widgets, rdb: rdb}
}

// GetUsage reports the caller's quota. With widget_id it adds that widget's
// daily analytics for up to a week.
func (h *UsageHandler) GetUsage(c *fiber.Ctx) error {
	user := currentUser(c)
	stats, err := h.quota.Stats(c.UserContext(), user)
	if err != nil {
		return respondError(c, err)
	}

	out := fiber.Map{"usage": stats}

	widgetID := c.Query("widget_id")
	if widgetID == "" {
		return c.JSON(out)
	}
	if _, err := h.widgets.Get(c.UserContext(), user, widgetID); err != nil {
		return respondError(c, err)
	}

	days := c.QueryInt("days", maxAnalyticsDays)
	days = min(max(days, 1), maxAnalyticsDays)

	daily, err := usage.DailyAnalytics(c.UserContext(), h.rdb, widgetID, time.Now(), days)
	if err != nil {
		logger.Warn("Failed to read widget analytics", zap.String("widget_id", widgetID), zap.Error(err))
		return c.JSON(out)
	}
	samples, err := usage.RecentResponseTimes(c.UserContext(), h.rdb, widgetID)
	if err != nil {
		logger.Warn("Failed to read response times", zap.String("widget_id", widgetID), zap.Error(err))
	}
	out["analytics"] = daily
	out["recent_response_times_ms"] = samples
	return c.JSON(out)
}
