// Package widgets manages the chat widgets a user embeds on their site.
package widgets

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/apperr"
	rediscache "github.com/widgetrag/backend/internal/cache/redis"
	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/internal/storage/sqlite"
	"github.com/widgetrag/backend/pkg/config"
)

type Store interface {
	CreateWidget(ctx context.Context, w *models.Widget) error
	GetWidget(ctx context.Context, userID, widgetID string) (*models.Widget, error)
	ListWidgets(ctx context.Context, userID string) ([]models.Widget, error)
	CountActiveWidgets(ctx context.Context, userID string) (int, error)
	UpdateWidgetSettings(ctx context.Context, w *models.Widget) error
	CountDocuments(ctx context.Context, widgetID string) (sqlite.DocumentCounts, error)
}

type Cache interface {
	Invalidate(ctx context.Context, widgetID string) error
	Stats(ctx context.Context, widgetID string) rediscache.CacheStats
}

type VectorCounter interface {
	Count(ctx context.Context, namespace string) (int64, error)
}

// Settings is a partial update; nil fields are left unchanged.
type Settings struct {
	Name            *string             `json:"name" validate:"omitempty,min=1,max=100"`
	Description     *string             `json:"description" validate:"omitempty,max=500"`
	SystemPrompt    *string             `json:"system_prompt" validate:"omitempty,max=4000"`
	Temperature     *float32            `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens       *int                `json:"max_tokens" validate:"omitempty,gte=1,lte=4096"`
	SearchThreshold *float64            `json:"search_threshold" validate:"omitempty,gte=0,lte=1"`
	Theme           *models.WidgetTheme `json:"theme"`
}

type Stats struct {
	WidgetID           string                `json:"widget_id"`
	TrainingStatus     models.TrainingStatus `json:"training_status"`
	TotalDocuments     int                   `json:"total_documents"`
	ProcessedDocuments int                   `json:"processed_documents"`
	TotalChunks        int                   `json:"total_chunks"`
	VectorCount        int64                 `json:"vector_count"`
	Cache              rediscache.CacheStats `json:"cache"`
	LastTrainingDate   *time.Time            `json:"last_training_date,omitempty"`
}

type Service struct {
	store   Store
	cache   Cache
	vectors VectorCounter
	plans   map[string]config.PlanConfig
	logger  *zap.Logger
}

func NewService(store Store, cache Cache, vectors VectorCounter, plans map[string]config.PlanConfig, logger *zap.Logger) *Service {
	return &Service{store: store, cache: cache, vectors: vectors, plans: plans, logger: logger}
}

// Create adds a widget with default settings overlaid by s. The plan's
// widget allowance counts active widgets only.
func (s *Service) Create(ctx context.Context, user *models.User, settings Settings) (*models.Widget, error) {
	if settings.Name == nil || strings.TrimSpace(*settings.Name) == "" {
		return nil, apperr.NewValidation("widget name is required")
	}

	plan, ok := s.plans[user.Plan]
	if !ok {
		return nil, apperr.Subscription("unknown plan %q", user.Plan)
	}
	if plan.MaxWidgets >= 0 {
		n, err := s.store.CountActiveWidgets(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if n >= plan.MaxWidgets {
			return nil, apperr.Subscription("plan %s allows at most %d widgets", user.Plan, plan.MaxWidgets)
		}
	}

	w := models.DefaultWidget(user.ID, strings.TrimSpace(*settings.Name))
	w.ID = uuid.NewString()
	apply(&w, settings)
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now

	if err := s.store.CreateWidget(ctx, &w); err != nil {
		return nil, err
	}
	s.logger.Info("Widget created",
		zap.String("widget_id", w.ID),
		zap.String("user_id", user.ID),
		zap.String("namespace", w.Namespace()),
	)
	return &w, nil
}

func (s *Service) Get(ctx context.Context, user *models.User, widgetID string) (*models.Widget, error) {
	return s.store.GetWidget(ctx, user.ID, widgetID)
}

func (s *Service) List(ctx context.Context, user *models.User) ([]models.Widget, error) {
	widgets, err := s.store.ListWidgets(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if widgets == nil {
		widgets = []models.Widget{}
	}
	return widgets, nil
}

// Update applies a settings patch. Cached answers were produced under the
// old settings, so they are dropped.
func (s *Service) Update(ctx context.Context, user *models.User, widgetID string, settings Settings) (*models.Widget, error) {
	w, err := s.store.GetWidget(ctx, user.ID, widgetID)
	if err != nil {
		return nil, err
	}
	if settings.Name != nil && strings.TrimSpace(*settings.Name) == "" {
		return nil, apperr.NewValidation("widget name must not be empty")
	}
	apply(w, settings)
	if err := s.store.UpdateWidgetSettings(ctx, w); err != nil {
		return nil, err
	}
	s.invalidate(ctx, w.ID)
	return w, nil
}

// Disable deactivates a widget. Its documents and vectors are kept.
func (s *Service) Disable(ctx context.Context, user *models.User, widgetID string) error {
	w, err := s.store.GetWidget(ctx, user.ID, widgetID)
	if err != nil {
		return err
	}
	if !w.IsActive {
		return nil
	}
	w.IsActive = false
	if err := s.store.UpdateWidgetSettings(ctx, w); err != nil {
		return err
	}
	s.invalidate(ctx, w.ID)
	s.logger.Info("Widget disabled", zap.String("widget_id", w.ID), zap.String("user_id", user.ID))
	return nil
}

func (s *Service) Stats(ctx context.Context, user *models.User, widgetID string) (*Stats, error) {
	w, err := s.store.GetWidget(ctx, user.ID, widgetID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountDocuments(ctx, w.ID)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		WidgetID:           w.ID,
		TrainingStatus:     w.TrainingStatus,
		TotalDocuments:     counts.Total,
		ProcessedDocuments: counts.Processed,
		TotalChunks:        counts.Chunks,
		LastTrainingDate:   w.LastTrainingDate,
	}
	if s.cache != nil {
		st.Cache = s.cache.Stats(ctx, w.ID)
	}
	if s.vectors != nil {
		n, err := s.vectors.Count(ctx, w.Namespace())
		if err != nil {
			// stats stay useful without the vector count
			s.logger.Warn("Failed to count widget vectors", zap.String("widget_id", w.ID), zap.Error(err))
		}
		st.VectorCount = n
	}
	return st, nil
}

func (s *Service) invalidate(ctx context.Context, widgetID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, widgetID); err != nil {
		s.logger.Warn("Failed to invalidate widget cache", zap.String("widget_id", widgetID), zap.Error(err))
	}
}

func apply(w *models.Widget, s Settings) {
	if s.Name != nil {
		w.Name = strings.TrimSpace(*s.Name)
	}
	if s.Description != nil {
		w.Description = *s.Description
	}
	if s.SystemPrompt != nil && strings.TrimSpace(*s.SystemPrompt) != "" {
		w.SystemPrompt = *s.SystemPrompt
	}
	if s.Temperature != nil {
		w.Temperature = *s.Temperature
	}
	if s.MaxTokens != nil {
		w.MaxTokens = *s.MaxTokens
	}
	if s.SearchThreshold != nil {
		w.SearchThreshold = *s.SearchThreshold
	}
	if s.Theme != nil {
		w.Theme = *s.Theme
	}
}

