package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/internal/widgets"
)

type WidgetManager interface {
	Create(ctx context.Context, user *models.User, s widgets.Settings) (*models.Widget, error)
	Get(ctx context.Context, user *models.User, widgetID string) (*models.Widget, error)
	List(ctx context.Context, user *models.User) ([]models.Widget, error)
	Update(ctx context.Context, user *models.User, widgetID string, s widgets.Settings) (*models.Widget, error)
	Disable(ctx context.Context, user *models.User, widgetID string) error
	Stats(ctx context.Context, user *models.User, widgetID string) (*widgets.Stats, error)
}

type WidgetHandler struct {
	widgets WidgetManager
}

func NewWidgetHandler(manager WidgetManager) *WidgetHandler {
	return &WidgetHandler{widgets: manager}
}

type widgetView struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"`
	Description      string                `json:"description,omitempty"`
	SystemPrompt     string                `json:"system_prompt"`
	Temperature      float32               `json:"temperature"`
	MaxTokens        int                   `json:"max_tokens"`
	SearchThreshold  float64               `json:"search_threshold"`
	Theme            models.WidgetTheme    `json:"theme"`
	IsActive         bool                  `json:"is_active"`
	TrainingStatus   models.TrainingStatus `json:"training_status"`
	TotalDocuments   int                   `json:"total_documents"`
	TotalChunks      int                   `json:"total_chunks"`
	LastTrainingDate *time.Time            `json:"last_training_date,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

func viewOf(w *models.Widget) widgetView {
	return widgetView{
		ID:               w.ID,
		Name:             w.Name,
		Description:      w.Description,
		SystemPrompt:     w.SystemPrompt,
		Temperature:      w.Temperature,
		MaxTokens:        w.MaxTokens,
		SearchThreshold:  w.SearchThreshold,
		Theme:            w.Theme,
		IsActive:         w.IsActive,
		TrainingStatus:   w.TrainingStatus,
		TotalDocuments:   w.TotalDocuments,
		TotalChunks:      w.TotalChunks,
		LastTrainingDate: w.LastTrainingDate,
		CreatedAt:        w.CreatedAt,
		UpdatedAt:        w.UpdatedAt,
	}
}

func (h *WidgetHandler) List(c *fiber.Ctx) error {
	list, err := h.widgets.List(c.UserContext(), currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	views := make([]widgetView, len(list))
	for i := range list {
		views[i] = viewOf(&list[i])
	}
	return c.JSON(fiber.Map{"widgets": views})
}

func (h *WidgetHandler) Create(c *fiber.Ctx) error {
	var s widgets.Settings
	if err := parseBody(c, &s); err != nil {
		return respondError(c, err)
	}
	w, err := h.widgets.Create(c.UserContext(), currentUser(c), s)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(viewOf(w))
}

func (h *WidgetHandler) Get(c *fiber.Ctx) error {
	w, err := h.widgets.Get(c.UserContext(), currentUser(c), c.Params("widgetId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(viewOf(w))
}

func (h *WidgetHandler) Update(c *fiber.Ctx) error {
	var s widgets.Settings
	if err := parseBody(c, &s); err != nil {
		return respondError(c, err)
	}
	w, err := h.widgets.Update(c.UserContext(), currentUser(c), c.Params("widgetId"), s)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(viewOf(w))
}

func (h *WidgetHandler) Disable(c *fiber.Ctx) error {
	if err := h.widgets.Disable(c.UserContext(), currentUser(c), c.Params("widgetId")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *WidgetHandler) Stats(c *fiber.Ctx) error {
	st, err := h.widgets.Stats(c.UserContext(), currentUser(c), c.Params("widgetId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(st)
}
