package handlers

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/apperr"
	"github.com/widgetrag/backend/internal/ingestion"
	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/internal/training"
	"github.com/widgetrag/backend/pkg/logger"
)

const maxUploadBytes = 10 << 20

type Trainer interface {
	Start(ctx context.Context, user *models.User, widgetID string, items []ingestion.Item) (*training.Task, error)
	Retrain(ctx context.Context, user *models.User, widgetID string, clearExisting bool) (*training.Task, error)
	Status(ctx context.Context, user *models.User, widgetID string) (*training.Status, error)
	DeleteDocument(ctx context.Context, user *models.User, widgetID, docID string) error
}

type TrainingHandler struct {
	trainer Trainer
}

func NewTrainingHandler(trainer Trainer) *TrainingHandler {
	return &TrainingHandler{trainer: trainer}
}

type startTrainingRequest struct {
	WidgetID string           `json:"widget_id" validate:"required"`
	Items    []ingestion.Item `json:"items" validate:"required,min=1"`
}

func (h *TrainingHandler) Start(c *fiber.Ctx) error {
	var req startTrainingRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	task, err := h.trainer.Start(c.UserContext(), currentUser(c), req.WidgetID, req.Items)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(task)
}

func (h *TrainingHandler) Status(c *fiber.Ctx) error {
	st, err := h.trainer.Status(c.UserContext(), currentUser(c), c.Params("widgetId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(st)
}

func (h *TrainingHandler) Retrain(c *fiber.Ctx) error {
	task, err := h.trainer.Retrain(c.UserContext(), currentUser(c), c.Params("widgetId"), c.QueryBool("clear_existing", false))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(task)
}

func (h *TrainingHandler) DeleteDocument(c *fiber.Ctx) error {
	docID := c.Params("documentId")
	if err := h.trainer.DeleteDocument(c.UserContext(), currentUser(c), c.Query("widget_id"), docID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":     "Document deleted successfully",
		"document_id": docID,
	})
}

// Upload extracts text from a multipart file and trains on it.
func (h *TrainingHandler) Upload(c *fiber.Ctx) error {
	widgetID := c.FormValue("widget_id")
	if widgetID == "" {
		return respondError(c, apperr.NewValidation("widget_id is required"))
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return respondError(c, apperr.NewValidation("file is required"))
	}
	if fh.Size > maxUploadBytes {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "File exceeds maximum size",
		})
	}
	mime := fh.Header.Get(fiber.HeaderContentType)
	if mime != "" && !ingestion.SupportedMime(mime) {
		return respondError(c, apperr.NewValidation("unsupported file type: "+mime))
	}

	f, err := fh.Open()
	if err != nil {
		return respondError(c, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		return respondError(c, err)
	}

	text, err := ingestion.ExtractFile(fh.Filename, mime, data)
	if errors.Is(err, ingestion.ErrUnsupportedFile) {
		return respondError(c, apperr.NewValidation("unsupported file type: "+fh.Filename))
	}
	if err != nil {
		logger.Warn("Failed to extract uploaded file", zap.String("file", fh.Filename), zap.Error(err))
		return respondError(c, apperr.NewValidation("could not read file "+fh.Filename))
	}

	title := c.FormValue("title")
	if strings.TrimSpace(title) == "" {
		title = fh.Filename
	}
	task, err := h.trainer.Start(c.UserContext(), currentUser(c), widgetID, []ingestion.Item{{
		Type:     models.ContentFile,
		Content:  text,
		Title:    title,
		FileType: mime,
		Metadata: map[string]any{"filename": fh.Filename, "size": fh.Size},
	}})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(task)
}
