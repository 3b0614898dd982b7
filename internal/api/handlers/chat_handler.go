package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/apperr"
	"github.com/widgetrag/backend/internal/chat"
	"github.com/widgetrag/backend/pkg/logger"
)

type ChatProcessor interface {
	Process(ctx context.Context, req chat.Request) (*chat.Response, error)
}

type ChatHandler struct {
	chat ChatProcessor
}

func NewChatHandler(processor ChatProcessor) *ChatHandler {
	return &ChatHandler{chat: processor}
}

func (h *ChatHandler) HandleChat(c *fiber.Ctx) error {
	var req chat.Request
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return respondError(c, apperr.NewValidation("Invalid request body"))
	}
	if req.APIKey == "" {
		req.APIKey = APIKey(c)
	}
	if err := validateStruct(req); err != nil {
		return respondError(c, err)
	}

	resp, err := h.chat.Process(c.UserContext(), req)
	if err != nil {
		if clientError(err) {
			return respondError(c, err)
		}
		logger.Error("Failed to process chat", zap.Error(err))
		return c.JSON(chat.Response{Response: chat.ApologyResponse, SessionID: req.SessionID})
	}
	return c.JSON(resp)
}

// clientError reports errors the caller can act on. Anything else is
// answered with an apology.
func clientError(err error) bool {
	return apperr.IsValidation(err) ||
		apperr.IsRateLimit(err) ||
		errors.Is(err, apperr.ErrUnauthorized) ||
		errors.Is(err, apperr.ErrSubscription)
}
