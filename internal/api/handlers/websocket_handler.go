package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/chat"
	"github.com/widgetrag/backend/pkg/logger"
)

type WebSocketHandler struct {
	chat ChatProcessor
}

func NewWebSocketHandler(processor ChatProcessor) *WebSocketHandler {
	return &WebSocketHandler{chat: processor}
}

// Upgrade rejects non-websocket requests and remembers the api_key query
// parameter for messages that do not carry their own.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals("api_key", c.Query("api_key"))
	return c.Next()
}

type wsMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	APIKey    string `json:"api_key"`
	SessionID string `json:"session_id"`
	WidgetID  string `json:"widget_id"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Debug("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Debug("WebSocket connection closed")
	}()

	apiKey, _ := c.Locals("api_key").(string)
	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}
		if msg.Type != "chat" {
			continue
		}
		if msg.APIKey == "" {
			msg.APIKey = apiKey
		}

		if err := h.streamResponse(c, msg); err != nil {
			logger.Warn("Failed to stream response", zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) streamResponse(c *websocket.Conn, msg wsMessage) error {
	req := chat.Request{
		APIKey:    msg.APIKey,
		Message:   msg.Message,
		SessionID: msg.SessionID,
		WidgetID:  msg.WidgetID,
	}
	if err := validateStruct(req); err != nil {
		return h.sendError(c, err.Error())
	}

	if err := h.send(c, "status", "Thinking..."); err != nil {
		return err
	}

	resp, err := h.chat.Process(context.Background(), req)
	if err != nil {
		if clientError(err) {
			return h.sendError(c, err.Error())
		}
		logger.Error("Failed to process chat", zap.Error(err))
		return h.sendError(c, chat.ApologyResponse)
	}

	words := strings.Fields(resp.Response)
	for i, word := range words {
		if i < len(words)-1 {
			word += " "
		}
		if err := h.send(c, "chunk", word); err != nil {
			return err
		}
	}

	return c.WriteJSON(fiber.Map{
		"type":             "complete",
		"response":         resp.Response,
		"session_id":       resp.SessionID,
		"usage_info":       resp.UsageInfo,
		"context_sources":  resp.ContextSources,
		"cached":           resp.Cached,
		"response_time_ms": resp.ResponseTimeMs,
	})
}

func (h *WebSocketHandler) send(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(fiber.Map{"type": msgType, "content": content})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) error {
	return c.WriteJSON(fiber.Map{"type": "error", "error": errorMsg})
}
