// Package api assembles the HTTP surface.
package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/widgetrag/backend/internal/api/handlers"
)

const ChatPath = "/api/v1/chat"

type Routes struct {
	Users     handlers.UserLookup
	Chat      *handlers.ChatHandler
	WebSocket *handlers.WebSocketHandler
	Training  *handlers.TrainingHandler
	Widgets   *handlers.WidgetHandler
	Usage     *handlers.UsageHandler
	Health    *handlers.HealthHandler
	Metrics   fiber.Handler
}

// Register mounts every route on app. Chat endpoints authenticate per
// message; everything else requires an API key header.
func Register(app *fiber.App, r Routes) {
	if r.Metrics != nil {
		app.Get("/metrics", r.Metrics)
	}

	v1 := app.Group("/api/v1")
	v1.Get("/health", r.Health.Health)
	v1.Get("/ready", r.Health.Ready)

	v1.Post("/chat", r.Chat.HandleChat)
	if r.WebSocket != nil {
		v1.Get("/chat/ws", r.WebSocket.Upgrade, websocket.New(r.WebSocket.HandleConnection))
	}

	auth := handlers.RequireUser(r.Users)

	training := v1.Group("/training", auth)
	training.Post("/start", r.Training.Start)
	training.Post("/upload", r.Training.Upload)
	training.Get("/status/:widgetId", r.Training.Status)
	training.Post("/retrain/:widgetId", r.Training.Retrain)
	training.Delete("/document/:documentId", r.Training.DeleteDocument)

	widgets := v1.Group("/widgets", auth)
	widgets.Get("/", r.Widgets.List)
	widgets.Post("/", r.Widgets.Create)
	widgets.Get("/:widgetId", r.Widgets.Get)
	widgets.Put("/:widgetId", r.Widgets.Update)
	widgets.Delete("/:widgetId", r.Widgets.Disable)
	widgets.Get("/:widgetId/stats", r.Widgets.Stats)

	v1.Get("/usage", auth, r.Usage.GetUsage)
}
