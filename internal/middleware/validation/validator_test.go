package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{ChatPaths: []string{"/api/v1/chat"}}))
	app.Post("/api/v1/chat", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Post("/api/v1/widgets", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func post(t *testing.T, app *fiber.App, path, contentType, body string) int {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestChatMessageScreening(t *testing.T) {
	app := newApp()

	assert.Equal(t, fiber.StatusOK, post(t, app, "/api/v1/chat", "application/json", `{"message":"What does the pro plan include?"}`))
	assert.Equal(t, fiber.StatusBadRequest, post(t, app, "/api/v1/chat", "application/json", `{"message":"<script>alert(1)</script>"}`))
	assert.Equal(t, fiber.StatusBadRequest, post(t, app, "/api/v1/chat", "application/json", `{"message":"`+strings.Repeat("é", 1001)+`"}`))
	assert.Equal(t, fiber.StatusBadRequest, post(t, app, "/api/v1/chat", "application/json", `{"message":`))
}

func TestContentTypeGate(t *testing.T) {
	app := newApp()

	assert.Equal(t, fiber.StatusUnsupportedMediaType, post(t, app, "/api/v1/widgets", "text/xml", `<w/>`))
	assert.Equal(t, fiber.StatusOK, post(t, app, "/api/v1/widgets", "application/json", `{"name":"<b>x</b>"}`))
}
