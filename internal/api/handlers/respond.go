package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/apperr"
	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/pkg/logger"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// parseBody decodes and validates a JSON request body.
func parseBody(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return apperr.NewValidation("Invalid request body")
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.NewValidation(err.Error())
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, fieldProblem(fe))
	}
	return apperr.NewValidation(problems...)
}

func fieldProblem(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s is out of range", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// respondError maps service errors onto HTTP statuses.
func respondError(c *fiber.Ctx, err error) error {
	var verr *apperr.ValidationError
	var rl *apperr.RateLimitError

	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Validation failed",
			"details": verr.Problems,
		})
	case errors.Is(err, apperr.ErrUnauthorized):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, apperr.ErrSubscription):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &rl):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":     rl.Error(),
			"window":    rl.Window,
			"limit":     rl.Limit,
			"current":   rl.Current,
			"remaining": rl.Remaining,
		})
	case errors.Is(err, apperr.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, apperr.ErrTrainingInProgress):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "Request timed out"})
	}

	logger.Error("Request failed",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Error(err),
	)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
}

type UserLookup interface {
	GetUserByAPIKey(ctx context.Context, apiKey string) (*models.User, error)
}

const userKey = "user"

// APIKey returns the key sent in X-API-Key or an Authorization bearer.
func APIKey(c *fiber.Ctx) string {
	if key := c.Get("X-API-Key"); key != "" {
		return key
	}
	auth := c.Get(fiber.HeaderAuthorization)
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// RequireUser authenticates management requests by API key.
func RequireUser(users UserLookup) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := APIKey(c)
		if key == "" {
			return respondError(c, apperr.ErrUnauthorized)
		}
		user, err := users.GetUserByAPIKey(c.UserContext(), key)
		if errors.Is(err, apperr.ErrNotFound) {
			return respondError(c, apperr.ErrUnauthorized)
		}
		if err != nil {
			return respondError(c, err)
		}
		if !user.IsActive {
			return respondError(c, apperr.ErrUnauthorized)
		}
		c.Locals(userKey, user)
		return c.Next()
	}
}

func currentUser(c *fiber.Ctx) *models.User {
	u, _ := c.Locals(userKey).(*models.User)
	return u
}
