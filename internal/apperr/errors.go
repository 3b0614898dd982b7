package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnauthorized       = errors.New("invalid API key or inactive subscription")
	ErrSubscription       = errors.New("subscription does not allow this operation")
	ErrNotFound           = errors.New("not found")
	ErrTrainingInProgress = errors.New("training already in progress")
	ErrLeaseLost          = errors.New("training lease held by another run")
	ErrVectorStore        = errors.New("vector store unavailable")
	ErrLLM                = errors.New("language model unavailable")
	ErrTraining           = errors.New("training failed")
)

// ValidationError carries every problem found in a request so the caller
// can fix the batch in one go.
type ValidationError struct {
	Problems []string
}

func NewValidation(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

type RateLimitError struct {
	Window    string
	Limit     int64
	Current   int64
	Remaining int64
}

func (e *RateLimitError) Error() string {
	if e.Window == "daily" {
		return fmt.Sprintf("Daily query limit (%d) exceeded. Upgrade your plan for more queries.", e.Limit)
	}
	return "Too many requests. Please slow down."
}

// SubscriptionError wraps ErrSubscription with a reason.
func Subscription(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSubscription, fmt.Sprintf(format, args...))
}

func NotFound(what string) error {
	return fmt.Errorf("%s: %w", what, ErrNotFound)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsRateLimit(err error) bool {
	var r *RateLimitError
	return errors.As(err, &r)
}
