// Package fallback runs an ordered list of attempts, each with its own
// timeout, and degrades to a terminal step when every attempt fails.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	ErrStepTimeout = errors.New("step timed out")
	ErrRejected    = errors.New("step result rejected")
	ErrExhausted   = errors.New("all steps failed")
)

type Step[T any] struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) (T, error)
}

// Chain is safe for concurrent use once built.
type Chain[T any] struct {
	Name  string
	Steps []Step[T]
	// Accept validates a step's value; a non-nil error moves on to the next step.
	Accept func(T) error
	// Terminal runs after every step failed. It receives the joined step errors.
	Terminal func(ctx context.Context, cause error) (T, error)
	// Deadline bounds all steps together. Zero means no overall bound.
	Deadline time.Duration
	Logger   *zap.Logger
}

type Attempt struct {
	Step     string
	Err      error
	Duration time.Duration
}

type Outcome[T any] struct {
	Value    T
	Step     string
	Degraded bool
	Attempts []Attempt
	Err      error
}

func (c *Chain[T]) Run(ctx context.Context) Outcome[T] {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	stepsCtx := ctx
	if c.Deadline > 0 {
		var cancel context.CancelFunc
		stepsCtx, cancel = context.WithTimeout(ctx, c.Deadline)
		defer cancel()
	}

	var out Outcome[T]
	var errs []error

	for _, step := range c.Steps {
		if stepsCtx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, stepsCtx.Err()))
			break
		}

		start := time.Now()
		v, err := c.runStep(stepsCtx, step)
		elapsed := time.Since(start)

		if err == nil && c.Accept != nil {
			if rejectErr := c.Accept(v); rejectErr != nil {
				err = fmt.Errorf("%w: %v", ErrRejected, rejectErr)
			}
		}

		out.Attempts = append(out.Attempts, Attempt{Step: step.Name, Err: err, Duration: elapsed})
		if err == nil {
			out.Value = v
			out.Step = step.Name
			return out
		}

		errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
		logger.Warn("Fallback step failed",
			zap.String("chain", c.Name),
			zap.String("step", step.Name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	}

	cause := errors.Join(append([]error{ErrExhausted}, errs...)...)
	out.Degraded = true

	if c.Terminal == nil {
		out.Err = cause
		return out
	}

	v, err := c.Terminal(ctx, cause)
	out.Step = "terminal"
	if err != nil {
		out.Err = errors.Join(cause, err)
		return out
	}
	out.Value = v
	return out
}

func (c *Chain[T]) runStep(ctx context.Context, step Step[T]) (T, error) {
	if step.Timeout <= 0 {
		return step.Run(ctx)
	}

	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	v, err := step.Run(stepCtx)
	if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return v, fmt.Errorf("%w after %s: %w", ErrStepTimeout, step.Timeout, err)
	}
	return v, err
}
