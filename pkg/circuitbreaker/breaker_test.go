package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func TestBreakerOpensAndRecovers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var transitions []string
	cb := NewCircuitBreaker("test", Config{
		FailureThreshold: 2,
		Timeout:          time.Second,
		Now:              clock.Now,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	fail := func(context.Context) error { return errors.New("down") }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	assert.Error(t, cb.Execute(ctx, fail))
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)

	clock.t = clock.t.Add(2 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCallReturnsValue(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{})
	v, err := Call(context.Background(), cb, func(context.Context) (string, error) { return "hi", nil })
	require.NoError(t, err)
	assert.Equal(t, "hi", v)
}

func TestSetReusesBreakers(t *testing.T) {
	s := NewSet("llm", Config{})
	a := s.Get("phi")
	assert.Same(t, a, s.Get("phi"))
	assert.NotSame(t, a, s.Get("qwen"))
	assert.Equal(t, "llm:phi", a.Name())
}
