package vector

import (
	"context"
	"errors"
	"fmt"

	"github.com/widgetrag/backend/internal/apperr"
	"github.com/widgetrag/backend/pkg/circuitbreaker"
	"github.com/widgetrag/backend/pkg/retry"
)

// Resilient guards a Store with a circuit breaker and retries writes.
// Queries are not retried: the caller has a lexical fallback and a latency
// budget. Every error it returns wraps apperr.ErrVectorStore.
type Resilient struct {
	store   Store
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
}

func NewResilient(store Store, breaker *circuitbreaker.CircuitBreaker, retryCfg retry.Config) *Resilient {
	return &Resilient{store: store, breaker: breaker, retry: retryCfg}
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", apperr.ErrVectorStore, err)
}

func (r *Resilient) write(ctx context.Context, op func(ctx context.Context) error) error {
	return wrap(retry.Do(ctx, r.retry, func(ctx context.Context) error {
		err := r.breaker.Execute(ctx, op)
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return retry.Stop(err)
		}
		return err
	}))
}

func (r *Resilient) Upsert(ctx context.Context, namespace string, records []Record) error {
	return r.write(ctx, func(ctx context.Context) error {
		return r.store.Upsert(ctx, namespace, records)
	})
}

func (r *Resilient) Query(ctx context.Context, namespace string, embedding []float32, topK int) ([]Match, error) {
	matches, err := circuitbreaker.Call(ctx, r.breaker, func(ctx context.Context) ([]Match, error) {
		return r.store.Query(ctx, namespace, embedding, topK)
	})
	return matches, wrap(err)
}

func (r *Resilient) DeleteByDocument(ctx context.Context, namespace, documentID string) error {
	return r.write(ctx, func(ctx context.Context) error {
		return r.store.DeleteByDocument(ctx, namespace, documentID)
	})
}

func (r *Resilient) DeleteNamespace(ctx context.Context, namespace string) error {
	return r.write(ctx, func(ctx context.Context) error {
		return r.store.DeleteNamespace(ctx, namespace)
	})
}

func (r *Resilient) Count(ctx context.Context, namespace string) (int64, error) {
	n, err := circuitbreaker.Call(ctx, r.breaker, func(ctx context.Context) (int64, error) {
		return r.store.Count(ctx, namespace)
	})
	return n, wrap(err)
}
