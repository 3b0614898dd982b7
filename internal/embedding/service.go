// Package embedding bounds concurrent calls to the embedding model and
// caches query vectors.
package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/widgetrag/backend/internal/llm"
	"github.com/widgetrag/backend/pkg/utils"
)

// Cache stores query embeddings by content hash.
type Cache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

// sharedQueryTimeout bounds a query embedding shared by concurrent callers.
const sharedQueryTimeout = 30 * time.Second

type BatchResult struct {
	Vectors [][]float32
	Err     error
}

type Service struct {
	embedder llm.Embedder
	cache    Cache
	cacheTTL time.Duration
	pool     *ants.Pool
	group    singleflight.Group
	logger   *zap.Logger
}

type Option func(*Service)

// WithCache enables the query embedding cache.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func NewService(embedder llm.Embedder, workers int, opts ...Option) (*Service, error) {
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding pool: %w", err)
	}

	s := &Service{embedder: embedder, pool: pool, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) Release() {
	s.pool.Release()
}

func (s *Service) Dimension() int {
	return s.embedder.Dimension()
}

// run executes fn on the pool and waits for it.
func (s *Service) run(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := s.pool.Submit(func() {
		defer close(done)
		fn()
	}); err != nil {
		return fmt.Errorf("failed to schedule embedding: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) embed(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	var embedErr error
	if err := s.run(ctx, func() {
		vectors, embedErr = s.embedder.Embed(ctx, texts)
	}); err != nil {
		return nil, err
	}
	if embedErr != nil {
		return nil, embedErr
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vectors))
	}
	return vectors, nil
}

// EmbedQuery embeds one query. Identical concurrent queries share a single
// model call.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashString(text)

	if s.cache != nil {
		if v, ok, err := s.cache.GetEmbedding(ctx, key); err != nil {
			s.logger.Debug("Embedding cache read failed", zap.Error(err))
		} else if ok && len(v) == s.embedder.Dimension() {
			return v, nil
		}
	}

	ch := s.group.DoChan(key, func() (any, error) {
		// the call outlives any single waiter
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedQueryTimeout)
		defer cancel()
		vectors, err := s.embed(flightCtx, []string{text})
		if err != nil {
			return nil, err
		}
		return vectors[0], nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	v := res.Val.([]float32)

	if s.cache != nil && !res.Shared {
		if err := s.cache.SetEmbedding(ctx, key, v, s.cacheTTL); err != nil {
			s.logger.Debug("Embedding cache write failed", zap.Error(err))
		}
	}
	return v, nil
}

// EmbedBatches embeds each batch independently on the pool. One result is
// returned per batch, in order; a failed batch does not affect the others.
func (s *Service) EmbedBatches(ctx context.Context, batches [][]string) []BatchResult {
	results := make([]BatchResult, len(batches))
	var wg sync.WaitGroup

	for i, batch := range batches {
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			vectors, err := s.embedder.Embed(ctx, batch)
			if err == nil && len(vectors) != len(batch) {
				err = fmt.Errorf("expected %d embeddings, got %d", len(batch), len(vectors))
			}
			results[i] = BatchResult{Vectors: vectors, Err: err}
		})
		if err != nil {
			wg.Done()
			results[i] = BatchResult{Err: fmt.Errorf("failed to schedule embedding batch: %w", err)}
		}
	}

	wg.Wait()
	return results
}
