// Package memory is an in-process vector store for local development and
// tests.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/widgetrag/backend/internal/vector"
)

type Store struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]vector.Record
}

func NewStore() *Store {
	return &Store{namespaces: make(map[string]map[string]vector.Record)}
}

func (s *Store) Upsert(_ context.Context, namespace string, records []vector.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[namespace]
	if !ok {
		ns = make(map[string]vector.Record)
		s.namespaces[namespace] = ns
	}
	for _, r := range records {
		if len(r.Embedding) == 0 {
			return fmt.Errorf("record %s has no embedding", r.ID)
		}
		ns[r.ID] = r
	}
	return nil
}

func (s *Store) Query(_ context.Context, namespace string, embedding []float32, topK int) ([]vector.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []vector.Match
	for _, r := range s.namespaces[namespace] {
		matches = append(matches, vector.Match{
			ID:       r.ID,
			Score:    cosine(embedding, r.Embedding),
			Text:     r.Text,
			Metadata: r.Metadata,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if topK >= 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *Store) DeleteByDocument(_ context.Context, namespace, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.namespaces[namespace] {
		if r.Metadata.DocumentID == documentID {
			delete(s.namespaces[namespace], id)
		}
	}
	return nil
}

func (s *Store) DeleteNamespace(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.namespaces, namespace)
	return nil
}

func (s *Store) Count(_ context.Context, namespace string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.namespaces[namespace])), nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
