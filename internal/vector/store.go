// Package vector defines the contract between the RAG pipeline and a
// similarity-search backend. Each widget's chunks live in their own
// namespace.
package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Metadata is attached to every chunk. Extra carries caller-supplied fields
// that have no typed home.
type Metadata struct {
	DocumentID  string         `json:"documentId"`
	WidgetID    string         `json:"widgetId"`
	ContentType string         `json:"contentType"`
	Title       string         `json:"title"`
	ChunkIndex  int            `json:"chunkIndex"`
	SourceURL   string         `json:"sourceUrl,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	Extra       map[string]any `json:"extra,omitempty"`
}

func (m Metadata) ExtraJSON() (string, error) {
	if len(m.Extra) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m.Extra)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chunk metadata: %w", err)
	}
	return string(b), nil
}

func ParseExtra(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var extra map[string]any
	if err := json.Unmarshal([]byte(s), &extra); err != nil {
		return nil
	}
	return extra
}

type Record struct {
	ID        string
	Embedding []float32
	Text      string
	Metadata  Metadata
}

type Match struct {
	ID       string
	Score    float64
	Text     string
	Metadata Metadata
}

type Store interface {
	Upsert(ctx context.Context, namespace string, records []Record) error
	Query(ctx context.Context, namespace string, embedding []float32, topK int) ([]Match, error)
	DeleteByDocument(ctx context.Context, namespace, documentID string) error
	DeleteNamespace(ctx context.Context, namespace string) error
	Count(ctx context.Context, namespace string) (int64, error)
}

// ChunkID is stable across re-ingestion so upserts replace older copies.
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s_chunk_%d", documentID, index)
}
