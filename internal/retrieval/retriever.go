// Package retrieval finds the context passages for a question. Vector
// search is the primary path; a lexical scan of the widget's stored
// documents takes over only when vector search fails.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/metrics"
	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/internal/vector"
	"github.com/widgetrag/backend/pkg/fallback"
)

const (
	MethodVector  = "vector"
	MethodKeyword = "keyword"

	keywordTopK      = 3
	keywordNormalize = 10.0
)

// Document is a retrieved passage. Both search paths produce this shape.
type Document struct {
	Content  string          `json:"content"`
	Score    float64         `json:"score"`
	Metadata vector.Metadata `json:"metadata"`
}

type Request struct {
	Namespace string
	WidgetID  string
	Query     string
	TopK      int
	Threshold float64
}

type Result struct {
	Documents []Document
	Method    string
	// Err is set when both paths failed; Documents is then empty.
	Err error
}

type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type DocumentSource interface {
	ListDocuments(ctx context.Context, widgetID string, processedOnly bool) ([]models.TrainingDocument, error)
}

type Retriever struct {
	embedder      QueryEmbedder
	store         vector.Store
	documents     DocumentSource
	vectorTimeout time.Duration
	logger        *zap.Logger
}

func NewRetriever(embedder QueryEmbedder, store vector.Store, documents DocumentSource, vectorTimeout time.Duration, logger *zap.Logger) *Retriever {
	return &Retriever{
		embedder:      embedder,
		store:         store,
		documents:     documents,
		vectorTimeout: vectorTimeout,
		logger:        logger,
	}
}

func (r *Retriever) Retrieve(ctx context.Context, req Request) Result {
	chain := &fallback.Chain[[]Document]{
		Name: "retrieval",
		Steps: []fallback.Step[[]Document]{
			{
				Name:    MethodVector,
				Timeout: r.vectorTimeout,
				Run: func(ctx context.Context) ([]Document, error) {
					return r.vectorSearch(ctx, req)
				},
			},
		},
		Terminal: func(ctx context.Context, cause error) ([]Document, error) {
			r.logger.Warn("Vector search failed, using keyword search",
				zap.String("widget_id", req.WidgetID),
				zap.Error(cause),
			)
			return r.keywordSearch(ctx, req)
		},
		Logger: r.logger,
	}

	out := chain.Run(ctx)
	method := MethodVector
	if out.Degraded {
		method = MethodKeyword
	}

	metrics.RetrievalTotal.WithLabelValues(method).Inc()
	metrics.RetrievalResults.Observe(float64(len(out.Value)))

	return Result{Documents: out.Value, Method: method, Err: out.Err}
}

func (r *Retriever) vectorSearch(ctx context.Context, req Request) ([]Document, error) {
	embedding, err := r.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	matches, err := r.store.Query(ctx, req.Namespace, embedding, req.TopK)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(matches))
	for _, m := range matches {
		if m.Score < req.Threshold {
			continue
		}
		docs = append(docs, Document{Content: m.Text, Score: m.Score, Metadata: m.Metadata})
		if len(docs) == req.TopK {
			break
		}
	}
	return docs, nil
}

type scored struct {
	doc   models.TrainingDocument
	count int
}

// keywordSearch counts occurrences of each query word in every processed
// document and keeps the three best.
func (r *Retriever) keywordSearch(ctx context.Context, req Request) ([]Document, error) {
	stored, err := r.documents.ListDocuments(ctx, req.WidgetID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents for keyword search: %w", err)
	}

	words := strings.Fields(strings.ToLower(req.Query))
	if len(words) == 0 {
		return nil, nil
	}

	var hits []scored
	for _, d := range stored {
		content := strings.ToLower(d.Content)
		count := 0
		for _, w := range words {
			count += strings.Count(content, w)
		}
		if count > 0 {
			hits = append(hits, scored{doc: d, count: count})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].count > hits[j].count })
	if len(hits) > keywordTopK {
		hits = hits[:keywordTopK]
	}

	docs := make([]Document, 0, len(hits))
	for _, h := range hits {
		docs = append(docs, Document{
			Content: h.doc.Content,
			Score:   min(1.0, float64(h.count)/keywordNormalize),
			Metadata: vector.Metadata{
				DocumentID:  h.doc.ID,
				WidgetID:    h.doc.WidgetID,
				ContentType: string(h.doc.ContentType),
				Title:       h.doc.Title,
				SourceURL:   h.doc.SourceURL,
				CreatedAt:   h.doc.CreatedAt,
			},
		})
	}
	return docs, nil
}
