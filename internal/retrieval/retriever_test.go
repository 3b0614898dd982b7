package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/internal/vector"
	"github.com/widgetrag/backend/internal/vector/memory"
)

type fixedEmbedder struct {
	vec []float32
	err error
}

func (f fixedEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

type failingStore struct{ vector.Store }

func (failingStore) Query(context.Context, string, []float32, int) ([]vector.Match, error) {
	return nil, errors.New("vector service unavailable")
}

type docList []models.TrainingDocument

func (d docList) ListDocuments(context.Context, string, bool) ([]models.TrainingDocument, error) {
	return d, nil
}

var storedDocs = docList{
	{ID: "d1", WidgetID: "w1", Title: "Pricing", ContentType: models.ContentText,
		Content: "Pricing: the starter plan price is low. Price changes yearly."},
	{ID: "d2", WidgetID: "w1", Title: "Features", ContentType: models.ContentText,
		Content: "Features include search and chat."},
	{ID: "d3", WidgetID: "w1", Title: "Price FAQ", ContentType: models.ContentFAQ,
		Content: "Q: What is the price?\nA: See pricing."},
	{ID: "d4", WidgetID: "w1", Title: "About", ContentType: models.ContentText,
		Content: "We are a small team."},
}

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.NewStore()
	require.NoError(t, s.Upsert(context.Background(), "ns", []vector.Record{
		{ID: "a", Embedding: []float32{1, 0}, Text: "exact", Metadata: vector.Metadata{DocumentID: "d1", Title: "Pricing"}},
		{ID: "b", Embedding: []float32{0.8, 0.6}, Text: "close", Metadata: vector.Metadata{DocumentID: "d2"}},
		{ID: "c", Embedding: []float32{0, 1}, Text: "far", Metadata: vector.Metadata{DocumentID: "d3"}},
	}))
	return s
}

func request() Request {
	return Request{Namespace: "ns", WidgetID: "w1", Query: "price", TopK: 4, Threshold: 0.7}
}

func TestRetrieveVectorAppliesThreshold(t *testing.T) {
	r := NewRetriever(fixedEmbedder{vec: []float32{1, 0}}, seededStore(t), storedDocs, time.Second, zap.NewNop())

	res := r.Retrieve(context.Background(), request())
	require.NoError(t, res.Err)
	assert.Equal(t, MethodVector, res.Method)
	require.Len(t, res.Documents, 2)
	assert.Equal(t, "exact", res.Documents[0].Content)
	assert.Equal(t, "Pricing", res.Documents[0].Metadata.Title)
	assert.InDelta(t, 0.8, res.Documents[1].Score, 1e-6)
}

func TestRetrieveEmptyVectorResultDoesNotFallBack(t *testing.T) {
	r := NewRetriever(fixedEmbedder{vec: []float32{-1, 0}}, seededStore(t), storedDocs, time.Second, zap.NewNop())

	res := r.Retrieve(context.Background(), request())
	assert.Equal(t, MethodVector, res.Method)
	assert.Empty(t, res.Documents)
}

func TestRetrieveFallsBackToKeywordOnError(t *testing.T) {
	r := NewRetriever(fixedEmbedder{vec: []float32{1, 0}}, failingStore{}, storedDocs, time.Second, zap.NewNop())

	res := r.Retrieve(context.Background(), request())
	require.NoError(t, res.Err)
	assert.Equal(t, MethodKeyword, res.Method)

	require.Len(t, res.Documents, 2)
	// d1 contains "price" twice, d3 once.
	assert.Equal(t, "d1", res.Documents[0].Metadata.DocumentID)
	assert.InDelta(t, 0.2, res.Documents[0].Score, 1e-9)
	assert.Equal(t, "Pricing", res.Documents[0].Metadata.Title)
	assert.Equal(t, "text", res.Documents[0].Metadata.ContentType)
	assert.Equal(t, "d3", res.Documents[1].Metadata.DocumentID)
	assert.GreaterOrEqual(t, res.Documents[0].Score, res.Documents[1].Score)
}

func TestRetrieveFallsBackWhenEmbeddingFails(t *testing.T) {
	r := NewRetriever(fixedEmbedder{err: errors.New("model down")}, seededStore(t), storedDocs, time.Second, zap.NewNop())

	res := r.Retrieve(context.Background(), Request{Namespace: "ns", WidgetID: "w1", Query: "the", TopK: 4})
	assert.Equal(t, MethodKeyword, res.Method)
	assert.LessOrEqual(t, len(res.Documents), 3)
	for _, d := range res.Documents {
		assert.LessOrEqual(t, d.Score, 1.0)
	}
}
