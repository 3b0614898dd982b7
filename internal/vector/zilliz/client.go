package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/widgetrag/backend/internal/vector"
	"github.com/widgetrag/backend/pkg/logger"
)

const (
	fieldID          = "chunk_id"
	fieldEmbedding   = "embedding"
	fieldNamespace   = "namespace"
	fieldDocumentID  = "document_id"
	fieldWidgetID    = "widget_id"
	fieldContentType = "content_type"
	fieldTitle       = "title"
	fieldChunkIndex  = "chunk_index"
	fieldSourceURL   = "source_url"
	fieldCreatedAt   = "created_at"
	fieldText        = "text"
	fieldExtra       = "extra"
)

var outputFields = []string{
	fieldID, fieldDocumentID, fieldWidgetID, fieldContentType, fieldTitle,
	fieldChunkIndex, fieldSourceURL, fieldCreatedAt, fieldText, fieldExtra,
}

// Client stores every widget's chunks in one collection. The namespace
// field is the partition key, so per-widget searches and deletes only
// touch that widget's data.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int

	ready  singleflight.Group
	loaded atomic.Bool
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	cfg := client.Config{Address: endpoint}
	if apiKey != "" {
		cfg.APIKey = apiKey
		cfg.EnableTLSAuth = true
	}

	c, err := client.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func varchar(name string, maxLen int) *entity.Field {
	return &entity.Field{
		Name:     name,
		DataType: entity.FieldTypeVarChar,
		TypeParams: map[string]string{
			entity.TypeParamMaxLength: strconv.Itoa(maxLen),
		},
	}
}

// EnsureCollection creates and loads the collection once; concurrent
// callers share the same attempt.
func (z *Client) EnsureCollection(ctx context.Context) error {
	if z.loaded.Load() {
		return nil
	}
	_, err, _ := z.ready.Do(z.collectionName, func() (any, error) {
		if err := z.createCollection(ctx); err != nil {
			return nil, err
		}
		z.loaded.Store(true)
		return nil, nil
	})
	return err
}

func (z *Client) createCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		namespace := varchar(fieldNamespace, 256)
		namespace.IsPartitionKey = true

		id := varchar(fieldID, 256)
		id.PrimaryKey = true

		schema := &entity.Schema{
			CollectionName: z.collectionName,
			Description:    "widget knowledge chunks",
			Fields: []*entity.Field{
				id,
				{
					Name:     fieldEmbedding,
					DataType: entity.FieldTypeFloatVector,
					TypeParams: map[string]string{
						entity.TypeParamDim: strconv.Itoa(z.vectorDim),
					},
				},
				namespace,
				varchar(fieldDocumentID, 128),
				varchar(fieldWidgetID, 128),
				varchar(fieldContentType, 16),
				varchar(fieldTitle, 1024),
				{Name: fieldChunkIndex, DataType: entity.FieldTypeInt64},
				varchar(fieldSourceURL, 2048),
				{Name: fieldCreatedAt, DataType: entity.FieldTypeInt64},
				varchar(fieldText, 16384),
				varchar(fieldExtra, 8192),
			},
		}

		if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
		if err != nil {
			return fmt.Errorf("failed to build index params: %w", err)
		}
		if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
		logger.Info("Collection created", zap.String("collection", z.collectionName))
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

func quote(s string) string {
	return strconv.Quote(s)
}

func namespaceExpr(namespace string) string {
	return fmt.Sprintf("%s == %s", fieldNamespace, quote(namespace))
}

func (z *Client) Upsert(ctx context.Context, namespace string, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := z.EnsureCollection(ctx); err != nil {
		return err
	}

	n := len(records)
	ids := make([]string, n)
	embeddings := make([][]float32, n)
	namespaces := make([]string, n)
	docIDs := make([]string, n)
	widgetIDs := make([]string, n)
	contentTypes := make([]string, n)
	titles := make([]string, n)
	chunkIndexes := make([]int64, n)
	sourceURLs := make([]string, n)
	createdAts := make([]int64, n)
	texts := make([]string, n)
	extras := make([]string, n)

	for i, r := range records {
		if len(r.Embedding) != z.vectorDim {
			return fmt.Errorf("record %s has dimension %d, collection expects %d", r.ID, len(r.Embedding), z.vectorDim)
		}
		extra, err := r.Metadata.ExtraJSON()
		if err != nil {
			return err
		}
		ids[i] = r.ID
		embeddings[i] = r.Embedding
		namespaces[i] = namespace
		docIDs[i] = r.Metadata.DocumentID
		widgetIDs[i] = r.Metadata.WidgetID
		contentTypes[i] = r.Metadata.ContentType
		titles[i] = r.Metadata.Title
		chunkIndexes[i] = int64(r.Metadata.ChunkIndex)
		sourceURLs[i] = r.Metadata.SourceURL
		createdAts[i] = r.Metadata.CreatedAt.Unix()
		texts[i] = r.Text
		extras[i] = extra
	}

	_, err := z.client.Upsert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
		entity.NewColumnVarChar(fieldNamespace, namespaces),
		entity.NewColumnVarChar(fieldDocumentID, docIDs),
		entity.NewColumnVarChar(fieldWidgetID, widgetIDs),
		entity.NewColumnVarChar(fieldContentType, contentTypes),
		entity.NewColumnVarChar(fieldTitle, titles),
		entity.NewColumnInt64(fieldChunkIndex, chunkIndexes),
		entity.NewColumnVarChar(fieldSourceURL, sourceURLs),
		entity.NewColumnInt64(fieldCreatedAt, createdAts),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnVarChar(fieldExtra, extras),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}

	logger.Debug("Chunks upserted", zap.String("namespace", namespace), zap.Int("count", n))
	return nil
}

func (z *Client) Query(ctx context.Context, namespace string, embedding []float32, topK int) ([]vector.Match, error) {
	if err := z.EnsureCollection(ctx); err != nil {
		return nil, err
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		namespaceExpr(namespace),
		outputFields,
		[]entity.Vector{entity.FloatVector(embedding)},
		fieldEmbedding,
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var matches []vector.Match
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			m, err := matchAt(sr.Fields, i)
			if err != nil {
				return nil, err
			}
			m.Score = float64(sr.Scores[i])
			matches = append(matches, m)
		}
	}

	logger.Debug("Vector search completed",
		zap.String("namespace", namespace),
		zap.Int("topK", topK),
		zap.Int("results", len(matches)),
	)
	return matches, nil
}

func matchAt(fields client.ResultSet, i int) (vector.Match, error) {
	str := func(name string) (string, error) {
		col := fields.GetColumn(name)
		if col == nil {
			return "", fmt.Errorf("search result missing field %s", name)
		}
		v, err := col.GetAsString(i)
		if err != nil {
			return "", fmt.Errorf("failed to read field %s: %w", name, err)
		}
		return v, nil
	}
	num := func(name string) (int64, error) {
		col := fields.GetColumn(name)
		if col == nil {
			return 0, fmt.Errorf("search result missing field %s", name)
		}
		v, err := col.GetAsInt64(i)
		if err != nil {
			return 0, fmt.Errorf("failed to read field %s: %w", name, err)
		}
		return v, nil
	}

	var m vector.Match
	var err error
	var extra string
	var chunkIndex, createdAt int64

	for _, f := range []struct {
		name string
		dst  *string
	}{
		{fieldID, &m.ID},
		{fieldText, &m.Text},
		{fieldDocumentID, &m.Metadata.DocumentID},
		{fieldWidgetID, &m.Metadata.WidgetID},
		{fieldContentType, &m.Metadata.ContentType},
		{fieldTitle, &m.Metadata.Title},
		{fieldSourceURL, &m.Metadata.SourceURL},
		{fieldExtra, &extra},
	} {
		if *f.dst, err = str(f.name); err != nil {
			return m, err
		}
	}
	if chunkIndex, err = num(fieldChunkIndex); err != nil {
		return m, err
	}
	if createdAt, err = num(fieldCreatedAt); err != nil {
		return m, err
	}

	m.Metadata.ChunkIndex = int(chunkIndex)
	m.Metadata.CreatedAt = unixUTC(createdAt)
	m.Metadata.Extra = vector.ParseExtra(extra)
	return m, nil
}

func (z *Client) DeleteByDocument(ctx context.Context, namespace, documentID string) error {
	if err := z.EnsureCollection(ctx); err != nil {
		return err
	}
	expr := fmt.Sprintf("%s && %s == %s", namespaceExpr(namespace), fieldDocumentID, quote(documentID))
	if err := z.client.Delete(ctx, z.collectionName, "", expr); err != nil {
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}
	logger.Info("Document chunks deleted", zap.String("namespace", namespace), zap.String("document_id", documentID))
	return nil
}

func (z *Client) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := z.EnsureCollection(ctx); err != nil {
		return err
	}
	if err := z.client.Delete(ctx, z.collectionName, "", namespaceExpr(namespace)); err != nil {
		return fmt.Errorf("failed to clear namespace: %w", err)
	}
	logger.Info("Namespace cleared", zap.String("namespace", namespace))
	return nil
}

func (z *Client) Count(ctx context.Context, namespace string) (int64, error) {
	if err := z.EnsureCollection(ctx); err != nil {
		return 0, err
	}
	rs, err := z.client.Query(ctx, z.collectionName, []string{}, namespaceExpr(namespace), []string{"count(*)"})
	if err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	col := rs.GetColumn("count(*)")
	if col == nil || col.Len() == 0 {
		return 0, nil
	}
	n, err := col.GetAsInt64(0)
	if err != nil {
		return 0, fmt.Errorf("failed to read vector count: %w", err)
	}
	return n, nil
}

func unixUTC(s int64) time.Time {
	return time.Unix(s, 0).UTC()
}
