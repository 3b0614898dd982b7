package pgvector

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/vector"
	"github.com/widgetrag/backend/pkg/logger"
)

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Store keeps chunks in one PostgreSQL table with a namespace column and
// ranks them by cosine distance.
type Store struct {
	pool      *pgxpool.Pool
	table     string
	vectorDim int
}

func NewStore(ctx context.Context, connStr, table string, vectorDim int) (*Store, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{pool: pool, table: table, vectorDim: vectorDim}
	if err := s.createTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("pgvector store initialized", zap.String("table", table), zap.Int("dim", vectorDim))
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) createTable(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		document_id TEXT NOT NULL,
		widget_id TEXT NOT NULL,
		content_type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		chunk_index INTEGER NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		content TEXT NOT NULL,
		extra JSONB NOT NULL DEFAULT '{}'::jsonb,
		embedding vector(%[2]d) NOT NULL
	);
	CREATE INDEX IF NOT EXISTS %[1]s_namespace_idx ON %[1]s (namespace);
	CREATE INDEX IF NOT EXISTS %[1]s_document_idx ON %[1]s (namespace, document_id);
	CREATE INDEX IF NOT EXISTS %[1]s_embedding_idx ON %[1]s USING hnsw (embedding vector_cosine_ops);
	`, s.table, s.vectorDim)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, namespace string, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, namespace, document_id, widget_id, content_type, title, chunk_index,
			source_url, created_at, content, extra, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12)
		ON CONFLICT (id) DO UPDATE SET
			namespace = EXCLUDED.namespace,
			title = EXCLUDED.title,
			chunk_index = EXCLUDED.chunk_index,
			source_url = EXCLUDED.source_url,
			content = EXCLUDED.content,
			extra = EXCLUDED.extra,
			embedding = EXCLUDED.embedding`, s.table)

	batch := &pgx.Batch{}
	for _, r := range records {
		if len(r.Embedding) != s.vectorDim {
			return fmt.Errorf("record %s has dimension %d, table expects %d", r.ID, len(r.Embedding), s.vectorDim)
		}
		extra, err := r.Metadata.ExtraJSON()
		if err != nil {
			return err
		}
		m := r.Metadata
		batch.Queue(query, r.ID, namespace, m.DocumentID, m.WidgetID, m.ContentType, m.Title,
			m.ChunkIndex, m.SourceURL, m.CreatedAt, r.Text, extra, pgvector.NewVector(r.Embedding))
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, namespace string, embedding []float32, topK int) ([]vector.Match, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}

	query := fmt.Sprintf(`
		SELECT id, document_id, widget_id, content_type, title, chunk_index, source_url,
			created_at, content, extra::text, 1 - (embedding <=> $2) AS score
		FROM %s
		WHERE namespace = $1
		ORDER BY embedding <=> $2
		LIMIT $3`, s.table)

	rows, err := s.pool.Query(ctx, query, namespace, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer rows.Close()

	var matches []vector.Match
	for rows.Next() {
		var m vector.Match
		var extra string
		err := rows.Scan(&m.ID, &m.Metadata.DocumentID, &m.Metadata.WidgetID, &m.Metadata.ContentType,
			&m.Metadata.Title, &m.Metadata.ChunkIndex, &m.Metadata.SourceURL, &m.Metadata.CreatedAt,
			&m.Text, &extra, &m.Score)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		m.Metadata.Extra = vector.ParseExtra(extra)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *Store) DeleteByDocument(ctx context.Context, namespace, documentID string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1 AND document_id = $2`, s.table), namespace, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}
	return nil
}

func (s *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1`, s.table), namespace)
	if err != nil {
		return fmt.Errorf("failed to clear namespace: %w", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, namespace string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE namespace = $1`, s.table), namespace).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return n, nil
}
