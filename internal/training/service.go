// Package training ingests a widget's documents into its vector namespace.
// A run is started synchronously and executed in the background; at most
// one run per widget holds the training lease at a time.
package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/apperr"
	"github.com/widgetrag/backend/internal/embedding"
	"github.com/widgetrag/backend/internal/ingestion"
	"github.com/widgetrag/backend/internal/metrics"
	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/internal/storage/sqlite"
	"github.com/widgetrag/backend/internal/vector"
	"github.com/widgetrag/backend/pkg/config"
	"github.com/widgetrag/backend/pkg/utils"
)

const StatusStarted = "started"

type Store interface {
	GetWidget(ctx context.Context, userID, widgetID string) (*models.Widget, error)
	BeginTraining(ctx context.Context, userID, widgetID, runID string, now time.Time, lease time.Duration) error
	FinishTraining(ctx context.Context, widgetID, runID string, status models.TrainingStatus, now time.Time) error
	InsertDocument(ctx context.Context, doc *models.TrainingDocument) error
	MarkDocumentProcessed(ctx context.Context, widgetID, docID string, chunkCount int, processingErr string) error
	GetDocument(ctx context.Context, widgetID, docID string) (*models.TrainingDocument, error)
	FindDocumentForUser(ctx context.Context, userID, docID string) (*models.TrainingDocument, error)
	ListDocuments(ctx context.Context, widgetID string, processedOnly bool) ([]models.TrainingDocument, error)
	CountDocuments(ctx context.Context, widgetID string) (sqlite.DocumentCounts, error)
	DeleteDocument(ctx context.Context, widgetID, docID string) error
}

type BatchEmbedder interface {
	EmbedBatches(ctx context.Context, batches [][]string) []embedding.BatchResult
}

type TextExtractor interface {
	Extract(ctx context.Context, it ingestion.Item) (ingestion.Extracted, error)
}

// CacheInvalidator drops a widget's cached answers.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, widgetID string) error
}

type Task struct {
	TaskID   string   `json:"task_id"`
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	WidgetID string   `json:"widget_id"`
	Warnings []string `json:"warnings,omitempty"`
}

type Status struct {
	WidgetID           string                `json:"widget_id"`
	Status             models.TrainingStatus `json:"status"`
	TotalDocuments     int                   `json:"total_documents"`
	ProcessedDocuments int                   `json:"processed_documents"`
	TotalChunks        int                   `json:"total_chunks"`
	VectorCount        int64                 `json:"vector_count"`
	ProgressPercentage float64               `json:"progress_percentage"`
	LastTrainingDate   *time.Time            `json:"last_training_date"`
}

type Deps struct {
	Store     Store
	Vectors   vector.Store
	Embedder  BatchEmbedder
	Extractor TextExtractor
	Cache     CacheInvalidator
	Plans     map[string]config.PlanConfig
	Logger    *zap.Logger
}

type Service struct {
	store     Store
	vectors   vector.Store
	embedder  BatchEmbedder
	extractor TextExtractor
	cache     CacheInvalidator
	plans     map[string]config.PlanConfig
	cfg       config.TrainingConfig
	splitter  *ingestion.Splitter
	pool      *ants.Pool
	root      context.Context
	cancel    context.CancelFunc
	runs      sync.WaitGroup
	logger    *zap.Logger
	now       func() time.Time
}

// finishTimeout bounds the final status write, which must succeed even
// after the run's context is cancelled.
const finishTimeout = 10 * time.Second

// NewService creates the service. Background runs inherit root, so
// cancelling root stops them; request contexts never do.
func NewService(root context.Context, deps Deps, cfg config.TrainingConfig) (*Service, error) {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create training pool: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	runCtx, cancel := context.WithCancel(root)
	return &Service{
		store:     deps.Store,
		vectors:   deps.Vectors,
		embedder:  deps.Embedder,
		extractor: deps.Extractor,
		cache:     deps.Cache,
		plans:     deps.Plans,
		cfg:       cfg,
		splitter:  ingestion.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap, cfg.MinChunkLength),
		pool:      pool,
		root:      runCtx,
		cancel:    cancel,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close waits up to timeout for running ingestions, then cancels the ones
// still going. Cancelled runs are recorded as failed before Close returns.
func (s *Service) Close(timeout time.Duration) error {
	defer s.pool.Release()

	if waitFor(&s.runs, timeout) {
		s.cancel()
		return nil
	}

	s.logger.Warn("Cancelling unfinished training runs", zap.Duration("waited", timeout))
	s.cancel()
	if !waitFor(&s.runs, finishTimeout) {
		return fmt.Errorf("training runs still active after %s", timeout+finishTimeout)
	}
	return nil
}

func waitFor(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Service) leaseTTL() time.Duration {
	if s.cfg.LeaseTTLSec <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(s.cfg.LeaseTTLSec) * time.Second
}

// Start validates items, takes the widget's training lease and schedules the
// run. It returns as soon as the run is queued.
func (s *Service) Start(ctx context.Context, user *models.User, widgetID string, items []ingestion.Item) (*Task, error) {
	warnings, err := ingestion.Validate(items)
	if err != nil {
		return nil, err
	}

	if plan, ok := s.plans[user.Plan]; ok && plan.MaxDocuments >= 0 && len(items) > plan.MaxDocuments {
		return nil, apperr.Subscription("plan %s allows at most %d documents", user.Plan, plan.MaxDocuments)
	}

	widget, err := s.store.GetWidget(ctx, user.ID, widgetID)
	if err != nil {
		return nil, err
	}

	task, err := s.schedule(ctx, widget, func(ctx context.Context, w *models.Widget) (int, int, error) {
		return s.ingestItems(ctx, w, items)
	})
	if err != nil {
		return nil, err
	}
	task.Warnings = warnings
	return task, nil
}

// Retrain re-processes every stored document of a widget, reusing the
// existing rows. With clearExisting the whole namespace is dropped first.
func (s *Service) Retrain(ctx context.Context, user *models.User, widgetID string, clearExisting bool) (*Task, error) {
	widget, err := s.store.GetWidget(ctx, user.ID, widgetID)
	if err != nil {
		return nil, err
	}

	return s.schedule(ctx, widget, func(ctx context.Context, w *models.Widget) (int, int, error) {
		if clearExisting {
			if err := s.vectors.DeleteNamespace(ctx, w.Namespace()); err != nil {
				return 0, 0, fmt.Errorf("failed to clear namespace: %w", err)
			}
		}
		return s.reprocessDocuments(ctx, w, !clearExisting)
	})
}

type runFunc func(ctx context.Context, w *models.Widget) (batchesOK, batchesTotal int, err error)

func (s *Service) schedule(ctx context.Context, widget *models.Widget, run runFunc) (*Task, error) {
	task := &Task{
		TaskID:   uuid.NewString(),
		Status:   StatusStarted,
		Message:  "Training started in background",
		WidgetID: widget.ID,
	}

	if err := s.store.BeginTraining(ctx, widget.UserID, widget.ID, task.TaskID, s.now(), s.leaseTTL()); err != nil {
		return nil, err
	}

	s.runs.Add(1)
	err := s.pool.Submit(func() {
		defer s.runs.Done()
		s.execute(task.TaskID, widget, run)
	})
	if err != nil {
		s.runs.Done()
		s.finish(task.TaskID, widget, models.TrainingFailed)
		return nil, fmt.Errorf("failed to schedule training: %w", err)
	}

	s.logger.Info("Training scheduled",
		zap.String("task_id", task.TaskID),
		zap.String("widget_id", widget.ID),
	)
	return task, nil
}

func (s *Service) execute(taskID string, widget *models.Widget, run runFunc) {
	start := time.Now()
	logger := s.logger.With(zap.String("task_id", taskID), zap.String("widget_id", widget.ID))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Training panicked", zap.Any("panic", r))
			s.finish(taskID, widget, models.TrainingFailed)
		}
	}()

	if s.cache != nil {
		if err := s.cache.Invalidate(s.root, widget.ID); err != nil {
			logger.Warn("Failed to invalidate response cache", zap.Error(err))
		}
	}

	ok, total, err := run(s.root, widget)
	status := models.TrainingCompleted
	switch {
	case err != nil:
		status = models.TrainingFailed
		logger.Error("Training failed", zap.Error(err))
	case total == 0:
		status = models.TrainingFailed
		logger.Error("Training produced no chunks")
	case float64(ok)/float64(total) < s.successRatio():
		status = models.TrainingFailed
		logger.Error("Too many embedding batches failed",
			zap.Int("successful_batches", ok),
			zap.Int("total_batches", total),
		)
	}

	s.finish(taskID, widget, status)
	logger.Info("Training finished",
		zap.String("status", string(status)),
		zap.Int("successful_batches", ok),
		zap.Int("total_batches", total),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (s *Service) successRatio() float64 {
	if s.cfg.SuccessRatio <= 0 {
		return 0.8
	}
	return s.cfg.SuccessRatio
}

func (s *Service) finish(runID string, widget *models.Widget, status models.TrainingStatus) {
	metrics.TrainingRuns.WithLabelValues(string(status)).Inc()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.root), finishTimeout)
	defer cancel()

	err := s.store.FinishTraining(ctx, widget.ID, runID, status, s.now())
	if errors.Is(err, apperr.ErrLeaseLost) {
		s.logger.Warn("Training lease was taken over, leaving status to the newer run",
			zap.String("widget_id", widget.ID),
			zap.String("task_id", runID),
		)
		return
	}
	if err != nil {
		s.logger.Error("Failed to record training status",
			zap.String("widget_id", widget.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

type chunkedDoc struct {
	doc    *models.TrainingDocument
	chunks []string
}

func (s *Service) ingestItems(ctx context.Context, w *models.Widget, items []ingestion.Item) (int, int, error) {
	var docs []chunkedDoc
	for i, it := range items {
		doc, err := s.persist(ctx, w, it)
		if err != nil {
			s.logger.Error("Failed to store training item, skipping",
				zap.String("widget_id", w.ID), zap.Int("item", i), zap.Error(err))
			metrics.DocumentsProcessed.WithLabelValues(string(it.Type), "error").Inc()
			continue
		}
		if cd, ok := s.process(ctx, w, doc, it); ok {
			docs = append(docs, cd)
		}
	}
	return s.embedAndStore(ctx, w, docs)
}

func (s *Service) reprocessDocuments(ctx context.Context, w *models.Widget, replaceChunks bool) (int, int, error) {
	stored, err := s.store.ListDocuments(ctx, w.ID, false)
	if err != nil {
		return 0, 0, err
	}

	var docs []chunkedDoc
	for i := range stored {
		doc := &stored[i]
		if replaceChunks {
			if err := s.vectors.DeleteByDocument(ctx, w.Namespace(), doc.ID); err != nil {
				s.logger.Warn("Failed to drop old chunks", zap.String("document_id", doc.ID), zap.Error(err))
			}
		}
		if cd, ok := s.process(ctx, w, doc, itemFromDocument(doc)); ok {
			docs = append(docs, cd)
		}
	}
	return s.embedAndStore(ctx, w, docs)
}

func itemFromDocument(d *models.TrainingDocument) ingestion.Item {
	it := ingestion.Item{
		Type:      d.ContentType,
		Content:   d.Content,
		Title:     d.Title,
		SourceURL: d.SourceURL,
		FileType:  d.FileType,
		Metadata:  d.Metadata,
	}
	if q, ok := d.Metadata["question"].(string); ok {
		it.Question = q
	}
	if a, ok := d.Metadata["answer"].(string); ok {
		it.Answer = a
	}
	return it
}

func (s *Service) persist(ctx context.Context, w *models.Widget, it ingestion.Item) (*models.TrainingDocument, error) {
	maxLen := s.cfg.MaxContentLength
	if maxLen <= 0 {
		maxLen = 10000
	}

	meta := make(map[string]any, len(it.Metadata)+2)
	for k, v := range it.Metadata {
		meta[k] = v
	}
	if it.Question != "" {
		meta["question"] = it.Question
	}
	if it.Answer != "" {
		meta["answer"] = it.Answer
	}

	now := s.now()
	doc := &models.TrainingDocument{
		ID:          uuid.NewString(),
		WidgetID:    w.ID,
		Title:       it.TitleOrDefault(),
		Content:     utils.Truncate(it.Content, maxLen),
		ContentType: it.Type,
		SourceURL:   it.SourceURL,
		FileType:    it.FileType,
		Metadata:    meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if it.Type == models.ContentURL && doc.SourceURL == "" {
		doc.SourceURL = it.Content
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// process extracts and chunks one document. Extraction failures fall back
// to the raw content.
func (s *Service) process(ctx context.Context, w *models.Widget, doc *models.TrainingDocument, it ingestion.Item) (chunkedDoc, bool) {
	logger := s.logger.With(zap.String("widget_id", w.ID), zap.String("document_id", doc.ID))

	text := it.Content
	extracted, err := s.extractor.Extract(ctx, it)
	if err != nil {
		logger.Warn("Content extraction failed, using raw content", zap.Error(err))
	} else {
		text = extracted.Text
		if it.Title == "" && extracted.Title != "" {
			doc.Title = extracted.Title
		}
	}

	chunks := s.splitter.Split(text)

	procErr := ""
	if len(chunks) == 0 {
		procErr = "no usable content"
	}
	if err := s.store.MarkDocumentProcessed(ctx, w.ID, doc.ID, len(chunks), procErr); err != nil {
		logger.Error("Failed to update document", zap.Error(err))
		metrics.DocumentsProcessed.WithLabelValues(string(doc.ContentType), "error").Inc()
		return chunkedDoc{}, false
	}
	if len(chunks) == 0 {
		logger.Warn("Document produced no chunks")
		metrics.DocumentsProcessed.WithLabelValues(string(doc.ContentType), "empty").Inc()
		return chunkedDoc{}, false
	}

	metrics.DocumentsProcessed.WithLabelValues(string(doc.ContentType), "success").Inc()
	return chunkedDoc{doc: doc, chunks: chunks}, true
}

func (s *Service) records(w *models.Widget, docs []chunkedDoc) []vector.Record {
	var out []vector.Record
	now := s.now()
	for _, cd := range docs {
		for i, text := range cd.chunks {
			out = append(out, vector.Record{
				ID:   vector.ChunkID(cd.doc.ID, i),
				Text: text,
				Metadata: vector.Metadata{
					DocumentID:  cd.doc.ID,
					WidgetID:    w.ID,
					ContentType: string(cd.doc.ContentType),
					Title:       cd.doc.Title,
					ChunkIndex:  i,
					SourceURL:   cd.doc.SourceURL,
					CreatedAt:   now,
					Extra:       cd.doc.Metadata,
				},
			})
		}
	}
	return out
}

// embedAndStore embeds and upserts chunks in fixed-size batches and reports
// how many batches made it into the vector store.
func (s *Service) embedAndStore(ctx context.Context, w *models.Widget, docs []chunkedDoc) (int, int, error) {
	records := s.records(w, docs)
	if len(records) == 0 {
		return 0, 0, nil
	}

	size := s.cfg.BatchSize
	if size <= 0 {
		size = 50
	}

	var batches [][]vector.Record
	var texts [][]string
	for start := 0; start < len(records); start += size {
		batch := records[start:min(start+size, len(records))]
		batches = append(batches, batch)
		t := make([]string, len(batch))
		for i, r := range batch {
			t[i] = r.Text
		}
		texts = append(texts, t)
	}

	results := s.embedder.EmbedBatches(ctx, texts)
	ok := 0
	for i, res := range results {
		if err := s.upsertBatch(ctx, w, batches[i], res); err != nil {
			metrics.UpsertBatches.WithLabelValues("error").Inc()
			s.logger.Warn("Batch failed",
				zap.String("widget_id", w.ID),
				zap.Int("batch", i),
				zap.Error(err),
			)
			continue
		}
		metrics.UpsertBatches.WithLabelValues("success").Inc()
		metrics.ChunksUpserted.Add(float64(len(batches[i])))
		ok++
	}

	if ctx.Err() != nil {
		return ok, len(batches), ctx.Err()
	}
	return ok, len(batches), nil
}

func (s *Service) upsertBatch(ctx context.Context, w *models.Widget, batch []vector.Record, res embedding.BatchResult) error {
	if res.Err != nil {
		return fmt.Errorf("embedding failed: %w", res.Err)
	}
	for i := range batch {
		batch[i].Embedding = res.Vectors[i]
	}
	return s.vectors.Upsert(ctx, w.Namespace(), batch)
}

// DeleteDocument removes a document's chunks and then its row. When the
// vector delete fails the row is kept so the delete can be retried.
// An empty widgetID resolves the widget through the document.
func (s *Service) DeleteDocument(ctx context.Context, user *models.User, widgetID, docID string) error {
	if widgetID == "" {
		doc, err := s.store.FindDocumentForUser(ctx, user.ID, docID)
		if err != nil {
			return err
		}
		widgetID = doc.WidgetID
	}

	widget, err := s.store.GetWidget(ctx, user.ID, widgetID)
	if err != nil {
		return err
	}
	if _, err := s.store.GetDocument(ctx, widget.ID, docID); err != nil {
		return err
	}

	if err := s.vectors.DeleteByDocument(ctx, widget.Namespace(), docID); err != nil {
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}
	if err := s.store.DeleteDocument(ctx, widget.ID, docID); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, widget.ID); err != nil {
			s.logger.Warn("Failed to invalidate response cache", zap.String("widget_id", widget.ID), zap.Error(err))
		}
	}

	s.logger.Info("Training document deleted",
		zap.String("widget_id", widget.ID),
		zap.String("document_id", docID),
	)
	return nil
}

// Status reports progress from the stored documents and the live vector
// count. A vector count failure leaves VectorCount at zero.
func (s *Service) Status(ctx context.Context, user *models.User, widgetID string) (*Status, error) {
	widget, err := s.store.GetWidget(ctx, user.ID, widgetID)
	if err != nil {
		return nil, err
	}

	counts, err := s.store.CountDocuments(ctx, widget.ID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		WidgetID:           widget.ID,
		Status:             widget.TrainingStatus,
		TotalDocuments:     counts.Total,
		ProcessedDocuments: counts.Processed,
		TotalChunks:        counts.Chunks,
		LastTrainingDate:   widget.LastTrainingDate,
	}
	if counts.Total > 0 {
		st.ProgressPercentage = float64(counts.Processed) / float64(counts.Total) * 100
	}

	n, err := s.vectors.Count(ctx, widget.Namespace())
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("Failed to count vectors", zap.String("widget_id", widget.ID), zap.Error(err))
	}
	st.VectorCount = n
	return st, nil
}
