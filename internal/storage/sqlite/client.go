package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/apperr"
	"github.com/widgetrag/backend/internal/storage/models"
	"github.com/widgetrag/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		full_name TEXT,
		api_key TEXT UNIQUE NOT NULL,
		plan TEXT NOT NULL DEFAULT 'starter',
		is_active INTEGER NOT NULL DEFAULT 1,
		is_subscription_active INTEGER NOT NULL DEFAULT 1,
		queries_used_today INTEGER NOT NULL DEFAULT 0,
		last_query_reset INTEGER NOT NULL DEFAULT 0,
		total_queries_lifetime INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS widgets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		system_prompt TEXT NOT NULL,
		temperature REAL NOT NULL,
		max_tokens INTEGER NOT NULL,
		search_threshold REAL NOT NULL,
		theme TEXT NOT NULL DEFAULT '{}',
		is_active INTEGER NOT NULL DEFAULT 1,
		training_status TEXT NOT NULL DEFAULT 'not_started',
		training_lease_until INTEGER,
		training_run_id TEXT,
		total_documents INTEGER NOT NULL DEFAULT 0,
		total_chunks INTEGER NOT NULL DEFAULT 0,
		last_training_date INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_widgets_user ON widgets(user_id);

	CREATE TABLE IF NOT EXISTS training_documents (
		id TEXT PRIMARY KEY,
		widget_id TEXT NOT NULL,
		title TEXT,
		content TEXT NOT NULL,
		content_type TEXT NOT NULL,
		source_url TEXT,
		file_type TEXT,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		is_processed INTEGER NOT NULL DEFAULT 0,
		processing_error TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (widget_id) REFERENCES widgets(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_documents_widget ON training_documents(widget_id);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		widget_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		avg_response_time_ms REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (widget_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		response_time_ms INTEGER,
		model_used TEXT,
		context_used INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);

	CREATE TABLE IF NOT EXISTS usage_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		widget_id TEXT NOT NULL,
		query_text TEXT NOT NULL,
		response_time_ms INTEGER NOT NULL,
		cached INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_user_created ON usage_logs(user_id, created_at);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromNullableUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(what)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

// Users

func (c *Client) CreateUser(ctx context.Context, u *models.User) error {
	query := `
		INSERT INTO users (id, email, full_name, api_key, plan, is_active, is_subscription_active,
			queries_used_today, last_query_reset, total_queries_lifetime, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.db.ExecContext(ctx, query,
		u.ID, u.Email, u.FullName, u.APIKey, u.Plan,
		boolInt(u.IsActive), boolInt(u.IsSubscriptionActive),
		u.QueriesUsedToday, u.LastQueryReset.Unix(), u.TotalQueriesLifetime,
		u.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

const userColumns = `id, email, full_name, api_key, plan, is_active, is_subscription_active,
	queries_used_today, last_query_reset, total_queries_lifetime, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var fullName sql.NullString
	var active, subActive int
	var lastReset, createdAt int64
	err := row.Scan(&u.ID, &u.Email, &fullName, &u.APIKey, &u.Plan, &active, &subActive,
		&u.QueriesUsedToday, &lastReset, &u.TotalQueriesLifetime, &createdAt)
	if err != nil {
		return nil, err
	}
	u.FullName = fullName.String
	u.IsActive = active == 1
	u.IsSubscriptionActive = subActive == 1
	u.LastQueryReset = time.Unix(lastReset, 0).UTC()
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

func (c *Client) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(c.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}

func (c *Client) GetUserByAPIKey(ctx context.Context, apiKey string) (*models.User, error) {
	u, err := scanUser(c.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE api_key = ?`, apiKey))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}

// IncrementDailyUsage bumps the durable daily counter, resetting it when the
// UTC date of now differs from the last reset. When limit is non-negative
// and already reached, nothing is written and allowed is false.
func (c *Client) IncrementDailyUsage(ctx context.Context, userID string, limit int, now time.Time) (current int, allowed bool, err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var used int
	var lastReset int64
	err = tx.QueryRowContext(ctx, `SELECT queries_used_today, last_query_reset FROM users WHERE id = ?`, userID).
		Scan(&used, &lastReset)
	if err != nil {
		return 0, false, notFound(err, "user")
	}

	now = now.UTC()
	if time.Unix(lastReset, 0).UTC().Format(time.DateOnly) != now.Format(time.DateOnly) {
		used = 0
	}

	if limit >= 0 && used >= limit {
		return used, false, nil
	}

	used++
	_, err = tx.ExecContext(ctx, `
		UPDATE users SET queries_used_today = ?, last_query_reset = ?,
			total_queries_lifetime = total_queries_lifetime + 1
		WHERE id = ?`, used, now.Unix(), userID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to update usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit usage: %w", err)
	}
	return used, true, nil
}

// Widgets

func (c *Client) CreateWidget(ctx context.Context, w *models.Widget) error {
	theme, err := json.Marshal(w.Theme)
	if err != nil {
		return fmt.Errorf("failed to marshal theme: %w", err)
	}

	query := `
		INSERT INTO widgets (id, user_id, name, description, system_prompt, temperature, max_tokens,
			search_threshold, theme, is_active, training_status, total_documents, total_chunks,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = c.db.ExecContext(ctx, query,
		w.ID, w.UserID, w.Name, w.Description, w.SystemPrompt, w.Temperature, w.MaxTokens,
		w.SearchThreshold, string(theme), boolInt(w.IsActive), string(w.TrainingStatus),
		w.TotalDocuments, w.TotalChunks, w.CreatedAt.Unix(), w.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert widget: %w", err)
	}

	logger.Debug("Widget inserted", zap.String("widget_id", w.ID), zap.String("user_id", w.UserID))
	return nil
}

const widgetColumns = `id, user_id, name, description, system_prompt, temperature, max_tokens,
	search_threshold, theme, is_active, training_status, training_lease_until, total_documents,
	total_chunks, last_training_date, created_at, updated_at`

func scanWidget(row interface{ Scan(...any) error }) (*models.Widget, error) {
	var w models.Widget
	var description sql.NullString
	var theme, status string
	var active int
	var lease, lastTraining sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&w.ID, &w.UserID, &w.Name, &description, &w.SystemPrompt, &w.Temperature,
		&w.MaxTokens, &w.SearchThreshold, &theme, &active, &status, &lease, &w.TotalDocuments,
		&w.TotalChunks, &lastTraining, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(theme), &w.Theme); err != nil {
		return nil, fmt.Errorf("failed to unmarshal theme: %w", err)
	}
	w.Description = description.String
	w.IsActive = active == 1
	w.TrainingStatus = models.TrainingStatus(status)
	w.TrainingLeaseUntil = fromNullableUnix(lease)
	w.LastTrainingDate = fromNullableUnix(lastTraining)
	w.CreatedAt = time.Unix(createdAt, 0).UTC()
	w.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &w, nil
}

// GetWidget loads a widget owned by userID.
func (c *Client) GetWidget(ctx context.Context, userID, widgetID string) (*models.Widget, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+widgetColumns+` FROM widgets WHERE id = ? AND user_id = ?`, widgetID, userID)
	w, err := scanWidget(row)
	if err != nil {
		return nil, notFound(err, "widget")
	}
	return w, nil
}

// GetActiveWidgetForUser returns the oldest active widget of a user.
func (c *Client) GetActiveWidgetForUser(ctx context.Context, userID string) (*models.Widget, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+widgetColumns+` FROM widgets WHERE user_id = ? AND is_active = 1
		 ORDER BY created_at ASC, id ASC LIMIT 1`, userID)
	w, err := scanWidget(row)
	if err != nil {
		return nil, notFound(err, "widget")
	}
	return w, nil
}

func (c *Client) ListWidgets(ctx context.Context, userID string) ([]models.Widget, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+widgetColumns+` FROM widgets WHERE user_id = ? ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list widgets: %w", err)
	}
	defer rows.Close()

	var widgets []models.Widget
	for rows.Next() {
		w, err := scanWidget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan widget: %w", err)
		}
		widgets = append(widgets, *w)
	}
	return widgets, rows.Err()
}

func (c *Client) CountActiveWidgets(ctx context.Context, userID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM widgets WHERE user_id = ? AND is_active = 1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count widgets: %w", err)
	}
	return n, nil
}

// UpdateWidgetSettings persists the user-editable fields of a widget.
func (c *Client) UpdateWidgetSettings(ctx context.Context, w *models.Widget) error {
	theme, err := json.Marshal(w.Theme)
	if err != nil {
		return fmt.Errorf("failed to marshal theme: %w", err)
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE widgets SET name = ?, description = ?, system_prompt = ?, temperature = ?,
			max_tokens = ?, search_threshold = ?, theme = ?, is_active = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		w.Name, w.Description, w.SystemPrompt, w.Temperature, w.MaxTokens, w.SearchThreshold,
		string(theme), boolInt(w.IsActive), time.Now().Unix(), w.ID, w.UserID)
	if err != nil {
		return fmt.Errorf("failed to update widget: %w", err)
	}
	return expectRow(res, "widget")
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return apperr.NotFound(what)
	}
	return nil
}

// BeginTraining moves a widget into in_progress for runID unless another run
// holds a live lease. An expired lease is taken over.
func (c *Client) BeginTraining(ctx context.Context, userID, widgetID, runID string, now time.Time, lease time.Duration) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE widgets SET training_status = ?, training_lease_until = ?, training_run_id = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
			AND (training_status != ? OR training_lease_until IS NULL OR training_lease_until < ?)`,
		string(models.TrainingInProgress), now.Add(lease).Unix(), runID, now.Unix(),
		widgetID, userID, string(models.TrainingInProgress), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to begin training: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := c.GetWidget(ctx, userID, widgetID); err != nil {
		return err
	}
	return apperr.ErrTrainingInProgress
}

// FinishTraining records a terminal status for runID and releases the lease.
// It returns apperr.ErrLeaseLost when a newer run has taken the widget over.
// A completed run also refreshes the document and chunk totals.
func (c *Client) FinishTraining(ctx context.Context, widgetID, runID string, status models.TrainingStatus, now time.Time) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if status == models.TrainingCompleted {
		res, err = tx.ExecContext(ctx, `
			UPDATE widgets SET training_status = ?, training_lease_until = NULL, training_run_id = NULL,
				last_training_date = ?, updated_at = ?
			WHERE id = ? AND training_run_id = ?`, string(status), now.Unix(), now.Unix(), widgetID, runID)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE widgets SET training_status = ?, training_lease_until = NULL, training_run_id = NULL,
				updated_at = ?
			WHERE id = ? AND training_run_id = ?`, string(status), now.Unix(), widgetID, runID)
	}
	if err != nil {
		return fmt.Errorf("failed to finish training: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return apperr.ErrLeaseLost
	}

	if status == models.TrainingCompleted {
		if err := refreshAggregates(ctx, tx, widgetID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func refreshAggregates(ctx context.Context, tx *sql.Tx, widgetID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE widgets SET
			total_documents = (SELECT COUNT(*) FROM training_documents WHERE widget_id = ? AND is_processed = 1),
			total_chunks = (SELECT COALESCE(SUM(chunk_count), 0) FROM training_documents WHERE widget_id = ? AND is_processed = 1)
		WHERE id = ?`, widgetID, widgetID, widgetID)
	if err != nil {
		return fmt.Errorf("failed to refresh widget aggregates: %w", err)
	}
	return nil
}

// Training documents

func (c *Client) InsertDocument(ctx context.Context, doc *models.TrainingDocument) error {
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if doc.Metadata == nil {
		meta = []byte("{}")
	}

	query := `
		INSERT INTO training_documents (id, widget_id, title, content, content_type, source_url,
			file_type, chunk_count, is_processed, processing_error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = c.db.ExecContext(ctx, query,
		doc.ID, doc.WidgetID, doc.Title, doc.Content, string(doc.ContentType), doc.SourceURL,
		doc.FileType, doc.ChunkCount, boolInt(doc.IsProcessed), doc.ProcessingError, string(meta),
		doc.CreatedAt.Unix(), doc.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert training document: %w", err)
	}

	logger.Debug("Training document inserted", zap.String("doc_id", doc.ID), zap.String("widget_id", doc.WidgetID))
	return nil
}

// MarkDocumentProcessed records the outcome of chunking one document.
func (c *Client) MarkDocumentProcessed(ctx context.Context, widgetID, docID string, chunkCount int, processingErr string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE training_documents SET chunk_count = ?, is_processed = ?, processing_error = ?, updated_at = ?
		WHERE id = ? AND widget_id = ?`,
		chunkCount, boolInt(processingErr == ""), processingErr, time.Now().Unix(), docID, widgetID)
	if err != nil {
		return fmt.Errorf("failed to update training document: %w", err)
	}
	return expectRow(res, "training document")
}

const documentColumns = `id, widget_id, title, content, content_type, source_url, file_type,
	chunk_count, is_processed, processing_error, metadata, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*models.TrainingDocument, error) {
	var d models.TrainingDocument
	var title, sourceURL, fileType, procErr sql.NullString
	var contentType, meta string
	var processed int
	var createdAt, updatedAt int64

	err := row.Scan(&d.ID, &d.WidgetID, &title, &d.Content, &contentType, &sourceURL, &fileType,
		&d.ChunkCount, &processed, &procErr, &meta, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	d.Title = title.String
	d.ContentType = models.ContentType(contentType)
	d.SourceURL = sourceURL.String
	d.FileType = fileType.String
	d.IsProcessed = processed == 1
	d.ProcessingError = procErr.String
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	d.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &d, nil
}

func (c *Client) GetDocument(ctx context.Context, widgetID, docID string) (*models.TrainingDocument, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM training_documents WHERE id = ? AND widget_id = ?`, docID, widgetID)
	d, err := scanDocument(row)
	if err != nil {
		return nil, notFound(err, "training document")
	}
	return d, nil
}

// FindDocumentForUser locates a document through the widget that owns it.
func (c *Client) FindDocumentForUser(ctx context.Context, userID, docID string) (*models.TrainingDocument, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT d.id, d.widget_id, d.title, d.content, d.content_type, d.source_url, d.file_type,
			d.chunk_count, d.is_processed, d.processing_error, d.metadata, d.created_at, d.updated_at
		FROM training_documents d JOIN widgets w ON w.id = d.widget_id
		WHERE d.id = ? AND w.user_id = ?`, docID, userID)
	d, err := scanDocument(row)
	if err != nil {
		return nil, notFound(err, "training document")
	}
	return d, nil
}

func (c *Client) ListDocuments(ctx context.Context, widgetID string, processedOnly bool) ([]models.TrainingDocument, error) {
	query := `SELECT ` + documentColumns + ` FROM training_documents WHERE widget_id = ?`
	if processedOnly {
		query += ` AND is_processed = 1`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := c.db.QueryContext(ctx, query, widgetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list training documents: %w", err)
	}
	defer rows.Close()

	var docs []models.TrainingDocument
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan training document: %w", err)
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

type DocumentCounts struct {
	Total     int
	Processed int
	Chunks    int
}

func (c *Client) CountDocuments(ctx context.Context, widgetID string) (DocumentCounts, error) {
	var dc DocumentCounts
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(is_processed), 0), COALESCE(SUM(chunk_count), 0)
		FROM training_documents WHERE widget_id = ?`, widgetID).Scan(&dc.Total, &dc.Processed, &dc.Chunks)
	if err != nil {
		return dc, fmt.Errorf("failed to count training documents: %w", err)
	}
	return dc, nil
}

// DeleteDocument removes a document row and refreshes the widget totals.
func (c *Client) DeleteDocument(ctx context.Context, widgetID, docID string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM training_documents WHERE id = ? AND widget_id = ?`, docID, widgetID)
	if err != nil {
		return fmt.Errorf("failed to delete training document: %w", err)
	}
	if err := expectRow(res, "training document"); err != nil {
		return err
	}
	if err := refreshAggregates(ctx, tx, widgetID); err != nil {
		return err
	}
	return tx.Commit()
}

// Conversations and usage

// Exchange is one user question and the answer given to it.
type Exchange struct {
	UserID         string
	WidgetID       string
	SessionID      string
	Question       string
	QuestionTokens int
	Answer         string
	AnswerTokens   int
	ModelUsed      string
	ContextUsed    int
	ResponseTimeMs int
	At             time.Time
}

// AppendExchange stores both messages of an exchange, creating the
// conversation for the session on first use.
func (c *Client) AppendExchange(ctx context.Context, ex Exchange, newID func() string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	at := ex.At.Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, widget_id, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(widget_id, session_id) DO NOTHING`,
		newID(), ex.UserID, ex.WidgetID, ex.SessionID, at, at)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}

	var convID string
	var count int
	var avg float64
	err = tx.QueryRowContext(ctx, `
		SELECT id, message_count, avg_response_time_ms FROM conversations
		WHERE widget_id = ? AND session_id = ?`, ex.WidgetID, ex.SessionID).Scan(&convID, &count, &avg)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	insert := `
		INSERT INTO messages (id, conversation_id, role, content, tokens_used, response_time_ms,
			model_used, context_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, newID(), convID, string(models.RoleUser),
		ex.Question, ex.QuestionTokens, nil, nil, 0, at); err != nil {
		return fmt.Errorf("failed to insert user message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insert, newID(), convID, string(models.RoleAssistant),
		ex.Answer, ex.AnswerTokens, ex.ResponseTimeMs, ex.ModelUsed, ex.ContextUsed, at); err != nil {
		return fmt.Errorf("failed to insert assistant message: %w", err)
	}

	// avg is over assistant replies, which is half the message count.
	replies := float64(count/2 + 1)
	newAvg := avg + (float64(ex.ResponseTimeMs)-avg)/replies
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET message_count = message_count + 2, avg_response_time_ms = ?, updated_at = ?
		WHERE id = ?`, newAvg, at, convID); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}

	return tx.Commit()
}

func (c *Client) GetConversation(ctx context.Context, widgetID, sessionID string) (*models.Conversation, error) {
	var conv models.Conversation
	var createdAt, updatedAt int64
	err := c.db.QueryRowContext(ctx, `
		SELECT id, user_id, widget_id, session_id, message_count, avg_response_time_ms, created_at, updated_at
		FROM conversations WHERE widget_id = ? AND session_id = ?`, widgetID, sessionID).
		Scan(&conv.ID, &conv.UserID, &conv.WidgetID, &conv.SessionID, &conv.MessageCount,
			&conv.AvgResponseTimeMs, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFound(err, "conversation")
	}
	conv.CreatedAt = time.Unix(createdAt, 0).UTC()
	conv.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &conv, nil
}

func (c *Client) InsertUsageLog(ctx context.Context, l *models.UsageLog) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO usage_logs (user_id, widget_id, query_text, response_time_ms, cached, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.UserID, l.WidgetID, l.QueryText, l.ResponseTimeMs, boolInt(l.Cached), l.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert usage log: %w", err)
	}
	return nil
}

func (c *Client) CountUsageSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_logs WHERE user_id = ? AND created_at >= ?`, userID, since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return n, nil
}
