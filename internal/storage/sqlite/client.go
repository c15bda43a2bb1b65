package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
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

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		url TEXT,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		source TEXT,
		symbols TEXT,
		quality_score REAL NOT NULL,
		status TEXT NOT NULL,
		published_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_published ON documents(published_at);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

	CREATE TABLE IF NOT EXISTS embeddings (
		doc_id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		vector BLOB NOT NULL,
		dim INTEGER NOT NULL,
		title TEXT,
		source TEXT,
		symbols TEXT,
		published_at INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_published ON embeddings(published_at);
	CREATE INDEX IF NOT EXISTS idx_embeddings_synced ON embeddings(synced);

	CREATE TABLE IF NOT EXISTS rejections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id TEXT NOT NULL,
		url TEXT,
		title TEXT,
		source TEXT,
		reason TEXT NOT NULL,
		score REAL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rejections_reason ON rejections(reason);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		query_text TEXT NOT NULL,
		query_type TEXT NOT NULL,
		symbols TEXT,
		result_count INTEGER,
		degraded INTEGER DEFAULT 0,
		partial INTEGER DEFAULT 0,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);

	CREATE TABLE IF NOT EXISTS ingestion_runs (
		id TEXT PRIMARY KEY,
		trigger_source TEXT NOT NULL,
		symbols TEXT,
		window_sec INTEGER,
		accepted INTEGER NOT NULL,
		rejected INTEGER NOT NULL,
		errors INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON ingestion_runs(started_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) SaveDocument(ctx context.Context, doc *models.Document) error {
	query := `
		INSERT INTO documents (id, url, title, body, source, symbols, quality_score, status, published_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			source = excluded.source,
			symbols = excluded.symbols,
			quality_score = excluded.quality_score,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	status := doc.Status
	if status == "" {
		status = models.DocumentStored
	}

	_, err := c.db.ExecContext(ctx,
		query,
		doc.ID,
		doc.URL,
		doc.Title,
		doc.Body,
		doc.Source,
		encodeStrings(doc.Symbols),
		doc.QualityScore,
		string(status),
		doc.PublishedAt.Unix(),
		doc.CreatedAt.Unix(),
		now.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}

	logger.Debug("Document saved", zap.String("doc_id", doc.ID), zap.String("source", doc.Source))
	return nil
}

func (c *Client) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return nil
}

const documentColumns = `id, url, title, body, source, symbols, quality_score, status, published_at, created_at`

func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// GetDocuments loads the documents with the given ids. Missing ids are absent from the map.
func (c *Client) GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error) {
	out := make(map[string]*models.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := c.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out[doc.ID] = doc
	}

	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*models.Document, error) {
	var doc models.Document
	var symbols, status string
	var publishedAt, createdAt int64

	err := s.Scan(
		&doc.ID,
		&doc.URL,
		&doc.Title,
		&doc.Body,
		&doc.Source,
		&symbols,
		&doc.QualityScore,
		&status,
		&publishedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	doc.Symbols = decodeStrings(symbols)
	doc.Status = models.DocumentStatus(status)
	doc.PublishedAt = time.Unix(publishedAt, 0).UTC()
	doc.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &doc, nil
}

func (c *Client) RecordRejection(ctx context.Context, r *models.Rejection) error {
	query := `INSERT INTO rejections (doc_id, url, title, source, reason, score, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := c.db.ExecContext(ctx, query, r.DocumentID, r.URL, r.Title, r.Source, r.Reason, r.Score, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record rejection: %w", err)
	}

	logger.Debug("Rejection recorded", zap.String("doc_id", r.DocumentID), zap.String("reason", r.Reason))
	return nil
}

// RejectionCounts returns the number of rejections per reason.
func (c *Client) RejectionCounts(ctx context.Context) (map[string]int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT reason, COUNT(*) FROM rejections GROUP BY reason`)
	if err != nil {
		return nil, fmt.Errorf("failed to count rejections: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out[reason] = n
	}
	return out, rows.Err()
}

func (c *Client) InsertQueryRecord(ctx context.Context, record *models.QueryRecord) error {
	query := `
		INSERT INTO query_history (id, query_text, query_type, symbols, result_count, degraded, partial, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx,
		query,
		record.ID,
		record.QueryText,
		record.QueryType,
		encodeStrings(record.Symbols),
		record.ResultCount,
		boolInt(record.Degraded),
		boolInt(record.Partial),
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	logger.Debug("Query recorded",
		zap.String("query_id", record.ID),
		zap.String("query_type", record.QueryType),
		zap.Int("results", record.ResultCount),
	)

	return nil
}

func (c *Client) GetQueryHistory(ctx context.Context, limit int) ([]models.QueryRecord, error) {
	query := `
		SELECT id, query_text, query_type, symbols, result_count, degraded, partial, latency_ms, created_at
		FROM query_history
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		var r models.QueryRecord
		var symbols string
		var degraded, partial int
		var createdAt int64

		err := rows.Scan(&r.ID, &r.QueryText, &r.QueryType, &symbols, &r.ResultCount, &degraded, &partial, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.Symbols = decodeStrings(symbols)
		r.Degraded = degraded == 1
		r.Partial = partial == 1
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) InsertIngestionRun(ctx context.Context, run *models.IngestionRun) error {
	query := `
		INSERT INTO ingestion_runs (id, trigger_source, symbols, window_sec, accepted, rejected, errors, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx,
		query,
		run.ID,
		run.Trigger,
		encodeStrings(run.Symbols),
		int64(run.Window/time.Second),
		run.Accepted,
		run.Rejected,
		run.Errors,
		run.StartedAt.Unix(),
		run.FinishedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ingestion run: %w", err)
	}
	return nil
}

func (c *Client) ListIngestionRuns(ctx context.Context, limit int) ([]models.IngestionRun, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, trigger_source, symbols, window_sec, accepted, rejected, errors, started_at, finished_at
		FROM ingestion_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion runs: %w", err)
	}
	defer rows.Close()

	var runs []models.IngestionRun
	for rows.Next() {
		var r models.IngestionRun
		var symbols string
		var windowSec, started, finished int64
		if err := rows.Scan(&r.ID, &r.Trigger, &symbols, &windowSec, &r.Accepted, &r.Rejected, &r.Errors, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Symbols = decodeStrings(symbols)
		r.Window = time.Duration(windowSec) * time.Second
		r.StartedAt = time.Unix(started, 0)
		r.FinishedAt = time.Unix(finished, 0)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type Stats struct {
	Documents       int `json:"documents"`
	Embeddings      int `json:"embeddings"`
	UnsyncedVectors int `json:"unsynced_vectors"`
	Rejections      int `json:"rejections"`
	Queries         int `json:"queries"`
	IngestionRuns   int `json:"ingestion_runs"`
}

func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := c.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents),
			(SELECT COUNT(*) FROM embeddings),
			(SELECT COUNT(*) FROM embeddings WHERE synced = 0),
			(SELECT COUNT(*) FROM rejections),
			(SELECT COUNT(*) FROM query_history),
			(SELECT COUNT(*) FROM ingestion_runs)
	`).Scan(&s.Documents, &s.Embeddings, &s.UnsyncedVectors, &s.Rejections, &s.Queries, &s.IngestionRuns)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	return &s, nil
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func decodeStrings(raw string) []string {
	var out []string
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		logger.Warn("Failed to decode string list", zap.Error(err))
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
