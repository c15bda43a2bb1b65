package sqlite

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cryptobroker/backend/internal/embedding"
	"github.com/cryptobroker/backend/internal/storage/models"
)

// ScoredEmbedding is a local search hit with the raw cosine similarity in [-1, 1].
type ScoredEmbedding struct {
	Record     models.EmbeddingRecord
	Content    string
	Similarity float64
}

// UpsertEmbedding replaces the local embedding of a document in a single statement.
// synced records whether the primary vector store already holds this document.
func (c *Client) UpsertEmbedding(ctx context.Context, rec models.EmbeddingRecord, content string, synced bool) error {
	query := `
		INSERT INTO embeddings (doc_id, content, vector, dim, title, source, symbols, published_at, synced, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			content = excluded.content,
			vector = excluded.vector,
			dim = excluded.dim,
			title = excluded.title,
			source = excluded.source,
			symbols = excluded.symbols,
			published_at = excluded.published_at,
			synced = excluded.synced,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx,
		query,
		rec.DocumentID,
		content,
		encodeVector(rec.Vector),
		len(rec.Vector),
		rec.Metadata.Title,
		rec.Metadata.Source,
		encodeStrings(rec.Metadata.Symbols),
		rec.Metadata.PublishedAt.Unix(),
		boolInt(synced),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

func (c *Client) MarkSynced(ctx context.Context, docID string) error {
	_, err := c.db.ExecContext(ctx, `UPDATE embeddings SET synced = 1 WHERE doc_id = ?`, docID)
	if err != nil {
		return fmt.Errorf("failed to mark embedding synced: %w", err)
	}
	return nil
}

// Unsynced returns up to limit embeddings that the primary store has not received yet.
func (c *Client) Unsynced(ctx context.Context, limit int) ([]ScoredEmbedding, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT doc_id, content, vector, title, source, symbols, published_at
		FROM embeddings WHERE synced = 0 ORDER BY updated_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced embeddings: %w", err)
	}
	defer rows.Close()

	var out []ScoredEmbedding
	for rows.Next() {
		hit, err := scanEmbedding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, hit)
	}
	return out, rows.Err()
}

func (c *Client) CountEmbeddings(ctx context.Context, docID string) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings WHERE doc_id = ?`, docID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}

// SearchEmbeddings scores every stored vector against query in process. The time range is
// applied in SQL and the symbol filter after decoding.
func (c *Client) SearchEmbeddings(ctx context.Context, query []float32, filter models.Filter, topK int) ([]ScoredEmbedding, error) {
	sqlQuery := `SELECT doc_id, content, vector, title, source, symbols, published_at FROM embeddings WHERE dim = ?`
	args := []any{len(query)}

	if tr := filter.TimeRange; tr != nil {
		if !tr.From.IsZero() {
			sqlQuery += ` AND published_at >= ?`
			args = append(args, tr.From.Unix())
		}
		if !tr.To.IsZero() {
			sqlQuery += ` AND published_at <= ?`
			args = append(args, tr.To.Unix())
		}
	}

	rows, err := c.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search embeddings: %w", err)
	}
	defer rows.Close()

	var hits []ScoredEmbedding
	for rows.Next() {
		hit, err := scanEmbedding(rows)
		if err != nil {
			return nil, err
		}
		if !filter.Matches(hit.Record.Metadata.Symbols, hit.Record.Metadata.PublishedAt) {
			continue
		}
		hit.Similarity = embedding.Cosine(query, hit.Record.Vector)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate embeddings: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		pi, pj := hits[i].Record.Metadata.PublishedAt, hits[j].Record.Metadata.PublishedAt
		if !pi.Equal(pj) {
			return pi.After(pj)
		}
		return strings.Compare(hits[i].Record.DocumentID, hits[j].Record.DocumentID) < 0
	})

	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func scanEmbedding(s scanner) (ScoredEmbedding, error) {
	var hit ScoredEmbedding
	var blob []byte
	var symbols string
	var publishedAt int64

	err := s.Scan(
		&hit.Record.DocumentID,
		&hit.Content,
		&blob,
		&hit.Record.Metadata.Title,
		&hit.Record.Metadata.Source,
		&symbols,
		&publishedAt,
	)
	if err != nil {
		return hit, fmt.Errorf("failed to scan embedding: %w", err)
	}

	vec, err := decodeVector(blob)
	if err != nil {
		return hit, err
	}
	hit.Record.Vector = vec
	hit.Record.Metadata.Symbols = decodeStrings(symbols)
	hit.Record.Metadata.PublishedAt = time.Unix(publishedAt, 0).UTC()
	return hit, nil
}

// Vectors are stored as little-endian float32 sequences.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("corrupt vector blob of %d bytes", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}
