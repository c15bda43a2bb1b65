package zilliz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/internal/vector"
	"github.com/cryptobroker/backend/pkg/logger"
)

const (
	fieldDocID     = "doc_id"
	fieldEmbedding = "embedding"
	fieldTitle     = "title"
	fieldSource    = "source"
	fieldSymbols   = "symbols"
	fieldPublished = "published_at"

	// symbol post-filtering drops rows, so searches over-fetch by this factor
	overFetch = 4
)

type Config struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	Nlist          int
	Nprobe         int
}

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	nlist          int
	nprobe         int
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w: %v", models.ErrConnection, err)
	}

	if cfg.Nlist == 0 {
		cfg.Nlist = 1024
	}
	if cfg.Nprobe == 0 {
		cfg.Nprobe = 16
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
		zap.Int("dim", cfg.VectorDim),
	)

	return &Client{
		client:         c,
		collectionName: cfg.CollectionName,
		vectorDim:      cfg.VectorDim,
		nlist:          cfg.Nlist,
		nprobe:         cfg.Nprobe,
	}, nil
}

// Dial connects and makes sure the collection is ready. The context bounds both steps.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	c, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := c.EnsureCollection(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}
	return c, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) Ping(ctx context.Context) error {
	_, err := z.client.HasCollection(ctx, z.collectionName)
	return classify("ping", err)
}

// EnsureCollection creates, indexes and loads the collection if it does not exist yet.
func (z *Client) EnsureCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return classify("check collection", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return classify("load collection", z.client.LoadCollection(ctx, z.collectionName, false))
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Crypto news document embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldDocID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", z.vectorDim),
				},
			},
			{
				Name:     fieldTitle,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "1024",
				},
			},
			{
				Name:     fieldSource,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "256",
				},
			},
			{
				Name:     fieldSymbols,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "512",
				},
			},
			{
				Name:     fieldPublished,
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return classify("create collection", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, z.nlist)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
		return classify("create index", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return classify("load collection", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

// Upsert writes one document row and flushes so the write is visible before returning.
func (z *Client) Upsert(ctx context.Context, rec models.EmbeddingRecord) error {
	if len(rec.Vector) != z.vectorDim {
		return fmt.Errorf("%w: got %d, collection expects %d", models.ErrDimensionMismatch, len(rec.Vector), z.vectorDim)
	}

	_, err := z.client.Upsert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldDocID, []string{rec.DocumentID}),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, [][]float32{rec.Vector}),
		entity.NewColumnVarChar(fieldTitle, []string{truncate(rec.Metadata.Title, 1024)}),
		entity.NewColumnVarChar(fieldSource, []string{truncate(rec.Metadata.Source, 256)}),
		entity.NewColumnVarChar(fieldSymbols, []string{encodeSymbols(rec.Metadata.Symbols)}),
		entity.NewColumnInt64(fieldPublished, []int64{rec.Metadata.PublishedAt.Unix()}),
	)
	if err != nil {
		return classify("upsert", err)
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return classify("flush", err)
	}

	logger.Debug("Document embedding upserted", zap.String("doc_id", rec.DocumentID))
	return nil
}

func (z *Client) Search(ctx context.Context, query []float32, filter models.Filter, topK int) ([]vector.Match, error) {
	if len(query) != z.vectorDim {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection expects %d", models.ErrDimensionMismatch, len(query), z.vectorDim)
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(z.nprobe)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	limit := topK
	if len(filter.Symbols) > 0 {
		limit = topK * overFetch
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		timeExpr(filter.TimeRange),
		[]string{fieldDocID, fieldTitle, fieldSource, fieldSymbols, fieldPublished},
		[]entity.Vector{entity.FloatVector(query)},
		fieldEmbedding,
		entity.COSINE,
		limit,
		sp,
	)
	if err != nil {
		return nil, classify("search", err)
	}

	matches := make([]vector.Match, 0, topK)
	for _, sr := range searchResult {
		if sr.Err != nil {
			return nil, classify("search", sr.Err)
		}
		docIDCol := sr.Fields.GetColumn(fieldDocID)
		titleCol := sr.Fields.GetColumn(fieldTitle)
		sourceCol := sr.Fields.GetColumn(fieldSource)
		symbolsCol := sr.Fields.GetColumn(fieldSymbols)
		publishedCol := sr.Fields.GetColumn(fieldPublished)
		if docIDCol == nil || titleCol == nil || sourceCol == nil || symbolsCol == nil || publishedCol == nil {
			return nil, errors.New("search result is missing output fields")
		}

		for i := 0; i < sr.ResultCount; i++ {
			docID, _ := docIDCol.Get(i)
			title, _ := titleCol.Get(i)
			source, _ := sourceCol.Get(i)
			symbols, _ := symbolsCol.Get(i)
			published, _ := publishedCol.Get(i)

			meta := models.VectorMetadata{
				Title:       asString(title),
				Source:      asString(source),
				Symbols:     decodeSymbols(asString(symbols)),
				PublishedAt: time.Unix(asInt64(published), 0).UTC(),
			}
			if !filter.Matches(meta.Symbols, meta.PublishedAt) {
				continue
			}

			matches = append(matches, vector.Match{
				DocumentID: asString(docID),
				Similarity: float64(sr.Scores[i]),
				Metadata:   meta,
			})
		}
	}

	if len(matches) > topK {
		matches = matches[:topK]
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(matches)),
	)

	return matches, nil
}

func timeExpr(tr *models.TimeRange) string {
	if tr == nil {
		return ""
	}
	var parts []string
	if !tr.From.IsZero() {
		parts = append(parts, fmt.Sprintf("%s >= %d", fieldPublished, tr.From.Unix()))
	}
	if !tr.To.IsZero() {
		parts = append(parts, fmt.Sprintf("%s <= %d", fieldPublished, tr.To.Unix()))
	}
	return strings.Join(parts, " && ")
}

// Symbols are stored pipe-delimited so a row can be matched with a substring test.
func encodeSymbols(symbols []string) string {
	if len(symbols) == 0 {
		return ""
	}
	return "|" + strings.Join(symbols, "|") + "|"
}

func decodeSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(strings.Trim(s, "|"), "|") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// classify wraps transport failures as connection errors so the adapter fails over on them.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("milvus %s: %w", op, err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted:
		return fmt.Errorf("milvus %s: %w: %v", op, models.ErrConnection, err)
	}
	if strings.Contains(err.Error(), "connection") || strings.Contains(err.Error(), "not ready") {
		return fmt.Errorf("milvus %s: %w: %v", op, models.ErrConnection, err)
	}
	return fmt.Errorf("milvus %s failed: %w", op, err)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}
