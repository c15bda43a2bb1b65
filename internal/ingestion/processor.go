package ingestion

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cryptobroker/backend/internal/extraction"
	"github.com/cryptobroker/backend/internal/kg/builder"
	"github.com/cryptobroker/backend/internal/metrics"
	"github.com/cryptobroker/backend/internal/quality"
	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/pkg/logger"
	"github.com/cryptobroker/backend/pkg/utils"
)

const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusError    = "error"
)

var whitespace = regexp.MustCompile(`\s+`)

type DocumentStore interface {
	SaveDocument(ctx context.Context, doc *models.Document) error
	UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus) error
	RecordRejection(ctx context.Context, r *models.Rejection) error
	InsertIngestionRun(ctx context.Context, run *models.IngestionRun) error
}

type VectorIndex interface {
	Upsert(ctx context.Context, docID, text string, meta models.VectorMetadata) error
}

type GraphBuilder interface {
	BuildFromDocument(ctx context.Context, doc *models.Document, ext *extraction.Result) (*builder.Summary, error)
}

// Collector fetches raw documents for a set of symbols published within a window.
type Collector interface {
	Collect(ctx context.Context, symbols []string, window time.Duration) ([]models.RawDocument, error)
}

type QueryCache interface {
	InvalidateQueries(ctx context.Context) error
}

type Outcome struct {
	DocumentID    string  `json:"document_id"`
	URL           string  `json:"url,omitempty"`
	Title         string  `json:"title"`
	Status        string  `json:"status"`
	Reason        string  `json:"reason,omitempty"`
	Score         float64 `json:"score"`
	Error         string  `json:"error,omitempty"`
	Entities      int     `json:"entities"`
	Relationships int     `json:"relationships"`
	GraphWritten  bool    `json:"graph_written"`
}

type Summary struct {
	RunID    string    `json:"run_id,omitempty"`
	Accepted int       `json:"accepted"`
	Rejected int       `json:"rejected"`
	Errors   int       `json:"errors"`
	Outcomes []Outcome `json:"outcomes"`
}

type Options struct {
	Workers int
}

type Processor struct {
	store     DocumentStore
	filter    *quality.Filter
	extractor extraction.Extractor
	vectors   VectorIndex
	graph     GraphBuilder
	collector Collector
	cache     QueryCache
	workers   int
}

func NewProcessor(store DocumentStore, filter *quality.Filter, extractor extraction.Extractor, vectors VectorIndex, graph GraphBuilder, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Processor{
		store:     store,
		filter:    filter,
		extractor: extractor,
		vectors:   vectors,
		graph:     graph,
		workers:   opts.Workers,
	}
}

func (p *Processor) SetCollector(c Collector) { p.collector = c }

func (p *Processor) SetQueryCache(c QueryCache) { p.cache = c }

// IngestBatch processes documents concurrently. One document's failure never aborts the batch.
func (p *Processor) IngestBatch(ctx context.Context, docs []models.RawDocument) *Summary {
	start := time.Now()
	outcomes := make([]Outcome, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := range docs {
		i := i
		g.Go(func() error {
			outcomes[i] = p.ProcessDocument(gctx, docs[i])
			return nil
		})
	}
	_ = g.Wait()

	summary := &Summary{Outcomes: outcomes}
	for _, o := range outcomes {
		switch o.Status {
		case StatusAccepted:
			summary.Accepted++
		case StatusRejected:
			summary.Rejected++
		default:
			summary.Errors++
		}
		metrics.DocumentsIngested.WithLabelValues(o.Status).Inc()
	}

	if summary.Accepted > 0 && p.cache != nil {
		if err := p.cache.InvalidateQueries(ctx); err != nil {
			logger.Warn("Failed to invalidate query cache", zap.Error(err))
		}
	}

	metrics.IngestionDuration.Observe(time.Since(start).Seconds())
	logger.Info("Ingestion batch completed",
		zap.Int("documents", len(docs)),
		zap.Int("accepted", summary.Accepted),
		zap.Int("rejected", summary.Rejected),
		zap.Int("errors", summary.Errors),
		zap.Duration("duration", time.Since(start)),
	)
	return summary
}

// ProcessDocument runs one document through filter, extraction and both stores, in that order.
func (p *Processor) ProcessDocument(ctx context.Context, raw models.RawDocument) Outcome {
	doc := p.normalize(raw)
	out := Outcome{DocumentID: doc.ID, URL: doc.URL, Title: doc.Title}

	if doc.Body == "" {
		out.Status = StatusError
		out.Error = "no content extracted from document"
		return out
	}

	result := p.filter.Evaluate(quality.Input{
		Title:       doc.Title,
		Body:        doc.Body,
		Source:      doc.Source,
		URL:         doc.URL,
		PublishedAt: doc.PublishedAt,
	})
	out.Score = result.Score
	doc.QualityScore = result.Score
	metrics.QualityScore.Observe(result.Score)

	if !result.Accepted {
		out.Status = StatusRejected
		out.Reason = result.Reason
		metrics.DocumentsRejected.WithLabelValues(result.Reason).Inc()

		err := p.store.RecordRejection(ctx, &models.Rejection{
			DocumentID: doc.ID,
			URL:        doc.URL,
			Title:      doc.Title,
			Source:     doc.Source,
			Reason:     result.Reason,
			Score:      result.Score,
		})
		if err != nil {
			logger.Warn("Failed to record rejection", zap.String("doc_id", doc.ID), zap.Error(err))
		}
		logger.Debug("Document rejected",
			zap.String("doc_id", doc.ID),
			zap.String("reason", result.Reason),
			zap.Float64("score", result.Score),
		)
		return out
	}

	doc.Symbols = mergeSymbols(doc.Symbols, result.Breakdown.MatchedSymbols)

	ext, err := p.extractor.Extract(ctx, extraction.Input{Title: doc.Title, Body: doc.Body, Symbols: doc.Symbols})
	if err != nil {
		logger.Warn("Entity extraction failed, indexing without entities", zap.String("doc_id", doc.ID), zap.Error(err))
		ext = nil
	}

	doc.Status = models.DocumentStored
	if err := p.store.SaveDocument(ctx, doc); err != nil {
		return p.fail(ctx, out, doc.ID, err, false)
	}

	err = p.vectors.Upsert(ctx, doc.ID, doc.Title+"\n\n"+doc.Body, models.VectorMetadata{
		Title:       doc.Title,
		Source:      doc.Source,
		Symbols:     doc.Symbols,
		PublishedAt: doc.PublishedAt,
	})
	if err != nil {
		return p.fail(ctx, out, doc.ID, fmt.Errorf("vector write: %w", err), true)
	}

	// Graph writes are best effort: the document is already searchable by vector.
	graphSummary, err := p.graph.BuildFromDocument(ctx, doc, ext)
	if err != nil {
		logger.Warn("Graph write failed, document is vector-only", zap.String("doc_id", doc.ID), zap.Error(err))
	} else {
		out.GraphWritten = true
		out.Entities = graphSummary.Entities
		out.Relationships = graphSummary.Relationships
	}

	if err := p.store.UpdateDocumentStatus(ctx, doc.ID, models.DocumentIndexed); err != nil {
		logger.Warn("Failed to mark document indexed", zap.String("doc_id", doc.ID), zap.Error(err))
	}

	out.Status = StatusAccepted
	return out
}

func (p *Processor) fail(ctx context.Context, out Outcome, docID string, err error, saved bool) Outcome {
	out.Status = StatusError
	out.Error = err.Error()
	if errors.Is(err, models.ErrDimensionMismatch) {
		out.Reason = "dimension_mismatch"
	}
	if saved {
		if uerr := p.store.UpdateDocumentStatus(ctx, docID, models.DocumentFailed); uerr != nil {
			logger.Warn("Failed to mark document failed", zap.String("doc_id", docID), zap.Error(uerr))
		}
	}
	logger.Error("Failed to ingest document", zap.String("doc_id", docID), zap.Error(err))
	return out
}

// Trigger collects documents for symbols over window, ingests them and records the run.
func (p *Processor) Trigger(ctx context.Context, symbols []string, window time.Duration) (*Summary, error) {
	if p.collector == nil {
		return nil, fmt.Errorf("%w: no collector configured", models.ErrValidation)
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: at least one symbol is required", models.ErrValidation)
	}

	run := &models.IngestionRun{
		ID:        uuid.New().String(),
		Trigger:   "collector",
		Symbols:   symbols,
		Window:    window,
		StartedAt: time.Now().UTC(),
	}
	logger.Info("Ingestion triggered", zap.String("run_id", run.ID), zap.Strings("symbols", symbols), zap.Duration("window", window))

	docs, err := p.collector.Collect(ctx, symbols, window)
	if err != nil {
		return nil, fmt.Errorf("failed to collect documents: %w", err)
	}

	summary := p.IngestBatch(ctx, docs)
	summary.RunID = run.ID

	run.Accepted = summary.Accepted
	run.Rejected = summary.Rejected
	run.Errors = summary.Errors
	run.FinishedAt = time.Now().UTC()
	if err := p.store.InsertIngestionRun(ctx, run); err != nil {
		logger.Warn("Failed to record ingestion run", zap.String("run_id", run.ID), zap.Error(err))
	}
	return summary, nil
}

func (p *Processor) normalize(raw models.RawDocument) *models.Document {
	title := strings.TrimSpace(raw.Title)
	body := strings.TrimSpace(raw.Body)
	if raw.HTML != "" {
		if body == "" {
			body = cleanHTML(raw.HTML)
		}
		if title == "" {
			title = extractTitle(raw.HTML)
		}
	}

	published := raw.PublishedAt.UTC()
	if raw.PublishedAt.IsZero() {
		published = time.Now().UTC()
	}

	return &models.Document{
		ID:          utils.ContentID(title, body),
		URL:         raw.URL,
		Title:       title,
		Body:        body,
		Source:      strings.TrimSpace(raw.Source),
		PublishedAt: published.Truncate(time.Second),
		Symbols:     mergeSymbols(nil, raw.Symbols),
	}
}

func cleanHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	text := doc.Find("body").Text()
	text = whitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func extractTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	title := doc.Find("title").First().Text()
	if title == "" {
		title = doc.Find("h1").First().Text()
	}
	return strings.TrimSpace(title)
}

func mergeSymbols(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, s := range list {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
