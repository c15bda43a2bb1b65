package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cryptobroker/backend/internal/kg"
	"github.com/cryptobroker/backend/internal/metrics"
	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/internal/vector"
	"github.com/cryptobroker/backend/pkg/failover"
	"github.com/cryptobroker/backend/pkg/logger"
)

type VectorSearcher interface {
	Search(ctx context.Context, text string, filter models.Filter, topK int) (*vector.SearchResult, error)
	Status() failover.Status
}

type GraphQuerier interface {
	Query(ctx context.Context, queryType models.GraphQueryType, params kg.Params, limit int) (*kg.Response, error)
	ResolveEntity(ctx context.Context, name string) (*models.Entity, error)
	Status() failover.Status
}

type DocumentStore interface {
	GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error)
	InsertQueryRecord(ctx context.Context, record *models.QueryRecord) error
}

type ResultCache interface {
	GetQuery(ctx context.Context, queryHash string, response interface{}) (bool, error)
	SetQuery(ctx context.Context, queryHash string, response interface{}) error
}

type Config struct {
	VectorWeight float64
	GraphWeight  float64
	// FallbackWeight scales similarities served by the local fallback store.
	FallbackWeight float64
	DefaultLimit   int
	MaxLimit       int
}

func DefaultConfig() Config {
	return Config{
		VectorWeight:   0.6,
		GraphWeight:    0.4,
		FallbackWeight: 1.0,
		DefaultLimit:   10,
		MaxLimit:       100,
	}
}

type Request struct {
	Text      string            `json:"query"`
	Type      models.QueryType  `json:"query_type"`
	Symbols   []string          `json:"symbols,omitempty"`
	TimeRange *models.TimeRange `json:"time_range,omitempty"`
	Limit     int               `json:"limit,omitempty"`
}

type Response struct {
	ID            string               `json:"id"`
	Query         string               `json:"query"`
	Type          models.QueryType     `json:"query_type"`
	Results       []models.QueryResult `json:"results"`
	Degraded      bool                 `json:"degraded"`
	Partial       bool                 `json:"partial"`
	VectorBackend string               `json:"vector_backend,omitempty"`
	GraphState    string               `json:"graph_state,omitempty"`
	Entities      []models.GraphResult `json:"entities,omitempty"`
	Sentiment     *SentimentSummary    `json:"sentiment,omitempty"`
	Cached        bool                 `json:"cached"`
	LatencyMS     int                  `json:"latency_ms"`
}

type SentimentSummary struct {
	Bullish int              `json:"bullish"`
	Bearish int              `json:"bearish"`
	Neutral int              `json:"neutral"`
	Overall models.Sentiment `json:"overall"`
}

type TrendingResponse struct {
	Topics   []models.GraphResult `json:"topics"`
	Degraded bool                 `json:"degraded"`
	Since    time.Time            `json:"since"`
}

type Health struct {
	Vector failover.Status `json:"vector"`
	Graph  failover.Status `json:"graph"`
}

// Engine answers retrieval queries by dispatching to the vector and graph adapters and merging
// their results. Adapter failures show up as Partial or Degraded responses, never as errors.
type Engine struct {
	vectors VectorSearcher
	graph   GraphQuerier
	docs    DocumentStore
	cache   ResultCache
	cfg     Config
}

func NewEngine(vectors VectorSearcher, graph GraphQuerier, docs DocumentStore, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.VectorWeight == 0 && cfg.GraphWeight == 0 {
		cfg.VectorWeight, cfg.GraphWeight = def.VectorWeight, def.GraphWeight
	}
	if cfg.FallbackWeight == 0 {
		cfg.FallbackWeight = def.FallbackWeight
	}
	if cfg.DefaultLimit == 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit == 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	return &Engine{vectors: vectors, graph: graph, docs: docs, cfg: cfg}
}

func (e *Engine) SetCache(c ResultCache) { e.cache = c }

func (e *Engine) Status() Health {
	return Health{Vector: e.vectors.Status(), Graph: e.graph.Status()}
}

// retrieval holds the raw adapter answers of one query.
type retrieval struct {
	wantVector bool
	wantGraph  bool
	vector     *vector.SearchResult
	vectorErr  error
	graph      *kg.Response
	graphErr   error
}

func (r *retrieval) vectorUsable() bool { return r.wantVector && r.vectorErr == nil }

func (r *retrieval) vectorHealthy() bool {
	return r.vectorUsable() && r.vector.Backend == vector.BackendPrimary
}

func (r *retrieval) graphUsable() bool {
	return r.wantGraph && r.graphErr == nil && !r.graph.Degraded
}

func (e *Engine) Query(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()

	req, err := e.validate(req)
	if err != nil {
		metrics.QueryTotal.WithLabelValues(string(req.Type), "invalid").Inc()
		return nil, err
	}

	key := cacheKey(req)
	if resp, ok := e.fromCache(ctx, key); ok {
		resp.ID = uuid.New().String()
		resp.Cached = true
		resp.LatencyMS = int(time.Since(startTime).Milliseconds())
		e.finish(ctx, req, resp, startTime)
		return resp, nil
	}

	resp := &Response{
		ID:    uuid.New().String(),
		Query: req.Text,
		Type:  req.Type,
	}

	logger.Info("Processing query",
		zap.String("query_id", resp.ID),
		zap.String("query_type", string(req.Type)),
		zap.String("query", req.Text),
		zap.Strings("symbols", req.Symbols),
	)

	r, err := e.retrieve(ctx, req)
	if err != nil {
		metrics.QueryTotal.WithLabelValues(string(req.Type), "invalid").Inc()
		return nil, err
	}

	e.assemble(req, r, resp)
	e.hydrate(ctx, resp.Results)

	if req.Type == models.QuerySentimentAnalysis {
		resp.Sentiment = summarize(resp.Results)
	}

	resp.LatencyMS = int(time.Since(startTime).Milliseconds())
	if !resp.Partial && !resp.Degraded && e.cache != nil {
		if err := e.cache.SetQuery(ctx, key, resp); err != nil {
			logger.Warn("Failed to cache query response", zap.Error(err))
		}
	}

	e.finish(ctx, req, resp, startTime)
	return resp, nil
}

func (e *Engine) validate(req Request) (Request, error) {
	req.Text = strings.TrimSpace(req.Text)

	qt, err := models.ParseQueryType(string(req.Type))
	if err != nil {
		return req, err
	}
	req.Type = qt

	if req.Text == "" && qt != models.QuerySentimentAnalysis {
		return req, fmt.Errorf("%w: query text is required for %s queries", models.ErrValidation, qt)
	}

	switch {
	case req.Limit == 0:
		req.Limit = e.cfg.DefaultLimit
	case req.Limit < 0 || req.Limit > e.cfg.MaxLimit:
		return req, fmt.Errorf("%w: limit must be between 1 and %d", models.ErrValidation, e.cfg.MaxLimit)
	}

	if err := req.TimeRange.Validate(); err != nil {
		return req, err
	}

	symbols := make([]string, 0, len(req.Symbols))
	for _, s := range req.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			symbols = append(symbols, s)
		}
	}
	req.Symbols = symbols
	return req, nil
}

// retrieve issues the vector and graph calls the query type needs concurrently and waits for both.
func (e *Engine) retrieve(ctx context.Context, req Request) (*retrieval, error) {
	r := &retrieval{}
	switch req.Type {
	case models.QueryVectorOnly:
		r.wantVector = true
	case models.QueryGraphOnly:
		r.wantGraph = true
	case models.QueryHybrid:
		r.wantVector, r.wantGraph = true, true
	case models.QuerySentimentAnalysis, models.QueryEntityNetwork:
		r.wantGraph = true
		r.wantVector = req.Text != ""
	}

	filter := models.Filter{Symbols: req.Symbols, TimeRange: req.TimeRange}
	fetch := req.Limit
	if r.wantVector && r.wantGraph {
		fetch = req.Limit * 2
	}

	var g errgroup.Group
	if r.wantVector {
		g.Go(func() error {
			r.vector, r.vectorErr = e.vectors.Search(ctx, req.Text, filter, fetch)
			if r.vectorErr != nil {
				logger.Warn("Vector retrieval failed", zap.Error(r.vectorErr))
			}
			return nil
		})
	}
	if r.wantGraph {
		g.Go(func() error {
			r.graph, r.graphErr = e.queryGraph(ctx, req, filter, fetch)
			if r.graphErr != nil {
				logger.Warn("Graph retrieval failed", zap.Error(r.graphErr))
			}
			return nil
		})
	}
	_ = g.Wait()

	if errors.Is(r.graphErr, models.ErrValidation) {
		return nil, r.graphErr
	}
	return r, nil
}

func (e *Engine) queryGraph(ctx context.Context, req Request, filter models.Filter, limit int) (*kg.Response, error) {
	params := kg.Params{Text: req.Text, Filter: filter}

	switch req.Type {
	case models.QueryEntityNetwork:
		params.Entity = req.Text
		return e.graph.Query(ctx, models.GraphEntityNetwork, params, limit)

	case models.QuerySentimentAnalysis:
		if req.Text != "" {
			if ent := e.resolve(ctx, req.Text); ent != nil {
				params.Entity = ent.Name
			}
		}
		return e.graph.Query(ctx, models.GraphSentimentAnalysis, params, limit)

	default:
		if ent := e.resolve(ctx, req.Text); ent != nil {
			params.Entity = ent.Name
			return e.graph.Query(ctx, models.GraphEntityNetwork, params, limit)
		}
		return e.graph.Query(ctx, models.GraphRelatedArticles, params, limit)
	}
}

func (e *Engine) resolve(ctx context.Context, text string) *models.Entity {
	ent, err := e.graph.ResolveEntity(ctx, text)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			logger.Warn("Entity resolution failed", zap.String("text", text), zap.Error(err))
		}
		return nil
	}
	return ent
}

// assemble applies the degraded-mode policy and merges the adapter answers into resp.
func (e *Engine) assemble(req Request, r *retrieval, resp *Response) {
	var hits []vector.Hit
	if r.wantVector {
		if r.vectorUsable() {
			resp.VectorBackend = r.vector.Backend
			hits = r.vector.Hits
			if r.vector.Backend == vector.BackendFallback {
				hits = scaleHits(hits, e.cfg.FallbackWeight)
			}
		} else {
			resp.VectorBackend = "unavailable"
		}
	}

	var rows []models.GraphResult
	if r.wantGraph {
		switch {
		case r.graphErr != nil:
			resp.GraphState = "error"
		default:
			resp.GraphState = r.graph.State
		}
		if r.graphUsable() {
			rows = r.graph.Documents()
			resp.Entities = r.graph.Entities()
		}
	}

	healthy := (r.wantVector && r.vectorHealthy()) || r.graphUsable()
	partial := (r.wantVector && !r.vectorHealthy()) || (r.wantGraph && !r.graphUsable())
	resp.Degraded = !healthy
	resp.Partial = partial || resp.Degraded

	w := weights{vector: e.cfg.VectorWeight, graph: e.cfg.GraphWeight}
	var mode scoring
	graphFirst := req.Type == models.QuerySentimentAnalysis || req.Type == models.QueryEntityNetwork
	switch {
	case req.Type == models.QueryVectorOnly:
		mode = scoreVector
	case req.Type == models.QueryGraphOnly:
		mode = scoreGraph
	case r.vectorUsable() && r.graphUsable():
		mode = scoreCombined
	case r.vectorUsable():
		mode = scoreVector
		graphFirst = false
	default:
		mode = scoreGraph
	}

	resp.Results = merge(hits, rows, mode, w, graphFirst, req.Limit)

	metrics.ResultsCount.WithLabelValues("vector").Observe(float64(len(hits)))
	metrics.ResultsCount.WithLabelValues("graph").Observe(float64(len(rows)))
	metrics.ResultsCount.WithLabelValues("merged").Observe(float64(len(resp.Results)))

	logger.Info("Results merged",
		zap.String("query_id", resp.ID),
		zap.Int("vector_results", len(hits)),
		zap.Int("graph_results", len(rows)),
		zap.Int("merged_results", len(resp.Results)),
		zap.Bool("partial", resp.Partial),
		zap.Bool("degraded", resp.Degraded),
	)
}

func scaleHits(hits []vector.Hit, factor float64) []vector.Hit {
	if factor == 1 {
		return hits
	}
	out := make([]vector.Hit, len(hits))
	for i, h := range hits {
		h.Score *= factor
		out[i] = h
	}
	return out
}

const snippetChars = 240

// hydrate fills snippets and URLs from the document table.
func (e *Engine) hydrate(ctx context.Context, results []models.QueryResult) {
	if len(results) == 0 || e.docs == nil {
		return
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.DocumentID
	}
	docs, err := e.docs.GetDocuments(ctx, ids)
	if err != nil {
		logger.Warn("Failed to load documents for results", zap.Error(err))
		return
	}

	for i := range results {
		doc, ok := docs[results[i].DocumentID]
		if !ok {
			continue
		}
		results[i].Snippet = snippet(doc.Body, snippetChars)
		results[i].URL = doc.URL
		if results[i].Title == "" {
			results[i].Title = doc.Title
		}
		if results[i].Source == "" {
			results[i].Source = doc.Source
		}
		if len(results[i].Symbols) == 0 {
			results[i].Symbols = doc.Symbols
		}
	}
}

func snippet(body string, n int) string {
	body = strings.Join(strings.Fields(body), " ")
	runes := []rune(body)
	if len(runes) <= n {
		return body
	}
	cut := string(runes[:n])
	if i := strings.LastIndex(cut, " "); i > n/2 {
		cut = cut[:i]
	}
	return cut + "..."
}

func summarize(results []models.QueryResult) *SentimentSummary {
	s := &SentimentSummary{Overall: models.SentimentNeutral}
	for _, r := range results {
		switch r.Sentiment {
		case models.SentimentBullish:
			s.Bullish++
		case models.SentimentBearish:
			s.Bearish++
		case models.SentimentNeutral:
			s.Neutral++
		}
	}
	switch {
	case s.Bullish > s.Bearish && s.Bullish > s.Neutral:
		s.Overall = models.SentimentBullish
	case s.Bearish > s.Bullish && s.Bearish > s.Neutral:
		s.Overall = models.SentimentBearish
	}
	return s
}

func (e *Engine) fromCache(ctx context.Context, key string) (*Response, bool) {
	if e.cache == nil {
		return nil, false
	}
	var resp Response
	hit, err := e.cache.GetQuery(ctx, key, &resp)
	if err != nil {
		logger.Warn("Query cache read failed", zap.Error(err))
		return nil, false
	}
	if !hit {
		return nil, false
	}
	return &resp, true
}

func (e *Engine) finish(ctx context.Context, req Request, resp *Response, startTime time.Time) {
	status := "ok"
	switch {
	case resp.Degraded:
		status = "degraded"
	case resp.Partial:
		status = "partial"
	}
	metrics.QueryDuration.WithLabelValues(string(req.Type)).Observe(time.Since(startTime).Seconds())
	metrics.QueryTotal.WithLabelValues(string(req.Type), status).Inc()

	if e.docs != nil {
		record := &models.QueryRecord{
			ID:          resp.ID,
			QueryText:   req.Text,
			QueryType:   string(req.Type),
			Symbols:     req.Symbols,
			ResultCount: len(resp.Results),
			Degraded:    resp.Degraded,
			Partial:     resp.Partial,
			LatencyMS:   resp.LatencyMS,
			CreatedAt:   time.Now(),
		}
		if err := e.docs.InsertQueryRecord(ctx, record); err != nil {
			logger.Warn("Failed to record query", zap.Error(err))
		}
	}

	logger.Info("Query processed",
		zap.String("query_id", resp.ID),
		zap.Int("results", len(resp.Results)),
		zap.Bool("cached", resp.Cached),
		zap.String("status", status),
		zap.Int("latency_ms", resp.LatencyMS),
	)
}

// TrendingTopics ranks entities by mention count over the trailing window.
func (e *Engine) TrendingTopics(ctx context.Context, window time.Duration, limit int) (*TrendingResponse, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if limit == 0 {
		limit = e.cfg.DefaultLimit
	}
	if limit < 0 || limit > e.cfg.MaxLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", models.ErrValidation, e.cfg.MaxLimit)
	}

	since := time.Now().UTC().Add(-window)
	resp, err := e.graph.Query(ctx, models.GraphTrendingTopics, kg.Params{Since: since}, limit)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			return nil, err
		}
		logger.Warn("Trending topics query failed", zap.Error(err))
		return &TrendingResponse{Topics: []models.GraphResult{}, Degraded: true, Since: since}, nil
	}
	topics := resp.Entities()
	if topics == nil {
		topics = []models.GraphResult{}
	}
	return &TrendingResponse{Topics: topics, Degraded: resp.Degraded, Since: since}, nil
}
