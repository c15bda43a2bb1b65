package query_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptobroker/backend/internal/query"
	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/internal/testutil"
	"github.com/cryptobroker/backend/internal/testutil/fixtures"
	"github.com/cryptobroker/backend/internal/vector"
	"github.com/cryptobroker/backend/pkg/failover"
)

func ingested(t *testing.T) (*testutil.Stack, *query.Engine) {
	t.Helper()
	s := testutil.NewStack(t)
	now := time.Now()
	summary := s.Processor.IngestBatch(context.Background(), []models.RawDocument{
		fixtures.SECArticle(now.Add(-time.Hour)),
		fixtures.ETFArticle(now.Add(-2 * time.Hour)),
		fixtures.StablecoinArticle(now.Add(-3 * time.Hour)),
	})
	require.Equal(t, 3, summary.Accepted, "%+v", summary.Outcomes)
	return s, query.NewEngine(s.Vectors, s.Graph, s.DB, query.Config{})
}

func secID(t *testing.T, s *testutil.Stack) string {
	t.Helper()
	res, err := s.Vectors.Search(context.Background(), "SEC sues major exchange over unregistered securities", models.Filter{}, 1)
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	return res.Hits[0].DocumentID
}

func TestQuery_HybridEndToEnd(t *testing.T) {
	s, engine := ingested(t)
	ctx := context.Background()

	resp, err := engine.Query(ctx, query.Request{
		Text:    "SEC regulatory action",
		Type:    models.QueryHybrid,
		Symbols: []string{"btc"},
		Limit:   5,
	})
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	assert.False(t, resp.Partial)
	assert.Equal(t, vector.BackendPrimary, resp.VectorBackend)
	require.NotEmpty(t, resp.Results)

	top := resp.Results[0]
	assert.Equal(t, secID(t, s), top.DocumentID)
	assert.Equal(t, models.ProvenanceHybrid, top.Provenance)
	require.NotNil(t, top.VectorScore)
	require.NotNil(t, top.GraphScore)
	assert.InDelta(t, 0.6*(*top.VectorScore)+0.4*(*top.GraphScore), top.Score, 1e-9)
	assert.NotEmpty(t, top.Snippet)
	assert.Equal(t, "https://www.reuters.com/technology/sec-sues-major-exchange", top.URL)

	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}
}

func TestQuery_GraphMockDegradesHybridToVectorOnly(t *testing.T) {
	s, engine := ingested(t)
	ctx := context.Background()
	s.FlakyGraph.SetDown(true)

	req := query.Request{Text: "SEC regulatory action", Symbols: []string{"BTC"}, Limit: 3}

	req.Type = models.QueryHybrid
	hybrid, err := engine.Query(ctx, req)
	require.NoError(t, err)

	req.Type = models.QueryVectorOnly
	vectorOnly, err := engine.Query(ctx, req)
	require.NoError(t, err)

	assert.True(t, hybrid.Partial)
	assert.False(t, hybrid.Degraded)
	assert.Equal(t, "mock", hybrid.GraphState)
	assert.Equal(t, vectorOnly.Results, hybrid.Results)
	for _, r := range hybrid.Results {
		assert.Equal(t, models.ProvenanceVector, r.Provenance)
	}
}

type unavailableVectors struct{}

func (unavailableVectors) Search(ctx context.Context, text string, filter models.Filter, topK int) (*vector.SearchResult, error) {
	return nil, fmt.Errorf("fallback search failed: %w", models.ErrConnection)
}

func (unavailableVectors) Status() failover.Status {
	return failover.Status{Name: "vector", State: vector.BackendFallback}
}

func TestQuery_VectorUnavailableDegradesHybridToGraphOnly(t *testing.T) {
	s, _ := ingested(t)
	engine := query.NewEngine(unavailableVectors{}, s.Graph, s.DB, query.Config{})
	ctx := context.Background()

	req := query.Request{Text: "SEC regulatory action", Limit: 3}

	req.Type = models.QueryHybrid
	hybrid, err := engine.Query(ctx, req)
	require.NoError(t, err)

	req.Type = models.QueryGraphOnly
	graphOnly, err := engine.Query(ctx, req)
	require.NoError(t, err)

	assert.True(t, hybrid.Partial)
	assert.False(t, hybrid.Degraded)
	assert.Equal(t, "unavailable", hybrid.VectorBackend)
	require.NotEmpty(t, hybrid.Results)
	assert.Equal(t, graphOnly.Results, hybrid.Results)
	assert.Equal(t, models.ProvenanceGraph, hybrid.Results[0].Provenance)
}

func TestQuery_EmptyVersusDegraded(t *testing.T) {
	s := testutil.NewStack(t)
	engine := query.NewEngine(s.Vectors, s.Graph, s.DB, query.Config{})
	ctx := context.Background()

	req := query.Request{Text: "zebra quantum lattice", Type: models.QueryHybrid}
	resp, err := engine.Query(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Results)
	assert.False(t, resp.Degraded)
	assert.False(t, resp.Partial)

	s.FlakyVector.SetDown(true)
	s.FlakyGraph.SetDown(true)

	resp, err = engine.Query(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.True(t, resp.Degraded)
	assert.True(t, resp.Partial)
	assert.Equal(t, vector.BackendFallback, resp.VectorBackend)
}

func TestQuery_FallbackStillReturnsResults(t *testing.T) {
	s, engine := ingested(t)
	ctx := context.Background()
	s.FlakyVector.SetDown(true)

	resp, err := engine.Query(ctx, query.Request{Text: "Tether USDT reserves", Type: models.QueryVectorOnly})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.True(t, resp.Partial)
	assert.True(t, resp.Degraded)
	for _, r := range resp.Results {
		assert.Equal(t, vector.BackendFallback, r.Backend)
	}
}

func TestQuery_EntityNetwork(t *testing.T) {
	s, engine := ingested(t)

	resp, err := engine.Query(context.Background(), query.Request{Text: "SEC", Type: models.QueryEntityNetwork})
	require.NoError(t, err)
	assert.False(t, resp.Partial)

	var names []string
	for _, e := range resp.Entities {
		names = append(names, e.Entity.Name)
	}
	assert.Contains(t, names, "major exchange")

	require.NotEmpty(t, resp.Results)
	assert.Equal(t, secID(t, s), resp.Results[0].DocumentID)
}

func TestQuery_SentimentAnalysis(t *testing.T) {
	s, engine := ingested(t)

	resp, err := engine.Query(context.Background(), query.Request{Type: models.QuerySentimentAnalysis, Symbols: []string{"BTC"}})
	require.NoError(t, err)
	require.NotNil(t, resp.Sentiment)
	require.NotEmpty(t, resp.Results)

	id := secID(t, s)
	var found bool
	for _, r := range resp.Results {
		assert.NotEmpty(t, r.Sentiment)
		if r.DocumentID == id {
			found = true
			assert.Equal(t, models.SentimentBearish, r.Sentiment)
		}
	}
	assert.True(t, found)
	assert.GreaterOrEqual(t, resp.Sentiment.Bearish, 1)
}

func TestQuery_Validation(t *testing.T) {
	s := testutil.NewStack(t)
	engine := query.NewEngine(s.Vectors, s.Graph, s.DB, query.Config{})
	ctx := context.Background()
	now := time.Now()

	cases := map[string]query.Request{
		"unknown type":   {Text: "sec", Type: "keyword"},
		"missing text":   {Type: models.QueryHybrid},
		"network seed":   {Type: models.QueryEntityNetwork},
		"limit too high": {Text: "sec", Limit: 1000},
		"negative limit": {Text: "sec", Limit: -1},
		"inverted range": {Text: "sec", TimeRange: &models.TimeRange{From: now, To: now.Add(-time.Hour)}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := engine.Query(ctx, req)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestQuery_DefaultsToHybridAndRecordsHistory(t *testing.T) {
	s, engine := ingested(t)
	ctx := context.Background()

	resp, err := engine.Query(ctx, query.Request{Text: "Ethereum ETF approval"})
	require.NoError(t, err)
	assert.Equal(t, models.QueryHybrid, resp.Type)
	assert.LessOrEqual(t, len(resp.Results), 10)

	history, err := s.DB.GetQueryHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Ethereum ETF approval", history[0].QueryText)
	assert.Equal(t, string(models.QueryHybrid), history[0].QueryType)
	assert.Equal(t, len(resp.Results), history[0].ResultCount)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapCache) GetQuery(ctx context.Context, key string, out interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (m *mapCache) SetQuery(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = raw
	return nil
}

func TestQuery_CachesOnlyFullFidelityResponses(t *testing.T) {
	s, engine := ingested(t)
	cache := &mapCache{data: map[string][]byte{}}
	engine.SetCache(cache)
	ctx := context.Background()

	req := query.Request{Text: "SEC regulatory action", Type: models.QueryHybrid}
	first, err := engine.Query(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Len(t, cache.data, 1)

	second, err := engine.Query(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	require.Equal(t, len(first.Results), len(second.Results))
	assert.Equal(t, first.Results[0].DocumentID, second.Results[0].DocumentID)

	s.FlakyGraph.SetDown(true)
	partial, err := engine.Query(ctx, query.Request{Text: "Tether reserves", Type: models.QueryHybrid})
	require.NoError(t, err)
	assert.True(t, partial.Partial)
	assert.Len(t, cache.data, 1)
}

func TestQuery_CachedResponseGetsItsOwnHistoryID(t *testing.T) {
	s, engine := ingested(t)
	engine.SetCache(&mapCache{data: map[string][]byte{}})
	ctx := context.Background()

	req := query.Request{Text: "SEC regulatory action", Type: models.QueryHybrid}
	first, err := engine.Query(ctx, req)
	require.NoError(t, err)
	second, err := engine.Query(ctx, req)
	require.NoError(t, err)
	require.True(t, second.Cached)
	assert.NotEqual(t, first.ID, second.ID)

	history, err := s.DB.GetQueryHistory(ctx, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(history))
	for _, h := range history {
		ids = append(ids, h.ID)
	}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
}

func TestTrendingTopics(t *testing.T) {
	s, engine := ingested(t)
	ctx := context.Background()

	resp, err := engine.TrendingTopics(ctx, 24*time.Hour, 5)
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	require.NotEmpty(t, resp.Topics)
	assert.Equal(t, 1.0, resp.Topics[0].Score)
	assert.LessOrEqual(t, len(resp.Topics), 5)

	_, err = engine.TrendingTopics(ctx, time.Hour, 1000)
	assert.ErrorIs(t, err, models.ErrValidation)

	s.FlakyGraph.SetDown(true)
	resp, err = engine.TrendingTopics(ctx, time.Hour, 5)
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Empty(t, resp.Topics)
}

func TestStatus(t *testing.T) {
	s, engine := ingested(t)
	s.FlakyGraph.SetDown(true)
	s.Graph.Probe(context.Background())

	h := engine.Status()
	assert.Equal(t, "primary", h.Vector.State)
	assert.Equal(t, "mock", h.Graph.State)
}
