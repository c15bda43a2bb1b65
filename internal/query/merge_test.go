package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/internal/vector"
)

var defaultWeights = weights{vector: 0.6, graph: 0.4}

func hit(id string, score float64, published time.Time) vector.Hit {
	return vector.Hit{
		DocumentID: id,
		Score:      score,
		Metadata:   models.VectorMetadata{Title: id, PublishedAt: published, Backend: vector.BackendPrimary},
	}
}

func row(id string, score float64, published time.Time) models.GraphResult {
	return models.GraphResult{DocumentID: id, Title: id, Score: score, PublishedAt: published}
}

func TestMerge_CombinesSourcesWithWeights(t *testing.T) {
	now := time.Now()
	hits := []vector.Hit{hit("both", 0.9, now), hit("vector", 0.7, now)}
	rows := []models.GraphResult{row("both", 0.5, now)}

	out := merge(hits, rows, scoreCombined, defaultWeights, false, 10)
	require.Len(t, out, 2)

	assert.Equal(t, "both", out[0].DocumentID)
	assert.InDelta(t, 0.74, out[0].Score, 1e-9)
	assert.Equal(t, models.ProvenanceHybrid, out[0].Provenance)
	require.NotNil(t, out[0].VectorScore)
	require.NotNil(t, out[0].GraphScore)
	assert.InDelta(t, 0.9, *out[0].VectorScore, 1e-9)
	assert.InDelta(t, 0.5, *out[0].GraphScore, 1e-9)

	assert.Equal(t, "vector", out[1].DocumentID)
	assert.InDelta(t, 0.42, out[1].Score, 1e-9)
	assert.Equal(t, models.ProvenanceVector, out[1].Provenance)
	assert.Nil(t, out[1].GraphScore)
}

func TestMerge_KeepsBestScorePerSource(t *testing.T) {
	now := time.Now()
	rows := []models.GraphResult{row("a", 0.3, now), row("a", 0.5, now)}
	hits := []vector.Hit{hit("a", 0.4, now), hit("a", 0.8, now)}

	out := merge(hits, rows, scoreCombined, defaultWeights, false, 10)
	require.Len(t, out, 1)
	assert.InDelta(t, 0.6*0.8+0.4*0.5, out[0].Score, 1e-9)
}

func TestMerge_ClampsScores(t *testing.T) {
	now := time.Now()
	out := merge([]vector.Hit{hit("a", 1.4, now)}, []models.GraphResult{row("a", -0.2, now)}, scoreCombined, defaultWeights, false, 10)
	require.Len(t, out, 1)
	assert.InDelta(t, 0.6, out[0].Score, 1e-9)
}

func TestMerge_TiesPreferNewerDocuments(t *testing.T) {
	now := time.Now()
	hits := []vector.Hit{hit("old", 0.8, now.Add(-time.Hour)), hit("new", 0.8, now)}

	out := merge(hits, nil, scoreVector, defaultWeights, false, 10)
	require.Len(t, out, 2)
	assert.Equal(t, "new", out[0].DocumentID)
	assert.Equal(t, "old", out[1].DocumentID)
}

func TestMerge_SingleSourceModesIgnoreTheOtherSource(t *testing.T) {
	now := time.Now()
	hits := []vector.Hit{hit("v", 0.9, now)}
	rows := []models.GraphResult{row("g", 0.6, now)}

	vec := merge(hits, rows, scoreVector, defaultWeights, false, 10)
	require.Len(t, vec, 1)
	assert.Equal(t, "v", vec[0].DocumentID)
	assert.InDelta(t, 0.9, vec[0].Score, 1e-9)

	graph := merge(hits, rows, scoreGraph, defaultWeights, false, 10)
	require.Len(t, graph, 1)
	assert.Equal(t, "g", graph[0].DocumentID)
	assert.Equal(t, models.ProvenanceGraph, graph[0].Provenance)
}

func TestMerge_GraphFirstOnlyRerank(t *testing.T) {
	now := time.Now()
	hits := []vector.Hit{hit("g", 0.5, now), hit("v", 0.99, now)}
	rows := []models.GraphResult{{DocumentID: "g", Score: 0.8, PublishedAt: now, Sentiment: models.SentimentBearish}}

	out := merge(hits, rows, scoreCombined, defaultWeights, true, 10)
	require.Len(t, out, 1)
	assert.Equal(t, "g", out[0].DocumentID)
	assert.Equal(t, models.SentimentBearish, out[0].Sentiment)
	assert.Equal(t, models.ProvenanceHybrid, out[0].Provenance)
}

func TestMerge_LimitAndEmpty(t *testing.T) {
	now := time.Now()
	hits := []vector.Hit{hit("a", 0.9, now), hit("b", 0.8, now), hit("c", 0.7, now)}
	assert.Len(t, merge(hits, nil, scoreVector, defaultWeights, false, 2), 2)

	empty := merge(nil, nil, scoreCombined, defaultWeights, false, 5)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestCacheKey_IgnoresSymbolOrderAndCase(t *testing.T) {
	a := cacheKey(Request{Text: "SEC action", Type: models.QueryHybrid, Symbols: []string{"BTC", "ETH"}, Limit: 10})
	b := cacheKey(Request{Text: "sec action", Type: models.QueryHybrid, Symbols: []string{"ETH", "BTC"}, Limit: 10})
	c := cacheKey(Request{Text: "sec action", Type: models.QueryVectorOnly, Symbols: []string{"ETH", "BTC"}, Limit: 10})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "short body", snippet("short   body", 240))
	assert.Equal(t, "alpha beta...", snippet("alpha beta gamma", 12))
}

func TestSummarize(t *testing.T) {
	s := summarize([]models.QueryResult{
		{Sentiment: models.SentimentBearish},
		{Sentiment: models.SentimentBearish},
		{Sentiment: models.SentimentBullish},
	})
	assert.Equal(t, 2, s.Bearish)
	assert.Equal(t, 1, s.Bullish)
	assert.Equal(t, models.SentimentBearish, s.Overall)

	assert.Equal(t, models.SentimentNeutral, summarize(nil).Overall)
}
