package kg_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptobroker/backend/internal/kg"
	"github.com/cryptobroker/backend/internal/kg/memory"
	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/internal/testutil"
	"github.com/cryptobroker/backend/pkg/failover"
	"github.com/cryptobroker/backend/pkg/retry"
)

func newAdapter(t *testing.T) (*kg.Adapter, *memory.Graph, *testutil.FlakyGraph) {
	t.Helper()
	g := memory.NewGraph()
	flaky := testutil.NewFlakyGraph(g)
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	return kg.NewAdapter(flaky, kg.Options{Timeout: 200 * time.Millisecond, Retry: cfg}), g, flaky
}

func mustEntity(t *testing.T, a *kg.Adapter, name, typ string) string {
	t.Helper()
	id, err := a.UpsertEntity(context.Background(), name, typ)
	require.NoError(t, err)
	return id
}

func TestUpsertEntity_MergesByNormalizedNameAndType(t *testing.T) {
	a, g, _ := newAdapter(t)

	id1 := mustEntity(t, a, "SEC", "organization")
	id2 := mustEntity(t, a, "  sec ", "organization")
	id3 := mustEntity(t, a, "SEC", "topic")

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	entities, _ := g.Counts()
	assert.Equal(t, 2, entities)
}

func TestUpsertEntity_RejectsUnknownType(t *testing.T) {
	a, _, _ := newAdapter(t)

	_, err := a.UpsertEntity(context.Background(), "SEC", "planet")
	assert.ErrorIs(t, err, models.ErrInvalidEntityType)

	_, err = a.UpsertEntity(context.Background(), "  ", "organization")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestUpsertRelationship_KeepsMaxStrength(t *testing.T) {
	a, g, _ := newAdapter(t)
	ctx := context.Background()
	sec := mustEntity(t, a, "SEC", "organization")
	ex := mustEntity(t, a, "major exchange", "organization")

	require.NoError(t, a.UpsertRelationship(ctx, sec, ex, models.RelRelatedTo, 0.8))
	require.NoError(t, a.UpsertRelationship(ctx, sec, ex, models.RelRelatedTo, 0.5))

	rel, ok := g.Relationship(sec, ex, models.RelRelatedTo)
	require.True(t, ok)
	assert.Equal(t, 0.8, rel.Strength)

	require.NoError(t, a.UpsertRelationship(ctx, sec, ex, models.RelRelatedTo, 0.95))
	rel, _ = g.Relationship(sec, ex, models.RelRelatedTo)
	assert.Equal(t, 0.95, rel.Strength)

	_, edges := g.Counts()
	assert.Equal(t, 1, edges)

	assert.ErrorIs(t, a.UpsertRelationship(ctx, sec, ex, models.RelRelatedTo, 1.5), models.ErrValidation)
	assert.ErrorIs(t, a.UpsertRelationship(ctx, sec, ex, "OWNS", 0.5), models.ErrValidation)
}

func TestQuery_EntityNetworkRanksByStrongestPath(t *testing.T) {
	a, _, _ := newAdapter(t)
	ctx := context.Background()
	alpha := mustEntity(t, a, "Alpha", "organization")
	beta := mustEntity(t, a, "Beta", "organization")
	gamma := mustEntity(t, a, "Gamma", "organization")
	delta := mustEntity(t, a, "Delta", "organization")
	omega := mustEntity(t, a, "Omega", "organization")

	require.NoError(t, a.UpsertRelationship(ctx, alpha, beta, models.RelRelatedTo, 0.9))
	require.NoError(t, a.UpsertRelationship(ctx, beta, gamma, models.RelRelatedTo, 0.5))
	require.NoError(t, a.UpsertRelationship(ctx, alpha, gamma, models.RelRelatedTo, 0.3))
	require.NoError(t, a.UpsertRelationship(ctx, gamma, delta, models.RelImpacts, 0.9))
	// three hops out, beyond the default limit
	require.NoError(t, a.UpsertRelationship(ctx, delta, omega, models.RelRelatedTo, 1.0))

	resp, err := a.Query(ctx, models.GraphEntityNetwork, kg.Params{Entity: "alpha"}, 10)
	require.NoError(t, err)
	assert.False(t, resp.Degraded)

	rows := resp.Entities()
	require.Len(t, rows, 3)
	assert.Equal(t, "Beta", rows[0].Entity.Name)
	assert.InDelta(t, 0.9, rows[0].Score, 1e-9)
	assert.Equal(t, 1, rows[0].Hops)

	assert.Equal(t, "Gamma", rows[1].Entity.Name)
	assert.InDelta(t, 0.45, rows[1].Score, 1e-9)
	assert.Equal(t, []string{"Alpha", "Beta", "Gamma"}, rows[1].Via)

	assert.Equal(t, "Delta", rows[2].Entity.Name)
	assert.InDelta(t, 0.27, rows[2].Score, 1e-9)

	capped, err := a.Query(ctx, models.GraphEntityNetwork, kg.Params{Entity: "Alpha"}, 2)
	require.NoError(t, err)
	assert.Len(t, capped.Entities(), 2)

	wide, err := a.Query(ctx, models.GraphEntityNetwork, kg.Params{Entity: "Alpha", MaxHops: 3}, 10)
	require.NoError(t, err)
	assert.Len(t, wide.Entities(), 4)
}

func TestQuery_EntityNetworkReturnsDocumentsThroughNetwork(t *testing.T) {
	a, _, _ := newAdapter(t)
	ctx := context.Background()
	sec := mustEntity(t, a, "SEC", "organization")
	ex := mustEntity(t, a, "major exchange", "organization")
	require.NoError(t, a.UpsertRelationship(ctx, sec, ex, models.RelRelatedTo, 0.5))

	now := time.Now().UTC()
	require.NoError(t, a.UpsertDocument(ctx, kg.DocumentNode{ID: "d1", Title: "Exchange outflows", PublishedAt: now, Symbols: []string{"BTC"}}))
	require.NoError(t, a.UpsertRelationship(ctx, "d1", ex, models.RelMentions, 0.8))

	resp, err := a.Query(ctx, models.GraphEntityNetwork, kg.Params{Entity: "SEC"}, 5)
	require.NoError(t, err)

	docs := resp.Documents()
	require.Len(t, docs, 1)
	assert.Equal(t, "d1", docs[0].DocumentID)
	assert.InDelta(t, 0.4, docs[0].Score, 1e-9)
	assert.Equal(t, []string{"SEC", "major exchange"}, docs[0].Via)
}

func TestQuery_EntityNetworkCapsEntitiesAndDocumentsTogether(t *testing.T) {
	a, _, _ := newAdapter(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := mustEntity(t, a, "SEC", "organization")
	for i, name := range []string{"Binance", "Coinbase", "Kraken"} {
		id := mustEntity(t, a, name, "organization")
		require.NoError(t, a.UpsertRelationship(ctx, seed, id, models.RelRelatedTo, 0.9-float64(i)*0.1))

		docID := "doc-" + name
		require.NoError(t, a.UpsertDocument(ctx, kg.DocumentNode{ID: docID, Title: name + " news", PublishedAt: now}))
		require.NoError(t, a.UpsertRelationship(ctx, docID, id, models.RelMentions, 0.8))
	}

	tests := []struct {
		limit     int
		entities  int
		documents int
	}{
		{limit: 1, entities: 0, documents: 1},
		{limit: 2, entities: 1, documents: 1},
		{limit: 3, entities: 1, documents: 2},
		{limit: 5, entities: 2, documents: 3},
		{limit: 10, entities: 3, documents: 3},
	}
	for _, tt := range tests {
		resp, err := a.Query(ctx, models.GraphEntityNetwork, kg.Params{Entity: "SEC"}, tt.limit)
		require.NoError(t, err)

		assert.LessOrEqual(t, len(resp.Results), tt.limit, "limit %d", tt.limit)
		assert.Len(t, resp.Entities(), tt.entities, "limit %d", tt.limit)
		assert.Len(t, resp.Documents(), tt.documents, "limit %d", tt.limit)
	}

	// the strongest neighbour and its document survive the cap
	resp, err := a.Query(ctx, models.GraphEntityNetwork, kg.Params{Entity: "SEC"}, 2)
	require.NoError(t, err)
	assert.Equal(t, "Binance", resp.Entities()[0].Entity.Name)
	assert.Equal(t, "doc-Binance", resp.Documents()[0].DocumentID)
}

func TestQuery_RelatedArticlesMatchesEntitiesInText(t *testing.T) {
	a, _, _ := newAdapter(t)
	ctx := context.Background()
	sec := mustEntity(t, a, "SEC", "organization")
	now := time.Now().UTC()

	require.NoError(t, a.UpsertDocument(ctx, kg.DocumentNode{ID: "btc", PublishedAt: now, Symbols: []string{"BTC"}}))
	require.NoError(t, a.UpsertDocument(ctx, kg.DocumentNode{ID: "eth", PublishedAt: now.Add(-time.Hour), Symbols: []string{"ETH"}}))
	require.NoError(t, a.UpsertRelationship(ctx, "btc", sec, models.RelMentions, 0.9))
	require.NoError(t, a.UpsertRelationship(ctx, "eth", sec, models.RelMentions, 0.6))

	resp, err := a.Query(ctx, models.GraphRelatedArticles, kg.Params{Text: "SEC regulatory action"}, 10)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "btc", resp.Results[0].DocumentID)
	assert.InDelta(t, 0.9, resp.Results[0].Score, 1e-9)

	filtered, err := a.Query(ctx, models.GraphRelatedArticles, kg.Params{
		Text:   "SEC regulatory action",
		Filter: models.Filter{Symbols: []string{"eth"}},
	}, 10)
	require.NoError(t, err)
	require.Len(t, filtered.Results, 1)
	assert.Equal(t, "eth", filtered.Results[0].DocumentID)

	none, err := a.Query(ctx, models.GraphRelatedArticles, kg.Params{Text: "quantum gardening"}, 10)
	require.NoError(t, err)
	assert.Empty(t, none.Results)
	assert.False(t, none.Degraded)
}

func TestQuery_SentimentAndTrending(t *testing.T) {
	a, _, _ := newAdapter(t)
	ctx := context.Background()
	sec := mustEntity(t, a, "SEC", "organization")
	etf := mustEntity(t, a, "ETF", "topic")
	now := time.Now().UTC()

	for i, id := range []string{"d1", "d2", "d3"} {
		require.NoError(t, a.UpsertDocument(ctx, kg.DocumentNode{ID: id, PublishedAt: now.Add(-time.Duration(i) * time.Minute), Symbols: []string{"BTC"}}))
		require.NoError(t, a.UpsertRelationship(ctx, id, sec, models.RelMentions, 0.9))
	}
	require.NoError(t, a.UpsertRelationship(ctx, "d1", etf, models.RelMentions, 0.9))
	require.NoError(t, a.UpsertRelationship(ctx, "d1", string(models.SentimentBearish), models.RelHasSentiment, 0.7))
	require.NoError(t, a.UpsertRelationship(ctx, "d2", string(models.SentimentBullish), models.RelHasSentiment, 0.6))

	// re-labelling a document replaces its previous sentiment
	require.NoError(t, a.UpsertRelationship(ctx, "d2", string(models.SentimentNeutral), models.RelHasSentiment, 0.5))

	resp, err := a.Query(ctx, models.GraphSentimentAnalysis, kg.Params{Filter: models.Filter{Symbols: []string{"BTC"}}}, 10)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	bySentiment := map[string]models.Sentiment{}
	for _, r := range resp.Results {
		bySentiment[r.DocumentID] = r.Sentiment
	}
	assert.Equal(t, models.SentimentBearish, bySentiment["d1"])
	assert.Equal(t, models.SentimentNeutral, bySentiment["d2"])

	trending, err := a.Query(ctx, models.GraphTrendingTopics, kg.Params{}, 5)
	require.NoError(t, err)
	require.Len(t, trending.Results, 2)
	assert.Equal(t, "SEC", trending.Results[0].Entity.Name)
	assert.Equal(t, 3, trending.Results[0].Mentions)
	assert.InDelta(t, 1.0, trending.Results[0].Score, 1e-9)
	assert.InDelta(t, 1.0/3.0, trending.Results[1].Score, 1e-9)
}

func TestMockMode_DiscardsWritesAndDegradesQueries(t *testing.T) {
	a, g, flaky := newAdapter(t)
	ctx := context.Background()

	flaky.SetDown(true)
	id, err := a.UpsertEntity(ctx, "SEC", "organization")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, a.Mock())
	assert.Equal(t, kg.StateMock, a.Status().State)

	before := flaky.Calls.Load()
	require.NoError(t, a.UpsertRelationship(ctx, id, id, models.RelRelatedTo, 0.5))
	assert.Equal(t, before, flaky.Calls.Load(), "mock mode should not touch the backend")

	resp, err := a.Query(ctx, models.GraphRelatedArticles, kg.Params{Text: "SEC"}, 10)
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)

	_, err = a.ResolveEntity(ctx, "SEC")
	assert.ErrorIs(t, err, models.ErrNotFound)

	entities, _ := g.Counts()
	assert.Zero(t, entities)

	flaky.SetDown(false)
	assert.Equal(t, failover.StatePrimary, a.Probe(ctx))
	assert.Equal(t, kg.StateConnected, a.Status().State)

	_, err = a.UpsertEntity(ctx, "SEC", "organization")
	require.NoError(t, err)
	e, err := a.ResolveEntity(ctx, "sec")
	require.NoError(t, err)
	assert.Equal(t, id, e.ID)
}

func TestQuery_Validation(t *testing.T) {
	a, _, _ := newAdapter(t)
	ctx := context.Background()

	_, err := a.Query(ctx, "shortest_path", kg.Params{}, 10)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = a.Query(ctx, models.GraphRelatedArticles, kg.Params{}, 0)
	assert.ErrorIs(t, err, models.ErrValidation)

	now := time.Now()
	_, err = a.Query(ctx, models.GraphRelatedArticles, kg.Params{
		Filter: models.Filter{TimeRange: &models.TimeRange{From: now, To: now.Add(-time.Hour)}},
	}, 10)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestUnavailableBackendStaysInMockMode(t *testing.T) {
	a := kg.NewAdapter(kg.Unavailable{}, kg.Options{})
	assert.Equal(t, failover.StateFallback, a.Probe(context.Background()))
	assert.True(t, a.Mock())
}
