package builder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptobroker/backend/internal/extraction"
	"github.com/cryptobroker/backend/internal/kg"
	"github.com/cryptobroker/backend/internal/kg/memory"
	"github.com/cryptobroker/backend/internal/storage/models"
)

func TestBuildFromDocument(t *testing.T) {
	g := memory.NewGraph()
	adapter := kg.NewAdapter(g, kg.Options{})
	b := NewBuilder(adapter)
	ctx := context.Background()

	doc := &models.Document{
		ID:          "doc-1",
		Title:       "SEC sues major exchange over unregistered securities",
		Source:      "reuters.com",
		PublishedAt: time.Now().UTC(),
		Symbols:     []string{"BTC"},
	}
	ext := &extraction.Result{
		Entities: []extraction.Entity{
			{Name: "SEC", Type: models.EntityOrganization, Confidence: 0.9},
			{Name: "major exchange", Type: models.EntityOrganization, Confidence: 0.7},
			{Name: "Moon", Type: "planet", Confidence: 0.9},
		},
		Relationships: []extraction.Relationship{
			{Source: "SEC", Target: "major exchange", Type: models.RelRelatedTo, Confidence: 0.7},
			{Source: "SEC", Target: "BTC", Type: models.RelImpacts, Confidence: 0.6},
			{Source: "SEC", Target: "Nobody", Type: models.RelRelatedTo, Confidence: 0.6},
		},
		Sentiment:      models.SentimentBearish,
		SentimentScore: 0.8,
	}

	summary, err := b.BuildFromDocument(ctx, doc, ext)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Entities)
	assert.Equal(t, 2, summary.Relationships)
	assert.Equal(t, 2, summary.Skipped)

	sec := kg.EntityID(models.EntityOrganization, "SEC")
	exchange := kg.EntityID(models.EntityOrganization, "major exchange")
	rel, ok := g.Relationship(sec, exchange, models.RelRelatedTo)
	require.True(t, ok)
	assert.Equal(t, 0.7, rel.Strength)

	_, ok = g.Relationship("doc-1", sec, models.RelMentions)
	assert.True(t, ok)
	_, ok = g.Relationship("doc-1", "bearish", models.RelHasSentiment)
	assert.True(t, ok)

	entities, edges := g.Counts()

	// rebuilding merges instead of duplicating
	_, err = b.BuildFromDocument(ctx, doc, ext)
	require.NoError(t, err)
	entities2, edges2 := g.Counts()
	assert.Equal(t, entities, entities2)
	assert.Equal(t, edges, edges2)
}

func TestBuildFromDocument_MockGraphDropsWrites(t *testing.T) {
	adapter := kg.NewAdapter(kg.Unavailable{}, kg.Options{})
	adapter.Probe(context.Background())

	summary, err := NewBuilder(adapter).BuildFromDocument(context.Background(), &models.Document{ID: "doc-1", Symbols: []string{"ETH"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Entities)
}
