package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cryptobroker/backend/internal/kg"
	"github.com/cryptobroker/backend/internal/storage/models"
)

type edgeKey struct {
	source string
	target string
	typ    models.RelationshipType
}

// Graph is an in-process graph backend for local runs and tests.
type Graph struct {
	mu        sync.RWMutex
	entities  map[string]models.Entity
	documents map[string]kg.DocumentNode
	edges     map[edgeKey]models.Relationship
}

func NewGraph() *Graph {
	return &Graph{
		entities:  make(map[string]models.Entity),
		documents: make(map[string]kg.DocumentNode),
		edges:     make(map[edgeKey]models.Relationship),
	}
}

func (g *Graph) MergeEntity(ctx context.Context, e models.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if cur, ok := g.entities[e.ID]; ok {
		e.FirstSeen = cur.FirstSeen
	}
	g.entities[e.ID] = e
	return nil
}

func (g *Graph) MergeDocument(ctx context.Context, doc kg.DocumentNode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.documents[doc.ID] = doc
	return nil
}

func (g *Graph) MergeRelationship(ctx context.Context, rel models.Relationship) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if rel.Type == models.RelHasSentiment {
		for k := range g.edges {
			if k.source == rel.SourceID && k.typ == models.RelHasSentiment && k.target != rel.TargetID {
				delete(g.edges, k)
			}
		}
	}

	k := edgeKey{source: rel.SourceID, target: rel.TargetID, typ: rel.Type}
	if cur, ok := g.edges[k]; ok && cur.Strength > rel.Strength {
		rel.Strength = cur.Strength
	}
	g.edges[k] = rel
	return nil
}

func (g *Graph) FindEntities(ctx context.Context, keys []string) ([]models.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []models.Entity
	for _, e := range g.entities {
		if want[e.Key] {
			out = append(out, e)
		}
	}
	sortEntities(out)
	return out, nil
}

func (g *Graph) EntitiesByID(ctx context.Context, ids []string) ([]models.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []models.Entity
	for _, id := range ids {
		if e, ok := g.entities[id]; ok {
			out = append(out, e)
		}
	}
	sortEntities(out)
	return out, nil
}

func (g *Graph) Edges(ctx context.Context, ids []string) ([]models.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []models.Relationship
	for k, rel := range g.edges {
		if k.typ.FromDocument() {
			continue
		}
		if want[k.source] || want[k.target] {
			out = append(out, rel)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		if out[i].TargetID != out[j].TargetID {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (g *Graph) Mentions(ctx context.Context, entityIDs []string, filter models.Filter) ([]kg.Mention, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		want[id] = true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []kg.Mention
	for k, rel := range g.edges {
		if k.typ != models.RelMentions || !want[k.target] {
			continue
		}
		doc, ok := g.documents[k.source]
		if !ok || !filter.Matches(doc.Symbols, doc.PublishedAt) {
			continue
		}
		out = append(out, kg.Mention{Document: doc, EntityID: k.target, Strength: rel.Strength})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Document.ID != out[j].Document.ID {
			return out[i].Document.ID < out[j].Document.ID
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

func (g *Graph) Sentiments(ctx context.Context, filter models.Filter, limit int) ([]kg.DocumentSentiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []kg.DocumentSentiment
	for k, rel := range g.edges {
		if k.typ != models.RelHasSentiment {
			continue
		}
		doc, ok := g.documents[k.source]
		if !ok || !filter.Matches(doc.Symbols, doc.PublishedAt) {
			continue
		}
		out = append(out, kg.DocumentSentiment{
			Document:  doc,
			Sentiment: models.Sentiment(strings.ToLower(k.target)),
			Strength:  rel.Strength,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Document.PublishedAt.Equal(out[j].Document.PublishedAt) {
			return out[i].Document.PublishedAt.After(out[j].Document.PublishedAt)
		}
		return out[i].Document.ID < out[j].Document.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *Graph) Trending(ctx context.Context, since time.Time, limit int) ([]kg.EntityCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[string]int)
	for k := range g.edges {
		if k.typ != models.RelMentions {
			continue
		}
		doc, ok := g.documents[k.source]
		if !ok || doc.PublishedAt.Before(since) {
			continue
		}
		counts[k.target]++
	}

	out := make([]kg.EntityCount, 0, len(counts))
	for id, n := range counts {
		if e, ok := g.entities[id]; ok {
			out = append(out, kg.EntityCount{Entity: e, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Entity.Name < out[j].Entity.Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *Graph) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (g *Graph) Close(ctx context.Context) error {
	return nil
}

// Counts reports the number of entities and relationships held.
func (g *Graph) Counts() (entities, relationships int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entities), len(g.edges)
}

// Relationship returns the stored edge, if any.
func (g *Graph) Relationship(source, target string, typ models.RelationshipType) (models.Relationship, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rel, ok := g.edges[edgeKey{source: source, target: target, typ: typ}]
	return rel, ok
}

func sortEntities(es []models.Entity) {
	sort.Slice(es, func(i, j int) bool { return es[i].ID < es[j].ID })
}
