package neo4j

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/cryptobroker/backend/internal/kg"
	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/pkg/logger"
)

type Client struct {
	driver   neo4j.DriverWithContext
	database string
}

var schemaStatements = []string{
	`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
	`CREATE CONSTRAINT document_id IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE`,
	`CREATE CONSTRAINT sentiment_label IF NOT EXISTS FOR (s:Sentiment) REQUIRE s.label IS UNIQUE`,
	`CREATE INDEX entity_key IF NOT EXISTS FOR (e:Entity) ON (e.key)`,
	`CREATE INDEX document_published IF NOT EXISTS FOR (d:Document) ON (d.published_at)`,
}

// NewClient creates the driver without contacting the server; reachability is checked by Ping.
func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if database == "" {
		database = "neo4j"
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{driver: driver, database: database}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	return classify("ping", c.driver.VerifyConnectivity(ctx))
}

// EnsureSchema creates the uniqueness constraints and lookup indexes.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if err := c.run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("failed to apply graph schema: %w", err)
		}
	}
	return nil
}

func (c *Client) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database, AccessMode: mode})
}

func (c *Client) run(ctx context.Context, query string, params map[string]any) error {
	session := c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return classify("write", err)
	}
	_, err = result.Consume(ctx)
	return classify("write", err)
}

func (c *Client) read(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	session := c.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, classify("read", err)
	}

	var records []*neo4j.Record
	for result.Next(ctx) {
		records = append(records, result.Record())
	}
	if err := result.Err(); err != nil {
		return nil, classify("read", fmt.Errorf("error iterating results: %w", err))
	}
	return records, nil
}

func (c *Client) MergeEntity(ctx context.Context, e models.Entity) error {
	query := `
		MERGE (e:Entity {id: $id})
		ON CREATE SET e.first_seen = $first_seen
		SET e.name = $name,
		    e.key = $key,
		    e.type = $type
	`

	err := c.run(ctx, query, map[string]any{
		"id":         e.ID,
		"name":       e.Name,
		"key":        e.Key,
		"type":       string(e.Type),
		"first_seen": e.FirstSeen.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to merge entity: %w", err)
	}

	logger.Debug("Entity merged in KG", zap.String("entity_id", e.ID), zap.String("name", e.Name))
	return nil
}

func (c *Client) MergeDocument(ctx context.Context, doc kg.DocumentNode) error {
	query := `
		MERGE (d:Document {id: $id})
		SET d.title = $title,
		    d.source = $source,
		    d.url = $url,
		    d.published_at = $published_at,
		    d.symbols = $symbols
	`

	err := c.run(ctx, query, map[string]any{
		"id":           doc.ID,
		"title":        doc.Title,
		"source":       doc.Source,
		"url":          doc.URL,
		"published_at": doc.PublishedAt.Unix(),
		"symbols":      upper(doc.Symbols),
	})
	if err != nil {
		return fmt.Errorf("failed to merge document: %w", err)
	}
	return nil
}

func (c *Client) MergeRelationship(ctx context.Context, rel models.Relationship) error {
	query := relationshipQuery(rel.Type)
	err := c.run(ctx, query, map[string]any{
		"source":   rel.SourceID,
		"target":   rel.TargetID,
		"type":     string(rel.Type),
		"strength": rel.Strength,
		"updated":  rel.LastUpdated.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to merge relationship: %w", err)
	}

	logger.Debug("Relationship merged in KG",
		zap.String("source", rel.SourceID),
		zap.String("type", string(rel.Type)),
		zap.String("target", rel.TargetID),
	)
	return nil
}

// relationshipQuery picks the MERGE statement for an edge type. Strength only ever grows.
func relationshipQuery(t models.RelationshipType) string {
	const keepMax = `
		ON CREATE SET r.strength = $strength
		ON MATCH SET r.strength = CASE WHEN r.strength > $strength THEN r.strength ELSE $strength END
		SET r.last_updated = $updated
	`

	switch t {
	case models.RelMentions:
		return `
		MATCH (s:Document {id: $source})
		MATCH (t:Entity {id: $target})
		MERGE (s)-[r:MENTIONS]->(t)` + keepMax
	case models.RelHasSentiment:
		return `
		MATCH (s:Document {id: $source})
		OPTIONAL MATCH (s)-[old:HAS_SENTIMENT]->(o:Sentiment)
		WHERE o.label <> $target
		DELETE old
		WITH DISTINCT s
		MERGE (t:Sentiment {label: $target})
		MERGE (s)-[r:HAS_SENTIMENT]->(t)` + keepMax
	default:
		return `
		MATCH (s:Entity {id: $source})
		MATCH (t:Entity {id: $target})
		MERGE (s)-[r:RELATES {type: $type}]->(t)` + keepMax
	}
}

const entityColumns = `e.id AS id, e.name AS name, e.key AS key, e.type AS type, e.first_seen AS first_seen`

func (c *Client) FindEntities(ctx context.Context, keys []string) ([]models.Entity, error) {
	records, err := c.read(ctx, `
		MATCH (e:Entity)
		WHERE e.key IN $keys
		RETURN `+entityColumns+`
		ORDER BY e.id
	`, map[string]any{"keys": keys})
	if err != nil {
		return nil, fmt.Errorf("failed to find entities: %w", err)
	}
	return decodeEntities(records), nil
}

func (c *Client) EntitiesByID(ctx context.Context, ids []string) ([]models.Entity, error) {
	records, err := c.read(ctx, `
		MATCH (e:Entity)
		WHERE e.id IN $ids
		RETURN `+entityColumns+`
		ORDER BY e.id
	`, map[string]any{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("failed to get entities: %w", err)
	}
	return decodeEntities(records), nil
}

func (c *Client) Edges(ctx context.Context, ids []string) ([]models.Relationship, error) {
	records, err := c.read(ctx, `
		MATCH (s:Entity)-[r:RELATES]->(t:Entity)
		WHERE s.id IN $ids OR t.id IN $ids
		RETURN s.id AS source, t.id AS target, r.type AS type, r.strength AS strength, r.last_updated AS updated
		ORDER BY source, target, type
	`, map[string]any{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("failed to load edges: %w", err)
	}

	out := make([]models.Relationship, 0, len(records))
	for _, rec := range records {
		out = append(out, models.Relationship{
			SourceID:    getString(rec, "source"),
			TargetID:    getString(rec, "target"),
			Type:        models.RelationshipType(getString(rec, "type")),
			Strength:    getFloat(rec, "strength"),
			LastUpdated: time.Unix(getInt(rec, "updated"), 0).UTC(),
		})
	}
	return out, nil
}

const documentColumns = `d.id AS doc_id, d.title AS title, d.source AS source, d.url AS url,
		       d.published_at AS published_at, d.symbols AS symbols`

func (c *Client) Mentions(ctx context.Context, entityIDs []string, filter models.Filter) ([]kg.Mention, error) {
	params := filterParams(filter)
	params["ids"] = entityIDs

	records, err := c.read(ctx, `
		MATCH (d:Document)-[r:MENTIONS]->(e:Entity)
		WHERE e.id IN $ids AND `+filterClause+`
		RETURN `+documentColumns+`, e.id AS entity_id, r.strength AS strength
		ORDER BY doc_id, entity_id
	`, params)
	if err != nil {
		return nil, fmt.Errorf("failed to load mentions: %w", err)
	}

	out := make([]kg.Mention, 0, len(records))
	for _, rec := range records {
		out = append(out, kg.Mention{
			Document: decodeDocument(rec),
			EntityID: getString(rec, "entity_id"),
			Strength: getFloat(rec, "strength"),
		})
	}
	return out, nil
}

func (c *Client) Sentiments(ctx context.Context, filter models.Filter, limit int) ([]kg.DocumentSentiment, error) {
	params := filterParams(filter)
	params["limit"] = int64(limit)

	records, err := c.read(ctx, `
		MATCH (d:Document)-[r:HAS_SENTIMENT]->(s:Sentiment)
		WHERE `+filterClause+`
		RETURN `+documentColumns+`, s.label AS label, r.strength AS strength
		ORDER BY published_at DESC, doc_id
		LIMIT $limit
	`, params)
	if err != nil {
		return nil, fmt.Errorf("failed to load sentiments: %w", err)
	}

	out := make([]kg.DocumentSentiment, 0, len(records))
	for _, rec := range records {
		out = append(out, kg.DocumentSentiment{
			Document:  decodeDocument(rec),
			Sentiment: models.Sentiment(strings.ToLower(getString(rec, "label"))),
			Strength:  getFloat(rec, "strength"),
		})
	}
	return out, nil
}

func (c *Client) Trending(ctx context.Context, since time.Time, limit int) ([]kg.EntityCount, error) {
	records, err := c.read(ctx, `
		MATCH (d:Document)-[:MENTIONS]->(e:Entity)
		WHERE d.published_at >= $since
		WITH e, count(DISTINCT d) AS mentions
		RETURN `+entityColumns+`, mentions
		ORDER BY mentions DESC, name
		LIMIT $limit
	`, map[string]any{"since": since.Unix(), "limit": int64(limit)})
	if err != nil {
		return nil, fmt.Errorf("failed to load trending topics: %w", err)
	}

	entities := decodeEntities(records)
	out := make([]kg.EntityCount, 0, len(records))
	for i, rec := range records {
		out = append(out, kg.EntityCount{Entity: entities[i], Count: int(getInt(rec, "mentions"))})
	}

	logger.Debug("Trending topics loaded", zap.Int("results", len(out)))
	return out, nil
}

// filterClause matches documents by publish window and by any of the requested symbols.
const filterClause = `($from IS NULL OR d.published_at >= $from)
		  AND ($to IS NULL OR d.published_at <= $to)
		  AND (size($symbols) = 0 OR any(sym IN d.symbols WHERE sym IN $symbols))`

func filterParams(filter models.Filter) map[string]any {
	params := map[string]any{
		"from":    nil,
		"to":      nil,
		"symbols": upper(filter.Symbols),
	}
	if tr := filter.TimeRange; tr != nil {
		if !tr.From.IsZero() {
			params["from"] = tr.From.Unix()
		}
		if !tr.To.IsZero() {
			params["to"] = tr.To.Unix()
		}
	}
	return params
}

func decodeEntities(records []*neo4j.Record) []models.Entity {
	out := make([]models.Entity, 0, len(records))
	for _, rec := range records {
		out = append(out, models.Entity{
			ID:        getString(rec, "id"),
			Name:      getString(rec, "name"),
			Key:       getString(rec, "key"),
			Type:      models.EntityType(getString(rec, "type")),
			FirstSeen: time.Unix(getInt(rec, "first_seen"), 0).UTC(),
		})
	}
	return out
}

func decodeDocument(rec *neo4j.Record) kg.DocumentNode {
	doc := kg.DocumentNode{
		ID:          getString(rec, "doc_id"),
		Title:       getString(rec, "title"),
		Source:      getString(rec, "source"),
		URL:         getString(rec, "url"),
		PublishedAt: time.Unix(getInt(rec, "published_at"), 0).UTC(),
	}
	if raw, ok := rec.Get("symbols"); ok {
		if list, ok := raw.([]any); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					doc.Symbols = append(doc.Symbols, s)
				}
			}
		}
	}
	return doc
}

func getString(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	s, _ := v.(string)
	return s
}

func getFloat(rec *neo4j.Record, key string) float64 {
	v, _ := rec.Get(key)
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func getInt(rec *neo4j.Record, key string) int64 {
	v, _ := rec.Get(key)
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func upper(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, strings.ToUpper(s))
	}
	return out
}

// classify marks driver connectivity failures as connection errors so the adapter switches to mock mode.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("neo4j %s: %w", op, err)
	}
	if neo4j.IsConnectivityError(err) {
		return fmt.Errorf("neo4j %s: %w: %v", op, models.ErrConnection, err)
	}
	var usage *neo4j.UsageError
	if errors.As(err, &usage) {
		return fmt.Errorf("neo4j %s: %w", op, err)
	}
	if strings.Contains(err.Error(), "connect") || strings.Contains(err.Error(), "ServiceUnavailable") {
		return fmt.Errorf("neo4j %s: %w: %v", op, models.ErrConnection, err)
	}
	return fmt.Errorf("neo4j %s: %w", op, err)
}
