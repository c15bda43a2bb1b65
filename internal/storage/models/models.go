package models

import (
	"fmt"
	"strings"
	"time"
)

// RawDocument is what collectors hand to the ingestion pipeline before any scoring.
type RawDocument struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	HTML        string    `json:"html,omitempty"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	Symbols     []string  `json:"symbols"`
}

type Document struct {
	ID           string
	URL          string
	Title        string
	Body         string
	Source       string
	PublishedAt  time.Time
	Symbols      []string
	QualityScore float64
	Rejected     bool
	RejectReason string
	Status       DocumentStatus
	CreatedAt    time.Time
}

type DocumentStatus string

const (
	DocumentStored   DocumentStatus = "stored"
	DocumentIndexed  DocumentStatus = "indexed"
	DocumentFailed   DocumentStatus = "failed"
	DocumentRejected DocumentStatus = "rejected"
)

// VectorMetadata travels with every embedding and is used for post-filtering.
type VectorMetadata struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	Symbols     []string  `json:"symbols"`
	PublishedAt time.Time `json:"published_at"`
	Backend     string    `json:"backend,omitempty"`
}

type EmbeddingRecord struct {
	DocumentID string
	Vector     []float32
	Metadata   VectorMetadata
}

type EntityType string

const (
	EntityOrganization EntityType = "organization"
	EntityPerson       EntityType = "person"
	EntityTopic        EntityType = "topic"
	EntitySymbol       EntityType = "symbol"
	EntityEvent        EntityType = "event"
)

func ParseEntityType(s string) (EntityType, error) {
	switch t := EntityType(strings.ToLower(strings.TrimSpace(s))); t {
	case EntityOrganization, EntityPerson, EntityTopic, EntitySymbol, EntityEvent:
		return t, nil
	case "org", "company", "regulator", "exchange":
		return EntityOrganization, nil
	case "crypto", "token", "ticker", "cryptocurrency":
		return EntitySymbol, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntityType, s)
}

type Entity struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Key       string     `json:"key"`
	Type      EntityType `json:"type"`
	FirstSeen time.Time  `json:"first_seen"`
}

type RelationshipType string

const (
	RelMentions     RelationshipType = "MENTIONS"
	RelRelatedTo    RelationshipType = "RELATED_TO"
	RelImpacts      RelationshipType = "IMPACTS"
	RelHasSentiment RelationshipType = "HAS_SENTIMENT"
	RelCompetesWith RelationshipType = "COMPETES_WITH"
)

func ParseRelationshipType(s string) (RelationshipType, error) {
	t := RelationshipType(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_")))
	switch t {
	case RelMentions, RelRelatedTo, RelImpacts, RelHasSentiment, RelCompetesWith:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown relationship type %q", ErrValidation, s)
}

// FromDocument reports whether edges of this type start at a document node.
func (t RelationshipType) FromDocument() bool {
	return t == RelMentions || t == RelHasSentiment
}

type Relationship struct {
	SourceID    string           `json:"source_id"`
	TargetID    string           `json:"target_id"`
	Type        RelationshipType `json:"type"`
	Strength    float64          `json:"strength"`
	LastUpdated time.Time        `json:"last_updated"`
}

type Sentiment string

const (
	SentimentBullish Sentiment = "bullish"
	SentimentBearish Sentiment = "bearish"
	SentimentNeutral Sentiment = "neutral"
)

type QueryType string

const (
	QueryVectorOnly        QueryType = "vector_only"
	QueryGraphOnly         QueryType = "graph_only"
	QueryHybrid            QueryType = "hybrid"
	QuerySentimentAnalysis QueryType = "sentiment_analysis"
	QueryEntityNetwork     QueryType = "entity_network"
)

func ParseQueryType(s string) (QueryType, error) {
	if s == "" {
		return QueryHybrid, nil
	}
	switch t := QueryType(s); t {
	case QueryVectorOnly, QueryGraphOnly, QueryHybrid, QuerySentimentAnalysis, QueryEntityNetwork:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown query type %q", ErrValidation, s)
}

type GraphQueryType string

const (
	GraphRelatedArticles   GraphQueryType = "related_articles"
	GraphEntityNetwork     GraphQueryType = "entity_network"
	GraphSentimentAnalysis GraphQueryType = "sentiment_analysis"
	GraphTrendingTopics    GraphQueryType = "trending_topics"
)

func (t GraphQueryType) Valid() bool {
	switch t {
	case GraphRelatedArticles, GraphEntityNetwork, GraphSentimentAnalysis, GraphTrendingTopics:
		return true
	}
	return false
}

type Provenance string

const (
	ProvenanceVector Provenance = "vector"
	ProvenanceGraph  Provenance = "graph"
	ProvenanceHybrid Provenance = "hybrid"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r *TimeRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

func (r *TimeRange) Validate() error {
	if r != nil && !r.From.IsZero() && !r.To.IsZero() && r.From.After(r.To) {
		return fmt.Errorf("%w: time range starts after it ends", ErrValidation)
	}
	return nil
}

// Filter narrows vector and graph reads by symbols and publish time.
type Filter struct {
	Symbols   []string
	TimeRange *TimeRange
}

// Matches reports whether a document with the given symbols and publish time passes the filter.
// A document matches a symbol filter when it carries at least one of the requested symbols.
func (f Filter) Matches(symbols []string, published time.Time) bool {
	if !f.TimeRange.Contains(published) {
		return false
	}
	if len(f.Symbols) == 0 {
		return true
	}
	for _, want := range f.Symbols {
		for _, have := range symbols {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

type QueryResult struct {
	DocumentID  string     `json:"document_id"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet,omitempty"`
	Source      string     `json:"source,omitempty"`
	URL         string     `json:"url,omitempty"`
	PublishedAt time.Time  `json:"published_at"`
	Symbols     []string   `json:"symbols,omitempty"`
	Score       float64    `json:"score"`
	Provenance  Provenance `json:"provenance"`
	VectorScore *float64   `json:"vector_score,omitempty"`
	GraphScore  *float64   `json:"graph_score,omitempty"`
	Backend     string     `json:"backend,omitempty"`
	Via         []string   `json:"via,omitempty"`
	Sentiment   Sentiment  `json:"sentiment,omitempty"`
}

// GraphResult is one row of a graph query. Document rows set DocumentID, entity rows set Entity.
type GraphResult struct {
	DocumentID  string    `json:"document_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	Source      string    `json:"source,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	Symbols     []string  `json:"symbols,omitempty"`
	Entity      *Entity   `json:"entity,omitempty"`
	Score       float64   `json:"score"`
	Hops        int       `json:"hops,omitempty"`
	Via         []string  `json:"via,omitempty"`
	Sentiment   Sentiment `json:"sentiment,omitempty"`
	Mentions    int       `json:"mentions,omitempty"`
}

type Rejection struct {
	DocumentID string
	URL        string
	Title      string
	Source     string
	Reason     string
	Score      float64
	CreatedAt  time.Time
}

type QueryRecord struct {
	ID          string    `json:"id"`
	QueryText   string    `json:"query"`
	QueryType   string    `json:"query_type"`
	Symbols     []string  `json:"symbols"`
	ResultCount int       `json:"result_count"`
	Degraded    bool      `json:"degraded"`
	Partial     bool      `json:"partial"`
	LatencyMS   int       `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

type IngestionRun struct {
	ID         string        `json:"id"`
	Trigger    string        `json:"trigger"`
	Symbols    []string      `json:"symbols"`
	Window     time.Duration `json:"window_ns"`
	Accepted   int           `json:"accepted"`
	Rejected   int           `json:"rejected"`
	Errors     int           `json:"errors"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}
