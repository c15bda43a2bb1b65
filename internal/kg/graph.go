package kg

import (
	"context"
	"strings"
	"time"

	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/pkg/utils"
)

const (
	StateConnected = "connected"
	StateMock      = "mock"
)

// Backend is a property graph holding Entity, Document and Sentiment nodes.
// Implementations only provide storage primitives; query semantics live in Adapter.
type Backend interface {
	MergeEntity(ctx context.Context, e models.Entity) error
	MergeDocument(ctx context.Context, doc DocumentNode) error
	// MergeRelationship creates the edge or raises its strength to max(old, new).
	MergeRelationship(ctx context.Context, rel models.Relationship) error

	FindEntities(ctx context.Context, keys []string) ([]models.Entity, error)
	EntitiesByID(ctx context.Context, ids []string) ([]models.Entity, error)
	// Edges returns entity-to-entity relationships touching any of ids, in either direction.
	Edges(ctx context.Context, ids []string) ([]models.Relationship, error)
	Mentions(ctx context.Context, entityIDs []string, filter models.Filter) ([]Mention, error)
	Sentiments(ctx context.Context, filter models.Filter, limit int) ([]DocumentSentiment, error)
	Trending(ctx context.Context, since time.Time, limit int) ([]EntityCount, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type DocumentNode struct {
	ID          string
	Title       string
	Source      string
	URL         string
	PublishedAt time.Time
	Symbols     []string
}

// Mention is a MENTIONS edge from a document to an entity.
type Mention struct {
	Document DocumentNode
	EntityID string
	Strength float64
}

type DocumentSentiment struct {
	Document  DocumentNode
	Sentiment models.Sentiment
	Strength  float64
}

type EntityCount struct {
	Entity models.Entity
	Count  int
}

// Params carries the inputs of a graph query. Unused fields are ignored per query type.
type Params struct {
	Text    string
	Entity  string
	Filter  models.Filter
	Since   time.Time
	MaxHops int
}

type Response struct {
	Results  []models.GraphResult `json:"results"`
	Degraded bool                 `json:"degraded"`
	State    string               `json:"state"`
}

// Documents returns the document rows of the response.
func (r *Response) Documents() []models.GraphResult {
	var out []models.GraphResult
	for _, res := range r.Results {
		if res.DocumentID != "" {
			out = append(out, res)
		}
	}
	return out
}

// Entities returns the entity rows of the response.
func (r *Response) Entities() []models.GraphResult {
	var out []models.GraphResult
	for _, res := range r.Results {
		if res.Entity != nil {
			out = append(out, res)
		}
	}
	return out
}

// EntityID is the stable id for an entity: the same normalized name and type always map to it.
func EntityID(t models.EntityType, name string) string {
	return utils.HashString(string(t) + ":" + utils.NormalizeName(name))
}

// candidateKeys returns the word n-grams of text (up to three words) as entity keys.
func candidateKeys(text string) []string {
	words := strings.Fields(utils.NormalizeName(text))
	seen := make(map[string]bool)
	var keys []string
	for n := 3; n >= 1; n-- {
		for i := 0; i+n <= len(words); i++ {
			k := strings.Join(words[i:i+n], " ")
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}
