package kg

import (
	"context"
	"time"

	"github.com/cryptobroker/backend/internal/storage/models"
)

// Unavailable is the backend used when no graph database is configured. Every call fails with
// models.ErrConnection, so an adapter built on it stays in mock mode.
type Unavailable struct{}

func (Unavailable) MergeEntity(context.Context, models.Entity) error { return models.ErrConnection }
func (Unavailable) MergeDocument(context.Context, DocumentNode) error { return models.ErrConnection }
func (Unavailable) MergeRelationship(context.Context, models.Relationship) error {
	return models.ErrConnection
}

func (Unavailable) FindEntities(context.Context, []string) ([]models.Entity, error) {
	return nil, models.ErrConnection
}

func (Unavailable) EntitiesByID(context.Context, []string) ([]models.Entity, error) {
	return nil, models.ErrConnection
}

func (Unavailable) Edges(context.Context, []string) ([]models.Relationship, error) {
	return nil, models.ErrConnection
}

func (Unavailable) Mentions(context.Context, []string, models.Filter) ([]Mention, error) {
	return nil, models.ErrConnection
}

func (Unavailable) Sentiments(context.Context, models.Filter, int) ([]DocumentSentiment, error) {
	return nil, models.ErrConnection
}

func (Unavailable) Trending(context.Context, time.Time, int) ([]EntityCount, error) {
	return nil, models.ErrConnection
}

func (Unavailable) Ping(context.Context) error { return models.ErrConnection }
func (Unavailable) Close(context.Context) error { return nil }
