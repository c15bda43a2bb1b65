package testutil

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cryptobroker/backend/internal/kg"
	"github.com/cryptobroker/backend/internal/storage/models"
)

// FlakyGraph wraps a graph backend and fails every call with a connection error while down.
type FlakyGraph struct {
	kg.Backend
	down  atomic.Bool
	Calls atomic.Int64
}

func NewFlakyGraph(b kg.Backend) *FlakyGraph {
	return &FlakyGraph{Backend: b}
}

func (f *FlakyGraph) SetDown(down bool) { f.down.Store(down) }

func (f *FlakyGraph) fail(op string) error {
	f.Calls.Add(1)
	if f.down.Load() {
		return fmt.Errorf("%s: %w", op, models.ErrConnection)
	}
	return nil
}

func (f *FlakyGraph) MergeEntity(ctx context.Context, e models.Entity) error {
	if err := f.fail("merge entity"); err != nil {
		return err
	}
	return f.Backend.MergeEntity(ctx, e)
}

func (f *FlakyGraph) MergeDocument(ctx context.Context, doc kg.DocumentNode) error {
	if err := f.fail("merge document"); err != nil {
		return err
	}
	return f.Backend.MergeDocument(ctx, doc)
}

func (f *FlakyGraph) MergeRelationship(ctx context.Context, rel models.Relationship) error {
	if err := f.fail("merge relationship"); err != nil {
		return err
	}
	return f.Backend.MergeRelationship(ctx, rel)
}

func (f *FlakyGraph) FindEntities(ctx context.Context, keys []string) ([]models.Entity, error) {
	if err := f.fail("find entities"); err != nil {
		return nil, err
	}
	return f.Backend.FindEntities(ctx, keys)
}

func (f *FlakyGraph) EntitiesByID(ctx context.Context, ids []string) ([]models.Entity, error) {
	if err := f.fail("entities by id"); err != nil {
		return nil, err
	}
	return f.Backend.EntitiesByID(ctx, ids)
}

func (f *FlakyGraph) Edges(ctx context.Context, ids []string) ([]models.Relationship, error) {
	if err := f.fail("edges"); err != nil {
		return nil, err
	}
	return f.Backend.Edges(ctx, ids)
}

func (f *FlakyGraph) Mentions(ctx context.Context, ids []string, filter models.Filter) ([]kg.Mention, error) {
	if err := f.fail("mentions"); err != nil {
		return nil, err
	}
	return f.Backend.Mentions(ctx, ids, filter)
}

func (f *FlakyGraph) Sentiments(ctx context.Context, filter models.Filter, limit int) ([]kg.DocumentSentiment, error) {
	if err := f.fail("sentiments"); err != nil {
		return nil, err
	}
	return f.Backend.Sentiments(ctx, filter, limit)
}

func (f *FlakyGraph) Trending(ctx context.Context, since time.Time, limit int) ([]kg.EntityCount, error) {
	if err := f.fail("trending"); err != nil {
		return nil, err
	}
	return f.Backend.Trending(ctx, since, limit)
}

func (f *FlakyGraph) Ping(ctx context.Context) error {
	if err := f.fail("ping"); err != nil {
		return err
	}
	return f.Backend.Ping(ctx)
}
