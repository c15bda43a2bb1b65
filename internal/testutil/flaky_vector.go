package testutil

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/internal/vector"
)

// FlakyVector wraps a vector backend and fails every call with a connection error while down.
type FlakyVector struct {
	vector.Backend
	down  atomic.Bool
	Calls atomic.Int64
}

func NewFlakyVector(b vector.Backend) *FlakyVector {
	return &FlakyVector{Backend: b}
}

func (f *FlakyVector) SetDown(down bool) { f.down.Store(down) }

func (f *FlakyVector) fail(op string) error {
	f.Calls.Add(1)
	if f.down.Load() {
		return fmt.Errorf("%s: %w", op, models.ErrConnection)
	}
	return nil
}

func (f *FlakyVector) Upsert(ctx context.Context, rec models.EmbeddingRecord) error {
	if err := f.fail("upsert"); err != nil {
		return err
	}
	return f.Backend.Upsert(ctx, rec)
}

func (f *FlakyVector) Search(ctx context.Context, vec []float32, filter models.Filter, topK int) ([]vector.Match, error) {
	if err := f.fail("search"); err != nil {
		return nil, err
	}
	return f.Backend.Search(ctx, vec, filter, topK)
}

func (f *FlakyVector) Ping(ctx context.Context) error {
	if err := f.fail("ping"); err != nil {
		return err
	}
	return f.Backend.Ping(ctx)
}
