package embedding

import (
	"context"

	"go.uber.org/zap"

	"github.com/cryptobroker/backend/pkg/logger"
	"github.com/cryptobroker/backend/pkg/utils"
)

type Cache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32) error
}

// Cached wraps an Embedder with a read-through cache keyed by model and text hash.
type Cached struct {
	next  Embedder
	cache Cache
}

func NewCached(next Embedder, cache Cache) *Cached {
	return &Cached{next: next, cache: cache}
}

func (c *Cached) Name() string { return c.next.Name() }

func (c *Cached) Dimension() int { return c.next.Dimension() }

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashString(c.next.Name() + ":" + text)

	if vec, ok, err := c.cache.GetEmbedding(ctx, key); err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
	} else if ok && len(vec) == c.next.Dimension() {
		return vec, nil
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetEmbedding(ctx, key, vec); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return vec, nil
}
