package vector

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/pkg/logger"
)

// DialFunc connects to a primary backend and prepares its collection.
type DialFunc func(ctx context.Context) (Backend, error)

// Reconnecting wraps a primary that may be unreachable at startup. Until a dial succeeds every
// call fails with models.ErrConnection; Ping dials again, so the store's probe loop brings the
// primary back without a restart.
type Reconnecting struct {
	dial   DialFunc
	dialMu sync.Mutex

	mu      sync.RWMutex
	backend Backend
}

func NewReconnecting(dial DialFunc) *Reconnecting {
	return &Reconnecting{dial: dial}
}

// Connect dials the primary unless it is already connected.
func (r *Reconnecting) Connect(ctx context.Context) error {
	r.dialMu.Lock()
	defer r.dialMu.Unlock()

	if r.current() != nil {
		return nil
	}
	b, err := r.dial(ctx)
	if err != nil {
		if models.IsConnectionError(err) {
			return err
		}
		return fmt.Errorf("%w: %v", models.ErrConnection, err)
	}

	r.mu.Lock()
	r.backend = b
	r.mu.Unlock()

	logger.Info("Primary vector backend connected")
	return nil
}

func (r *Reconnecting) Connected() bool {
	return r.current() != nil
}

func (r *Reconnecting) current() Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backend
}

func (r *Reconnecting) Upsert(ctx context.Context, rec models.EmbeddingRecord) error {
	b := r.current()
	if b == nil {
		return models.ErrConnection
	}
	return b.Upsert(ctx, rec)
}

func (r *Reconnecting) Search(ctx context.Context, vec []float32, filter models.Filter, topK int) ([]Match, error) {
	b := r.current()
	if b == nil {
		return nil, models.ErrConnection
	}
	return b.Search(ctx, vec, filter, topK)
}

func (r *Reconnecting) Ping(ctx context.Context) error {
	b := r.current()
	if b == nil {
		if err := r.Connect(ctx); err != nil {
			logger.Debug("Primary vector backend still unreachable", zap.Error(err))
			return err
		}
		return nil
	}
	return b.Ping(ctx)
}

func (r *Reconnecting) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.backend == nil {
		return nil
	}
	err := r.backend.Close()
	r.backend = nil
	return err
}
