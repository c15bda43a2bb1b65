package vector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cryptobroker/backend/internal/embedding"
	"github.com/cryptobroker/backend/internal/metrics"
	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/internal/storage/sqlite"
	"github.com/cryptobroker/backend/pkg/failover"
	"github.com/cryptobroker/backend/pkg/logger"
	"github.com/cryptobroker/backend/pkg/retry"
)

const (
	BackendPrimary  = "primary"
	BackendFallback = "fallback"
)

// Backend is a networked vector database holding one collection of fixed dimension.
type Backend interface {
	Upsert(ctx context.Context, rec models.EmbeddingRecord) error
	Search(ctx context.Context, vector []float32, filter models.Filter, topK int) ([]Match, error)
	Ping(ctx context.Context) error
	Close() error
}

// Match is a backend hit with the raw cosine similarity in [-1, 1].
type Match struct {
	DocumentID string
	Similarity float64
	Metadata   models.VectorMetadata
}

// LocalStore is the embedded fallback store.
type LocalStore interface {
	UpsertEmbedding(ctx context.Context, rec models.EmbeddingRecord, content string, synced bool) error
	SearchEmbeddings(ctx context.Context, query []float32, filter models.Filter, topK int) ([]sqlite.ScoredEmbedding, error)
	Unsynced(ctx context.Context, limit int) ([]sqlite.ScoredEmbedding, error)
	MarkSynced(ctx context.Context, docID string) error
}

type Hit struct {
	DocumentID string
	Score      float64
	Similarity float64
	Metadata   models.VectorMetadata
}

type SearchResult struct {
	Hits    []Hit
	Backend string
}

type Options struct {
	Dimension     int
	Timeout       time.Duration
	ProbeInterval time.Duration
	ResyncBatch   int
	Retry         retry.Config
}

// Store routes vector reads and writes to the primary backend or to the local fallback.
type Store struct {
	primary       Backend
	embedder      embedding.Embedder
	local         LocalStore
	localEmbedder embedding.Embedder
	sw            *failover.Switch
	opts          Options
	log           *zap.Logger
}

func NewStore(primary Backend, embedder embedding.Embedder, local LocalStore, localEmbedder embedding.Embedder, opts Options) *Store {
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.ResyncBatch == 0 {
		opts.ResyncBatch = 100
	}
	if opts.Dimension == 0 {
		opts.Dimension = embedder.Dimension()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	opts.Retry.Retryable = models.IsConnectionError

	log := logger.Named("vector")
	opts.Retry.Logger = log

	s := &Store{
		primary:       primary,
		embedder:      embedder,
		local:         local,
		localEmbedder: localEmbedder,
		opts:          opts,
		log:           log,
	}
	s.sw = failover.New("vector", failover.Config{
		PrimaryLabel:  BackendPrimary,
		FallbackLabel: BackendFallback,
		ProbeInterval: opts.ProbeInterval,
		ProbeTimeout:  opts.Timeout,
		Logger:        log,
		OnStateChange: func(name string, _, to failover.State) {
			metrics.ObserveTransition(name, to == failover.StateFallback, to.String())
		},
	})
	return s
}

// Start runs the health probe loop until ctx is done.
func (s *Store) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sw.ProbeInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Probe(ctx)
			}
		}
	}()
}

// Probe runs one health probe immediately. While the primary is healthy it also replays local
// writes that never reached it, such as those whose primary embedding failed.
func (s *Store) Probe(ctx context.Context) failover.State {
	state := s.sw.ProbeOnce(ctx, s.primary.Ping, s.resync)
	if state != failover.StatePrimary {
		return state
	}

	if err := s.resync(ctx); err != nil {
		s.log.Warn("Resync of unsynced embeddings failed", zap.Error(err))
		if models.IsConnectionError(err) {
			s.sw.Degrade(err)
			return failover.StateFallback
		}
	}
	return failover.StatePrimary
}

func (s *Store) Status() failover.Status {
	return s.sw.Status()
}

func (s *Store) Close() error {
	return s.primary.Close()
}

// Upsert embeds text and writes it to the local store and, when healthy, to the primary.
// A write that misses the primary stays unsynced locally and is replayed by the next probe.
func (s *Store) Upsert(ctx context.Context, docID, text string, meta models.VectorMetadata) error {
	localVec, err := s.localEmbedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to embed locally: %w", err)
	}
	if len(localVec) != s.localEmbedder.Dimension() {
		return fmt.Errorf("%w: local vector has %d dimensions, want %d", models.ErrDimensionMismatch, len(localVec), s.localEmbedder.Dimension())
	}

	var primaryVec []float32
	usePrimary := s.sw.State() == failover.StatePrimary
	if usePrimary {
		primaryVec, err = s.embedder.Embed(ctx, text)
		if err != nil {
			s.log.Warn("Primary embedding failed, writing to fallback only", zap.String("doc_id", docID), zap.Error(err))
			usePrimary = false
		} else if len(primaryVec) != s.opts.Dimension {
			return fmt.Errorf("%w: document %s has %d dimensions, collection expects %d",
				models.ErrDimensionMismatch, docID, len(primaryVec), s.opts.Dimension)
		}
	}

	rec := models.EmbeddingRecord{DocumentID: docID, Vector: localVec, Metadata: meta}
	if err := s.local.UpsertEmbedding(ctx, rec, text, false); err != nil {
		return fmt.Errorf("failed to write fallback embedding: %w", err)
	}

	if !usePrimary {
		return nil
	}

	rec.Vector = primaryVec
	err = retry.Do(ctx, s.opts.Retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
		return s.primary.Upsert(callCtx, rec)
	})
	if err != nil {
		metrics.BackendErrors.WithLabelValues("vector", "upsert").Inc()
		if errors.Is(err, models.ErrDimensionMismatch) {
			return err
		}
		if models.IsConnectionError(err) {
			s.sw.Degrade(err)
			return nil
		}
		return fmt.Errorf("failed to upsert into primary: %w", err)
	}

	if err := s.local.MarkSynced(ctx, docID); err != nil {
		s.log.Warn("Failed to mark embedding synced", zap.String("doc_id", docID), zap.Error(err))
	}
	return nil
}

// Search never fails because the primary is down: it answers from the fallback store and
// tags the result with the backend that served it.
func (s *Store) Search(ctx context.Context, text string, filter models.Filter, topK int) (*SearchResult, error) {
	if s.sw.State() == failover.StatePrimary {
		res, err := s.searchPrimary(ctx, text, filter, topK)
		if err == nil {
			return res, nil
		}
		metrics.BackendErrors.WithLabelValues("vector", "search").Inc()
		if models.IsConnectionError(err) {
			s.sw.Degrade(err)
		}
		s.log.Warn("Primary vector search failed, using fallback", zap.Error(err))
	}

	return s.searchLocal(ctx, text, filter, topK)
}

func (s *Store) searchPrimary(ctx context.Context, text string, filter models.Filter, topK int) (*SearchResult, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	matches, err := retry.DoWithResult(ctx, s.opts.Retry, func(ctx context.Context) ([]Match, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
		return s.primary.Search(callCtx, vec, filter, topK)
	})
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		meta := m.Metadata
		meta.Backend = BackendPrimary
		hits = append(hits, Hit{
			DocumentID: m.DocumentID,
			Score:      embedding.NormalizeCosine(m.Similarity),
			Similarity: m.Similarity,
			Metadata:   meta,
		})
	}
	sortHits(hits)
	return &SearchResult{Hits: truncate(hits, topK), Backend: BackendPrimary}, nil
}

func (s *Store) searchLocal(ctx context.Context, text string, filter models.Filter, topK int) (*SearchResult, error) {
	vec, err := s.localEmbedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query locally: %w", err)
	}

	scored, err := s.local.SearchEmbeddings(ctx, vec, filter, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: fallback search failed: %v", models.ErrConnection, err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, sc := range scored {
		meta := sc.Record.Metadata
		meta.Backend = BackendFallback
		hits = append(hits, Hit{
			DocumentID: sc.Record.DocumentID,
			Score:      embedding.NormalizeCosine(sc.Similarity),
			Similarity: sc.Similarity,
			Metadata:   meta,
		})
	}
	sortHits(hits)
	return &SearchResult{Hits: truncate(hits, topK), Backend: BackendFallback}, nil
}

// resync replays documents written while degraded. It runs before fail-back so the primary
// holds every document once it starts serving again.
func (s *Store) resync(ctx context.Context) error {
	total := 0
	for {
		pending, err := s.local.Unsynced(ctx, s.opts.ResyncBatch)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			break
		}

		for _, p := range pending {
			vec, err := s.embedder.Embed(ctx, p.Content)
			if err != nil {
				return fmt.Errorf("failed to embed %s for resync: %w", p.Record.DocumentID, err)
			}
			if len(vec) != s.opts.Dimension {
				return fmt.Errorf("%w: resync of %s", models.ErrDimensionMismatch, p.Record.DocumentID)
			}

			rec := p.Record
			rec.Vector = vec
			callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
			err = s.primary.Upsert(callCtx, rec)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to resync %s: %w", p.Record.DocumentID, err)
			}
			if err := s.local.MarkSynced(ctx, p.Record.DocumentID); err != nil {
				return err
			}
			total++
		}
	}

	if total > 0 {
		s.log.Info("Resynced fallback writes to primary", zap.Int("documents", total))
	}
	return nil
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		pi, pj := hits[i].Metadata.PublishedAt, hits[j].Metadata.PublishedAt
		if !pi.Equal(pj) {
			return pi.After(pj)
		}
		return hits[i].DocumentID < hits[j].DocumentID
	})
}

func truncate(hits []Hit, topK int) []Hit {
	if topK > 0 && len(hits) > topK {
		return hits[:topK]
	}
	return hits
}
