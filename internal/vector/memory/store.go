package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cryptobroker/backend/internal/embedding"
	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/internal/vector"
)

// Store is an in-process vector backend using brute-force cosine similarity.
type Store struct {
	mu        sync.RWMutex
	dimension int
	records   map[string]models.EmbeddingRecord
}

func NewStore(dimension int) *Store {
	return &Store{
		dimension: dimension,
		records:   make(map[string]models.EmbeddingRecord),
	}
}

func (s *Store) Upsert(ctx context.Context, rec models.EmbeddingRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(rec.Vector) != s.dimension {
		return fmt.Errorf("%w: got %d, want %d", models.ErrDimensionMismatch, len(rec.Vector), s.dimension)
	}

	vec := make([]float32, len(rec.Vector))
	copy(vec, rec.Vector)
	rec.Vector = vec

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.DocumentID] = rec
	return nil
}

func (s *Store) Search(ctx context.Context, query []float32, filter models.Filter, topK int) ([]vector.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]vector.Match, 0, len(s.records))
	for id, rec := range s.records {
		if !filter.Matches(rec.Metadata.Symbols, rec.Metadata.PublishedAt) {
			continue
		}
		matches = append(matches, vector.Match{
			DocumentID: id,
			Similarity: embedding.Cosine(query, rec.Vector),
			Metadata:   rec.Metadata,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].DocumentID < matches[j].DocumentID
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
