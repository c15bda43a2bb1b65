package builder

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cryptobroker/backend/internal/extraction"
	"github.com/cryptobroker/backend/internal/kg"
	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/pkg/logger"
	"github.com/cryptobroker/backend/pkg/utils"
)

const symbolMentionConfidence = 0.8

// Graph is the write side of the graph adapter.
type Graph interface {
	UpsertDocument(ctx context.Context, doc kg.DocumentNode) error
	UpsertEntity(ctx context.Context, name string, entityType string) (string, error)
	UpsertRelationship(ctx context.Context, sourceID, targetID string, relType models.RelationshipType, confidence float64) error
}

type Summary struct {
	Entities      int
	Relationships int
	Skipped       int
}

type Builder struct {
	graph Graph
}

func NewBuilder(graph Graph) *Builder {
	return &Builder{graph: graph}
}

// BuildFromDocument writes the document node, its entities, the MENTIONS and HAS_SENTIMENT
// edges and the entity relationships found by extraction. Every write is a merge, so building
// the same document twice leaves the graph unchanged apart from timestamps.
func (b *Builder) BuildFromDocument(ctx context.Context, doc *models.Document, ext *extraction.Result) (*Summary, error) {
	logger.Info("Building KG from document", zap.String("doc_id", doc.ID))

	err := b.graph.UpsertDocument(ctx, kg.DocumentNode{
		ID:          doc.ID,
		Title:       doc.Title,
		Source:      doc.Source,
		URL:         doc.URL,
		PublishedAt: doc.PublishedAt,
		Symbols:     doc.Symbols,
	})
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	ids := make(map[string]string)

	mention := func(name string, t models.EntityType, confidence float64) error {
		id, err := b.graph.UpsertEntity(ctx, name, string(t))
		if errors.Is(err, models.ErrInvalidEntityType) || errors.Is(err, models.ErrValidation) {
			logger.Warn("Skipping invalid entity", zap.String("doc_id", doc.ID), zap.String("name", name), zap.Error(err))
			summary.Skipped++
			return nil
		}
		if err != nil {
			return err
		}
		if _, seen := ids[utils.NormalizeName(name)]; !seen {
			summary.Entities++
		}
		ids[utils.NormalizeName(name)] = id
		return b.graph.UpsertRelationship(ctx, doc.ID, id, models.RelMentions, clamp(confidence))
	}

	for _, sym := range doc.Symbols {
		if err := mention(sym, models.EntitySymbol, symbolMentionConfidence); err != nil {
			return nil, fmt.Errorf("failed to write symbol %s: %w", sym, err)
		}
	}

	if ext != nil {
		for _, e := range ext.Entities {
			if err := mention(e.Name, e.Type, e.Confidence); err != nil {
				return nil, fmt.Errorf("failed to write entity %s: %w", e.Name, err)
			}
		}

		for _, r := range ext.Relationships {
			src, okSrc := ids[utils.NormalizeName(r.Source)]
			tgt, okTgt := ids[utils.NormalizeName(r.Target)]
			if !okSrc || !okTgt || src == tgt {
				summary.Skipped++
				continue
			}
			err := b.graph.UpsertRelationship(ctx, src, tgt, r.Type, clamp(r.Confidence))
			if errors.Is(err, models.ErrValidation) {
				summary.Skipped++
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to write relationship %s-%s: %w", r.Source, r.Target, err)
			}
			summary.Relationships++
		}

		if ext.Sentiment != "" {
			err := b.graph.UpsertRelationship(ctx, doc.ID, string(ext.Sentiment), models.RelHasSentiment, clamp(ext.SentimentScore))
			if err != nil {
				return nil, fmt.Errorf("failed to write sentiment: %w", err)
			}
		}
	}

	logger.Info("KG built from document",
		zap.String("doc_id", doc.ID),
		zap.Int("entities", summary.Entities),
		zap.Int("relationships", summary.Relationships),
		zap.Int("skipped", summary.Skipped),
	)

	return summary, nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
