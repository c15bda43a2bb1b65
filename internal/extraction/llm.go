package extraction

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/cryptobroker/backend/internal/llm"
	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/pkg/logger"
)

// KnowledgeSource is the model call behind LLM extraction.
type KnowledgeSource interface {
	ExtractKnowledge(ctx context.Context, text string) (*llm.KnowledgeExtraction, error)
}

type LLM struct {
	source KnowledgeSource
}

func NewLLM(source KnowledgeSource) *LLM {
	return &LLM{source: source}
}

func (l *LLM) Name() string { return "llm" }

func (l *LLM) Extract(ctx context.Context, in Input) (*Result, error) {
	var b strings.Builder
	b.WriteString(in.Title)
	if len(in.Symbols) > 0 {
		b.WriteString("\nSymbols: ")
		b.WriteString(strings.Join(in.Symbols, ", "))
	}
	b.WriteString("\n\n")
	b.WriteString(in.Body)

	raw, err := l.source.ExtractKnowledge(ctx, b.String())
	if err != nil {
		return nil, err
	}
	return fromKnowledge(raw), nil
}

// fromKnowledge validates model output; entries with unknown types are dropped.
func fromKnowledge(raw *llm.KnowledgeExtraction) *Result {
	res := &Result{Extractor: "llm", Sentiment: models.SentimentNeutral, SentimentScore: 0.5}

	for _, e := range raw.Entities {
		t, err := models.ParseEntityType(e.Type)
		if err != nil {
			logger.Debug("Dropping extracted entity", zap.String("name", e.Name), zap.Error(err))
			continue
		}
		name := e.Name
		if t == models.EntitySymbol {
			name = strings.ToUpper(name)
		}
		res.Entities = append(res.Entities, Entity{Name: name, Type: t, Confidence: e.Confidence})
	}

	for _, r := range raw.Relationships {
		t, err := models.ParseRelationshipType(r.Type)
		if err != nil || t.FromDocument() {
			logger.Debug("Dropping extracted relationship", zap.String("type", r.Type))
			continue
		}
		res.Relationships = append(res.Relationships, Relationship{
			Source:     r.Source,
			Target:     r.Target,
			Type:       t,
			Confidence: r.Confidence,
		})
	}

	if s := raw.Sentiment; s != nil {
		switch label := models.Sentiment(strings.ToLower(strings.TrimSpace(s.Label))); label {
		case models.SentimentBullish, models.SentimentBearish, models.SentimentNeutral:
			res.Sentiment = label
			if s.Score >= 0 && s.Score <= 1 {
				res.SentimentScore = s.Score
			}
		}
	}

	dedupe(res)
	return res
}
