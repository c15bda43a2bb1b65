package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cryptobroker/backend/pkg/logger"
	"github.com/cryptobroker/backend/pkg/retry"
)

const extractionSystemPrompt = `You build a knowledge graph of cryptocurrency market news.

Extract entities with a type from: organization, person, topic, symbol, event.
Use ticker symbols (BTC, ETH) for cryptocurrencies. Use the shortest common name for organizations.

Extract relationships between extracted entities with a type from:
- RELATED_TO: entities discussed together
- IMPACTS: an entity or event affects a symbol or organization
- COMPETES_WITH: two organizations or symbols compete

Classify the overall market sentiment as bullish, bearish or neutral with a score in [0, 1].

Return a JSON object:
{"entities": [{"name": "SEC", "type": "organization", "confidence": 0.9}],
 "relationships": [{"source": "SEC", "target": "BTC", "type": "IMPACTS", "confidence": 0.7}],
 "sentiment": {"label": "bearish", "score": 0.6}}`

type EntityExtraction struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type RelationExtraction struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type SentimentExtraction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type KnowledgeExtraction struct {
	Entities      []EntityExtraction   `json:"entities"`
	Relationships []RelationExtraction `json:"relationships"`
	Sentiment     *SentimentExtraction `json:"sentiment"`
}

// maxExtractionChars keeps prompts bounded for long articles.
const maxExtractionChars = 12000

func (c *Client) ExtractKnowledge(ctx context.Context, text string) (*KnowledgeExtraction, error) {
	if len(text) > maxExtractionChars {
		text = text[:maxExtractionChars]
	}

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: extractionSystemPrompt,
		UserPrompt:   fmt.Sprintf("Extract entities, relationships and sentiment from this article:\n\n%s", text),
		Temperature:  0.1,
		MaxTokens:    800,
		JSON:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract knowledge: %w", err)
	}

	extraction, err := ParseKnowledge(resp.Content)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	logger.Debug("Knowledge extracted",
		zap.Int("entities", len(extraction.Entities)),
		zap.Int("relationships", len(extraction.Relationships)),
	)

	return extraction, nil
}

// ParseKnowledge decodes a model reply, tolerating markdown fences and surrounding prose.
func ParseKnowledge(content string) (*KnowledgeExtraction, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in extraction response")
	}

	var out KnowledgeExtraction
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}

	entities := out.Entities[:0]
	for _, e := range out.Entities {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			continue
		}
		if e.Confidence <= 0 || e.Confidence > 1 {
			e.Confidence = 0.8
		}
		entities = append(entities, e)
	}
	out.Entities = entities

	relations := out.Relationships[:0]
	for _, r := range out.Relationships {
		r.Source = strings.TrimSpace(r.Source)
		r.Target = strings.TrimSpace(r.Target)
		if r.Source == "" || r.Target == "" || strings.EqualFold(r.Source, r.Target) {
			continue
		}
		if r.Confidence <= 0 || r.Confidence > 1 {
			r.Confidence = 0.6
		}
		relations = append(relations, r)
	}
	out.Relationships = relations

	return &out, nil
}
