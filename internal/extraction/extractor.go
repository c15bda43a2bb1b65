// Package extraction turns article text into entities, relationships and a sentiment label.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/pkg/logger"
	"github.com/cryptobroker/backend/pkg/retry"
	"github.com/cryptobroker/backend/pkg/utils"
)

type Input struct {
	Title   string
	Body    string
	Symbols []string
}

type Entity struct {
	Name       string
	Type       models.EntityType
	Confidence float64
}

// Relationship links two extracted entities by name.
type Relationship struct {
	Source     string
	Target     string
	Type       models.RelationshipType
	Confidence float64
}

type Result struct {
	Entities       []Entity
	Relationships  []Relationship
	Sentiment      models.Sentiment
	SentimentScore float64
	Extractor      string
}

type Extractor interface {
	Name() string
	Extract(ctx context.Context, in Input) (*Result, error)
}

// Guarded bounds every call to the wrapped extractor with a timeout and one retry.
type Guarded struct {
	next    Extractor
	timeout time.Duration
	retry   retry.Config
}

func NewGuarded(next Extractor, timeout time.Duration, cfg retry.Config) *Guarded {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig()
	}
	return &Guarded{next: next, timeout: timeout, retry: cfg}
}

func (g *Guarded) Name() string { return g.next.Name() }

func (g *Guarded) Extract(ctx context.Context, in Input) (*Result, error) {
	return retry.DoWithResult(ctx, g.retry, func(ctx context.Context) (*Result, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.next.Extract(callCtx, in)
	})
}

// Chain tries each extractor in order and returns the first successful result.
type Chain struct {
	extractors []Extractor
}

func NewChain(extractors ...Extractor) *Chain {
	return &Chain{extractors: extractors}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Extract(ctx context.Context, in Input) (*Result, error) {
	var errs []error
	for _, e := range c.extractors {
		res, err := e.Extract(ctx, in)
		if err == nil {
			if res.Extractor == "" {
				res.Extractor = e.Name()
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("Extractor failed, trying next",
			zap.String("extractor", e.Name()),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
	}
	if len(errs) == 0 {
		return nil, errors.New("no extractors configured")
	}
	return nil, errors.Join(errs...)
}

// dedupe merges entities with the same normalized name and type, keeping the highest confidence
// and the first surface form, and drops relationships whose endpoints are missing.
func dedupe(res *Result) {
	type key struct {
		name string
		typ  models.EntityType
	}
	index := make(map[key]int)
	names := make(map[string]bool)
	entities := res.Entities[:0]
	for _, e := range res.Entities {
		k := key{utils.NormalizeName(e.Name), e.Type}
		if k.name == "" {
			continue
		}
		if i, ok := index[k]; ok {
			if e.Confidence > entities[i].Confidence {
				entities[i].Confidence = e.Confidence
			}
			continue
		}
		index[k] = len(entities)
		names[k.name] = true
		entities = append(entities, e)
	}
	res.Entities = entities

	type relKey struct {
		source, target string
		typ            models.RelationshipType
	}
	seen := make(map[relKey]int)
	rels := res.Relationships[:0]
	for _, r := range res.Relationships {
		src, tgt := utils.NormalizeName(r.Source), utils.NormalizeName(r.Target)
		if !names[src] || !names[tgt] || src == tgt {
			continue
		}
		k := relKey{src, tgt, r.Type}
		if i, ok := seen[k]; ok {
			if r.Confidence > rels[i].Confidence {
				rels[i].Confidence = r.Confidence
			}
			continue
		}
		seen[k] = len(rels)
		rels = append(rels, r)
	}
	res.Relationships = rels
}
