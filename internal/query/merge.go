package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/internal/vector"
	"github.com/cryptobroker/backend/pkg/utils"
)

type scoring int

const (
	scoreVector scoring = iota
	scoreGraph
	scoreCombined
)

type weights struct {
	vector float64
	graph  float64
}

type candidate struct {
	result models.QueryResult
	vector *float64
	graph  *float64
}

// merge combines vector hits and graph document rows into one ranked list. Each source keeps
// its best score per document. When graphFirst is set only documents the graph returned are kept
// and vector scores just rerank them.
func merge(hits []vector.Hit, rows []models.GraphResult, mode scoring, w weights, graphFirst bool, limit int) []models.QueryResult {
	byID := make(map[string]*candidate)
	var order []string

	get := func(id string) *candidate {
		c, ok := byID[id]
		if !ok {
			c = &candidate{result: models.QueryResult{DocumentID: id}}
			byID[id] = c
			order = append(order, id)
		}
		return c
	}

	if mode != scoreVector {
		for _, row := range rows {
			if row.DocumentID == "" {
				continue
			}
			c := get(row.DocumentID)
			s := clamp01(row.Score)
			if c.graph == nil || s > *c.graph {
				c.graph = &s
				c.result.Via = row.Via
			}
			fill(&c.result, row.Title, row.Source, row.Symbols)
			if c.result.PublishedAt.IsZero() {
				c.result.PublishedAt = row.PublishedAt
			}
			if row.Sentiment != "" {
				c.result.Sentiment = row.Sentiment
			}
		}
	}

	if mode != scoreGraph {
		for _, h := range hits {
			if graphFirst && mode == scoreCombined {
				if _, ok := byID[h.DocumentID]; !ok {
					continue
				}
			}
			c := get(h.DocumentID)
			s := clamp01(h.Score)
			if c.vector == nil || s > *c.vector {
				c.vector = &s
				c.result.Backend = h.Metadata.Backend
			}
			fill(&c.result, h.Metadata.Title, h.Metadata.Source, h.Metadata.Symbols)
			if c.result.PublishedAt.IsZero() {
				c.result.PublishedAt = h.Metadata.PublishedAt
			}
		}
	}

	out := make([]models.QueryResult, 0, len(order))
	for _, id := range order {
		c := byID[id]
		r := c.result
		r.VectorScore = c.vector
		r.GraphScore = c.graph

		var v, g float64
		if c.vector != nil {
			v = *c.vector
		}
		if c.graph != nil {
			g = *c.graph
		}

		switch mode {
		case scoreVector:
			r.Score = v
		case scoreGraph:
			r.Score = g
		default:
			r.Score = w.vector*v + w.graph*g
		}

		switch {
		case c.vector != nil && c.graph != nil:
			r.Provenance = models.ProvenanceHybrid
		case c.graph != nil:
			r.Provenance = models.ProvenanceGraph
		default:
			r.Provenance = models.ProvenanceVector
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.After(out[j].PublishedAt)
		}
		return out[i].DocumentID < out[j].DocumentID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func fill(r *models.QueryResult, title, source string, symbols []string) {
	if r.Title == "" {
		r.Title = title
	}
	if r.Source == "" {
		r.Source = source
	}
	if len(r.Symbols) == 0 {
		r.Symbols = symbols
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// cacheKey identifies a validated request. Symbol order does not matter.
func cacheKey(req Request) string {
	symbols := append([]string(nil), req.Symbols...)
	sort.Strings(symbols)

	var from, to int64
	if req.TimeRange != nil {
		if !req.TimeRange.From.IsZero() {
			from = req.TimeRange.From.Unix()
		}
		if !req.TimeRange.To.IsZero() {
			to = req.TimeRange.To.Unix()
		}
	}

	raw := fmt.Sprintf("%s|%s|%s|%d|%d|%d",
		req.Type, strings.ToLower(req.Text), strings.Join(symbols, ","), from, to, req.Limit)
	return utils.HashString(raw)
}
