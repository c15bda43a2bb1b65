package evaluation

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cryptobroker/backend/internal/query"
	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/pkg/logger"
)

type Querier interface {
	Query(ctx context.Context, req query.Request) (*query.Response, error)
}

type Evaluator struct {
	engine Querier
}

type Dataset struct {
	Name  string        `yaml:"name"`
	Items []DatasetItem `yaml:"items"`
}

// DatasetItem is one replayed query. A result is relevant when its URL or title matches one
// of the expected values.
type DatasetItem struct {
	Query          string   `yaml:"query"`
	Type           string   `yaml:"type"`
	Symbols        []string `yaml:"symbols"`
	Limit          int      `yaml:"limit"`
	Category       string   `yaml:"category"`
	ExpectedURLs   []string `yaml:"expected_urls"`
	ExpectedTitles []string `yaml:"expected_titles"`
}

type ItemResult struct {
	Query    string
	Category string
	Rank     int
	Results  int
	Degraded bool
	Partial  bool
	Latency  time.Duration
	Err      string
}

type CategoryStats struct {
	Queries int
	Hits    int
	MRR     float64
}

type Report struct {
	Dataset      string
	TotalQueries int
	Failed       int
	Hits         int
	HitRate      float64
	MRR          float64
	DegradedRate float64
	PartialRate  float64
	AvgLatency   time.Duration
	ByCategory   map[string]*CategoryStats
	Items        []ItemResult
}

func NewEvaluator(engine Querier) *Evaluator {
	return &Evaluator{engine: engine}
}

func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	return ParseDataset(data)
}

func ParseDataset(data []byte) (*Dataset, error) {
	var dataset Dataset
	if err := yaml.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}

	for i, item := range dataset.Items {
		if strings.TrimSpace(item.Query) == "" && item.Type != string(models.QuerySentimentAnalysis) {
			return nil, fmt.Errorf("%w: dataset item %d has no query", models.ErrValidation, i)
		}
		if len(item.ExpectedURLs) == 0 && len(item.ExpectedTitles) == 0 {
			return nil, fmt.Errorf("%w: dataset item %d has no expected results", models.ErrValidation, i)
		}
	}
	return &dataset, nil
}

// Run replays every dataset item against the engine and scores hit rate and mean reciprocal rank.
func (e *Evaluator) Run(ctx context.Context, dataset *Dataset) (*Report, error) {
	logger.Info("Running dataset evaluation", zap.String("dataset", dataset.Name), zap.Int("items", len(dataset.Items)))

	report := &Report{
		Dataset:      dataset.Name,
		TotalQueries: len(dataset.Items),
		ByCategory:   make(map[string]*CategoryStats),
	}

	var totalLatency time.Duration
	var reciprocal float64
	var degraded, partial int

	for i, item := range dataset.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := e.evaluateItem(ctx, item)
		report.Items = append(report.Items, res)

		category := item.Category
		if category == "" {
			category = "uncategorized"
		}
		stats, ok := report.ByCategory[category]
		if !ok {
			stats = &CategoryStats{}
			report.ByCategory[category] = stats
		}
		stats.Queries++

		if res.Err != "" {
			logger.Error("Failed to evaluate query", zap.Int("index", i), zap.String("error", res.Err))
			report.Failed++
			continue
		}

		totalLatency += res.Latency
		if res.Degraded {
			degraded++
		}
		if res.Partial {
			partial++
		}
		if res.Rank > 0 {
			report.Hits++
			stats.Hits++
			reciprocal += 1 / float64(res.Rank)
			stats.MRR += 1 / float64(res.Rank)
		}
	}

	if report.TotalQueries > 0 {
		n := float64(report.TotalQueries)
		report.HitRate = float64(report.Hits) / n
		report.MRR = reciprocal / n
		report.DegradedRate = float64(degraded) / n
		report.PartialRate = float64(partial) / n
	}
	if answered := report.TotalQueries - report.Failed; answered > 0 {
		report.AvgLatency = totalLatency / time.Duration(answered)
	}
	for _, stats := range report.ByCategory {
		stats.MRR /= float64(stats.Queries)
	}

	logger.Info("Dataset evaluation completed",
		zap.Int("total", report.TotalQueries),
		zap.Int("hits", report.Hits),
		zap.Float64("mrr", report.MRR),
		zap.Float64("degraded_rate", report.DegradedRate),
	)
	return report, nil
}

func (e *Evaluator) evaluateItem(ctx context.Context, item DatasetItem) ItemResult {
	res := ItemResult{Query: item.Query, Category: item.Category}

	start := time.Now()
	resp, err := e.engine.Query(ctx, query.Request{
		Text:    item.Query,
		Type:    models.QueryType(item.Type),
		Symbols: item.Symbols,
		Limit:   item.Limit,
	})
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = err.Error()
		return res
	}

	res.Results = len(resp.Results)
	res.Degraded = resp.Degraded
	res.Partial = resp.Partial
	res.Rank = firstRelevant(resp.Results, item)
	return res
}

// firstRelevant returns the 1-based rank of the first relevant result, or 0.
func firstRelevant(results []models.QueryResult, item DatasetItem) int {
	for i, r := range results {
		for _, u := range item.ExpectedURLs {
			if r.URL != "" && strings.EqualFold(strings.TrimRight(r.URL, "/"), strings.TrimRight(u, "/")) {
				return i + 1
			}
		}
		for _, t := range item.ExpectedTitles {
			if strings.EqualFold(strings.TrimSpace(r.Title), strings.TrimSpace(t)) {
				return i + 1
			}
		}
	}
	return 0
}

func GenerateReport(report *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, `
Evaluation Report
=================

Dataset: %s
Total Queries: %d (failed: %d)

Retrieval:
- Hit rate: %.1f%% (%d/%d)
- MRR: %.3f

Availability:
- Degraded: %.1f%%
- Partial: %.1f%%
- Avg latency: %s
`,
		report.Dataset,
		report.TotalQueries, report.Failed,
		report.HitRate*100, report.Hits, report.TotalQueries,
		report.MRR,
		report.DegradedRate*100,
		report.PartialRate*100,
		report.AvgLatency.Round(time.Millisecond),
	)

	if len(report.ByCategory) > 0 {
		b.WriteString("\nBy category:\n")
		names := make([]string, 0, len(report.ByCategory))
		for name := range report.ByCategory {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s := report.ByCategory[name]
			fmt.Fprintf(&b, "- %s: %d/%d hits, MRR %.3f\n", name, s.Hits, s.Queries, s.MRR)
		}
	}
	return b.String()
}
