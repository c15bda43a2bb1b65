package kg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cryptobroker/backend/internal/metrics"
	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/pkg/failover"
	"github.com/cryptobroker/backend/pkg/logger"
	"github.com/cryptobroker/backend/pkg/retry"
	"github.com/cryptobroker/backend/pkg/utils"
)

const defaultMaxHops = 2

var errMock = errors.New("graph store in mock mode")

type Options struct {
	Timeout       time.Duration
	ProbeInterval time.Duration
	MaxHops       int
	TrendingSince time.Duration
	Retry         retry.Config
}

// Adapter maintains entities and relationships and answers graph queries. When the backend is
// unreachable it switches to mock mode: writes are dropped and queries come back empty and degraded.
type Adapter struct {
	backend Backend
	sw      *failover.Switch
	opts    Options
	log     *zap.Logger
}

func NewAdapter(backend Backend, opts Options) *Adapter {
	if opts.Timeout == 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.MaxHops <= 0 {
		opts.MaxHops = defaultMaxHops
	}
	if opts.TrendingSince == 0 {
		opts.TrendingSince = 24 * time.Hour
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	opts.Retry.Retryable = models.IsConnectionError

	log := logger.Named("graph")
	opts.Retry.Logger = log

	a := &Adapter{backend: backend, opts: opts, log: log}
	a.sw = failover.New("graph", failover.Config{
		PrimaryLabel:  StateConnected,
		FallbackLabel: StateMock,
		ProbeInterval: opts.ProbeInterval,
		ProbeTimeout:  opts.Timeout,
		Logger:        log,
		OnStateChange: func(name string, _, to failover.State) {
			metrics.ObserveTransition(name, to == failover.StateFallback, to.String())
		},
	})
	return a
}

// Start runs the health probe loop until ctx is done.
func (a *Adapter) Start(ctx context.Context) {
	go a.sw.Run(ctx, a.backend.Ping, nil)
}

// Probe runs one health probe immediately.
func (a *Adapter) Probe(ctx context.Context) failover.State {
	return a.sw.ProbeOnce(ctx, a.backend.Ping, nil)
}

func (a *Adapter) Status() failover.Status {
	return a.sw.Status()
}

func (a *Adapter) Mock() bool {
	return a.sw.State() == failover.StateFallback
}

func (a *Adapter) Close(ctx context.Context) error {
	return a.backend.Close(ctx)
}

// call runs op against the backend with a timeout and one retry. Connection failures move the
// adapter to mock mode.
func (a *Adapter) call(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	if a.sw.State() == failover.StateFallback {
		return errMock
	}

	err := retry.Do(ctx, a.opts.Retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
		return op(callCtx)
	})
	if err == nil {
		return nil
	}

	metrics.BackendErrors.WithLabelValues("graph", operation).Inc()
	if models.IsConnectionError(err) {
		a.sw.Degrade(err)
		return errMock
	}
	return err
}

func (a *Adapter) write(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	err := a.call(ctx, operation, op)
	if errors.Is(err, errMock) {
		a.log.Warn("Graph write discarded", zap.String("operation", operation))
		return nil
	}
	return err
}

// UpsertEntity merges an entity by normalized name and type and returns its id.
func (a *Adapter) UpsertEntity(ctx context.Context, name string, entityType string) (string, error) {
	t, err := models.ParseEntityType(entityType)
	if err != nil {
		return "", err
	}
	key := utils.NormalizeName(name)
	if key == "" {
		return "", fmt.Errorf("%w: entity name is empty", models.ErrValidation)
	}

	e := models.Entity{
		ID:        EntityID(t, name),
		Name:      strings.TrimSpace(name),
		Key:       key,
		Type:      t,
		FirstSeen: time.Now().UTC(),
	}
	err = a.write(ctx, "upsert_entity", func(ctx context.Context) error {
		return a.backend.MergeEntity(ctx, e)
	})
	if err != nil {
		return "", fmt.Errorf("failed to upsert entity: %w", err)
	}
	return e.ID, nil
}

func (a *Adapter) UpsertDocument(ctx context.Context, doc DocumentNode) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document id is empty", models.ErrValidation)
	}
	err := a.write(ctx, "upsert_document", func(ctx context.Context) error {
		return a.backend.MergeDocument(ctx, doc)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// UpsertRelationship merges an edge. An existing edge keeps the larger of its old and new strength.
func (a *Adapter) UpsertRelationship(ctx context.Context, sourceID, targetID string, relType models.RelationshipType, confidence float64) error {
	if _, err := models.ParseRelationshipType(string(relType)); err != nil {
		return err
	}
	if sourceID == "" || targetID == "" {
		return fmt.Errorf("%w: relationship endpoints are required", models.ErrValidation)
	}
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("%w: confidence %.2f outside [0,1]", models.ErrValidation, confidence)
	}

	rel := models.Relationship{
		SourceID:    sourceID,
		TargetID:    targetID,
		Type:        relType,
		Strength:    confidence,
		LastUpdated: time.Now().UTC(),
	}
	err := a.write(ctx, "upsert_relationship", func(ctx context.Context) error {
		return a.backend.MergeRelationship(ctx, rel)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert relationship: %w", err)
	}
	return nil
}

// ResolveEntity finds the entity whose normalized name equals name. It returns
// models.ErrNotFound when there is none or when the graph is unavailable.
func (a *Adapter) ResolveEntity(ctx context.Context, name string) (*models.Entity, error) {
	key := utils.NormalizeName(name)
	if key == "" {
		return nil, models.ErrNotFound
	}

	var found []models.Entity
	err := a.call(ctx, "resolve_entity", func(ctx context.Context) error {
		var err error
		found, err = a.backend.FindEntities(ctx, []string{key})
		return err
	})
	if errors.Is(err, errMock) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve entity: %w", err)
	}
	if len(found) == 0 {
		return nil, models.ErrNotFound
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	return &found[0], nil
}

// Query answers a graph query. In mock mode, or when the backend fails mid-query, it returns
// an empty result marked Degraded so callers can tell "unknown" from "nothing".
func (a *Adapter) Query(ctx context.Context, queryType models.GraphQueryType, params Params, limit int) (*Response, error) {
	if !queryType.Valid() {
		return nil, fmt.Errorf("%w: unknown graph query type %q", models.ErrValidation, queryType)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", models.ErrValidation)
	}
	if err := params.Filter.TimeRange.Validate(); err != nil {
		return nil, err
	}

	var results []models.GraphResult
	err := a.call(ctx, string(queryType), func(ctx context.Context) error {
		var err error
		switch queryType {
		case models.GraphRelatedArticles:
			results, err = a.relatedArticles(ctx, params, limit)
		case models.GraphEntityNetwork:
			results, err = a.entityNetwork(ctx, params, limit)
		case models.GraphSentimentAnalysis:
			results, err = a.sentimentAnalysis(ctx, params, limit)
		case models.GraphTrendingTopics:
			results, err = a.trendingTopics(ctx, params, limit)
		}
		return err
	})
	if errors.Is(err, errMock) {
		return &Response{Results: []models.GraphResult{}, Degraded: true, State: StateMock}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("graph %s query failed: %w", queryType, err)
	}

	if results == nil {
		results = []models.GraphResult{}
	}
	return &Response{Results: results, State: StateConnected}, nil
}

func (a *Adapter) relatedArticles(ctx context.Context, params Params, limit int) ([]models.GraphResult, error) {
	keys := candidateKeys(params.Text)
	if len(keys) == 0 {
		return nil, nil
	}

	entities, err := a.backend.FindEntities(ctx, keys)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}

	weights := make(map[string]float64, len(entities))
	names := make(map[string]string, len(entities))
	for _, e := range entities {
		weights[e.ID] = 1
		names[e.ID] = e.Name
	}
	return a.documentsFor(ctx, weights, names, nil, params.Filter, limit)
}

// entityNetwork returns the entities within MaxHops of the seed ranked by path strength,
// followed by the documents mentioning the seed or its network scored path x mention.
func (a *Adapter) entityNetwork(ctx context.Context, params Params, limit int) ([]models.GraphResult, error) {
	name := params.Entity
	if name == "" {
		name = params.Text
	}
	key := utils.NormalizeName(name)
	if key == "" {
		return nil, fmt.Errorf("%w: entity_network needs a seed entity", models.ErrValidation)
	}

	seeds, err := a.backend.FindEntities(ctx, []string{key})
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i].ID < seeds[j].ID })
	seed := seeds[0]

	maxHops := params.MaxHops
	if maxHops <= 0 {
		maxHops = a.opts.MaxHops
	}

	reached, err := strongestPaths(ctx, a.backend, seed.ID, maxHops)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(reached)+1)
	for id := range reached {
		ids = append(ids, id)
	}
	entities, err := a.backend.EntitiesByID(ctx, append(ids, seed.ID))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Entity, len(entities))
	names := make(map[string]string, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
		names[e.ID] = e.Name
	}

	rows := make([]models.GraphResult, 0, len(reached))
	for id, r := range reached {
		e, ok := byID[id]
		if !ok {
			continue
		}
		rows = append(rows, models.GraphResult{
			Entity: &e,
			Score:  r.strength,
			Hops:   r.hops,
			Via:    pathNames(r.path, names),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		if rows[i].Hops != rows[j].Hops {
			return rows[i].Hops < rows[j].Hops
		}
		return rows[i].Entity.Name < rows[j].Entity.Name
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}

	weights := map[string]float64{seed.ID: 1}
	paths := map[string][]string{seed.ID: {seed.ID}}
	for _, row := range rows {
		weights[row.Entity.ID] = row.Score
		paths[row.Entity.ID] = reached[row.Entity.ID].path
	}
	docs, err := a.documentsFor(ctx, weights, names, paths, params.Filter, limit)
	if err != nil {
		return nil, err
	}
	rows, docs = splitLimit(rows, docs, limit)
	return append(rows, docs...), nil
}

// splitLimit trims entity and document rows so together they hold at most limit rows.
// Documents get at least half, rounded up, and either side takes what the other leaves unused.
func splitLimit(entities, docs []models.GraphResult, limit int) ([]models.GraphResult, []models.GraphResult) {
	docQuota := limit - min(len(entities), limit/2)
	if len(docs) > docQuota {
		docs = docs[:docQuota]
	}
	if entQuota := limit - len(docs); len(entities) > entQuota {
		entities = entities[:entQuota]
	}
	return entities, docs
}

// documentsFor scores each document by the max over its mentioned entities of weight x mention strength.
func (a *Adapter) documentsFor(ctx context.Context, weights map[string]float64, names map[string]string, paths map[string][]string, filter models.Filter, limit int) ([]models.GraphResult, error) {
	ids := make([]string, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	mentions, err := a.backend.Mentions(ctx, ids, filter)
	if err != nil {
		return nil, err
	}

	byDoc := make(map[string]*models.GraphResult)
	for _, m := range mentions {
		if !filter.Matches(m.Document.Symbols, m.Document.PublishedAt) {
			continue
		}
		score := weights[m.EntityID] * m.Strength
		via := []string{names[m.EntityID]}
		if p, ok := paths[m.EntityID]; ok {
			via = pathNames(p, names)
		}

		row, ok := byDoc[m.Document.ID]
		if !ok {
			byDoc[m.Document.ID] = &models.GraphResult{
				DocumentID:  m.Document.ID,
				Title:       m.Document.Title,
				Source:      m.Document.Source,
				PublishedAt: m.Document.PublishedAt,
				Symbols:     m.Document.Symbols,
				Score:       score,
				Hops:        len(via) - 1,
				Via:         via,
				Mentions:    1,
			}
			continue
		}
		row.Mentions++
		if score > row.Score {
			row.Score = score
			row.Hops = len(via) - 1
			row.Via = via
		}
	}

	out := make([]models.GraphResult, 0, len(byDoc))
	for _, row := range byDoc {
		out = append(out, *row)
	}
	sortDocuments(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (a *Adapter) sentimentAnalysis(ctx context.Context, params Params, limit int) ([]models.GraphResult, error) {
	var allowed map[string]bool
	if params.Entity != "" {
		seeds, err := a.backend.FindEntities(ctx, []string{utils.NormalizeName(params.Entity)})
		if err != nil {
			return nil, err
		}
		if len(seeds) == 0 {
			return nil, nil
		}
		ids := make([]string, 0, len(seeds))
		for _, s := range seeds {
			ids = append(ids, s.ID)
		}
		mentions, err := a.backend.Mentions(ctx, ids, params.Filter)
		if err != nil {
			return nil, err
		}
		allowed = make(map[string]bool, len(mentions))
		for _, m := range mentions {
			allowed[m.Document.ID] = true
		}
	}

	fetch := limit
	if allowed != nil {
		fetch = limit * 4
	}
	rows, err := a.backend.Sentiments(ctx, params.Filter, fetch)
	if err != nil {
		return nil, err
	}

	out := make([]models.GraphResult, 0, len(rows))
	for _, r := range rows {
		if allowed != nil && !allowed[r.Document.ID] {
			continue
		}
		if !params.Filter.Matches(r.Document.Symbols, r.Document.PublishedAt) {
			continue
		}
		out = append(out, models.GraphResult{
			DocumentID:  r.Document.ID,
			Title:       r.Document.Title,
			Source:      r.Document.Source,
			PublishedAt: r.Document.PublishedAt,
			Symbols:     r.Document.Symbols,
			Score:       r.Strength,
			Sentiment:   r.Sentiment,
		})
	}
	sortDocuments(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (a *Adapter) trendingTopics(ctx context.Context, params Params, limit int) ([]models.GraphResult, error) {
	since := params.Since
	if since.IsZero() {
		since = time.Now().UTC().Add(-a.opts.TrendingSince)
	}

	counts, err := a.backend.Trending(ctx, since, limit)
	if err != nil {
		return nil, err
	}

	top := 0
	for _, c := range counts {
		if c.Count > top {
			top = c.Count
		}
	}

	out := make([]models.GraphResult, 0, len(counts))
	for _, c := range counts {
		if c.Count == 0 {
			continue
		}
		e := c.Entity
		out = append(out, models.GraphResult{
			Entity:   &e,
			Score:    float64(c.Count) / float64(top),
			Mentions: c.Count,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Mentions != out[j].Mentions {
			return out[i].Mentions > out[j].Mentions
		}
		return out[i].Entity.Name < out[j].Entity.Name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortDocuments(rows []models.GraphResult) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		if !rows[i].PublishedAt.Equal(rows[j].PublishedAt) {
			return rows[i].PublishedAt.After(rows[j].PublishedAt)
		}
		return rows[i].DocumentID < rows[j].DocumentID
	})
}

func pathNames(path []string, names map[string]string) []string {
	out := make([]string, 0, len(path))
	for _, id := range path {
		if n, ok := names[id]; ok {
			out = append(out, n)
		} else {
			out = append(out, id)
		}
	}
	return out
}
