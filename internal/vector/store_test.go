package vector_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptobroker/backend/internal/embedding"
	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/internal/storage/sqlite"
	"github.com/cryptobroker/backend/internal/testutil"
	"github.com/cryptobroker/backend/internal/vector"
	"github.com/cryptobroker/backend/internal/vector/memory"
	"github.com/cryptobroker/backend/pkg/failover"
	"github.com/cryptobroker/backend/pkg/retry"
)

type fixture struct {
	store   *vector.Store
	backend *memory.Store
	flaky   *testutil.FlakyVector
	local   *sqlite.Client
}

func newFixture(t *testing.T, primaryDim int, opts vector.Options) *fixture {
	t.Helper()

	local, err := sqlite.NewClient(filepath.Join(t.TempDir(), "vec.db"))
	require.NoError(t, err)
	require.NoError(t, local.InitSchema())
	t.Cleanup(func() { _ = local.Close() })

	primaryEmbedder, err := embedding.NewHashingEmbedder(primaryDim)
	require.NoError(t, err)
	localEmbedder, err := embedding.NewHashingEmbedder(32)
	require.NoError(t, err)

	backend := memory.NewStore(64)
	flaky := testutil.NewFlakyVector(backend)

	if opts.Timeout == 0 {
		opts.Timeout = 200 * time.Millisecond
	}
	opts.Retry = retry.DefaultConfig()
	opts.Retry.InitialDelay = time.Millisecond

	return &fixture{
		store:   vector.NewStore(flaky, primaryEmbedder, local, localEmbedder, opts),
		backend: backend,
		flaky:   flaky,
		local:   local,
	}
}

func meta(title string, symbols ...string) models.VectorMetadata {
	return models.VectorMetadata{Title: title, Symbols: symbols, PublishedAt: time.Now().UTC().Truncate(time.Second)}
}

func TestUpsert_Idempotent(t *testing.T) {
	f := newFixture(t, 64, vector.Options{})
	ctx := context.Background()

	require.NoError(t, f.store.Upsert(ctx, "doc-1", "SEC sues major exchange", meta("SEC", "BTC")))
	require.NoError(t, f.store.Upsert(ctx, "doc-1", "SEC sues major exchange", meta("SEC", "BTC")))

	assert.Equal(t, 1, f.backend.Len())
	n, err := f.local.CountEmbeddings(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := f.local.Unsynced(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSearch_PrimaryScoresAndFilters(t *testing.T) {
	f := newFixture(t, 64, vector.Options{})
	ctx := context.Background()

	require.NoError(t, f.store.Upsert(ctx, "sec", "SEC regulatory action against exchange", meta("sec", "BTC")))
	require.NoError(t, f.store.Upsert(ctx, "eth", "SEC regulatory action against exchange", meta("eth", "ETH")))
	require.NoError(t, f.store.Upsert(ctx, "doge", "Dogecoin meme rally continues", meta("doge", "BTC")))

	res, err := f.store.Search(ctx, "SEC regulatory action", models.Filter{Symbols: []string{"BTC"}}, 5)
	require.NoError(t, err)

	assert.Equal(t, vector.BackendPrimary, res.Backend)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "sec", res.Hits[0].DocumentID)
	for _, h := range res.Hits {
		assert.Equal(t, "primary", h.Metadata.Backend)
		assert.GreaterOrEqual(t, h.Score, 0.0)
		assert.LessOrEqual(t, h.Score, 1.0)
	}
	assert.Greater(t, res.Hits[0].Score, res.Hits[1].Score)
}

func TestSearch_FallbackIsTransparent(t *testing.T) {
	f := newFixture(t, 64, vector.Options{})
	ctx := context.Background()

	require.NoError(t, f.store.Upsert(ctx, "sec", "SEC regulatory action against exchange", meta("sec", "BTC")))

	f.flaky.SetDown(true)
	res, err := f.store.Search(ctx, "SEC regulatory action", models.Filter{}, 5)

	require.NoError(t, err)
	assert.Equal(t, vector.BackendFallback, res.Backend)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "fallback", res.Hits[0].Metadata.Backend)
	assert.Equal(t, "fallback", f.store.Status().State)

	// once degraded, reads skip the primary entirely
	before := f.flaky.Calls.Load()
	_, err = f.store.Search(ctx, "SEC", models.Filter{}, 5)
	require.NoError(t, err)
	assert.Equal(t, before, f.flaky.Calls.Load())
}

func TestSearch_RetriesOnceBeforeFailingOver(t *testing.T) {
	f := newFixture(t, 64, vector.Options{})
	f.flaky.SetDown(true)

	_, err := f.store.Search(context.Background(), "bitcoin", models.Filter{}, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.flaky.Calls.Load())
}

func TestDegradedWritesAreResyncedOnRecovery(t *testing.T) {
	f := newFixture(t, 64, vector.Options{})
	ctx := context.Background()

	f.flaky.SetDown(true)
	require.NoError(t, f.store.Upsert(ctx, "doc-1", "Tether reserves grow", meta("tether", "USDT")))
	assert.Equal(t, "fallback", f.store.Status().State)
	require.NoError(t, f.store.Upsert(ctx, "doc-2", "ETF inflows rise", meta("etf", "ETH")))
	assert.Zero(t, f.backend.Len())

	assert.Equal(t, failover.StateFallback, f.store.Probe(ctx))

	f.flaky.SetDown(false)
	assert.Equal(t, failover.StatePrimary, f.store.Probe(ctx))
	assert.Equal(t, 2, f.backend.Len())

	pending, err := f.local.Unsynced(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	res, err := f.store.Search(ctx, "tether reserves", models.Filter{}, 1)
	require.NoError(t, err)
	assert.Equal(t, vector.BackendPrimary, res.Backend)
	assert.Equal(t, "doc-1", res.Hits[0].DocumentID)
}

func TestUpsert_DimensionMismatchIsFatal(t *testing.T) {
	f := newFixture(t, 48, vector.Options{Dimension: 64})
	ctx := context.Background()

	err := f.store.Upsert(ctx, "doc-1", "Bitcoin halving approaches", meta("halving", "BTC"))

	assert.ErrorIs(t, err, models.ErrDimensionMismatch)
	assert.Equal(t, "primary", f.store.Status().State)
	n, err := f.local.CountEmbeddings(ctx, "doc-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

type slowBackend struct {
	vector.Backend
	delay time.Duration
}

func (s slowBackend) Search(ctx context.Context, vec []float32, filter models.Filter, topK int) ([]vector.Match, error) {
	select {
	case <-time.After(s.delay):
		return s.Backend.Search(ctx, vec, filter, topK)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSearch_TimeoutCountsAsConnectionFailure(t *testing.T) {
	local, err := sqlite.NewClient(filepath.Join(t.TempDir(), "vec.db"))
	require.NoError(t, err)
	require.NoError(t, local.InitSchema())
	t.Cleanup(func() { _ = local.Close() })

	primaryEmbedder, _ := embedding.NewHashingEmbedder(64)
	localEmbedder, _ := embedding.NewHashingEmbedder(32)
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond

	store := vector.NewStore(slowBackend{Backend: memory.NewStore(64), delay: time.Second},
		primaryEmbedder, local, localEmbedder, vector.Options{Timeout: 20 * time.Millisecond, Retry: cfg})

	res, err := store.Search(context.Background(), "bitcoin", models.Filter{}, 5)
	require.NoError(t, err)
	assert.Equal(t, vector.BackendFallback, res.Backend)
	assert.Equal(t, "fallback", store.Status().State)
}

type failingEmbedder struct {
	embedding.Embedder
	failing atomic.Bool
}

func (f *failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.failing.Load() {
		return nil, errors.New("embedding service unavailable")
	}
	return f.Embedder.Embed(ctx, text)
}

func newLocal(t *testing.T) *sqlite.Client {
	t.Helper()

	local, err := sqlite.NewClient(filepath.Join(t.TempDir(), "vec.db"))
	require.NoError(t, err)
	require.NoError(t, local.InitSchema())
	t.Cleanup(func() { _ = local.Close() })
	return local
}

func TestUpsert_EmbedderFailureIsReplayedWhilePrimaryHealthy(t *testing.T) {
	local := newLocal(t)
	hashing, _ := embedding.NewHashingEmbedder(64)
	primaryEmbedder := &failingEmbedder{Embedder: hashing}
	localEmbedder, _ := embedding.NewHashingEmbedder(32)
	backend := memory.NewStore(64)

	store := vector.NewStore(backend, primaryEmbedder, local, localEmbedder, vector.Options{Timeout: 200 * time.Millisecond})
	ctx := context.Background()

	primaryEmbedder.failing.Store(true)
	require.NoError(t, store.Upsert(ctx, "doc-1", "SEC sues major exchange", meta("SEC", "BTC")))
	assert.Zero(t, backend.Len())
	assert.Equal(t, "primary", store.Status().State)

	// still failing: the document stays pending and the store stays on primary
	assert.Equal(t, failover.StatePrimary, store.Probe(ctx))
	assert.Zero(t, backend.Len())

	primaryEmbedder.failing.Store(false)
	assert.Equal(t, failover.StatePrimary, store.Probe(ctx))
	assert.Equal(t, 1, backend.Len())

	pending, err := local.Unsynced(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	res, err := store.Search(ctx, "SEC sues exchange", models.Filter{}, 5)
	require.NoError(t, err)
	assert.Equal(t, vector.BackendPrimary, res.Backend)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "doc-1", res.Hits[0].DocumentID)
}

func TestReconnecting_StartsOnFallbackAndRecovers(t *testing.T) {
	local := newLocal(t)
	primaryEmbedder, _ := embedding.NewHashingEmbedder(64)
	localEmbedder, _ := embedding.NewHashingEmbedder(32)
	backend := memory.NewStore(64)

	var reachable atomic.Bool
	var dials atomic.Int64
	primary := vector.NewReconnecting(func(ctx context.Context) (vector.Backend, error) {
		dials.Add(1)
		if !reachable.Load() {
			return nil, errors.New("dial tcp 127.0.0.1:1: connection refused")
		}
		return backend, nil
	})

	store := vector.NewStore(primary, primaryEmbedder, local, localEmbedder, vector.Options{Timeout: 200 * time.Millisecond})
	ctx := context.Background()

	assert.Equal(t, failover.StateFallback, store.Probe(ctx))
	assert.False(t, primary.Connected())

	require.NoError(t, store.Upsert(ctx, "doc-1", "Tether reserves grow", meta("tether", "USDT")))
	res, err := store.Search(ctx, "tether reserves", models.Filter{}, 5)
	require.NoError(t, err)
	assert.Equal(t, vector.BackendFallback, res.Backend)

	reachable.Store(true)
	assert.Equal(t, failover.StatePrimary, store.Probe(ctx))
	assert.True(t, primary.Connected())
	assert.Equal(t, 1, backend.Len())

	// once connected, health checks ping instead of dialing again
	n := dials.Load()
	store.Probe(ctx)
	assert.Equal(t, n, dials.Load())

	res, err = store.Search(ctx, "tether reserves", models.Filter{}, 5)
	require.NoError(t, err)
	assert.Equal(t, vector.BackendPrimary, res.Backend)
}

func TestReconnecting_UnconnectedCallsAreConnectionErrors(t *testing.T) {
	primary := vector.NewReconnecting(func(ctx context.Context) (vector.Backend, error) {
		return nil, errors.New("no route to host")
	})
	ctx := context.Background()

	assert.True(t, models.IsConnectionError(primary.Ping(ctx)))
	assert.ErrorIs(t, primary.Upsert(ctx, models.EmbeddingRecord{DocumentID: "doc-1"}), models.ErrConnection)
	_, err := primary.Search(ctx, []float32{1}, models.Filter{}, 1)
	assert.ErrorIs(t, err, models.ErrConnection)
	assert.NoError(t, primary.Close())
}
