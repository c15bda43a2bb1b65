// Package testutil wires in-process retrieval stacks and fault-injecting backends for package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryptobroker/backend/internal/embedding"
	"github.com/cryptobroker/backend/internal/extraction"
	"github.com/cryptobroker/backend/internal/ingestion"
	"github.com/cryptobroker/backend/internal/kg"
	"github.com/cryptobroker/backend/internal/kg/builder"
	kgmemory "github.com/cryptobroker/backend/internal/kg/memory"
	"github.com/cryptobroker/backend/internal/quality"
	"github.com/cryptobroker/backend/internal/storage/sqlite"
	"github.com/cryptobroker/backend/internal/vector"
	vecmemory "github.com/cryptobroker/backend/internal/vector/memory"
	"github.com/cryptobroker/backend/pkg/retry"
)

const (
	PrimaryDim = 64
	LocalDim   = 32
)

// Stack is a fully wired in-process retrieval core: SQLite in a temp dir, memory vector and
// graph backends behind flaky wrappers, the rule extractor and the ingestion processor.
type Stack struct {
	DB            *sqlite.Client
	Vectors       *vector.Store
	VectorBackend *vecmemory.Store
	FlakyVector   *FlakyVector
	Graph         *kg.Adapter
	GraphBackend  *kgmemory.Graph
	FlakyGraph    *FlakyGraph
	Filter        *quality.Filter
	Processor     *ingestion.Processor
}

func NewStack(t *testing.T) *Stack {
	t.Helper()

	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { _ = db.Close() })

	primaryEmbedder, err := embedding.NewHashingEmbedder(PrimaryDim)
	require.NoError(t, err)
	localEmbedder, err := embedding.NewHashingEmbedder(LocalDim)
	require.NoError(t, err)

	fastRetry := retry.DefaultConfig()
	fastRetry.InitialDelay = time.Millisecond

	vecBackend := vecmemory.NewStore(PrimaryDim)
	flakyVec := NewFlakyVector(vecBackend)
	vectors := vector.NewStore(flakyVec, primaryEmbedder, db, localEmbedder, vector.Options{
		Timeout: 200 * time.Millisecond,
		Retry:   fastRetry,
	})

	graphBackend := kgmemory.NewGraph()
	flakyGraph := NewFlakyGraph(graphBackend)
	graph := kg.NewAdapter(flakyGraph, kg.Options{
		Timeout: 200 * time.Millisecond,
		Retry:   fastRetry,
	})

	filter := quality.New(quality.DefaultPolicy())
	extractor := extraction.NewGuarded(extraction.NewRules(), time.Second, fastRetry)
	processor := ingestion.NewProcessor(db, filter, extractor, vectors, builder.NewBuilder(graph), ingestion.Options{Workers: 2})

	return &Stack{
		DB:            db,
		Vectors:       vectors,
		VectorBackend: vecBackend,
		FlakyVector:   flakyVec,
		Graph:         graph,
		GraphBackend:  graphBackend,
		FlakyGraph:    flakyGraph,
		Filter:        filter,
		Processor:     processor,
	}
}
