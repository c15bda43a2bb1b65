package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadFromEmptyFile(t)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "milvus", cfg.Vector.Backend)
	assert.Equal(t, "neo4j", cfg.Graph.Backend)
	assert.Equal(t, 150, cfg.Quality.MinWords)
	assert.InDelta(t, 0.6, cfg.Retrieval.VectorWeight, 1e-9)
	assert.InDelta(t, 0.4, cfg.Retrieval.GraphWeight, 1e-9)
	assert.InDelta(t, 1.0, cfg.Retrieval.FallbackWeight, 1e-9)
	assert.Equal(t, 2, cfg.Graph.MaxHops)
	assert.Equal(t, 2*time.Second, cfg.Vector.Timeout())
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Contains(t, cfg.Quality.TrackedSymbols, "BTC")
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
vector:
  backend: memory
graph:
  backend: memory
retrieval:
  vectorWeight: 0.7
  graphWeight: 0.3
`), 0o644))

	t.Setenv("BROKER_GRAPH_BACKEND", "mock")
	t.Setenv("BROKER_QUALITY_MINWORDS", "200")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Vector.Backend)
	assert.Equal(t, "mock", cfg.Graph.Backend)
	assert.Equal(t, 200, cfg.Quality.MinWords)
	assert.InDelta(t, 0.7, cfg.Retrieval.VectorWeight, 1e-9)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vector:\n  backend: pinecone\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown vector backend")
}

func TestValidate_Weights(t *testing.T) {
	cfg := validConfig(t)
	cfg.Retrieval.VectorWeight = 0
	cfg.Retrieval.GraphWeight = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig(t)
	cfg.Retrieval.FallbackWeight = 0
	assert.Error(t, cfg.Validate())
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := loadFromEmptyFile(t)
	require.NoError(t, err)
	return cfg
}

func loadFromEmptyFile(t *testing.T) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	return Load(path)
}
