package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/corpscribe/ragerr"
)

func TestLoadConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "corpscribe.yaml")

	configData := `
document_path: "/srv/docs"
index_path: "/srv/index"
provider_timeout: 15s

chunking:
  size: 500
  overlap: 50

retrieval:
  k: 10
  strategy: similarity

rerank:
  provider: cross-encoder
  url: "http://localhost:8787/v1/rerank"
  keep: 2

embeddings:
  provider: ollama
  model: nomic-embed-text
  dimension: 768

llm:
  provider: ollama
  model: mistral
  temperature: 0.2
`
	require.NoError(t, os.WriteFile(configPath, []byte(configData), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/srv/docs", cfg.DocumentPath)
	assert.Equal(t, "/srv/index", cfg.IndexPath)
	assert.Equal(t, 15*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 500, cfg.Chunking.Size)
	assert.Equal(t, 50, cfg.Chunking.Overlap)
	assert.Equal(t, 10, cfg.Retrieval.K)
	assert.Equal(t, StrategySimilarity, cfg.Retrieval.Strategy)
	assert.Equal(t, RerankCrossEncoder, cfg.Rerank.Provider)
	assert.Equal(t, 2, cfg.Rerank.Keep)
	assert.Equal(t, 768, cfg.Embeddings.Dimension)
	assert.Equal(t, 0.2, cfg.LLM.Temperature)
	assert.Empty(t, cfg.Validate())
}

func TestDefaultsMatchBaseline(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 800, cfg.Chunking.Size)
	assert.Equal(t, 100, cfg.Chunking.Overlap)
	assert.Equal(t, StrategyMMR, cfg.Retrieval.Strategy)
	assert.Equal(t, 4, cfg.Retrieval.K, "standalone retrieval uses a small k")
	assert.Equal(t, 3, cfg.Rerank.Keep)
	assert.Equal(t, BackendLocal, cfg.Index.Backend)
	assert.Equal(t, 60*time.Second, cfg.ProviderTimeout)
	assert.Empty(t, cfg.Validate())
}

func TestBroadRetrievalWhenReranking(t *testing.T) {
	cfg := Config{Rerank: RerankConfig{Provider: RerankCrossEncoder}}
	applyDefaults(&cfg)

	assert.Equal(t, 20, cfg.Retrieval.K)
	assert.Equal(t, 100, cfg.Retrieval.FetchK)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		fields []string
	}{
		{
			name:   "openai without key",
			mutate: func(c *Config) { c.LLM.Provider = ProviderOpenAI },
			fields: []string{"llm.provider"},
		},
		{
			name:   "missing model",
			mutate: func(c *Config) { c.Embeddings.Model = " " },
			fields: []string{"embeddings.model"},
		},
		{
			name:   "overlap exceeds size",
			mutate: func(c *Config) { c.Chunking.Overlap = c.Chunking.Size },
			fields: []string{"chunking.overlap"},
		},
		{
			name:   "unknown strategy",
			mutate: func(c *Config) { c.Retrieval.Strategy = "keyword" },
			fields: []string{"retrieval.strategy"},
		},
		{
			name:   "cross encoder without url",
			mutate: func(c *Config) { c.Rerank.Provider = RerankCrossEncoder },
			fields: []string{"rerank.url"},
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Index.Backend = BackendPostgres },
			fields: []string{"postgres_dsn"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			errs := cfg.Validate()
			require.Len(t, errs, len(tt.fields))
			for i, field := range tt.fields {
				assert.Equal(t, field, errs[i].Field)
			}

			err := cfg.Check()
			require.Error(t, err)
			assert.ErrorIs(t, err, ragerr.ErrConfig)
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "http://env-ollama:11434")
	t.Setenv("POSTGRES_DSN", "postgres://env-db:5432/test")
	t.Setenv("EMBEDDINGS_DIMENSION", "384")
	t.Setenv("NEO4J_ENABLED", "true")
	t.Setenv("CORPSCRIBE_PROVIDER_TIMEOUT", "5s")

	cfg := &Config{}
	mergeWithEnv(cfg)

	assert.Equal(t, "http://env-ollama:11434", cfg.OllamaHost)
	assert.Equal(t, "postgres://env-db:5432/test", cfg.PostgresDSN)
	assert.Equal(t, 384, cfg.Embeddings.Dimension)
	assert.True(t, cfg.Neo4j.Enabled)
	assert.Equal(t, 5*time.Second, cfg.ProviderTimeout)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrNoConfigFile)
}

func TestExplicitZeroOverlapIsKept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpscribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunking:\n  size: 300\n  overlap: 0\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.Chunking.Size)
	assert.Equal(t, 0, cfg.Chunking.Overlap)
	assert.Empty(t, cfg.Validate())
}

func TestUnsetOverlapFollowsSmallChunkSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpscribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunking:\n  size: 64\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Chunking.Overlap)
	assert.Empty(t, cfg.Validate())
	assert.NoError(t, cfg.Check())
}

func TestOverlapFromEnvironment(t *testing.T) {
	t.Setenv("CORPSCRIBE_CHUNK_OVERLAP", "0")
	t.Setenv("CORPSCRIBE_CHUNK_SIZE", "200")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Chunking.Size)
	assert.Equal(t, 0, cfg.Chunking.Overlap)
}
