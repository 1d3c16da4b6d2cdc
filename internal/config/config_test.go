package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, 384, cfg.RAG.Dimension)
	assert.Equal(t, 1000, cfg.RAG.ChunkSize)
	assert.Equal(t, 200, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 5, cfg.RAG.TopK)
	assert.Equal(t, "ollama", cfg.EmbedLLM.Provider)
	assert.Equal(t, "pgdriver", cfg.Database.Driver)
	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Market.Timeout)
	assert.False(t, cfg.InferenceLLM.Enabled())
}

func TestParse_Values(t *testing.T) {
	cfg, err := Parse([]byte(`
rag:
  dimension: 768
  chunk_size: 500
  chunk_overlap: 50
  top_k: 8
embed_llm:
  provider: openai-native
  model: text-embedding-3-small
server:
  allowed_origins: ["http://localhost:3000"]
  read_timeout: 5s
`))
	require.NoError(t, err)

	assert.Equal(t, 768, cfg.RAG.Dimension)
	assert.Equal(t, 50, cfg.RAG.ChunkOverlap)
	assert.Equal(t, "openai-native", cfg.EmbedLLM.Provider)
	assert.True(t, cfg.EmbedLLM.Enabled())
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
}

func TestParse_ZeroOverlapIsKept(t *testing.T) {
	cfg, err := Parse([]byte("rag: {chunk_size: 500, chunk_overlap: 0}"))
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.RAG.ChunkSize)
	assert.Equal(t, 0, cfg.RAG.ChunkOverlap)

	cfg, err = Parse([]byte("rag: {chunk_size: 500}"))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.RAG.ChunkOverlap, "absent overlap defaults to a fifth of the chunk size")
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"negative dimension", "rag: {dimension: -1}", "rag.dimension"},
		{"overlap too large", "rag: {chunk_size: 100, chunk_overlap: 100}", "rag.chunk_overlap"},
		{"unknown provider", "embed_llm: {provider: bert}", "embed_llm.provider"},
		{"unknown driver", "database: {driver: mysql}", "database.driver"},
		{"db without dsn", "database: {enabled: true}", "database.dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_ExpandsEnvFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FINSIGHT_TEST_EMBED_KEY=secret-from-dotenv\n"), 0o600))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embed_llm:\n  key: ${FINSIGHT_TEST_EMBED_KEY}\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("FINSIGHT_TEST_EMBED_KEY") })

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-from-dotenv", cfg.EmbedLLM.Key)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
