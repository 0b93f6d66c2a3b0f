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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPPort, cfg.Server.Port)
	assert.Equal(t, DefaultSimilarityThreshold, cfg.Grouping.SimilarityThreshold)
	assert.Equal(t, DefaultRecencyWindow, cfg.Grouping.RecencyWindow)
	assert.Equal(t, DefaultNeighborLimit, cfg.Grouping.NeighborLimit)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.ChatModel)
	assert.Equal(t, "text-embedding-3-small", cfg.OpenAI.EmbeddingModel)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9999
grouping:
  similarity_threshold: 0.75
  recency_window: 48h
  neighbor_limit: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 0.75, cfg.Grouping.SimilarityThreshold)
	assert.Equal(t, 48*time.Hour, cfg.Grouping.RecencyWindow)
	assert.Equal(t, 10, cfg.Grouping.NeighborLimit)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TRIAGE_GROUPING_SIMILARITY_THRESHOLD", "0.8")
	t.Setenv("TRIAGE_OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.8, cfg.Grouping.SimilarityThreshold)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
}

func TestLoad_InvalidThreshold(t *testing.T) {
	t.Setenv("TRIAGE_GROUPING_SIMILARITY_THRESHOLD", "1.5")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPPort, cfg.Server.Port)
}
