package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir mirrors testing.T.Chdir (Go 1.24) for older toolchains: it changes
// the working directory and restores the previous one when the test ends.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.Training.ChunkSize)
	assert.Equal(t, 200, cfg.Training.ChunkOverlap)
	assert.Equal(t, 50, cfg.Training.BatchSize)
	assert.Equal(t, 600, cfg.Cache.ResponseTTL)
	assert.Equal(t, 4, cfg.Retrieval.TopK)
	assert.Equal(t, "milvus", cfg.Vector.Provider)
	assert.Len(t, cfg.Generation.Models, 3)
	assert.Equal(t, "qwen:0.5b", cfg.Generation.Models[0].Name)

	starter, ok := cfg.Plan("Starter")
	require.True(t, ok)
	assert.Equal(t, 50, starter.DailyQueries)

	enterprise, ok := cfg.Plan("enterprise")
	require.True(t, ok)
	assert.Equal(t, -1, enterprise.DailyQueries)
}

func TestLoadEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("WIDGETRAG_TRAINING_CHUNKSIZE", "500")
	t.Setenv("WIDGETRAG_TRAINING_CHUNKOVERLAP", "50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Training.ChunkSize)
	assert.Equal(t, 50, cfg.Training.ChunkOverlap)
}

func TestValidateRejectsOverlap(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("WIDGETRAG_TRAINING_CHUNKOVERLAP", "1000")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("WIDGETRAG_VECTOR_PROVIDER", "pinecone")

	_, err := Load()
	assert.Error(t, err)
}
