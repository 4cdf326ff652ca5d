package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutPath(t *testing.T) {
	t.Setenv("GAME_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.Storage.WorldName)
	assert.True(t, cfg.Storage.StoreChunksInZips, "чанки по умолчанию хранятся в zip")
	assert.Equal(t, 60, cfg.Storage.MaxSecondsBetweenSaves)
	assert.Equal(t, 40.0, cfg.Storage.MaxUnloadedChunksPercentageTillSave)
	assert.Equal(t, time.Second, cfg.Storage.RetryDelay)
}

func TestLoadOverridesOnlyGivenKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worldsave.yaml")
	content := `
storage:
  world_name: overworld
  store_chunks_in_zips: false
  retry_delay: 250ms
logging:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "overworld", cfg.Storage.WorldName)
	assert.False(t, cfg.Storage.StoreChunksInZips)
	assert.Equal(t, 250*time.Millisecond, cfg.Storage.RetryDelay)
	assert.Equal(t, 60, cfg.Storage.MaxSecondsBetweenSaves, "незаданный ключ сохраняет значение по умолчанию")
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadRejectsInvalidPercentage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  max_unloaded_chunks_percentage_till_save: 150\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSavePathEnvFallback(t *testing.T) {
	t.Setenv("GAME_SAVE_PATH", "/tmp/from-env")

	s := StorageConfig{}
	assert.Equal(t, "/tmp/from-env", s.GetSavePath())

	s.SavePath = "explicit"
	assert.Equal(t, "explicit", s.GetSavePath())
}

func TestAutoSaveInterval(t *testing.T) {
	t.Setenv("GAME_SAVE_INTERVAL", "")
	s := StorageConfig{MaxSecondsBetweenSaves: 5}
	assert.Equal(t, 5*time.Second, s.GetAutoSaveInterval())

	s.MaxSecondsBetweenSaves = 0
	assert.Equal(t, 60*time.Second, s.GetAutoSaveInterval())
}
