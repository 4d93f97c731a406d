package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.SessionDefaults.MaxToolCalls)
	assert.Equal(t, 50_000, cfg.SessionDefaults.MaxCharsPerResponse)
	assert.Equal(t, 10_000, cfg.SessionDefaults.MaxCharsPerPeek)
	assert.Equal(t, int64(10<<20), cfg.MaxSourceBytes)
	assert.Equal(t, 100_000, cfg.IndexBuildLimit)
	assert.Equal(t, filepath.Join(cfg.DataDir, "rlm.db"), cfg.DatabasePath)
	assert.Equal(t, filepath.Join(cfg.DataDir, "blobs"), cfg.BlobDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "indexes"), cfg.IndexDir)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/rlm-test
session_defaults:
  max_tool_calls: 25
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/rlm-test", cfg.DataDir)
	assert.Equal(t, "/tmp/rlm-test/rlm.db", cfg.DatabasePath)
	assert.Equal(t, 25, cfg.SessionDefaults.MaxToolCalls)
	// Unset values keep their defaults.
	assert.Equal(t, 50_000, cfg.SessionDefaults.MaxCharsPerResponse)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /tmp/rlm-env\n"), 0o644))
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/rlm-env", cfg.DataDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestGitHubTokenEnvOverride(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "from-env")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.GitHubToken)
}

func TestEnsureDirs(t *testing.T) {
	cfg := Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.DatabasePath = ""
	cfg.BlobDir = ""
	cfg.IndexDir = ""
	cfg.applyDefaults()

	require.NoError(t, cfg.EnsureDirs())
	for _, dir := range []string{cfg.DataDir, cfg.BlobDir, cfg.IndexDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
