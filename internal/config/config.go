// Package config loads server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/recursivelm/rlm-mcp/internal/observability"
)

// EnvConfigPath is the environment variable that overrides the config file
// location.
const EnvConfigPath = "RLM_CONFIG"

// SessionDefaults are the limits applied to sessions that don't set their
// own.
type SessionDefaults struct {
	MaxToolCalls        int `yaml:"max_tool_calls"`
	MaxCharsPerResponse int `yaml:"max_chars_per_response"`
	MaxCharsPerPeek     int `yaml:"max_chars_per_peek"`
}

// Config is the full server configuration.
type Config struct {
	// DataDir is the root for all on-disk state. DatabasePath, BlobDir
	// and IndexDir default to paths beneath it.
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`
	BlobDir      string `yaml:"blob_dir"`
	IndexDir     string `yaml:"index_dir"`

	// MaxSourceBytes caps a single source read during docs.load. Larger
	// sources are recorded as per-source errors, not loaded.
	MaxSourceBytes int64 `yaml:"max_source_bytes"`

	// IndexBuildLimit caps the number of documents indexed for bm25.
	IndexBuildLimit int `yaml:"index_build_limit"`

	// MetricsAddr, when set, serves Prometheus metrics over HTTP
	// (e.g. "127.0.0.1:9464"). Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// GitHubToken authenticates export.github calls. The
	// GITHUB_TOKEN environment variable takes precedence.
	GitHubToken string `yaml:"github_token"`

	SessionDefaults SessionDefaults         `yaml:"session_defaults"`
	Logging         observability.LogConfig `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:         defaultDataDir(),
		MaxSourceBytes:  10 << 20,
		IndexBuildLimit: 100_000,
		SessionDefaults: SessionDefaults{
			MaxToolCalls:        500,
			MaxCharsPerResponse: 50_000,
			MaxCharsPerPeek:     10_000,
		},
		Logging: observability.LogConfig{Level: "info", Format: "json"},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".rlm-mcp")
	}
	return ".rlm-mcp"
}

// Load reads configuration from path. An empty path falls back to the
// RLM_CONFIG environment variable, then to defaults with no file at all.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		cfg.GitHubToken = token
	}
	return cfg, nil
}

// applyDefaults fills derived paths and zero-valued limits.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "rlm.db")
	}
	if c.BlobDir == "" {
		c.BlobDir = filepath.Join(c.DataDir, "blobs")
	}
	if c.IndexDir == "" {
		c.IndexDir = filepath.Join(c.DataDir, "indexes")
	}
	if c.MaxSourceBytes == 0 {
		c.MaxSourceBytes = 10 << 20
	}
	if c.IndexBuildLimit == 0 {
		c.IndexBuildLimit = 100_000
	}
	if c.SessionDefaults.MaxToolCalls == 0 {
		c.SessionDefaults.MaxToolCalls = 500
	}
	if c.SessionDefaults.MaxCharsPerResponse == 0 {
		c.SessionDefaults.MaxCharsPerResponse = 50_000
	}
	if c.SessionDefaults.MaxCharsPerPeek == 0 {
		c.SessionDefaults.MaxCharsPerPeek = 10_000
	}
}

// EnsureDirs creates the data directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.BlobDir, c.IndexDir, filepath.Dir(c.DatabasePath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
