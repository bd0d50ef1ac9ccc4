package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
	assert.Equal(t, int64(200)<<20, cfg.Storage.MaxUploadBytes())
	assert.EqualValues(t, 2, cfg.Orchestrator.MaxConcurrentJobs)
	assert.Equal(t, 24*time.Hour, cfg.Registry.Retention)
	assert.False(t, cfg.Auth.Enabled())
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeConfig(t, "mats.yaml", `
server:
  port: 9090
  cors_origins: ["http://localhost:5173"]
storage:
  upload_dir: /var/lib/mats/uploads
  max_upload_mb: 50
tools:
  overrides:
    jadx:
      path: /opt/jadx/bin/jadx
      timeout: 10m
orchestrator:
  max_concurrent_jobs: 4
log:
  format: json
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "/var/lib/mats/uploads", cfg.Storage.UploadDir)
	assert.EqualValues(t, 50, cfg.Storage.MaxUploadMB)
	assert.EqualValues(t, 4, cfg.Orchestrator.MaxConcurrentJobs)
	assert.Equal(t, "json", cfg.Log.Format)

	opts := cfg.ToolOptions()
	assert.Equal(t, "/opt/jadx/bin/jadx", opts.Tools["jadx"].Path)
	assert.Equal(t, 10*time.Minute, opts.Tools["jadx"].Timeout)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MATS_SERVER_PORT", "7070")
	t.Setenv("MATS_LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://mats@localhost/mats")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "postgres://mats@localhost/mats", cfg.Database.URL)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	path := writeConfig(t, "mats.json", `{ invalid json }`)

	cfg, err := LoadConfig(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/mats.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "Port"},
		{name: "no workers", mutate: func(c *Config) { c.Orchestrator.MaxConcurrentJobs = 0 }, wantErr: "MaxConcurrentJobs"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "Format"},
		{name: "sample ratio above one", mutate: func(c *Config) { c.Tracing.SampleRatio = 2 }, wantErr: "SampleRatio"},
		{
			name:    "unknown tool override",
			mutate:  func(c *Config) { c.Tools.Overrides = map[string]ToolConfig{"ghidra": {Path: "/bin/ghidra"}} },
			wantErr: "unknown tool",
		},
		{
			name:    "rate limit without burst",
			mutate:  func(c *Config) { c.RateLimit.Burst = 0 },
			wantErr: "rate limiting",
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "short" },
			wantErr: "jwt_secret",
		},
		{
			name: "jwt without expiration",
			mutate: func(c *Config) {
				c.Auth.JWTSecret = "0123456789abcdef0123"
				c.Auth.ExpirationHours = 0
			},
			wantErr: "expiration_hours",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMergeWithDefaults(t *testing.T) {
	partial := Config{
		Server:  ServerConfig{Port: 9000},
		Storage: StorageConfig{UploadDir: "/data"},
	}

	merged := partial.MergeWithDefaults(Default())

	assert.Equal(t, 9000, merged.Server.Port)
	assert.Equal(t, "0.0.0.0", merged.Server.Host)
	assert.Equal(t, "/data", merged.Storage.UploadDir)
	assert.Equal(t, filepath.Join("/data", "results"), merged.Storage.ResultsDir)
	assert.EqualValues(t, 2, merged.Orchestrator.MaxConcurrentJobs)
	assert.Equal(t, "text", merged.Log.Format)
	assert.NoError(t, merged.Validate())

	// The receiver is left untouched.
	assert.Empty(t, partial.Server.Host)
}
