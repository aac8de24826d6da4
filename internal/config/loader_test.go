package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stagesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8081", cfg.API.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, "stagesync.data", cfg.Sync.CloudFolderPath)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
api:
  base_url: https://sync.example.com
  timeout: 90s
sync:
  cloud_folder_path: myapp.files
log:
  level: debug
`)

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "https://sync.example.com", cfg.API.BaseURL)
	assert.Equal(t, 90*time.Second, cfg.API.Timeout)
	assert.Equal(t, "myapp.files", cfg.Sync.CloudFolderPath)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Unmentioned keys keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "log:\n  level: warn\n")
	t.Setenv("STAGESYNC_LOG_LEVEL", "error")
	t.Setenv("STAGESYNC_API_BASE_URL", "http://127.0.0.1:9999")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, "http://127.0.0.1:9999", cfg.API.BaseURL)
}

func TestExplicitFileMustExist(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	assert.ErrorContains(t, err, "read config file")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad log level", "log:\n  level: loud\n", "invalid log level"},
		{"bad log format", "log:\n  format: xml\n", "invalid log format"},
		{"zero retries", "sync:\n  max_retries: 0\n", "max_retries"},
		{"empty base url", "api:\n  base_url: \"\"\n", "base_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(writeConfigFile(t, tt.content)).Load()
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.QueueDB = filepath.Join(dir, "data", "queue.db")
	cfg.Storage.DownloadDir = filepath.Join(dir, "data", "downloads")
	cfg.Auth.CredentialsFile = filepath.Join(dir, "auth", "credentials.json")
	cfg.Log.File = filepath.Join(dir, "logs", "stagesync.log")

	require.NoError(t, cfg.EnsureDirectories())

	for _, p := range []string{
		cfg.Storage.DataDir,
		cfg.Storage.DownloadDir,
		filepath.Join(dir, "auth"),
		filepath.Join(dir, "logs"),
	} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
