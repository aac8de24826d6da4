package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// API configuration
	API APIConfig `json:"api" mapstructure:"api"`

	// Authentication configuration
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Storage paths
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Sync behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// APIConfig for server communication.
type APIConfig struct {
	BaseURL   string        `json:"base_url" mapstructure:"base_url"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
	UserAgent string        `json:"user_agent" mapstructure:"user_agent"`

	// PushURL is the websocket endpoint for server change notifications.
	// Empty disables the push listener.
	PushURL string `json:"push_url,omitempty" mapstructure:"push_url"`
}

// AuthConfig for user credentials.
type AuthConfig struct {
	// CredentialsFile persists the signed-in account.
	CredentialsFile string `json:"credentials_file" mapstructure:"credentials_file"`

	// Inline credentials, mostly for tests and one-off runs.
	AccountType string `json:"account_type,omitempty" mapstructure:"account_type"`
	UserID      string `json:"user_id,omitempty" mapstructure:"user_id"`
	Token       string `json:"token,omitempty" mapstructure:"token"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir     string `json:"data_dir" mapstructure:"data_dir"`         // Base directory for all data
	QueueDB     string `json:"queue_db" mapstructure:"queue_db"`         // Durable queue database
	DownloadDir string `json:"download_dir" mapstructure:"download_dir"` // Staged downloaded content
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	CloudFolderPath string        `json:"cloud_folder_path" mapstructure:"cloud_folder_path"` // Remote folder for this app's files
	PollInterval    time.Duration `json:"poll_interval" mapstructure:"poll_interval"`         // Server operation status poll period
	MaxRetries      int           `json:"max_retries" mapstructure:"max_retries"`             // Attempts before a recoverable error sticks
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format     string `json:"format" mapstructure:"format"`           // text, json
	File       string `json:"file" mapstructure:"file"`               // Log file path (empty = stdout)
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // Max log file size in MB
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // Max number of old logs
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // Max age in days
	Compress   bool   `json:"compress" mapstructure:"compress"`       // Gzip rotated logs
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".stagesync"

	return &Config{
		API: APIConfig{
			BaseURL:   "http://localhost:8081",
			Timeout:   30 * time.Second,
			UserAgent: "stagesync/1.0",
		},
		Auth: AuthConfig{
			CredentialsFile: filepath.Join(dataDir, "credentials.json"),
		},
		Storage: StorageConfig{
			DataDir:     dataDir,
			QueueDB:     filepath.Join(dataDir, "queue.db"),
			DownloadDir: filepath.Join(dataDir, "downloads"),
		},
		Sync: SyncConfig{
			CloudFolderPath: "stagesync.data",
			PollInterval:    5 * time.Second,
			MaxRetries:      3,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.Sync.PollInterval <= 0 {
		return errors.New("sync.poll_interval must be positive")
	}

	if c.Sync.MaxRetries <= 0 {
		return errors.New("sync.max_retries must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.DownloadDir,
		filepath.Dir(c.Storage.QueueDB),
		filepath.Dir(c.Auth.CredentialsFile),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
