package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from file and environment.
type Loader struct {
	configPath string
	v          *viper.Viper
}

// NewLoader creates a config loader. An empty configPath searches the
// default locations.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	v.SetEnvPrefix("STAGESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{
		configPath: configPath,
		v:          v,
	}
}

// Load reads configuration, layering environment variables over the config
// file over defaults.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	l.setDefaults(cfg)

	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
	} else {
		l.v.SetConfigName("stagesync")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := homeConfigDir(); err == nil {
			l.v.AddConfigPath(home)
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers defaults so environment variables bind even when
// keys are absent from the file.
func (l *Loader) setDefaults(cfg *Config) {
	l.v.SetDefault("api.base_url", cfg.API.BaseURL)
	l.v.SetDefault("api.timeout", cfg.API.Timeout)
	l.v.SetDefault("api.user_agent", cfg.API.UserAgent)
	l.v.SetDefault("api.push_url", cfg.API.PushURL)

	l.v.SetDefault("auth.credentials_file", cfg.Auth.CredentialsFile)
	l.v.SetDefault("auth.account_type", cfg.Auth.AccountType)
	l.v.SetDefault("auth.user_id", cfg.Auth.UserID)
	l.v.SetDefault("auth.token", cfg.Auth.Token)

	l.v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	l.v.SetDefault("storage.queue_db", cfg.Storage.QueueDB)
	l.v.SetDefault("storage.download_dir", cfg.Storage.DownloadDir)

	l.v.SetDefault("sync.cloud_folder_path", cfg.Sync.CloudFolderPath)
	l.v.SetDefault("sync.poll_interval", cfg.Sync.PollInterval)
	l.v.SetDefault("sync.max_retries", cfg.Sync.MaxRetries)

	l.v.SetDefault("log.level", cfg.Log.Level)
	l.v.SetDefault("log.format", cfg.Log.Format)
	l.v.SetDefault("log.file", cfg.Log.File)
	l.v.SetDefault("log.max_size", cfg.Log.MaxSize)
	l.v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	l.v.SetDefault("log.max_age", cfg.Log.MaxAge)
	l.v.SetDefault("log.compress", cfg.Log.Compress)
}

func homeConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "stagesync"), nil
}
