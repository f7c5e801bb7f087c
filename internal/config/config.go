// Package config loads application configuration from file, environment,
// and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	// DataDir holds the local record database and logs.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Remote RemoteConfig `mapstructure:"remote" yaml:"remote"`
	Sync   SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Sports SportsConfig `mapstructure:"sports" yaml:"sports"`
	AI     AIConfig     `mapstructure:"ai" yaml:"ai"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

// RemoteConfig points at the replica service.
type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	IntervalSeconds int  `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	StartOnline     bool `mapstructure:"start_online" yaml:"start_online"`
}

// ServerConfig tunes the HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// SportsConfig points at the fixture data provider.
type SportsConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
}

// AIConfig configures prediction generation.
type AIConfig struct {
	Model  string `mapstructure:"model" yaml:"model"`
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
}

// LogConfig configures rotating file logging. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Load reads configuration. When path is non-empty it names an explicit
// config file; otherwise pitchcall.yaml is searched in the working
// directory and ~/.pitchcall. Environment variables prefixed PITCHCALL_
// override file values (e.g. PITCHCALL_SYNC_INTERVAL_SECONDS).
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("remote.base_url", "")
	v.SetDefault("sync.interval_seconds", 15)
	v.SetDefault("sync.start_online", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("sports.base_url", "")
	v.SetDefault("sports.api_key", "")
	v.SetDefault("ai.model", "claude-sonnet-4-5")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetEnvPrefix("PITCHCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("pitchcall")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pitchcall"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Sync.IntervalSeconds <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive, got %d", c.Sync.IntervalSeconds)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// DBPath returns the record database path under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "predictions.db")
}

// WriteDefault writes a commented starter config to path, refusing to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	cfg := Config{
		DataDir: defaultDataDir(),
		Sync:    SyncConfig{IntervalSeconds: 15, StartOnline: true},
		Server:  ServerConfig{Port: 8080},
		AI:      AIConfig{Model: "claude-sonnet-4-5"},
		Log:     LogConfig{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pitchcall"
	}
	return filepath.Join(home, ".pitchcall")
}
