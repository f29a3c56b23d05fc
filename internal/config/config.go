// Package config loads dubcast's YAML configuration via viper,
// mirroring the teacher's internal/config.Config: defaults set
// programmatically, environment overrides with a DUBCAST_ prefix, and
// a post-unmarshal validate() pass.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig is the HTTP control-surface listener.
type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
}

// ProviderConfig holds the dubbing provider's transport settings.
type ProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey         string        `mapstructure:"api_key" yaml:"api_key"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxWaitTime    time.Duration `mapstructure:"max_wait_time" yaml:"max_wait_time"`
}

// DownloadConfig controls where pipeline workspaces and final outputs
// land on disk. OutputRetention is loaded and printed by worker-info
// only; the orchestrator does not read it and always schedules a
// completed job's workspace cleanup 24h after completion.
type DownloadConfig struct {
	WorkspaceRoot    string        `mapstructure:"workspace_root" yaml:"workspace_root"`
	OutputRetention  time.Duration `mapstructure:"output_retention" yaml:"output_retention"`
}

// StoreConfig is the Job Store's sqlite location.
type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// LogConfig mirrors the teacher's logger knobs.
type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

// ToolsConfig names the external media binaries invoked by the
// splitter/merger adapters.
type ToolsConfig struct {
	SplitterBin string `mapstructure:"splitter_bin" yaml:"splitter_bin"`
	MergerBin   string `mapstructure:"merger_bin" yaml:"merger_bin"`
}

// Config is the root configuration object.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Provider ProviderConfig `mapstructure:"provider" yaml:"provider"`
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Tools    ToolsConfig    `mapstructure:"tools" yaml:"tools"`
}

// Load reads the config file at path (defaulting to "config.yaml"),
// applies defaults, layers environment overrides, and validates the
// result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if path == "config.yaml" {
			if _, errEx := os.Stat("config.yaml.example"); errEx == nil {
				return nil, fmt.Errorf("configuration file 'config.yaml' not found\n\n" +
					"To fix this, run:\n" +
					"  cp config.yaml.example config.yaml\n" +
					"Then edit it with your dubbing provider credentials.")
			}
		}
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	v := viper.New()

	v.SetDefault("server.port", "8080")
	v.SetDefault("provider.poll_interval", 5*time.Second)
	v.SetDefault("provider.max_wait_time", 10*time.Minute)
	v.SetDefault("download.workspace_root", "./data/workspaces")
	v.SetDefault("download.output_retention", 24*time.Hour)
	v.SetDefault("store.sqlite_path", "./data/dubcast.db")
	v.SetDefault("log.path", "dubcast.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("tools.splitter_bin", "ffmpeg")
	v.SetDefault("tools.merger_bin", "ffmpeg")

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	v.SetEnvPrefix("DUBCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Provider.BaseURL == "" {
		return errors.New("provider.base_url is required")
	}

	if c.Provider.PollInterval < time.Second {
		// spec.md §5 bounds the poll interval below at 1s to avoid
		// rate-limit ping.
		c.Provider.PollInterval = time.Second
	}

	if c.Store.SQLitePath == "" {
		return errors.New("store.sqlite_path is required")
	}

	if c.Download.WorkspaceRoot == "" {
		return errors.New("download.workspace_root is required")
	}

	return nil
}
