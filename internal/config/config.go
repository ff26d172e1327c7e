// Package config loads client configuration from a YAML file and
// LAZYFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/lazyflow/internal/storage"
)

// Defaults.
const (
	DefaultStorageURI   = "mem://lazyflow"
	DefaultUser         = "local"
	DefaultIndexPath    = "lazyflow-index.db"
	DefaultPollInterval = time.Second
)

// Config holds the client configuration.
type Config struct {
	Storage storage.Config `mapstructure:"storage"`
	User    string         `mapstructure:"user"`
	Index   struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"index"`
	Workflow struct {
		Eager        bool          `mapstructure:"eager"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"workflow"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("storage.uri", DefaultStorageURI)
	v.SetDefault("user", DefaultUser)
	v.SetDefault("index.path", DefaultIndexPath)
	v.SetDefault("workflow.eager", false)
	v.SetDefault("workflow.poll_interval", DefaultPollInterval)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetEnvPrefix("LAZYFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. With an empty path, lazyflow.yaml is looked up
// in the working directory and ./config; a missing file is not an error.
// Environment variables (LAZYFLOW_STORAGE_URI, LAZYFLOW_WORKFLOW_EAGER, ...)
// override file values.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lazyflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.Storage.URI = strings.TrimRight(strings.TrimSpace(cfg.Storage.URI), "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Storage.URI == "" {
		return errors.New("config: storage.uri is empty")
	}
	if _, err := storage.Open(c.Storage.URI); err != nil {
		return fmt.Errorf("config: storage.uri: %w", err)
	}
	if c.Workflow.PollInterval <= 0 {
		return fmt.Errorf("config: workflow.poll_interval must be positive, got %s", c.Workflow.PollInterval)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return lvl, nil
}

// Logger builds a logger writing to w. verbose forces debug level.
func (c *Config) Logger(w io.Writer, verbose bool) *slog.Logger {
	lvl, err := c.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Settings returns the effective settings as a flat key/value map, for
// display.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"storage.uri":            c.Storage.URI,
		"user":                   c.User,
		"index.path":             c.Index.Path,
		"workflow.eager":         c.Workflow.Eager,
		"workflow.poll_interval": c.Workflow.PollInterval.String(),
		"log.level":              c.Log.Level,
		"log.format":             c.Log.Format,
	}
}
