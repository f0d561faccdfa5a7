// Package config handles scriptrun configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Route layouts understood by the client.
const (
	RoutesAPI    = "api"
	RoutesLegacy = "legacy"
)

type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Tail    TailConfig    `mapstructure:"tail"`
	Data    DataConfig    `mapstructure:"data"`
	Presets PresetsConfig `mapstructure:"presets"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type APIConfig struct {
	// BaseURL is the execution backend root, e.g. http://localhost:8080.
	BaseURL string `mapstructure:"base_url"`

	// Routes selects the path layout: "api" or "legacy".
	Routes string `mapstructure:"routes"`

	// Identity is sent as X-Demo-User when no token is configured.
	Identity string `mapstructure:"identity"`

	// Token, when set, is sent as a bearer token instead of the identity header.
	Token string `mapstructure:"token"`

	// Timeout bounds every single HTTP request.
	Timeout time.Duration `mapstructure:"timeout"`
}

type TailConfig struct {
	// ShortInterval is the delay after a poll that returned output.
	ShortInterval time.Duration `mapstructure:"short_interval"`

	// LongInterval is the delay after an empty poll, and the base of the
	// failure backoff.
	LongInterval time.Duration `mapstructure:"long_interval"`

	// MaxBackoff caps the doubling backoff after failures.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`

	// MaxRetries is the number of consecutive failures tolerated before
	// the tail stops with an error.
	MaxRetries int `mapstructure:"max_retries"`
}

type DataConfig struct {
	// Dir holds the launch journal and the TUI log file.
	Dir string `mapstructure:"dir"`

	// DBPath defaults to Dir/scriptrun.db.
	DBPath string `mapstructure:"db_path"`
}

type PresetsConfig struct {
	Dirs []string `mapstructure:"dirs"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".scriptrun")

	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Routes:  RoutesAPI,
			Timeout: 10 * time.Second,
		},
		Tail: TailConfig{
			ShortInterval: 1000 * time.Millisecond,
			LongInterval:  1500 * time.Millisecond,
			MaxBackoff:    30 * time.Second,
			MaxRetries:    5,
		},
		Data: DataConfig{
			Dir: dataDir,
		},
		Presets: PresetsConfig{
			Dirs: []string{".scriptrun/presets", filepath.Join(dataDir, "presets")},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	switch c.API.Routes {
	case RoutesAPI, RoutesLegacy:
	default:
		return fmt.Errorf("api.routes must be %q or %q, got %q", RoutesAPI, RoutesLegacy, c.API.Routes)
	}
	if c.API.Identity == "" && c.API.Token == "" {
		return fmt.Errorf("api.identity or api.token is required")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.Tail.ShortInterval <= 0 || c.Tail.LongInterval <= 0 {
		return fmt.Errorf("tail intervals must be positive")
	}
	if c.Tail.MaxBackoff < c.Tail.LongInterval {
		return fmt.Errorf("tail.max_backoff must be at least tail.long_interval")
	}
	if c.Tail.MaxRetries < 1 {
		return fmt.Errorf("tail.max_retries must be at least 1")
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.Data.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", c.Data.Dir, err)
	}
	return nil
}

func (c *Config) DatabasePath() string {
	if c.Data.DBPath != "" {
		return c.Data.DBPath
	}
	return filepath.Join(c.Data.Dir, "scriptrun.db")
}

// LogFilePath is where the TUI sends log output.
func (c *Config) LogFilePath() string {
	if c.Logging.File != "" {
		return c.Logging.File
	}
	return filepath.Join(c.Data.Dir, "scriptrun.log")
}
