package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader reads configuration with precedence
// defaults < config file < SCRIPTRUN_* env vars < explicit overrides.
type Loader struct {
	v          *viper.Viper
	configFile string
}

func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// SetConfigFile sets an explicit config file path. A missing explicit file
// is an error; a missing default file is not.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Set overrides a key after file and env, used for CLI flags.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	l.setup(cfg)

	if err := l.readConfigFile(); err != nil {
		return nil, err
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Data.Dir = expandTilde(cfg.Data.Dir)
	cfg.Data.DBPath = expandTilde(cfg.Data.DBPath)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
	for i, dir := range cfg.Presets.Dirs {
		cfg.Presets.Dirs[i] = expandTilde(dir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) setup(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		v.AddConfigPath(filepath.Join(xdg, "scriptrun"))
	}
	if home, _ := os.UserHomeDir(); home != "" {
		v.AddConfigPath(filepath.Join(home, ".config", "scriptrun"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("SCRIPTRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	defaults := map[string]any{
		"api.base_url":        cfg.API.BaseURL,
		"api.routes":          cfg.API.Routes,
		"api.identity":        cfg.API.Identity,
		"api.token":           cfg.API.Token,
		"api.timeout":         cfg.API.Timeout,
		"tail.short_interval": cfg.Tail.ShortInterval,
		"tail.long_interval":  cfg.Tail.LongInterval,
		"tail.max_backoff":    cfg.Tail.MaxBackoff,
		"tail.max_retries":    cfg.Tail.MaxRetries,
		"data.dir":            cfg.Data.Dir,
		"data.db_path":        cfg.Data.DBPath,
		"presets.dirs":        cfg.Presets.Dirs,
		"logging.level":       cfg.Logging.Level,
		"logging.format":      cfg.Logging.Format,
		"logging.file":        cfg.Logging.File,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
		// Unmarshal only sees env vars for keys viper already knows about.
		_ = v.BindEnv(key)
	}

	v.AutomaticEnv()
}

func (l *Loader) readConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	err := l.v.ReadInConfig()
	if err == nil {
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) && l.configFile == "" {
		return nil
	}
	return fmt.Errorf("failed to load config file: %w", err)
}

// ConfigFileUsed returns the file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func expandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
