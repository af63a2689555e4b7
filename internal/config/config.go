// Package config loads tabgruppen settings from a YAML file, with
// TABGRUPPEN_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lotas/tabgruppen/internal/engine"
	"github.com/lotas/tabgruppen/internal/inference"
	"github.com/lotas/tabgruppen/internal/storage"
)

// EnvPrefix prefixes every environment override, e.g. TABGRUPPEN_PORT or
// TABGRUPPEN_RETRY_ATTEMPTS.
const EnvPrefix = "TABGRUPPEN"

type Config struct {
	// Provider is "ollama", "openai" or "anthropic". Empty disables grouping.
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	// OllamaHost falls back to $OLLAMA_HOST.
	OllamaHost string `mapstructure:"ollama_host" yaml:"ollama_host"`
	// BaseURL points the openai or anthropic client at another endpoint.
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	RulesFile string `mapstructure:"rules_file" yaml:"rules_file"`

	Port   int    `mapstructure:"port" yaml:"port"`
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`

	DebounceMS          int    `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	BatchSize           int    `mapstructure:"batch_size" yaml:"batch_size"`
	MaintenanceSchedule string `mapstructure:"maintenance_schedule" yaml:"maintenance_schedule"`
	Autopilot           bool   `mapstructure:"autopilot" yaml:"autopilot"`

	Retry    RetryConfig   `mapstructure:"retry" yaml:"retry"`
	Features FeatureConfig `mapstructure:"features" yaml:"features"`
}

type RetryConfig struct {
	Attempts    int `mapstructure:"attempts" yaml:"attempts"`
	BaseDelayMS int `mapstructure:"base_delay_ms" yaml:"base_delay_ms"`
	// TimeoutMS bounds one provider call. 0 means no limit.
	TimeoutMS int `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

type FeatureConfig struct {
	Grouping bool `mapstructure:"grouping" yaml:"grouping"`
	Dedupe   bool `mapstructure:"dedupe" yaml:"dedupe"`
}

// DefaultPath returns ~/.config/tabgruppen/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "tabgruppen", "config.yaml"), nil
}

// Default returns the built-in settings.
func Default() (Config, error) {
	dbPath, err := storage.DefaultDBPath()
	if err != nil {
		return Config{}, err
	}
	eo := engine.DefaultOptions()
	inf := inference.DefaultOptions()
	return Config{
		Provider:            "ollama",
		Model:               "llama3.2",
		RulesFile:           inference.RulesFilePath(),
		Port:                19191,
		DBPath:              dbPath,
		LogDir:              filepath.Dir(dbPath),
		DebounceMS:          int(eo.Debounce / time.Millisecond),
		BatchSize:           inf.BatchSize,
		MaintenanceSchedule: "@every 5m",
		Autopilot:           eo.Autopilot,
		Retry: RetryConfig{
			Attempts:    inf.Attempts,
			BaseDelayMS: int(inf.BaseDelay / time.Millisecond),
			TimeoutMS:   int(inf.AttemptTimeout / time.Millisecond),
		},
		Features: FeatureConfig{Grouping: eo.Grouping, Dedupe: eo.Dedupe},
	}, nil
}

// Load reads the config at path, or DefaultPath when path is empty. A
// missing file yields the defaults. Environment variables override both.
func Load(path string) (Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}

	cfg, err := Default()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("provider", cfg.Provider)
	v.SetDefault("model", cfg.Model)
	v.SetDefault("api_key", cfg.APIKey)
	v.SetDefault("ollama_host", cfg.OllamaHost)
	v.SetDefault("base_url", cfg.BaseURL)
	v.SetDefault("rules_file", cfg.RulesFile)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("log_dir", cfg.LogDir)
	v.SetDefault("debounce_ms", cfg.DebounceMS)
	v.SetDefault("batch_size", cfg.BatchSize)
	v.SetDefault("maintenance_schedule", cfg.MaintenanceSchedule)
	v.SetDefault("autopilot", cfg.Autopilot)
	v.SetDefault("retry.attempts", cfg.Retry.Attempts)
	v.SetDefault("retry.base_delay_ms", cfg.Retry.BaseDelayMS)
	v.SetDefault("retry.timeout_ms", cfg.Retry.TimeoutMS)
	v.SetDefault("features.grouping", cfg.Features.Grouping)
	v.SetDefault("features.dedupe", cfg.Features.Dedupe)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch strings.ToLower(c.Provider) {
	case "", "ollama", "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported provider %q", c.Provider)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DebounceMS < 0 {
		return fmt.Errorf("debounce_ms must not be negative")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size must not be negative")
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1")
	}
	if c.Retry.TimeoutMS < 0 {
		return fmt.Errorf("retry.timeout_ms must not be negative")
	}
	return nil
}

func (c Config) EngineOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.Debounce = time.Duration(c.DebounceMS) * time.Millisecond
	opts.Grouping = c.Features.Grouping
	opts.Dedupe = c.Features.Dedupe
	opts.Autopilot = c.Autopilot
	return opts
}

func (c Config) InferenceOptions() inference.Options {
	return inference.Options{
		BatchSize:      c.BatchSize,
		Attempts:       c.Retry.Attempts,
		BaseDelay:      time.Duration(c.Retry.BaseDelayMS) * time.Millisecond,
		AttemptTimeout: time.Duration(c.Retry.TimeoutMS) * time.Millisecond,
	}
}

// ProviderConfig maps the settings onto a provider selection. Ollama takes
// its host from ollama_host; the others from base_url.
func (c Config) ProviderConfig() inference.ProviderConfig {
	pc := inference.ProviderConfig{Name: c.Provider, Model: c.Model, APIKey: c.APIKey, Host: c.BaseURL}
	if strings.EqualFold(c.Provider, "ollama") {
		pc.Host = c.OllamaHost
	}
	return pc
}

// Masked returns a copy safe to print.
func (c Config) Masked() Config {
	if c.APIKey != "" {
		c.APIKey = maskSecret(c.APIKey)
	}
	return c
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// YAML renders the config as a config file.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteDefault writes the default config to path. An existing file is kept
// unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	cfg, err := Default()
	if err != nil {
		return err
	}
	data, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
