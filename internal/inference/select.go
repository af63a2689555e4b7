package inference

import (
	"os"
	"strings"
)

// ProviderConfig selects and configures a backend.
type ProviderConfig struct {
	// Name is "ollama", "openai" or "anthropic".
	Name   string
	Model  string
	APIKey string
	// Host is the Ollama host, or an alternative base URL for the
	// networked providers.
	Host string
}

// NewProvider builds the backend named by cfg. Missing settings are
// reported as *ConfigError so the caller can surface them without retrying.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "":
		return nil, &ConfigError{Reason: "no provider configured"}
	case "ollama":
		host := cfg.Host
		if host == "" {
			host = os.Getenv("OLLAMA_HOST")
		}
		p, err := NewOllamaProvider(host, cfg.Model)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		p, err := NewOpenAIProvider(key, cfg.Model, cfg.Host)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "anthropic":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		p, err := NewAnthropicProvider(key, cfg.Model, cfg.Host)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, &ConfigError{Provider: cfg.Name, Reason: "unknown provider"}
	}
}
