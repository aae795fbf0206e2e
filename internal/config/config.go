package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrNoConfig        = errors.New("config file not found")
	ErrNoAPIKey        = errors.New("api_key not set in config or REDLINE_API_KEY")
	ErrInvalidYAML     = errors.New("invalid config file")
	ErrInvalidProvider = errors.New("provider must be \"openai\" or \"gemini\"")
	ErrInvalidTimeout  = errors.New("request_timeout must be a positive duration such as \"60s\"")
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Rate is a per-1000-token price override for one model, in USD.
type Rate struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

// Config holds the global redline configuration.
type Config struct {
	APIKey         string          `yaml:"api_key"`
	BaseURL        string          `yaml:"base_url"`
	Provider       string          `yaml:"provider"`        // "openai" (any OpenAI-compatible endpoint) or "gemini"
	Model          string          `yaml:"model"`           // Model for the selector and reviser stages
	RepairModel    string          `yaml:"repair_model"`    // Model for output repair calls (default: Model)
	Temperature    *float64        `yaml:"temperature"`     // Sampling temperature (default: 0.2)
	RequestTimeout string          `yaml:"request_timeout"` // Per-call timeout (default: 60s)
	Pricing        map[string]Rate `yaml:"pricing"`         // Extra or overriding cost table entries

	timeout time.Duration
}

// Timeout returns the parsed per-call timeout.
func (c *Config) Timeout() time.Duration {
	return c.timeout
}

// Path returns the default config location, preferring config.yaml over config.json.
func Path() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(homeDir, ".config", "redline")
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config from ~/.config/redline/.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from a specific path. JSON files are accepted
// since JSON is valid YAML.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrInvalidYAML
	}

	if key := os.Getenv("REDLINE_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Provider == "" {
		c.Provider = ProviderOpenAI
	}
	switch c.Provider {
	case ProviderOpenAI:
		if c.BaseURL == "" {
			c.BaseURL = "https://api.openai.com/v1"
		}
		if c.Model == "" {
			c.Model = "gpt-4o-mini"
		}
	case ProviderGemini:
		if c.Model == "" {
			c.Model = "gemini-2.0-flash"
		}
	default:
		return ErrInvalidProvider
	}
	if c.RepairModel == "" {
		c.RepairModel = c.Model
	}
	if c.Temperature == nil {
		t := 0.2
		c.Temperature = &t
	}
	if c.RequestTimeout == "" {
		c.RequestTimeout = "60s"
	}
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil || d <= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidTimeout, c.RequestTimeout)
	}
	c.timeout = d
	return nil
}
