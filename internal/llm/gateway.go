package llm

import (
	"context"

	"github.com/youruser/redline/internal/config"
)

// NewGateway builds the configured provider's gateway for model.
func NewGateway(ctx context.Context, cfg *config.Config, model string) (Gateway, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg.APIKey, model, cfg.Temperature, cfg.Timeout())
	case config.ProviderOpenAI, "":
		opts := []ClientOption{WithTimeout(cfg.Timeout())}
		if cfg.Temperature != nil {
			opts = append(opts, WithTemperature(*cfg.Temperature))
		}
		return NewClient(cfg.BaseURL, cfg.APIKey, model, opts...), nil
	default:
		return nil, config.ErrInvalidProvider
	}
}
