package perception

import (
	"context"
	"fmt"

	"recall/internal/config"

	"go.uber.org/zap"
)

// NewSamplerFromConfig builds the Sampler for the configured provider.
func NewSamplerFromConfig(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (Sampler, error) {
	retry := PolicyFromTimeouts(cfg.Timeouts)

	switch Provider(cfg.Provider) {
	case ProviderAnthropic, "":
		anthropic := DefaultAnthropicConfig(cfg.APIKey)
		if cfg.Model != "" {
			anthropic.Model = cfg.Model
		}
		if cfg.BaseURL != "" {
			anthropic.BaseURL = cfg.BaseURL
		}
		anthropic.Retry = retry
		anthropic.Logger = logger
		return NewAnthropicClient(anthropic), nil
	case ProviderGemini:
		return NewGeminiClient(ctx, GeminiConfig{
			APIKey: cfg.APIKey,
			Model:  cfg.Model,
			Retry:  retry,
			Logger: logger,
		})
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
