// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
	"github.com/xkilldash9x/scalpel-nav/internal/config"
)

// NewDecider creates the configured Decision Port, wrapped in the shared
// rate limiter when llm.rate_limit is set.
func NewDecider(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.Decider, error) {
	var decider schemas.Decider
	switch cfg.Provider {
	case config.ProviderGemini, "":
		client, err := NewGeminiClient(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		decider = client
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", cfg.Provider, config.ProviderGemini)
	}

	if cfg.RateLimit > 0 {
		limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
		return NewLimitedDecider(logger, decider, limiter), nil
	}
	return decider, nil
}
