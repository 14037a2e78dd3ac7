// internal/llmclient/limiter.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
)

// LimitedDecider delegates to another Decider after taking a token from a
// limiter shared by every session in the process.
type LimitedDecider struct {
	logger  *zap.Logger
	next    schemas.Decider
	limiter *rate.Limiter
}

var _ schemas.Decider = (*LimitedDecider)(nil)

func NewLimitedDecider(logger *zap.Logger, next schemas.Decider, limiter *rate.Limiter) *LimitedDecider {
	return &LimitedDecider{
		logger:  logger.Named("llm_limiter"),
		next:    next,
		limiter: limiter,
	}
}

// Decide waits for a token, then forwards the request.
func (d *LimitedDecider) Decide(ctx context.Context, req schemas.DecisionRequest) (string, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	d.logger.Debug("Forwarding decision request", zap.Float64("tokens_left", d.limiter.Tokens()))
	return d.next.Decide(ctx, req)
}
