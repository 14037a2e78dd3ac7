// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
	"github.com/xkilldash9x/scalpel-nav/internal/config"
)

// ErrEmptyResponse is returned when the model produced no candidate.
var ErrEmptyResponse = errors.New("gemini returned no candidates")

// GeminiClient is the Decision Port backed by a Gemini vision model.
type GeminiClient struct {
	client *genai.Client
	model  string
	config config.LLMModelConfig
	logger *zap.Logger
}

var _ schemas.Decider = (*GeminiClient)(nil)

// NewGeminiClient initializes the client. Endpoint, when set, replaces the
// public API base URL.
func NewGeminiClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, config.ErrMissingAPIKey
	}

	httpOpts := genai.HTTPOptions{BaseURL: cfg.Endpoint}
	if cfg.APITimeout > 0 {
		httpOpts.Timeout = genai.Ptr(cfg.APITimeout)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: httpOpts,
		HTTPClient:  &http.Client{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  cfg.Model,
		config: cfg,
		logger: logger.Named("llm_client.gemini"),
	}, nil
}

// Decide sends the frame and prompt to the model and returns its raw text.
// It makes one attempt. Errors that cannot succeed on retry come back
// wrapped with backoff.Permanent; rate limiting and server errors come back
// as they are, for the caller's retry policy.
func (c *GeminiClient) Decide(ctx context.Context, req schemas.DecisionRequest) (string, error) {
	contents, genCfg := c.buildRequest(req)

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genCfg)
	duration := time.Since(start)
	if err != nil {
		return "", c.classify(err)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", backoff.Permanent(fmt.Errorf("gemini blocked the request (reason: %s)", resp.PromptFeedback.BlockReason))
	}
	if len(resp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}

	fields := []zap.Field{zap.Duration("duration", duration), zap.String("model", c.model)}
	if u := resp.UsageMetadata; u != nil {
		fields = append(fields,
			zap.Int32("prompt_tokens", u.PromptTokenCount),
			zap.Int32("completion_tokens", u.CandidatesTokenCount),
			zap.Int32("total_tokens", u.TotalTokenCount))
	}
	c.logger.Info("LLM generation complete (Gemini)", fields...)
	return resp.Text(), nil
}

func (c *GeminiClient) buildRequest(req schemas.DecisionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	parts := []*genai.Part{
		genai.NewPartFromBytes(req.Frame.Image, "image/png"),
		genai.NewPartFromText(UserPrompt(req)),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemPrompt(req.Frame.Viewport), genai.RoleUser),
		Temperature:       genai.Ptr(c.config.Temperature),
		ResponseMIMEType:  "application/json",
	}
	if c.config.TopP > 0 {
		genCfg.TopP = genai.Ptr(c.config.TopP)
	}
	if c.config.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(c.config.MaxTokens)
	}
	return contents, genCfg
}

// classify marks API errors that cannot succeed on retry as permanent.
func (c *GeminiClient) classify(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	c.logger.Error("Gemini API returned error status", zap.Int("status", apiErr.Code), zap.String("message", apiErr.Message))
	wrapped := fmt.Errorf("gemini API error: status %d: %s", apiErr.Code, apiErr.Message)
	switch {
	case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= http.StatusInternalServerError:
		return wrapped
	default:
		return backoff.Permanent(wrapped)
	}
}
