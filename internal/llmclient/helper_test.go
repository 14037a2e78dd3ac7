package llmclient

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
	"github.com/xkilldash9x/scalpel-nav/internal/config"
)

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// getValidLLMConfig returns a valid LLMModelConfig for testing purposes.
func getValidLLMConfig() config.LLMModelConfig {
	return config.LLMModelConfig{
		Provider:    config.ProviderGemini,
		APIKey:      "test-api-key",
		Model:       "test-model",
		APITimeout:  5 * time.Second,
		Temperature: 0.1,
		TopP:        0.9,
		MaxTokens:   512,
	}
}

func testDecisionRequest() schemas.DecisionRequest {
	return schemas.DecisionRequest{
		Goal: "find the pricing page",
		History: []schemas.HistoryEntry{
			{Step: 1, Action: `{"action":"click","x":10,"y":20}`, Message: "Clicked at (10, 20)", Success: true},
			{Step: 2, Action: "none", Message: "Could not parse model response (malformed_json): no JSON object found", Success: false},
		},
		Frame: schemas.Frame{
			Image:    []byte("\x89PNG-test"),
			URL:      "https://example.com/",
			Viewport: schemas.Viewport{Width: 1280, Height: 800},
		},
	}
}
