package llmclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-nav/internal/config"
)

// -- Test Setup Helpers --

// setupGeminiClient points a GeminiClient at a mock HTTP server.
func setupGeminiClient(t *testing.T, handler http.HandlerFunc) (*GeminiClient, *observer.ObservedLogs) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger, logs := setupTestLogger(t)
	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL

	client, err := NewGeminiClient(context.Background(), cfg, logger)
	require.NoError(t, err)
	return client, logs
}

func writeCandidate(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]interface{}{
		"candidates": []interface{}{
			map[string]interface{}{
				"content": map[string]interface{}{
					"role":  "model",
					"parts": []interface{}{map[string]interface{}{"text": text}},
				},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]interface{}{
			"promptTokenCount": 10, "candidatesTokenCount": 5, "totalTokenCount": 15,
		},
	}
	out, _ := jsoniter.Marshal(body)
	_, _ = w.Write(out)
}

func writeAPIError(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"simulated %s","status":%q}}`, code, status, status)
}

// -- Test Cases --

func TestNewGeminiClient_RequiresAPIKey(t *testing.T) {
	logger, _ := setupTestLogger(t)
	cfg := getValidLLMConfig()
	cfg.APIKey = ""

	_, err := NewGeminiClient(context.Background(), cfg, logger)
	assert.ErrorIs(t, err, config.ErrMissingAPIKey)
}

func TestGeminiClient_Decide_Success(t *testing.T) {
	var body string
	client, logs := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/models/test-model:generateContent"), "unexpected path %s", r.URL.Path)
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		writeCandidate(w, `{"action":"done","message":"ok"}`)
	})

	out, err := client.Decide(context.Background(), testDecisionRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"action":"done","message":"ok"}`, out)

	// The screenshot travels as inline PNG data next to the prompt.
	assert.Contains(t, body, base64.StdEncoding.EncodeToString([]byte("\x89PNG-test")))
	assert.Contains(t, body, "image/png")
	assert.Contains(t, body, "Goal: find the pricing page")
	assert.Contains(t, body, "1280x800")
	assert.Contains(t, body, "application/json")

	assert.Equal(t, 1, logs.FilterMessage("LLM generation complete (Gemini)").Len())
}

func TestGeminiClient_Decide_TransientErrorsAreLeftToTheCaller(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			var calls int32
			client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				writeAPIError(w, code, "UNAVAILABLE")
			})

			_, err := client.Decide(context.Background(), testDecisionRequest())
			require.Error(t, err)
			assert.Contains(t, err.Error(), fmt.Sprintf("status %d", code))

			var permanent *backoff.PermanentError
			assert.False(t, errors.As(err, &permanent), "transient errors stay retryable")
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "one attempt per call")
		})
	}
}

func TestGeminiClient_Decide_PermanentErrorsAreMarked(t *testing.T) {
	var calls int32
	client, logs := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeAPIError(w, http.StatusBadRequest, "INVALID_ARGUMENT")
	})

	_, err := client.Decide(context.Background(), testDecisionRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")

	var permanent *backoff.PermanentError
	assert.True(t, errors.As(err, &permanent))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, logs.FilterMessage("Gemini API returned error status").Len())
}

func TestGeminiClient_Decide_BlockedPrompt(t *testing.T) {
	var calls int32
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`))
	})

	_, err := client.Decide(context.Background(), testDecisionRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SAFETY")
	var permanent *backoff.PermanentError
	assert.True(t, errors.As(err, &permanent))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGeminiClient_Decide_HonorsContext(t *testing.T) {
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := client.Decide(ctx, testDecisionRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "deadline"), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}
