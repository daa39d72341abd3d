package glm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/gateway/providers"
	"github.com/codepod-dev/codepod/types"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(providers.GLMConfig{APIKey: "glm-key", BaseURL: srv.URL}, zap.NewNop())
}

func TestChat_Success(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/paas/v4/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer glm-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{
			"id": "glm-1",
			"model": "glm-4-flash",
			"choices": [{"index":0,"message":{"role":"assistant","content":"你好"},"finish_reason":"stop"}],
			"usage": {"prompt_tokens":2,"completion_tokens":2,"total_tokens":4}
		}`))
	})

	resp, err := p.Chat(context.Background(), "hello", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "你好", resp.Content)
	assert.Equal(t, "glm", resp.Provider)
	assert.Equal(t, "glm-4-flash", resp.Model)
	assert.Equal(t, 4, resp.TokensUsed)
}

func TestChat_QuotaError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"balance quota exhausted","type":"insufficient_quota"}}`))
	})

	_, err := p.Chat(context.Background(), "hello", nil, nil)
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrQuotaExceeded))
}

func TestHealthCheck_UsesMinimalCompletion(t *testing.T) {
	var maxTokens float64
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		maxTokens, _ = body["max_tokens"].(float64)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"pong"}}]}`))
	})

	require.NoError(t, p.HealthCheck(context.Background()))
	assert.Equal(t, float64(1), maxTokens)
}
