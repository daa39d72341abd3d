package providers

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepod-dev/codepod/types"
)

func TestChooseModel(t *testing.T) {
	assert.Equal(t, "req", ChooseModel("req", "cfg", "def"))
	assert.Equal(t, "cfg", ChooseModel("", "cfg", "def"))
	assert.Equal(t, "def", ChooseModel("", "", "def"))
}

func TestMapError(t *testing.T) {
	cases := []struct {
		status    int
		msg       string
		wantCode  types.ErrorCode
		retryable bool
	}{
		{401, "bad key", types.ErrAuthentication, false},
		{403, "denied", types.ErrForbidden, false},
		{429, "slow down", types.ErrRateLimited, true},
		{400, "you exceeded your quota", types.ErrQuotaExceeded, false},
		{400, "malformed", types.ErrValidation, false},
		{503, "overloaded", types.ErrProviderOverloaded, true},
		{502, "bad gateway", types.ErrProviderUnavailable, true},
		{504, "upstream timeout", types.ErrProviderUnavailable, true},
		{500, "oops", types.ErrProviderError, true},
		{418, "teapot", types.ErrProviderError, false},
	}
	for _, tc := range cases {
		err := MapError(tc.status, tc.msg, "p")
		assert.Equal(t, tc.wantCode, err.Code, "status %d", tc.status)
		assert.Equal(t, tc.retryable, err.Retryable, "status %d", tc.status)
		assert.Equal(t, tc.status, err.HTTPStatus)
		assert.Equal(t, "p", err.Provider)
	}
}

func TestRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Zero(t, RetryAfter(h))

	h.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, RetryAfter(h))

	h.Set("Retry-After", "Wed, 21 Oct 2026 07:28:00 GMT")
	assert.Zero(t, RetryAfter(h), "http-date form is ignored")
}

func TestExtractContext(t *testing.T) {
	system, history := ExtractContext(map[string]any{
		"systemPrompt": "be terse",
		"history": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello"},
			map[string]any{"role": "", "content": "dropped"},
			"not a map",
		},
	})
	assert.Equal(t, "be terse", system)
	require.Len(t, history, 2)
	assert.Equal(t, HistoryMessage{Role: "user", Content: "hi"}, history[0])
	assert.Equal(t, HistoryMessage{Role: "assistant", Content: "hello"}, history[1])

	system, history = ExtractContext(nil)
	assert.Empty(t, system)
	assert.Empty(t, history)
}

func TestEstimateTokens(t *testing.T) {
	n := EstimateTokens("hello world, this is a token estimate")
	assert.Greater(t, n, 0)
	assert.Less(t, n, 40)
}
