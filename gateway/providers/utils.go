package providers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/codepod-dev/codepod/types"
)

// ChooseModel selects the model to use: the per-request model wins, then the
// configured model, then the provider default.
func ChooseModel(requestModel, configModel, defaultModel string) string {
	if requestModel != "" {
		return requestModel
	}
	if configModel != "" {
		return configModel
	}
	return defaultModel
}

// MapError converts an upstream HTTP status into the gateway error taxonomy.
func MapError(status int, msg, provider string) *types.Error {
	switch status {
	case http.StatusUnauthorized:
		return types.NewError(types.ErrAuthentication, msg).
			WithHTTPStatus(status).WithProvider(provider)
	case http.StatusForbidden:
		return types.NewError(types.ErrForbidden, msg).
			WithHTTPStatus(status).WithProvider(provider)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg).
			WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	case http.StatusBadRequest:
		if strings.Contains(msg, "quota") || strings.Contains(msg, "limit") {
			return types.NewError(types.ErrQuotaExceeded, msg).
				WithHTTPStatus(status).WithProvider(provider)
		}
		return types.NewError(types.ErrValidation, msg).
			WithHTTPStatus(status).WithProvider(provider)
	case http.StatusServiceUnavailable:
		return types.NewError(types.ErrProviderOverloaded, msg).
			WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return types.NewError(types.ErrProviderUnavailable, msg).
			WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	default:
		e := types.NewError(types.ErrProviderError, msg).
			WithHTTPStatus(status).WithProvider(provider)
		if status >= 500 {
			e = e.WithRetryable(true)
		}
		return e
	}
}

// RetryAfter parses a Retry-After header value as delay seconds.
func RetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// EstimateTokens approximates the token count of text when the upstream API
// does not report usage. Uses the cl100k_base encoding; falls back to a
// 4-bytes-per-token heuristic if the encoding is unavailable.
func EstimateTokens(text string) int {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// HistoryMessage is one prior turn carried in the request context under the
// "history" key.
type HistoryMessage struct {
	Role    string
	Content string
}

// ExtractContext pulls the optional system prompt and conversation history
// out of the free-form request context map.
func ExtractContext(reqContext map[string]any) (system string, history []HistoryMessage) {
	if reqContext == nil {
		return "", nil
	}
	if s, ok := reqContext["systemPrompt"].(string); ok {
		system = s
	}
	raw, ok := reqContext["history"].([]any)
	if !ok {
		return system, nil
	}
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if role == "" || content == "" {
			continue
		}
		history = append(history, HistoryMessage{Role: role, Content: content})
	}
	return system, history
}
