// Package gateway implements the resilient multi-provider AI chat gateway:
// provider registry and selection, per-provider circuit breaking and retry,
// response caching, offline fallback, and a background retry queue.
package gateway

import (
	"context"
	"time"
)

// ChatOptions carries per-request tuning knobs passed through to a provider.
type ChatOptions struct {
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Response is the gateway's chat result, whether served by a provider, the
// cache, or the fallback generator.
type Response struct {
	Content      string        `json:"content"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model,omitempty"`
	TokensUsed   int           `json:"tokens_used"`
	Cost         float64       `json:"cost"`
	Latency      time.Duration `json:"latency"`
	RequestID    string        `json:"request_id"`
	IsCached     bool          `json:"is_cached"`
	IsFallback   bool          `json:"is_fallback"`
	FallbackType string        `json:"fallback_type,omitempty"`
	Confidence   float64       `json:"confidence,omitempty"`
}

// Provider is the capability set every upstream AI backend must satisfy.
type Provider interface {
	// Name returns the provider's registry name (e.g. "gemini").
	Name() string

	// Chat sends one message with optional conversational context and
	// returns the model's reply.
	Chat(ctx context.Context, message string, context map[string]any, opts *ChatOptions) (*Response, error)

	// HealthCheck reports whether the provider is currently reachable.
	HealthCheck(ctx context.Context) error
}

// Descriptor is the registration metadata used by selection strategies.
type Descriptor struct {
	Name            string        `json:"name"`
	Priority        int           `json:"priority"` // lower = preferred
	Weight          int           `json:"weight"`
	CostPerToken    float64       `json:"cost_per_token"`
	Quality         float64       `json:"quality"` // 0..1, higher = better
	ExpectedLatency time.Duration `json:"expected_latency"`
	MaxErrorRate    float64       `json:"max_error_rate"`
}
