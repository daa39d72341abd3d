// Package providers holds the configuration types and shared helpers for the
// concrete AI provider clients.
package providers

import "time"

// GeminiConfig Google Gemini Provider 配置
type GeminiConfig struct {
	APIKey       string        `json:"api_key" yaml:"api_key"`
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	Model        string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	CostPerToken float64       `json:"cost_per_token,omitempty" yaml:"cost_per_token,omitempty"`
}

// OpenAIConfig OpenAI Provider 配置
type OpenAIConfig struct {
	APIKey       string        `json:"api_key" yaml:"api_key"`
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	Organization string        `json:"organization,omitempty" yaml:"organization,omitempty"`
	Model        string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	CostPerToken float64       `json:"cost_per_token,omitempty" yaml:"cost_per_token,omitempty"`
}

// AnthropicConfig Anthropic Provider 配置
type AnthropicConfig struct {
	APIKey       string        `json:"api_key" yaml:"api_key"`
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	Model        string        `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens    int           `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	CostPerToken float64       `json:"cost_per_token,omitempty" yaml:"cost_per_token,omitempty"`
}

// GLMConfig Zhipu AI GLM Provider 配置
type GLMConfig struct {
	APIKey       string        `json:"api_key" yaml:"api_key"`
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	Model        string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	CostPerToken float64       `json:"cost_per_token,omitempty" yaml:"cost_per_token,omitempty"`
}
