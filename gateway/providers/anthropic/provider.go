// Package anthropic implements the Anthropic Claude chat provider.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/gateway"
	"github.com/codepod-dev/codepod/gateway/providers"
	"github.com/codepod-dev/codepod/types"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 1024
	apiVersion       = "2023-06-01"
)

// Provider 实现 Anthropic Claude 的聊天供应商
// Claude API 特点：
// 1. 认证使用 x-api-key 请求头而非 Bearer Token
// 2. 必须携带 anthropic-version 请求头
// 3. max_tokens 是必填字段
// 4. system 提示是顶层字段而不是消息
type Provider struct {
	cfg    providers.AnthropicConfig
	client *http.Client
	logger *zap.Logger
}

// New 创建 Claude Provider
func New(cfg providers.AnthropicConfig, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("provider", "anthropic")),
	}
}

func (p *Provider) Name() string { return "anthropic" }

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []claudeMessage `json:"messages"`
	System      string          `json:"system,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type claudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeResponse struct {
	ID         string               `json:"id"`
	Model      string               `json:"model"`
	Content    []claudeContentBlock `json:"content"`
	StopReason string               `json:"stop_reason,omitempty"`
	Usage      *claudeUsage         `json:"usage,omitempty"`
}

type claudeErrorResp struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
}

// Chat implements gateway.Provider.
func (p *Provider) Chat(ctx context.Context, message string, reqContext map[string]any, opts *gateway.ChatOptions) (*gateway.Response, error) {
	system, history := providers.ExtractContext(reqContext)

	var messages []claudeMessage
	for _, h := range history {
		messages = append(messages, claudeMessage{Role: h.Role, Content: h.Content})
	}
	messages = append(messages, claudeMessage{Role: "user", Content: message})

	body := claudeRequest{
		Model:     p.cfg.Model,
		MaxTokens: p.cfg.MaxTokens,
		Messages:  messages,
		System:    system,
	}
	if opts != nil {
		if opts.Model != "" {
			body.Model = opts.Model
		}
		if opts.MaxTokens > 0 {
			body.MaxTokens = opts.MaxTokens
		}
		body.Temperature = opts.Temperature
	}
	if body.Model == "" {
		body.Model = defaultModel
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	p.buildHeaders(httpReq)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrProviderUnavailable, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.Name()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, providers.MapError(resp.StatusCode, readErrMsg(resp.Body), p.Name()).
			WithRetryAfter(providers.RetryAfter(resp.Header))
	}

	var cr claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, types.NewError(types.ErrProviderError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.Name()).WithCause(err)
	}

	var content strings.Builder
	for _, block := range cr.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	out := &gateway.Response{
		Content:   content.String(),
		Provider:  p.Name(),
		Model:     cr.Model,
		RequestID: cr.ID,
		Latency:   time.Since(start),
	}
	if out.Model == "" {
		out.Model = body.Model
	}
	if out.RequestID == "" {
		out.RequestID = uuid.NewString()
	}
	if cr.Usage != nil {
		out.TokensUsed = cr.Usage.InputTokens + cr.Usage.OutputTokens
	} else {
		out.TokensUsed = providers.EstimateTokens(message + out.Content)
	}
	out.Cost = float64(out.TokensUsed) * p.cfg.CostPerToken
	return out, nil
}

// HealthCheck implements gateway.Provider.
func (p *Provider) HealthCheck(ctx context.Context) error {
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("claude health check failed: status=%d msg=%s", resp.StatusCode, readErrMsg(resp.Body))
	}
	return nil
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp claudeErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
	}
	return string(data)
}
