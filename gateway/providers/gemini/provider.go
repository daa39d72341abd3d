// Package gemini implements the Google Gemini chat provider.
package gemini

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

const defaultModel = "gemini-2.0-flash"

// Provider 实现 Google Gemini 的聊天供应商
// Gemini API 特点：
// 1. 使用 x-goog-api-key 请求头认证
// 2. assistant 角色在消息体里叫 "model"
// 3. system 提示通过 systemInstruction 字段传递
type Provider struct {
	cfg    providers.GeminiConfig
	client *http.Client
	logger *zap.Logger
}

// New 创建 Gemini Provider
func New(cfg providers.GeminiConfig, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("provider", "gemini")),
	}
}

func (p *Provider) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // user, model
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
}

type geminiErrorResp struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("x-goog-api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

// Chat implements gateway.Provider.
func (p *Provider) Chat(ctx context.Context, message string, reqContext map[string]any, opts *gateway.ChatOptions) (*gateway.Response, error) {
	system, history := providers.ExtractContext(reqContext)

	var contents []geminiContent
	for _, h := range history {
		role := h.Role
		if role == "assistant" {
			role = "model" // Gemini 使用 "model" 而不是 "assistant"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: h.Content}}})
	}
	contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: message}}})

	body := geminiRequest{Contents: contents}
	if system != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	var optsModel string
	if opts != nil {
		optsModel = opts.Model
		if opts.Temperature > 0 || opts.MaxTokens > 0 {
			body.GenerationConfig = &geminiGenerationConfig{
				Temperature:     opts.Temperature,
				MaxOutputTokens: opts.MaxTokens,
			}
		}
	}

	model := providers.ChooseModel(optsModel, p.cfg.Model, defaultModel)
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		strings.TrimRight(p.cfg.BaseURL, "/"), model)

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

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, types.NewError(types.ErrProviderError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.Name()).WithCause(err)
	}
	if len(gr.Candidates) == 0 {
		return nil, types.NewError(types.ErrProviderError, "gemini returned no candidates").
			WithProvider(p.Name())
	}

	var content strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		content.WriteString(part.Text)
	}

	out := &gateway.Response{
		Content:   content.String(),
		Provider:  p.Name(),
		Model:     model,
		RequestID: gr.ResponseID,
		Latency:   time.Since(start),
	}
	if out.RequestID == "" {
		out.RequestID = uuid.NewString()
	}
	if gr.UsageMetadata != nil {
		out.TokensUsed = gr.UsageMetadata.TotalTokenCount
	} else {
		out.TokensUsed = providers.EstimateTokens(message + out.Content)
	}
	out.Cost = float64(out.TokensUsed) * p.cfg.CostPerToken
	return out, nil
}

// HealthCheck implements gateway.Provider.
func (p *Provider) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/v1beta/models", strings.TrimRight(p.cfg.BaseURL, "/"))
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
		return fmt.Errorf("gemini health check failed: status=%d msg=%s", resp.StatusCode, readErrMsg(resp.Body))
	}
	return nil
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp geminiErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Sprintf("%s (status: %s)", errResp.Error.Message, errResp.Error.Status)
	}
	return string(data)
}
