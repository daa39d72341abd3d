// Package glm implements the Zhipu AI GLM chat provider.
package glm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/gateway"
	"github.com/codepod-dev/codepod/gateway/providers"
)

const defaultModel = "glm-4-flash"

// Provider 实现智谱 GLM 的聊天供应商
// GLM 的 chat API 与 OpenAI 兼容，端点位于 /api/paas/v4 下。
type Provider struct {
	cfg    providers.GLMConfig
	client *http.Client
	logger *zap.Logger
}

// New 创建 GLM Provider
func New(cfg providers.GLMConfig, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://open.bigmodel.cn"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("provider", "glm")),
	}
}

func (p *Provider) Name() string { return "glm" }

// Chat implements gateway.Provider.
func (p *Provider) Chat(ctx context.Context, message string, reqContext map[string]any, opts *gateway.ChatOptions) (*gateway.Response, error) {
	var optsModel string
	if opts != nil {
		optsModel = opts.Model
	}
	model := providers.ChooseModel(optsModel, p.cfg.Model, defaultModel)
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/api/paas/v4/chat/completions"

	return providers.ChatOpenAICompat(ctx, p.client, endpoint, p.Name(), model,
		message, reqContext, opts, p.cfg.CostPerToken, func(req *http.Request) {
			providers.BearerTokenHeaders(req, p.cfg.APIKey)
		})
}

// HealthCheck implements gateway.Provider.
// GLM 没有公开的模型列表端点，用一次 max_tokens=1 的最小补全探活。
func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.Chat(ctx, "ping", nil, &gateway.ChatOptions{MaxTokens: 1})
	if err != nil {
		return fmt.Errorf("glm health check failed: %w", err)
	}
	return nil
}
