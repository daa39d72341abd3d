// Package openai implements the OpenAI chat provider.
package openai

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

const defaultModel = "gpt-4o-mini"

// Provider talks to the OpenAI chat-completions API with Bearer auth and an
// optional organization header.
type Provider struct {
	cfg    providers.OpenAIConfig
	client *http.Client
	logger *zap.Logger
}

// New creates an OpenAI provider.
func New(cfg providers.OpenAIConfig, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("provider", "openai")),
	}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) buildHeaders(req *http.Request) {
	providers.BearerTokenHeaders(req, p.cfg.APIKey)
	if p.cfg.Organization != "" {
		req.Header.Set("OpenAI-Organization", p.cfg.Organization)
	}
}

// Chat implements gateway.Provider.
func (p *Provider) Chat(ctx context.Context, message string, reqContext map[string]any, opts *gateway.ChatOptions) (*gateway.Response, error) {
	var optsModel string
	if opts != nil {
		optsModel = opts.Model
	}
	model := providers.ChooseModel(optsModel, p.cfg.Model, defaultModel)
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/chat/completions"

	return providers.ChatOpenAICompat(ctx, p.client, endpoint, p.Name(), model,
		message, reqContext, opts, p.cfg.CostPerToken, p.buildHeaders)
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
		return fmt.Errorf("openai health check failed: status=%d msg=%s",
			resp.StatusCode, providers.ReadOpenAIErrMsg(resp.Body))
	}
	return nil
}
