package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/api"
	"github.com/codepod-dev/codepod/gateway"
	"github.com/codepod-dev/codepod/gateway/cache"
	"github.com/codepod-dev/codepod/gateway/circuitbreaker"
	"github.com/codepod-dev/codepod/gateway/health"
	"github.com/codepod-dev/codepod/types"
)

// ChatGateway is the gateway surface the chat endpoints consume.
// *gateway.Gateway implements it.
type ChatGateway interface {
	Chat(ctx context.Context, message string, reqContext map[string]any, opts *gateway.ChatOptions) (*gateway.Response, error)
	Usage() gateway.Usage
	ResetUsage()
	Health() *health.Monitor
	Cache() (cache.Stats, bool)
	CircuitStats() map[string]circuitbreaker.Stats
	ForceCircuit(name string, open bool) error
	Descriptors() []gateway.Descriptor
	QueueDepth() int
}

// ChatHandler AI 网关端点
type ChatHandler struct {
	gw     ChatGateway
	logger *zap.Logger
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(gw ChatGateway, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{
		gw:     gw,
		logger: logger.With(zap.String("handler", "chat")),
	}
}

// HandleChat POST /ai/chat
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	resp, err := h.gw.Chat(r.Context(), req.Message, req.Context, nil)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, api.ChatResponse{
		Success:  true,
		Response: resp.Content,
		Metadata: api.ChatMetadata{
			Provider:     resp.Provider,
			Model:        resp.Model,
			TokensUsed:   resp.TokensUsed,
			Cost:         resp.Cost,
			LatencyMS:    resp.Latency.Milliseconds(),
			RequestID:    resp.RequestID,
			IsCached:     resp.IsCached,
			IsFallback:   resp.IsFallback,
			FallbackType: resp.FallbackType,
			Confidence:   resp.Confidence,
		},
	})
}

// HandleAIHealth GET /ai/health
func (h *ChatHandler) HandleAIHealth(w http.ResponseWriter, r *http.Request) {
	mon := h.gw.Health()
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"status":    mon.Overall(),
		"providers": mon.Records(),
		"alerts":    mon.Alerts(),
		"timestamp": time.Now(),
	})
}

// HandleAIMetrics GET /ai/metrics
func (h *ChatHandler) HandleAIMetrics(w http.ResponseWriter, r *http.Request) {
	usage := h.gw.Usage()
	body := map[string]any{
		"success":    true,
		"usage":      usage,
		"queueDepth": h.gw.QueueDepth(),
	}
	if stats, ok := h.gw.Cache(); ok {
		body["cache"] = stats
	}
	WriteJSON(w, http.StatusOK, body)
}

// HandleAIStatus GET /ai/status
func (h *ChatHandler) HandleAIStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"providers": h.gw.Descriptors(),
		"circuits":  h.gw.CircuitStats(),
		"timestamp": time.Now(),
	})
}

// HandleMetricsReset POST /ai/metrics/reset（管理端点）
func (h *ChatHandler) HandleMetricsReset(w http.ResponseWriter, r *http.Request) {
	h.gw.ResetUsage()
	h.logger.Info("usage counters reset", zap.String("request_id", RequestID(r.Context())))
	WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleForceHealth POST /ai/health/force（管理端点）：强制熔断器开合，
// 用于演练降级路径。
func (h *ChatHandler) HandleForceHealth(w http.ResponseWriter, r *http.Request) {
	var req api.ForceHealthRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Provider == "" {
		WriteError(w, r, types.NewError(types.ErrValidation, "provider is required"), h.logger)
		return
	}
	if err := h.gw.ForceCircuit(req.Provider, req.Open); err != nil {
		WriteError(w, r, types.NewError(types.ErrValidation, err.Error()).WithCause(err), h.logger)
		return
	}
	h.logger.Info("circuit forced",
		zap.String("provider", req.Provider),
		zap.Bool("open", req.Open),
		zap.String("request_id", RequestID(r.Context())),
	)
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"provider": req.Provider,
		"open":     req.Open,
	})
}
