package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/gateway/cache"
	"github.com/codepod-dev/codepod/gateway/circuitbreaker"
	"github.com/codepod-dev/codepod/gateway/health"
	"github.com/codepod-dev/codepod/gateway/retry"
	"github.com/codepod-dev/codepod/internal/metrics"
	"github.com/codepod-dev/codepod/types"
)

// queueableTokens classifies failures worth parking for a later retry.
var queueableTokens = []string{"overloaded", "503", "rate limit", "429", "timeout"}

// Interaction is the persistence record written after a successful provider
// chat. Fallback-only outcomes are never persisted.
type Interaction struct {
	RequestID  string
	ProjectID  string
	UserID     string
	Provider   string
	Model      string
	Message    string
	Reply      string
	TokensUsed int
	Cost       float64
	LatencyMs  int64
}

// Store persists chat interactions. Implementations must be safe for
// concurrent use.
type Store interface {
	SaveInteraction(ctx context.Context, rec *Interaction) error
}

// Config 网关配置
type Config struct {
	Strategy        Strategy      // 供应商选择策略
	CacheEnabled    bool          // 是否启用响应缓存
	FallbackEnabled bool          // 是否启用降级生成器
	QueueTick       time.Duration // 重试队列扫描间隔
	QueueMaxRetries int           // 队列请求最大重试次数
	MaxMessageBytes int           // 单条消息大小上限

	Breaker *circuitbreaker.Config // 每个供应商独立熔断器的配置
	Retry   *retry.Policy
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() *Config {
	return &Config{
		Strategy:        StrategyPriority,
		CacheEnabled:    true,
		FallbackEnabled: true,
		QueueTick:       30 * time.Second,
		QueueMaxRetries: 5,
		MaxMessageBytes: 10_000,
	}
}

// Usage aggregates gateway counters for the status and metrics endpoints.
type Usage struct {
	TotalRequests   int64            `json:"total_requests"`
	ProviderSuccess map[string]int64 `json:"provider_success"`
	ProviderFailure map[string]int64 `json:"provider_failure"`
	CacheHits       int64            `json:"cache_hits"`
	Fallbacks       int64            `json:"fallbacks"`
	Queued          int64            `json:"queued"`
	QueueDepth      int              `json:"queue_depth"`
	QueueDropped    int64            `json:"queue_dropped"`
	TotalTokens     int64            `json:"total_tokens"`
	TotalCost       float64          `json:"total_cost"`
}

// Gateway is the end-to-end chat entry point. One instance is created in the
// composition root and shared by every handler.
type Gateway struct {
	config   *Config
	logger   *zap.Logger
	registry *Registry
	monitor  *health.Monitor
	cache    *cache.ResponseCache
	fallback *FallbackGenerator
	queue    *retryQueue
	retryer  retry.Retryer
	store    Store

	breakersMu sync.Mutex
	breakers   map[string]circuitbreaker.CircuitBreaker

	usageMu sync.Mutex
	usage   Usage

	closedMu sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a gateway. monitor is required; c and store may be nil when
// caching or persistence is disabled.
func New(config *Config, monitor *health.Monitor, c *cache.ResponseCache, store Store, logger *zap.Logger) *Gateway {
	if config == nil {
		config = DefaultConfig()
	}
	if config.QueueTick <= 0 {
		config.QueueTick = 30 * time.Second
	}
	if config.QueueMaxRetries <= 0 {
		config.QueueMaxRetries = 5
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = 10_000
	}
	if config.Strategy == "" {
		config.Strategy = StrategyPriority
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		config:   config,
		logger:   logger.With(zap.String("component", "ai_gateway")),
		monitor:  monitor,
		cache:    c,
		queue:    newRetryQueue(logger),
		retryer:  retry.New(config.Retry, logger),
		store:    store,
		breakers: make(map[string]circuitbreaker.CircuitBreaker),
		usage: Usage{
			ProviderSuccess: make(map[string]int64),
			ProviderFailure: make(map[string]int64),
		},
		ctx:    ctx,
		cancel: cancel,
	}
	g.registry = NewRegistry(g.circuitOpen, monitor.StatusOf, logger)
	if config.FallbackEnabled {
		g.fallback = NewFallbackGenerator(c, logger)
	}
	return g
}

// RegisterProvider adds a provider to the selection pool and to periodic
// health probing.
func (g *Gateway) RegisterProvider(p Provider, d Descriptor) {
	g.registry.Register(p, d)
	g.monitor.Register(p)
	g.breaker(d.nameOr(p)) // 预创建熔断器，避免首个请求的竞争窗口
}

func (d Descriptor) nameOr(p Provider) string {
	if d.Name != "" {
		return d.Name
	}
	return p.Name()
}

// Start launches the background queue processor.
func (g *Gateway) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.config.QueueTick)
		defer ticker.Stop()
		for {
			select {
			case <-g.ctx.Done():
				return
			case <-ticker.C:
				g.processQueue(g.ctx)
			}
		}
	}()
}

// Close shuts the gateway down in order: stop accepting new chats, stop the
// queue processor, wait for in-flight requests, then close any provider that
// holds resources.
func (g *Gateway) Close() error {
	g.closedMu.Lock()
	if g.closed {
		g.closedMu.Unlock()
		return nil
	}
	g.closed = true
	g.closedMu.Unlock()

	g.cancel()
	g.wg.Wait()
	g.inflight.Wait()

	for _, p := range g.registry.Providers() {
		if closer, ok := p.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				g.logger.Warn("provider close failed",
					zap.String("provider", p.Name()),
					zap.Error(err),
				)
			}
		}
	}
	g.logger.Info("gateway closed")
	return nil
}

// Chat runs the full request flow: validate, cache lookup, ordered provider
// attempts under retry and circuit breaking, queueing on queueable failure,
// and fallback. It returns an error only for invalid input or after Close.
func (g *Gateway) Chat(ctx context.Context, message string, reqContext map[string]any, opts *ChatOptions) (*Response, error) {
	g.closedMu.Lock()
	if g.closed {
		g.closedMu.Unlock()
		return nil, types.NewError(types.ErrInternal, "gateway is shutting down")
	}
	g.inflight.Add(1)
	g.closedMu.Unlock()
	defer g.inflight.Done()

	if err := g.validate(message); err != nil {
		return nil, err
	}

	g.usageMu.Lock()
	g.usage.TotalRequests++
	g.usageMu.Unlock()

	key := cache.Key(message, reqContext)
	if g.config.CacheEnabled && g.cache != nil {
		if raw, err := g.cache.Get(ctx, key); err == nil {
			if resp := decodeResponse(raw); resp != nil {
				resp.IsCached = true
				resp.RequestID = uuid.NewString()
				g.usageMu.Lock()
				g.usage.CacheHits++
				g.usageMu.Unlock()
				metrics.CacheEvents.WithLabelValues("hit").Inc()
				return resp, nil
			}
		}
		metrics.CacheEvents.WithLabelValues("miss").Inc()
	}

	resp, lastErr := g.attempt(ctx, message, reqContext, opts)
	if resp != nil {
		g.onProviderSuccess(ctx, key, message, reqContext, resp)
		return resp, nil
	}

	if lastErr != nil && isQueueable(lastErr) {
		g.queue.enqueue(message, reqContext, opts, g.config.QueueMaxRetries, lastErr)
		g.usageMu.Lock()
		g.usage.Queued++
		g.usageMu.Unlock()
		metrics.QueueDepth.Set(float64(g.queue.len()))
	}

	return g.serveFallback(ctx, message, reqContext), nil
}

// attempt walks the selected providers in order, wrapping each call in the
// retry policy around that provider's circuit breaker. Returns the first
// success, or (nil, lastErr) when every provider failed.
func (g *Gateway) attempt(ctx context.Context, message string, reqContext map[string]any, opts *ChatOptions) (*Response, error) {
	providers := g.registry.Select(g.config.Strategy)
	if len(providers) == 0 {
		return nil, types.NewError(types.ErrProviderUnavailable, "no eligible AI providers")
	}

	var lastErr error
	for _, p := range providers {
		name := p.Name()
		br := g.breaker(name)
		if br.State() == circuitbreaker.StateOpen {
			continue
		}

		start := time.Now()
		res, err := g.retryer.DoWithResult(ctx, func() (any, error) {
			return br.ExecuteWithResult(ctx, func() (any, error) {
				return p.Chat(ctx, message, reqContext, opts)
			})
		})
		latency := time.Since(start)

		if err != nil {
			lastErr = err
			g.monitor.RecordFailure(name, err, latency)
			g.usageMu.Lock()
			g.usage.ProviderFailure[name]++
			g.usageMu.Unlock()
			metrics.ChatRequests.WithLabelValues(name, "failure").Inc()
			g.logger.Warn("provider chat failed",
				zap.String("provider", name),
				zap.Error(err),
			)
			continue
		}

		resp, ok := res.(*Response)
		if !ok || resp == nil {
			lastErr = fmt.Errorf("provider %s returned no response", name)
			g.monitor.RecordFailure(name, lastErr, latency)
			continue
		}

		g.monitor.RecordSuccess(name, latency)
		if resp.Provider == "" {
			resp.Provider = name
		}
		if resp.Latency == 0 {
			resp.Latency = latency
		}
		if resp.RequestID == "" {
			resp.RequestID = uuid.NewString()
		}
		g.usageMu.Lock()
		g.usage.ProviderSuccess[name]++
		g.usage.TotalTokens += int64(resp.TokensUsed)
		g.usage.TotalCost += resp.Cost
		g.usageMu.Unlock()
		metrics.ChatRequests.WithLabelValues(name, "success").Inc()
		metrics.ChatLatency.WithLabelValues(name).Observe(latency.Seconds())
		return resp, nil
	}

	if lastErr == nil {
		lastErr = types.NewError(types.ErrProviderUnavailable, "all provider circuits are open")
	}
	return nil, lastErr
}

// onProviderSuccess stores the response in the cache and persists the
// interaction. Both are best-effort.
func (g *Gateway) onProviderSuccess(ctx context.Context, key, message string, reqContext map[string]any, resp *Response) {
	if g.config.CacheEnabled && g.cache != nil && !resp.IsCached {
		if raw, err := json.Marshal(resp); err == nil {
			g.cache.Set(ctx, key, raw)
		}
	}
	if g.store != nil {
		rec := &Interaction{
			RequestID:  resp.RequestID,
			ProjectID:  contextString(reqContext, "projectId"),
			UserID:     contextString(reqContext, "userId"),
			Provider:   resp.Provider,
			Model:      resp.Model,
			Message:    message,
			Reply:      resp.Content,
			TokensUsed: resp.TokensUsed,
			Cost:       resp.Cost,
			LatencyMs:  resp.Latency.Milliseconds(),
		}
		if err := g.store.SaveInteraction(ctx, rec); err != nil {
			g.logger.Warn("interaction persist failed", zap.Error(err))
		}
	}
}

func (g *Gateway) serveFallback(ctx context.Context, message string, reqContext map[string]any) *Response {
	var resp *Response
	if g.fallback != nil {
		resp = g.fallback.Generate(ctx, message, reqContext)
	} else {
		resp = CannedResponse()
	}
	g.usageMu.Lock()
	g.usage.Fallbacks++
	g.usageMu.Unlock()
	metrics.ChatRequests.WithLabelValues(resp.Provider, "fallback").Inc()
	metrics.FallbackResponses.WithLabelValues(resp.FallbackType).Inc()
	return resp
}

// processQueue retries every due queued request through the normal provider
// path. Exhausted entries are dropped with a warning.
func (g *Gateway) processQueue(ctx context.Context) {
	for _, req := range g.queue.due() {
		resp, err := g.attempt(ctx, req.Message, req.Context, req.Options)
		if err != nil {
			if !g.queue.requeue(req, err) {
				metrics.QueueDropped.Inc()
			}
			continue
		}
		key := cache.Key(req.Message, req.Context)
		g.onProviderSuccess(ctx, key, req.Message, req.Context, resp)
		g.logger.Info("queued chat request recovered",
			zap.String("id", req.ID),
			zap.String("provider", resp.Provider),
			zap.Int("retries", req.RetryCount),
		)
	}
	metrics.QueueDepth.Set(float64(g.queue.len()))
}

func (g *Gateway) validate(message string) error {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return types.NewError(types.ErrValidation, "message is required")
	}
	if len(message) > g.config.MaxMessageBytes {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("message exceeds %d bytes", g.config.MaxMessageBytes))
	}
	return nil
}

// breaker returns the per-provider circuit breaker, creating it on first use.
func (g *Gateway) breaker(name string) circuitbreaker.CircuitBreaker {
	g.breakersMu.Lock()
	defer g.breakersMu.Unlock()
	if br, ok := g.breakers[name]; ok {
		return br
	}
	br := circuitbreaker.New(name, g.config.Breaker, g.logger)
	g.breakers[name] = br
	return br
}

func (g *Gateway) circuitOpen(name string) bool {
	g.breakersMu.Lock()
	br, ok := g.breakers[name]
	g.breakersMu.Unlock()
	return ok && br.State() == circuitbreaker.StateOpen
}

// CircuitStats snapshots every provider breaker.
func (g *Gateway) CircuitStats() map[string]circuitbreaker.Stats {
	g.breakersMu.Lock()
	defer g.breakersMu.Unlock()
	out := make(map[string]circuitbreaker.Stats, len(g.breakers))
	for name, br := range g.breakers {
		out[name] = br.Stats()
	}
	return out
}

// ForceCircuit opens or closes one provider's breaker (admin control).
func (g *Gateway) ForceCircuit(name string, open bool) error {
	g.breakersMu.Lock()
	br, ok := g.breakers[name]
	g.breakersMu.Unlock()
	if !ok {
		return types.NewError(types.ErrValidation, "unknown provider: "+name)
	}
	if open {
		br.ForceOpen()
	} else {
		br.ForceClose()
	}
	return nil
}

// Usage returns a snapshot of the gateway counters plus live queue state.
func (g *Gateway) Usage() Usage {
	g.usageMu.Lock()
	u := g.usage
	u.ProviderSuccess = copyCounts(g.usage.ProviderSuccess)
	u.ProviderFailure = copyCounts(g.usage.ProviderFailure)
	g.usageMu.Unlock()

	u.QueueDepth = g.queue.len()
	u.QueueDropped = g.queue.droppedCount()
	return u
}

// ResetUsage zeroes the gateway counters (admin control). Prometheus
// counters are monotonic and unaffected.
func (g *Gateway) ResetUsage() {
	g.usageMu.Lock()
	defer g.usageMu.Unlock()
	g.usage = Usage{
		ProviderSuccess: make(map[string]int64),
		ProviderFailure: make(map[string]int64),
	}
}

// Health exposes the monitor for the status endpoints.
func (g *Gateway) Health() *health.Monitor { return g.monitor }

// Cache exposes cache stats for the status endpoints; ok is false when
// caching is disabled.
func (g *Gateway) Cache() (cache.Stats, bool) {
	if g.cache == nil {
		return cache.Stats{}, false
	}
	return g.cache.Stats(), true
}

// Descriptors returns the registered provider metadata.
func (g *Gateway) Descriptors() []Descriptor { return g.registry.Descriptors() }

// QueueDepth returns the current retry-queue length.
func (g *Gateway) QueueDepth() int { return g.queue.len() }

func isQueueable(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrProviderOverloaded, types.ErrRateLimited, types.ErrQuotaExceeded, types.ErrUpstreamTimeout:
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, token := range queueableTokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

func contextString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
