package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/api/handlers"
	"github.com/codepod-dev/codepod/config"
	"github.com/codepod-dev/codepod/gateway"
	"github.com/codepod-dev/codepod/gateway/cache"
	"github.com/codepod-dev/codepod/gateway/health"
	"github.com/codepod-dev/codepod/gateway/providers"
	"github.com/codepod-dev/codepod/gateway/providers/anthropic"
	"github.com/codepod-dev/codepod/gateway/providers/gemini"
	"github.com/codepod-dev/codepod/gateway/providers/glm"
	"github.com/codepod-dev/codepod/gateway/providers/openai"
	"github.com/codepod-dev/codepod/internal/database"
	"github.com/codepod-dev/codepod/internal/server"
	"github.com/codepod-dev/codepod/sandbox"
	"github.com/codepod-dev/codepod/terminal"
)

// Server 组装并持有所有子系统
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager *server.Manager

	docker      *sandbox.Client
	pool        *database.PoolManager
	monitor     *health.Monitor
	gw          *gateway.Gateway
	termManager *terminal.Manager
	rdb         *redis.Client

	rateLimiterCancel context.CancelFunc
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Start 按依赖顺序初始化子系统并启动 HTTP 服务
func (s *Server) Start() error {
	// 1. 数据库：打不开时仅禁用持久化，不阻止启动
	var store *database.Store
	pool, err := s.openDatabase()
	if err != nil {
		s.logger.Warn("database not available, chat persistence disabled", zap.Error(err))
	} else {
		s.pool = pool
		store = database.NewStore(pool, s.logger)
	}

	// 2. 容器运行时
	docker, err := sandbox.NewClient(s.cfg.Sandbox.DockerHost, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	s.docker = docker

	// 3. 语言目录
	catalog, err := s.loadCatalog()
	if err != nil {
		return err
	}

	normalizer := sandbox.NewNormalizer(&sandbox.NormalizerConfig{
		MaxCodeBytes:  s.cfg.Sandbox.MaxCodeBytes,
		MaxStdinBytes: s.cfg.Sandbox.MaxStdinBytes,
	})
	runner := sandbox.NewRunner(docker, docker, s.logger)

	// 4. AI 网关。gateway.Store 是接口，*database.Store 为 nil 时必须传
	// 未包装的 nil。
	var gwStore gateway.Store
	if store != nil {
		gwStore = store
	}
	s.initGateway(gwStore)

	// 5. 交互终端
	s.termManager = terminal.NewManager(docker, catalog, &terminal.ManagerConfig{
		IdleThreshold: s.cfg.Terminal.IdleThreshold,
		ReapInterval:  s.cfg.Terminal.ReapInterval,
		MaxSessions:   s.cfg.Terminal.MaxSessions,
	}, s.logger)
	s.termManager.Start()

	// 6. HTTP 服务
	return s.startHTTPServer(catalog, normalizer, runner)
}

func (s *Server) openDatabase() (*database.PoolManager, error) {
	poolCfg := database.DefaultPoolConfig()
	if s.cfg.Database.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = s.cfg.Database.MaxIdleConns
	}
	if s.cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = s.cfg.Database.MaxOpenConns
	}
	return database.Open(s.cfg.Database.Path, poolCfg, s.logger)
}

func (s *Server) loadCatalog() (*sandbox.Catalog, error) {
	if s.cfg.Sandbox.CatalogPath == "" {
		return sandbox.NewCatalog(), nil
	}
	catalog, err := sandbox.LoadCatalog(s.cfg.Sandbox.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load language catalog: %w", err)
	}
	s.logger.Info("language catalog loaded",
		zap.String("path", s.cfg.Sandbox.CatalogPath),
		zap.Int("languages", catalog.Len()),
	)
	return catalog, nil
}

// initGateway 组装 AI 网关：健康监控、响应缓存、供应商注册
func (s *Server) initGateway(store gateway.Store) {
	s.monitor = health.NewMonitor(nil, s.logger)

	var respCache *cache.ResponseCache
	if s.cfg.AI.CacheEnabled {
		if s.cfg.Redis.Addr != "" {
			s.rdb = redis.NewClient(&redis.Options{
				Addr:     s.cfg.Redis.Addr,
				Password: s.cfg.Redis.Password,
				DB:       s.cfg.Redis.DB,
			})
		}
		cacheCfg := cache.DefaultConfig()
		cacheCfg.TTL = s.cfg.AI.CacheTTL
		cacheCfg.EnableRedis = s.rdb != nil
		respCache = cache.New(s.rdb, cacheCfg, s.logger)
	}

	gwCfg := &gateway.Config{
		Strategy:        gateway.Strategy(s.cfg.AI.Strategy),
		CacheEnabled:    s.cfg.AI.CacheEnabled,
		FallbackEnabled: s.cfg.AI.FallbackEnabled,
		QueueTick:       s.cfg.AI.QueueTick,
		QueueMaxRetries: s.cfg.AI.QueueMaxRetries,
		MaxMessageBytes: s.cfg.AI.MaxMessageBytes,
	}
	s.gw = gateway.New(gwCfg, s.monitor, respCache, store, s.logger)
	s.registerProviders()
	s.monitor.Start()
	s.gw.Start()
}

// registerProviders 注册配置了 API Key 的供应商。优先级按固定顺序：
// gemini > openai > anthropic > glm。
func (s *Server) registerProviders() {
	registered := 0

	if c := s.cfg.AI.Gemini; c.APIKey != "" {
		s.gw.RegisterProvider(gemini.New(providers.GeminiConfig{
			APIKey:       c.APIKey,
			BaseURL:      c.BaseURL,
			Model:        c.Model,
			CostPerToken: c.CostPerToken,
		}, s.logger), gateway.Descriptor{
			Name:         "gemini",
			Priority:     1,
			Weight:       4,
			CostPerToken: c.CostPerToken,
			Quality:      0.9,
		})
		registered++
	}
	if c := s.cfg.AI.OpenAI; c.APIKey != "" {
		s.gw.RegisterProvider(openai.New(providers.OpenAIConfig{
			APIKey:       c.APIKey,
			BaseURL:      c.BaseURL,
			Model:        c.Model,
			CostPerToken: c.CostPerToken,
		}, s.logger), gateway.Descriptor{
			Name:         "openai",
			Priority:     2,
			Weight:       3,
			CostPerToken: c.CostPerToken,
			Quality:      0.9,
		})
		registered++
	}
	if c := s.cfg.AI.Anthropic; c.APIKey != "" {
		s.gw.RegisterProvider(anthropic.New(providers.AnthropicConfig{
			APIKey:       c.APIKey,
			BaseURL:      c.BaseURL,
			Model:        c.Model,
			CostPerToken: c.CostPerToken,
		}, s.logger), gateway.Descriptor{
			Name:         "anthropic",
			Priority:     3,
			Weight:       2,
			CostPerToken: c.CostPerToken,
			Quality:      0.95,
		})
		registered++
	}
	if c := s.cfg.AI.GLM; c.APIKey != "" {
		s.gw.RegisterProvider(glm.New(providers.GLMConfig{
			APIKey:       c.APIKey,
			BaseURL:      c.BaseURL,
			Model:        c.Model,
			CostPerToken: c.CostPerToken,
		}, s.logger), gateway.Descriptor{
			Name:         "glm",
			Priority:     4,
			Weight:       1,
			CostPerToken: c.CostPerToken,
			Quality:      0.8,
		})
		registered++
	}

	if registered == 0 {
		s.logger.Warn("no AI providers configured, chat requests will be served by the fallback generator")
	} else {
		s.logger.Info("AI providers registered", zap.Int("count", registered))
	}
}

func (s *Server) startHTTPServer(catalog *sandbox.Catalog, normalizer *sandbox.Normalizer, runner *sandbox.Runner) error {
	executeHandler := handlers.NewExecuteHandler(catalog, normalizer, runner, s.logger)
	systemHandler := handlers.NewSystemHandler(s.docker, runner, s.termManager, catalog, Version, s.logger)
	chatHandler := handlers.NewChatHandler(s.gw, s.logger)

	wsHandler := terminal.NewWSHandler(s.termManager, s.logger)
	if s.cfg.Server.CORSOrigin != "" {
		wsHandler.AllowedOrigins = []string{s.cfg.Server.CORSOrigin}
	}

	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	executeWindow := time.Duration(s.cfg.RateLimit.ExecuteWindowMS) * time.Millisecond
	generalWindow := time.Duration(s.cfg.RateLimit.WindowMS) * time.Millisecond
	executeLimit := RateLimiter(rateLimiterCtx, executeWindow, s.cfg.RateLimit.ExecuteMaxRequests, s.logger)
	adminOnly := AdminOnly(s.cfg.Security.AdminKey, s.cfg.IsProduction(), s.logger)

	mux := http.NewServeMux()
	mux.Handle("POST /api/execute", executeLimit(http.HandlerFunc(executeHandler.HandleExecute)))
	mux.HandleFunc("GET /api/languages", executeHandler.HandleLanguages)
	mux.HandleFunc("GET /api/system", systemHandler.HandleSystem)
	mux.HandleFunc("GET /health", systemHandler.HandleHealth)

	mux.HandleFunc("POST /ai/chat", chatHandler.HandleChat)
	mux.HandleFunc("GET /ai/health", chatHandler.HandleAIHealth)
	mux.HandleFunc("GET /ai/metrics", chatHandler.HandleAIMetrics)
	mux.HandleFunc("GET /ai/status", chatHandler.HandleAIStatus)
	mux.Handle("POST /ai/metrics/reset", adminOnly(http.HandlerFunc(chatHandler.HandleMetricsReset)))
	mux.Handle("POST /ai/health/force", adminOnly(http.HandlerFunc(chatHandler.HandleForceHealth)))

	mux.Handle("/terminal", wsHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	// /terminal 走 websocket，浏览器无法带自定义头
	skipAuthPaths := []string{"/health", "/metrics", "/terminal"}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSOrigin),
		RateLimiter(rateLimiterCtx, generalWindow, s.cfg.RateLimit.MaxRequests, s.logger),
		APIKeyAuth(s.cfg.Security.APIKey, skipAuthPaths, s.logger),
	)

	serverCfg := server.DefaultConfig()
	serverCfg.Addr = fmt.Sprintf(":%d", s.cfg.Server.Port)
	if s.cfg.Server.ReadTimeout > 0 {
		serverCfg.ReadTimeout = s.cfg.Server.ReadTimeout
	}
	if s.cfg.Server.WriteTimeout > 0 {
		serverCfg.WriteTimeout = s.cfg.Server.WriteTimeout
	}
	if s.cfg.Server.ShutdownTimeout > 0 {
		serverCfg.ShutdownTimeout = s.cfg.Server.ShutdownTimeout
	}

	s.httpManager = server.NewManager(handler, serverCfg, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.Port))
	return nil
}

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 按依赖逆序关闭：先停止接收请求，再关闭会话和网关，最后释放连接
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(context.Background()); err != nil {
			s.logger.Error("http server shutdown error", zap.Error(err))
		}
	}

	if s.termManager != nil {
		s.termManager.Close()
	}

	if s.gw != nil {
		if err := s.gw.Close(); err != nil {
			s.logger.Error("gateway shutdown error", zap.Error(err))
		}
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	if s.docker != nil {
		if err := s.docker.Close(); err != nil {
			s.logger.Error("docker client close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database close error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
