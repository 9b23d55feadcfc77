package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/wikiflow/agent"
	"github.com/BaSui01/wikiflow/api/handlers"
	"github.com/BaSui01/wikiflow/config"
	"github.com/BaSui01/wikiflow/confluence"
	"github.com/BaSui01/wikiflow/internal/cache"
	"github.com/BaSui01/wikiflow/internal/metrics"
	"github.com/BaSui01/wikiflow/internal/server"
	"github.com/BaSui01/wikiflow/internal/store"
	"github.com/BaSui01/wikiflow/internal/telemetry"
	"github.com/BaSui01/wikiflow/llm"
	"github.com/BaSui01/wikiflow/llm/tokenizer"
	"github.com/BaSui01/wikiflow/providers/gemini"
	"github.com/BaSui01/wikiflow/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 WikiFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 领域组件
	confluenceClient *confluence.Client
	llmProvider      llm.Provider
	agentRunner      *agent.Agent
	cacheManager     *cache.Manager
	invocationStore  *store.Store
	otelProviders    *telemetry.Providers
	db               *gorm.DB

	// Handlers
	healthHandler  *handlers.HealthHandler
	invokeHandler  *handlers.InvokeHandler
	contextHandler *handlers.ContextHandler
	historyHandler *handlers.HistoryHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 后台 goroutine 生命周期管理
	rateLimiterCancel context.CancelFunc
	poolSamplerCancel context.CancelFunc
}

// NewServer 创建新的服务器实例。db 可为 nil（调用历史不可用）。
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
		db:            db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("wikiflow", s.logger)

	// 2. 初始化领域组件（Confluence、Agent、缓存、存储）
	if err := s.initComponents(); err != nil {
		return fmt.Errorf("failed to init components: %w", err)
	}

	// 3. 初始化 Handlers
	s.initHandlers()

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("confluence_configured", s.confluenceClient.Configured()),
		zap.Bool("cache_enabled", s.cacheManager != nil),
		zap.Bool("history_enabled", s.invocationStore != nil),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initComponents 初始化 Confluence 客户端、LLM Provider、Agent、缓存和存储。
// Confluence 凭据缺失不是致命错误：客户端以未配置状态运行，
// 相关请求返回 503 并提示补全配置。
func (s *Server) initComponents() error {
	// Confluence 客户端
	s.confluenceClient = confluence.NewClient(confluence.Config{
		BaseURL:    s.cfg.Confluence.BaseURL,
		Username:   s.cfg.Confluence.Username,
		APIToken:   s.cfg.Confluence.APIToken,
		APIRoot:    s.cfg.Confluence.APIRoot,
		Timeout:    s.cfg.Confluence.Timeout,
		MaxRetries: s.cfg.Confluence.MaxRetries,
	}, s.logger)
	if !s.confluenceClient.Configured() {
		s.logger.Warn("Confluence credentials not configured, tool calls will return errors")
	}

	// LLM Provider
	provider := gemini.New(gemini.Config{
		APIKey:  s.cfg.LLM.APIKey,
		BaseURL: s.cfg.LLM.BaseURL,
		Model:   s.cfg.LLM.Model,
		Timeout: s.cfg.LLM.Timeout,
	}, s.logger)
	// 补全/流式调用经过指标包装记账
	s.llmProvider = newMetricsProvider(provider, s.metricsCollector, s.cfg.LLM.Model)
	if s.cfg.LLM.APIKey == "" {
		s.logger.Warn("LLM API key not configured, invoke endpoints will return NOT_CONFIGURED")
	}

	// 工具注册与执行器
	registry := agent.NewRegistry(s.logger)
	if err := confluence.RegisterTools(registry, s.confluenceClient); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	executor := agent.NewExecutor(registry, s.logger)
	executor.OnResult(func(result agent.ToolResult) {
		status := "success"
		if result.Error != "" {
			status = "error"
		}
		s.metricsCollector.RecordToolExecution(result.Name, status, result.Duration)
	})

	// Agent
	s.agentRunner = agent.New(s.llmProvider, registry, executor, agent.Config{
		Model:         s.cfg.LLM.Model,
		MaxIterations: s.cfg.Agent.MaxIterations,
		Temperature:   float32(s.cfg.Agent.Temperature),
		MaxTokens:     s.cfg.Agent.MaxTokens,
		Timeout:       s.cfg.Agent.Timeout,
		SystemPrompt:  s.cfg.Agent.SystemPrompt,
	}, s.logger)

	// Redis 缓存（可选）
	if s.cfg.Redis.Enabled {
		manager, err := cache.NewManager(cache.Config{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
			DefaultTTL:   s.cfg.Redis.DefaultTTL,
		}, s.logger)
		if err != nil {
			s.logger.Warn("Redis not available, context caching disabled", zap.Error(err))
		} else {
			s.cacheManager = manager
		}
	}

	// 调用历史存储（可选）
	if s.db != nil {
		invocationStore, err := store.New(s.db, s.logger)
		if err != nil {
			s.logger.Warn("Invocation store init failed, history disabled", zap.Error(err))
		} else {
			s.invocationStore = invocationStore
			dbName := s.cfg.Database.Driver
			invocationStore.OnQuery(func(operation string, duration time.Duration) {
				s.metricsCollector.RecordDBQuery(dbName, operation, duration)
			})
			s.startPoolSampler(dbName)
		}
	}

	return nil
}

// startPoolSampler 周期性采样数据库连接池状态
func (s *Server) startPoolSampler(dbName string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.poolSamplerCancel = cancel

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				open, idle := s.invocationStore.PoolStats()
				s.metricsCollector.RecordDBConnections(dbName, open, idle)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	// 就绪检查：Confluence / LLM / Redis / 数据库逐项探测
	if s.confluenceClient.Configured() {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("confluence", s.confluenceClient.HealthCheck))
	}
	if s.cfg.LLM.APIKey != "" {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("llm", func(ctx context.Context) error {
			_, err := s.llmProvider.HealthCheck(ctx)
			return err
		}))
	}
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cacheManager.Ping))
	}
	if s.invocationStore != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.invocationStore.Ping))
	}

	counter := tokenizer.NewCounter("")
	s.invokeHandler = handlers.NewInvokeHandler(
		s.agentRunner,
		s.invocationStore,
		counter,
		s.metricsCollector,
		s.cfg.Agent.MaxPromptTokens,
		s.logger,
	)

	s.contextHandler = handlers.NewContextHandler(
		s.confluenceClient,
		s.cacheManager,
		s.cfg.Redis.DefaultTTL,
		s.metricsCollector,
		s.logger,
	)

	s.historyHandler = handlers.NewHistoryHandler(s.invocationStore, s.logger)

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// Web UI 与欢迎端点
	// ========================================
	mux.Handle("/", web.Handler())
	mux.HandleFunc("/api/v1", s.handleWelcome)

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// API 路由
	// ========================================
	mux.HandleFunc("/api/v1/invoke", s.invokeHandler.HandleInvoke)
	mux.HandleFunc("/api/v1/invoke/stream", s.invokeHandler.HandleInvokeStream)
	mux.HandleFunc("/api/v1/context/spaces", s.contextHandler.HandleSpaces)
	mux.HandleFunc("/api/v1/context/pages/", s.contextHandler.HandlePages)
	mux.HandleFunc("/api/v1/invocations", s.historyHandler.HandleList)
	mux.HandleFunc("/api/v1/invocations/", s.historyHandler.HandleGet)

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/", "/health", "/healthz", "/ready", "/readyz", "/version", "/api/v1"}

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSOrigins),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = rateLimiterCancel
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	if s.cfg.JWT.Enabled {
		middlewares = append(middlewares, JWTAuth(s.cfg.JWT, skipAuthPaths, s.logger))
	}
	if len(s.cfg.Server.APIKeys) > 0 {
		middlewares = append(middlewares,
			APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger))
	}

	handler := Chain(mux, middlewares...)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// handleWelcome 处理 GET /api/v1
func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request) {
	handlers.WriteSuccess(w, map[string]string{
		"message": "Welcome to WikiFlow! Server is ready.",
		"version": Version,
	})
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止后台 goroutine（rate limiter 清理、连接池采样）
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.poolSamplerCancel != nil {
		s.poolSamplerCancel()
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭缓存连接
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Cache shutdown error", zap.Error(err))
		}
	}

	// 5. 关闭遥测
	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
