package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/BaSui01/costpilot/api/handlers"
	"github.com/BaSui01/costpilot/config"
	"github.com/BaSui01/costpilot/dedup"
	"github.com/BaSui01/costpilot/degradation"
	"github.com/BaSui01/costpilot/fallback"
	"github.com/BaSui01/costpilot/governor"
	"github.com/BaSui01/costpilot/internal/metrics"
	"github.com/BaSui01/costpilot/internal/server"
	"github.com/BaSui01/costpilot/ledger"
	"github.com/BaSui01/costpilot/orchestrator"
	"github.com/BaSui01/costpilot/provider"
	"github.com/BaSui01/costpilot/respcache"
	"github.com/BaSui01/costpilot/retrieval"
	"github.com/BaSui01/costpilot/router"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 CostPilot 的主服务器，负责组件装配与生命周期管理。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 核心组件
	ledger    *ledger.Ledger
	governor  *governor.Governor
	degrade   *degradation.Manager
	cache     *respcache.Cache
	dedup     *dedup.Deduplicator
	queue     *fallback.DeferredQueue
	orch      *orchestrator.Orchestrator
	worker    *orchestrator.Worker
	collector *metrics.Collector

	redisClient *redis.Client

	// Handlers
	healthHandler  *handlers.HealthHandler
	respondHandler *handlers.RespondHandler
	adminHandler   *handlers.AdminHandler

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, db *gorm.DB) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		db:     db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器（默认全局注册表，由 /metrics 暴露）
	s.collector = metrics.NewCollector("costpilot", nil, s.logger)

	// 2. 装配核心组件
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
	)

	return nil
}

// =============================================================================
// 🔧 组件装配
// =============================================================================

func (s *Server) initComponents() error {
	// 账本：sqlite 持久存储或内存存储
	var store ledger.Store
	if s.db != nil {
		gs, err := ledger.NewGormStore(s.db)
		if err != nil {
			return fmt.Errorf("failed to init ledger store: %w", err)
		}
		store = gs
	} else {
		store = ledger.NewMemoryStore()
		s.logger.Info("Ledger using in-memory store")
	}
	s.ledger = ledger.New(s.cfg.Ledger, store, s.logger)
	s.ledger.StartPruner()
	for _, p := range s.principals() {
		s.ledger.RegisterPrincipal(p)
	}

	// 降级管理器与预算守卫互相引用：等级影响预算折减，
	// 全局占用率又是降级评估的输入，用闭包解开构造顺序。
	s.degrade = degradation.NewManager(s.cfg.Degradation, func() float64 {
		if s.governor == nil {
			return 0
		}
		return s.governor.GlobalUtilization()
	}, s.logger)
	s.governor = governor.New(s.cfg.Budget, s.degrade.Level, s.logger)
	s.degrade.Start()

	s.governor.OnThreshold(func(ev governor.ThresholdEvent) {
		s.logger.Warn("budget threshold crossed",
			zap.String("principal", ev.Principal),
			zap.String("threshold", string(ev.Threshold)),
			zap.Float64("utilization", ev.Utilization))
		s.collector.RecordBudgetUtilization(ev.Principal, ev.Utilization)
	})
	s.degrade.OnChange(func(from, to degradation.Level) {
		s.collector.RecordDegradationLevel(int(to))
	})

	// 响应缓存：可选 Redis 二级
	var redisLevel *respcache.RedisLevel
	if s.cfg.Redis.Enabled {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		})
		redisLevel = respcache.NewRedisLevel(s.redisClient, s.logger)
		s.logger.Info("Response cache L2 enabled", zap.String("addr", s.cfg.Redis.Addr))
	}
	s.cache = respcache.New(s.cfg.Cache, redisLevel, s.logger)

	s.dedup = dedup.New(s.cfg.Dedup, s.logger)
	s.queue = fallback.NewDeferredQueue(s.cfg.Fallback.QueueCapacity, s.cfg.Fallback.QueueMaxAge, s.logger)

	// 检索引擎
	embedder, err := s.buildEmbedder()
	if err != nil {
		return err
	}
	vectorStore := retrieval.NewInMemoryStore(s.logger)
	engine := retrieval.NewEngine(embedder, vectorStore, s.logger)
	if err := s.loadKnowledge(vectorStore, embedder); err != nil {
		return fmt.Errorf("failed to load knowledge corpus: %w", err)
	}

	// 生成上游
	prov, err := s.buildProvider()
	if err != nil {
		return err
	}

	s.orch = orchestrator.New(s.cfg.Orchestrator, orchestrator.Deps{
		Ledger:    s.ledger,
		Governor:  s.governor,
		Cache:     s.cache,
		Dedup:     s.dedup,
		Router:    router.New(s.cfg.Router, s.logger),
		Retrieval: engine,
		Fallback:  fallback.New(s.cfg.Fallback.Selector, s.logger),
		Deferred:  s.queue,
		Degrade:   s.degrade,
		Provider:  prov,
		Metrics:   s.collector,
		Logger:    s.logger,
	})

	// 延迟队列回放：结果目前只落日志，投递通道留给部署方定制
	s.worker = orchestrator.NewWorker(s.cfg.Worker, s.orch, nil, s.logger)
	s.worker.Start()

	return nil
}

// principals 合并显式列表与预算配置中出现的主体。
func (s *Server) principals() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, p := range s.cfg.Principals {
		add(p)
	}
	for p := range s.cfg.Budget.PrincipalLimits {
		add(p)
	}
	for p := range s.cfg.Budget.Privileged {
		add(p)
	}
	return out
}

func (s *Server) buildEmbedder() (retrieval.Embedder, error) {
	switch s.cfg.Embedder.Kind {
	case "local", "":
		return retrieval.NewLocalEmbedder(s.cfg.Embedder.Dimensions), nil
	case "http":
		return retrieval.NewHTTPEmbedder(s.cfg.Embedder.HTTP), nil
	default:
		return nil, fmt.Errorf("unsupported embedder kind: %s", s.cfg.Embedder.Kind)
	}
}

func (s *Server) buildProvider() (provider.Provider, error) {
	switch s.cfg.Provider.Kind {
	case "mock", "":
		s.logger.Info("Using mock generation provider")
		return provider.NewMockProvider(), nil
	case "http":
		s.logger.Info("Using HTTP generation provider",
			zap.String("base_url", s.cfg.Provider.HTTP.BaseURL))
		return provider.NewHTTPProvider(s.cfg.Provider.HTTP, s.logger), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind: %s", s.cfg.Provider.Kind)
	}
}

// knowledgeDocument 语料文件中的一条文档。
type knowledgeDocument struct {
	ID      string `yaml:"id"`
	Persona string `yaml:"persona"`
	Content string `yaml:"content"`
	Source  string `yaml:"source"`
	Span    string `yaml:"span"`
}

// loadKnowledge 从配置的语料文件装载检索文档。
func (s *Server) loadKnowledge(store retrieval.VectorStore, embedder retrieval.Embedder) error {
	if s.cfg.Knowledge.Path == "" {
		return nil
	}

	data, err := os.ReadFile(s.cfg.Knowledge.Path)
	if err != nil {
		return err
	}
	var docs []knowledgeDocument
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return err
	}

	ctx := context.Background()
	batch := make([]retrieval.Document, 0, len(docs))
	for _, d := range docs {
		emb, err := embedder.EmbedQuery(ctx, d.Content)
		if err != nil {
			return fmt.Errorf("failed to embed document %s: %w", d.ID, err)
		}
		batch = append(batch, retrieval.Document{
			ID:        d.ID,
			Persona:   d.Persona,
			Content:   d.Content,
			Embedding: emb,
			Citation:  retrieval.Citation{Source: d.Source, Span: d.Span},
		})
	}
	if err := store.Add(ctx, batch); err != nil {
		return err
	}

	s.logger.Info("Knowledge corpus loaded",
		zap.String("path", s.cfg.Knowledge.Path),
		zap.Int("documents", len(batch)))
	return nil
}

// =============================================================================
// 🔧 Handlers 初始化
// =============================================================================

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger, s.degrade.Level, s.governor.GlobalUtilization)
	s.respondHandler = handlers.NewRespondHandler(s.orch, s.logger)
	s.adminHandler = handlers.NewAdminHandler(
		s.governor, s.degrade, s.cache, s.queue, s.dedup, s.ledger, s.logger)

	if s.redisClient != nil {
		s.healthHandler.RegisterProbe("redis", func(ctx context.Context) error {
			return s.redisClient.Ping(ctx).Err()
		})
	}
	if s.db != nil {
		s.healthHandler.RegisterProbe("ledger_db", func(ctx context.Context) error {
			sqlDB, err := s.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		})
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 应答接口
	mux.HandleFunc("POST /v1/respond", s.respondHandler.HandleRespond)

	// 管理接口
	mux.HandleFunc("GET /admin/budget", s.adminHandler.HandleGlobalBudget)
	mux.HandleFunc("GET /admin/budget/{principal}", s.adminHandler.HandleBudget)
	mux.HandleFunc("GET /admin/usage/{principal}", s.adminHandler.HandleUsage)
	mux.HandleFunc("GET /admin/degradation", s.adminHandler.HandleDegradation)
	mux.HandleFunc("POST /admin/degradation", s.adminHandler.HandleOverride)
	mux.HandleFunc("GET /admin/cache/stats", s.adminHandler.HandleCacheStats)
	mux.HandleFunc("GET /admin/dedup/stats", s.adminHandler.HandleDedupStats)

	// 中间件链
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	s.registerDrainHooks()

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

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

// registerDrainHooks 把各组件的停机动作挂到 HTTP 管理器上：
// 监听排空后按顺序执行，先停管线，再落账，最后断外部连接。
func (s *Server) registerDrainHooks() {
	s.httpManager.OnDrain("rate_limiter", func(ctx context.Context) error {
		if s.rateLimiterCancel != nil {
			s.rateLimiterCancel()
		}
		return nil
	})
	s.httpManager.OnDrain("metrics_server", func(ctx context.Context) error {
		if s.metricsManager != nil {
			return s.metricsManager.Shutdown(ctx)
		}
		return nil
	})
	s.httpManager.OnDrain("pipeline", func(ctx context.Context) error {
		if s.worker != nil {
			s.worker.Stop()
		}
		if s.orch != nil {
			s.orch.Close()
		}
		if s.degrade != nil {
			s.degrade.Stop()
		}
		return nil
	})
	s.httpManager.OnDrain("cache", func(ctx context.Context) error {
		if s.cache != nil {
			s.cache.Stop()
		}
		return nil
	})
	s.httpManager.OnDrain("ledger", func(ctx context.Context) error {
		if s.ledger != nil {
			s.ledger.Stop()
		}
		return nil
	})
	s.httpManager.OnDrain("redis", func(ctx context.Context) error {
		if s.redisClient != nil {
			return s.redisClient.Close()
		}
		return nil
	})
}

// Shutdown 优雅关闭所有服务。组件停机通过排水回调统一走
// HTTP 管理器的关闭流程。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(context.Background()); err != nil {
			s.logger.Error("shutdown error", zap.Error(err))
		}
	} else if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(context.Background()); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
