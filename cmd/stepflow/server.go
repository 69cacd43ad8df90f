package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/stepflow/agentloop"
	"github.com/BaSui01/stepflow/api/handlers"
	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/internal/server"
	"github.com/BaSui01/stepflow/internal/telemetry"
	"github.com/BaSui01/stepflow/llm"
	"github.com/BaSui01/stepflow/llm/retry"
	"github.com/BaSui01/stepflow/llm/session"
	"github.com/BaSui01/stepflow/runner"
	"github.com/BaSui01/stepflow/scheduler"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/workspace"
)

// Server wires the stores, scheduler, and HTTP surface together and owns
// their lifecycles.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers
	db     *gorm.DB

	pool      *store.Pool
	collector *metrics.Collector
	scheduler *scheduler.Scheduler
	hub       *handlers.ChunkHub

	httpManager    *server.Manager
	metricsManager *server.Manager

	schedulerCancel context.CancelFunc
	schedulerDone   chan struct{}
	redisClient     *redis.Client
}

// NewServer creates an unstarted Server.
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
		db:     db,
		hub:    handlers.NewChunkHub(),
	}
}

// Start brings up the pool, scheduler, API server, and metrics server.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("stepflow", s.logger)

	pool, err := store.NewPool(s.db, store.PoolConfig{
		MaxIdleConns:        s.cfg.Database.MaxIdleConns,
		MaxOpenConns:        s.cfg.Database.MaxOpenConns,
		ConnMaxLifetime:     s.cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime:     store.DefaultPoolConfig().ConnMaxIdleTime,
		HealthCheckInterval: store.DefaultPoolConfig().HealthCheckInterval,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("configure connection pool: %w", err)
	}
	s.pool = pool

	workflows := store.NewWorkflowStore(s.db)
	steps := store.NewStepStore(s.db)
	runs := store.NewAgentRunStore(s.db)
	service := scheduler.NewService(workflows, steps, runs, s.collector, s.logger)

	tokens := runner.NewTokenCodec([]byte(s.cfg.Runner.TokenSecret), s.cfg.Runner.TokenTTL)

	stepRunner, err := s.buildRunner(runs, tokens)
	if err != nil {
		return fmt.Errorf("configure runner: %w", err)
	}

	s.scheduler = scheduler.New(service, workflows, steps, stepRunner, nil, s.collector, scheduler.Config{
		PollInterval:      s.cfg.Scheduler.PollInterval,
		BatchLimit:        s.cfg.Scheduler.BatchLimit,
		MaxConcurrent:     s.cfg.Scheduler.MaxConcurrent,
		RunnerTimeout:     s.cfg.Scheduler.RunnerTimeout,
		MaxRunnerAttempts: s.cfg.Scheduler.MaxRunnerAttempts,
	}, s.logger)

	schedulerCtx, cancel := context.WithCancel(context.Background())
	s.schedulerCancel = cancel
	s.schedulerDone = make(chan struct{})
	go func() {
		defer close(s.schedulerDone)
		if err := s.scheduler.Run(schedulerCtx); err != nil && schedulerCtx.Err() == nil {
			s.logger.Error("scheduler stopped unexpectedly", zap.Error(err))
		}
	}()

	if err := s.startHTTPServer(service, tokens); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("runner_mode", s.cfg.Runner.Mode),
	)
	return nil
}

// buildRunner constructs the configured execution backend.
func (s *Server) buildRunner(runs *store.AgentRunStore, tokens *runner.TokenCodec) (runner.Gateway, error) {
	switch s.cfg.Runner.Mode {
	case "remote":
		return runner.NewRemoteDispatcher(runner.RemoteConfig{
			Endpoint:        s.cfg.Runner.Endpoint,
			CallbackBaseURL: s.cfg.Runner.CallbackBaseURL,
			RequestTimeout:  s.cfg.Runner.RequestTimeout,
		}, tokens, s.logger), nil

	case "local":
		if s.cfg.Runner.RepoPath == "" {
			return nil, fmt.Errorf("runner repo_path is required in local mode")
		}

		sessions, err := s.buildSessionLog()
		if err != nil {
			return nil, err
		}
		gateway := llm.NewHTTPGateway(llm.HTTPGatewayConfig{
			Name:    s.cfg.Loop.Provider,
			BaseURL: s.cfg.Loop.BaseURL,
			APIKey:  s.cfg.Loop.APIKey,
		}, sessions, s.logger)

		registry := llm.NewGatewayRegistry()
		registry.Register(gateway.Name(), gateway)
		if err := registry.SetDefault(gateway.Name()); err != nil {
			return nil, fmt.Errorf("set default gateway: %w", err)
		}
		loopGateway, err := registry.Resolve(s.cfg.Loop.Provider)
		if err != nil {
			return nil, fmt.Errorf("resolve gateway %q: %w", s.cfg.Loop.Provider, err)
		}

		loop := agentloop.New(
			loopGateway,
			retry.NewRetryer(retry.DefaultGatewayPolicy(), s.logger),
			llm.NewUsageEstimator(""),
			s.logger,
		)

		workspaces, err := workspace.NewGitManager(s.cfg.Runner.RepoPath, s.cfg.Runner.WorkspaceRoot, s.logger)
		if err != nil {
			return nil, err
		}

		executor := runner.NewLocalExecutor(loop, workspaces, runs, runner.LocalConfig{
			Provider:     s.cfg.Loop.Provider,
			Model:        s.cfg.Loop.Model,
			MaxRounds:    s.cfg.Loop.MaxRounds,
			SessionDir:   s.cfg.Loop.SessionDir,
			CommitAuthor: s.cfg.Runner.CommitAuthor,
		}, s.logger)
		executor.OnChunk = func(stepID string, chunk agentloop.Chunk) {
			s.hub.Publish(stepID, chunk)
		}
		return executor, nil

	default:
		return nil, fmt.Errorf("unsupported runner mode %q", s.cfg.Runner.Mode)
	}
}

// buildSessionLog layers the optional redis read-through cache over the
// durable file log.
func (s *Server) buildSessionLog() (session.Log, error) {
	fileLog, err := session.NewFileLog(s.cfg.Loop.SessionDir, s.logger)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	if s.cfg.Redis.Addr == "" {
		return fileLog, nil
	}

	s.redisClient = redis.NewClient(&redis.Options{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
	})
	return session.NewCachedLog(fileLog, s.redisClient, s.cfg.Redis.SessionTTL, s.logger), nil
}

func (s *Server) startHTTPServer(service *scheduler.Service, tokens *runner.TokenCodec) error {
	workflowHandler := handlers.NewWorkflowHandler(service, s.logger)
	callbackHandler := handlers.NewCallbackHandler(service, tokens, s.collector, s.logger)
	streamHandler := handlers.NewStreamHandler(s.hub, s.logger)
	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(handlers.HealthCheckFunc{
		CheckName: "database",
		Fn:        s.pool.Ping,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealthz)
	mux.HandleFunc("GET /readyz", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/workflows", workflowHandler.HandleCreate)
	mux.HandleFunc("GET /api/v1/workflows", workflowHandler.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{workflowId}", workflowHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/workflows/{workflowId}/start", workflowHandler.HandleStart)
	mux.HandleFunc("POST /api/v1/workflows/{workflowId}/pause", workflowHandler.HandlePause)
	mux.HandleFunc("POST /api/v1/workflows/{workflowId}/cancel", workflowHandler.HandleCancel)
	mux.HandleFunc("POST /api/v1/workflows/{workflowId}/steps/{stepId}/callback", callbackHandler.HandleCallback)
	mux.HandleFunc("GET /api/v1/workflows/{workflowId}/steps/{stepId}/stream", streamHandler.HandleStream)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		RateLimiter(float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.metricsManager.Start()
}

// WaitForShutdown blocks until a shutdown signal, then tears everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the scheduler first so no new executions begin while the
// HTTP surface drains.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.schedulerCancel != nil {
		s.schedulerCancel()
		<-s.schedulerDone
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("connection pool close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
