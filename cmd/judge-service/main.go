package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"kurooj/internal/common/cache"
	commonmw "kurooj/internal/common/http/middleware"
	"kurooj/internal/common/mq"
	"kurooj/internal/common/storage"
	"kurooj/internal/judge/controller"
	"kurooj/internal/judge/repository"
	"kurooj/internal/judge/sandbox"
	"kurooj/internal/judge/sandbox/engine"
	"kurooj/internal/judge/sandbox/language"
	"kurooj/internal/judge/sandbox/observer"
	"kurooj/internal/judge/sandbox/runner"
	"kurooj/internal/judge/sandbox/workspace"
	"kurooj/internal/judge/service"
	"kurooj/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "judge service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	queue, err := newQueue(appCfg)
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}
	defer func() {
		_ = queue.Close()
	}()

	var objStorage storage.ObjectStorage
	if appCfg.MinIO.Endpoint != "" {
		minioStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio: %w", err)
		}
		objStorage = minioStorage
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observer.NewPrometheusRecorder(registry)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	eng, err := engine.NewEngine(appCfg.Sandbox.toEngineConfig(appCfg.Judge))
	if err != nil {
		return fmt.Errorf("init sandbox engine: %w", err)
	}
	languages, err := language.NewRegistry(appCfg.Language.Languages, eng, appCfg.Language.Compile, metrics)
	if err != nil {
		return fmt.Errorf("init languages: %w", err)
	}
	workspaces, err := workspace.NewManager(appCfg.Judge.toWorkspaceConfig())
	if err != nil {
		return fmt.Errorf("init workspace: %w", err)
	}

	statusRepo := repository.NewStatusRepository(redisCache, appCfg.Status.TTL)
	cancelRepo := repository.NewCancelRepository(redisCache, appCfg.Status.CancelTTL)
	verdicts := repository.NewVerdictPublisher(queue, appCfg.Kafka.Topics.Verdicts)

	pipeline, err := sandbox.NewPipeline(
		workspaces,
		languages,
		runner.NewRunner(eng, metrics),
		statusRepo,
		metrics,
		appCfg.Judge.toPipelineConfig(appCfg.Language.Compile),
	)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	sources := service.NewSourceResolver(objStorage, appCfg.Source.Bucket, int64(pipeline.Limits().MaxSourceBytes), appCfg.Source.Timeout)

	dispatcher, err := service.NewDispatcher(service.Config{
		Grader:          pipeline,
		Languages:       languages,
		Queue:           queue,
		Statuses:        statusRepo,
		Cancels:         cancelRepo,
		Verdicts:        verdicts,
		Sources:         sources,
		Cache:           redisCache,
		JobsTopic:       appCfg.Kafka.Topics.Jobs,
		CancelTopic:     appCfg.Kafka.Topics.Cancel,
		DeadLetterTopic: appCfg.Kafka.Topics.DeadLetter,
		CancelGroup:     appCfg.Kafka.CancelGroup,
		PoolSize:        appCfg.Worker.PoolSize,
		MaxAttempts:     appCfg.Worker.MaxAttempts,
		BackoffBase:     appCfg.Worker.BackoffBase,
		BackoffMax:      appCfg.Worker.BackoffMax,
		ReportAttempts:  appCfg.Worker.ReportAttempts,
		MaxRedeliveries: appCfg.Kafka.MaxRedeliveries,
		RedeliveryDelay: appCfg.Kafka.RedeliveryDelay,
		MessageTTL:      appCfg.Kafka.MessageTTL,
		StatusTimeout:   appCfg.Status.Timeout,
	})
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}

	health := dispatcher.Health(ctx)
	for bin, state := range health.Toolchains {
		if state != "ok" {
			logger.Warn(ctx, "toolchain binary unavailable", zap.String("binary", bin), zap.String("error", state))
		}
	}

	if err := dispatcher.Subscribe(ctx); err != nil {
		return err
	}
	if appCfg.Queue.Driver == queueDriverMemory {
		if err := service.DrainLocalTopics(ctx, queue, appCfg.Kafka.Topics.Verdicts, appCfg.Kafka.Topics.DeadLetter); err != nil {
			return err
		}
	}
	if err := queue.Start(); err != nil {
		return fmt.Errorf("start queue consumer: %w", err)
	}
	logger.Info(ctx, "judge workers started",
		zap.String("queue", appCfg.Queue.Driver),
		zap.Int("pool_size", appCfg.Worker.PoolSize),
		zap.Strings("languages", languages.Languages()),
	)

	limiter := commonmw.NewRateLimiter(redisCache, appCfg.RateLimit.Window, appCfg.RateLimit.Timeout)
	httpServer := buildHTTPServer(appCfg, controller.NewJudgeController(dispatcher), limiter, registry)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		_ = queue.Stop()
		return fmt.Errorf("init http listener: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "judge http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	// Interrupted jobs stay unacknowledged and are redelivered.
	_ = queue.Stop()
	return serveErr
}

func newQueue(appCfg *AppConfig) (mq.MessageQueue, error) {
	if appCfg.Queue.Driver == queueDriverMemory {
		return mq.NewMemoryQueue(appCfg.Queue.Capacity), nil
	}
	return mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
}

func buildHTTPServer(appCfg *AppConfig, judgeController *controller.JudgeController, limiter *commonmw.RateLimiter, registry *prometheus.Registry) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())

	judgeController.RegisterRoutes(router, commonmw.RateLimitMiddleware(limiter, "submit", appCfg.RateLimit.SubmitPerIP))
	if appCfg.Metrics.Enabled {
		router.GET(appCfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	return &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
}
