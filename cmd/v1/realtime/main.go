package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/slopeline/slopeline/internal/v1/auth"
	"github.com/slopeline/slopeline/internal/v1/bus"
	"github.com/slopeline/slopeline/internal/v1/chat"
	"github.com/slopeline/slopeline/internal/v1/config"
	"github.com/slopeline/slopeline/internal/v1/health"
	"github.com/slopeline/slopeline/internal/v1/hotstore"
	"github.com/slopeline/slopeline/internal/v1/location"
	"github.com/slopeline/slopeline/internal/v1/logging"
	"github.com/slopeline/slopeline/internal/v1/middleware"
	"github.com/slopeline/slopeline/internal/v1/persister"
	"github.com/slopeline/slopeline/internal/v1/queue"
	"github.com/slopeline/slopeline/internal/v1/ratelimit"
	"github.com/slopeline/slopeline/internal/v1/registry"
	"github.com/slopeline/slopeline/internal/v1/store"
	"github.com/slopeline/slopeline/internal/v1/tracing"
	"github.com/slopeline/slopeline/internal/v1/transport"
	"github.com/slopeline/slopeline/internal/v1/types"
)

// version is stamped by the build; "dev" for local runs.
var version = "dev"

func main() {
	// Load .env for local development; try the paths the binary is usually
	// run from.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	envLoaded := false
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("no .env file found, relying on environment variables")
	}

	developmentMode := os.Getenv("DEVELOPMENT_MODE") == "true"
	if err := logging.Initialize(developmentMode); err != nil {
		slog.Error("logger initialization failed", "error", err)
		os.Exit(1)
	}
	logger := logging.GetLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.ValidateEnv()
	if err != nil {
		logger.Error("environment validation failed", zap.Error(err))
		os.Exit(1)
	}

	ctx := context.Background()

	// --- Tracing ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "slopeline-realtime", cfg.OtelCollectorAddr)
		if err != nil {
			logger.Error("tracer initialization failed", zap.Error(err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		logger.Info("tracing enabled", zap.String("collector", cfg.OtelCollectorAddr))
	}

	// --- Token verifier ---
	var validator types.TokenValidator
	if cfg.SkipAuth {
		logger.Warn("authentication DISABLED, do not use in production")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logger.Error("auth validator initialization failed", zap.Error(err))
			os.Exit(1)
		}
		validator = v
		logger.Info("token validator initialized", zap.String("domain", cfg.Auth0Domain))
	}

	// --- Stores ---
	hot, err := hotstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.HotTimeout)
	if err != nil {
		logger.Error("hot store connection failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = hot.Close() }()

	warm, err := store.New(ctx, cfg.DatabaseURL, cfg.WarmTimeout)
	if err != nil {
		logger.Error("warm store connection failed", zap.Error(err))
		os.Exit(1)
	}
	defer warm.Close()

	if cfg.EnsureSchema {
		if err := warm.EnsureSchema(ctx); err != nil {
			logger.Error("schema bootstrap failed", zap.Error(err))
			os.Exit(1)
		}
	}

	// --- Background work ---
	queueClient := queue.NewClient(cfg.RedisAddr, cfg.RedisPassword)
	defer func() { _ = queueClient.Close() }()

	pers := persister.New(warm, cfg.BatchSize, cfg.BatchFlush)
	pers.Start()

	// --- Backplane, registry, engines ---
	busSvc := bus.New(hot, "")
	logger.Info("backplane initialized", zap.String("origin", busSvc.Origin()))

	// The engines and the registry hooks reference each other, so the
	// engine variables are captured by the closures and assigned below.
	var locEngine *location.Engine
	reg := registry.New(hot, registry.Hooks{
		FirstLocalUser: func(user types.UserIDType) { busSvc.SubscribeUser(user) },
		LastLocalUser: func(user types.UserIDType) {
			busSvc.UnsubscribeUser(user)
			locEngine.ForgetWatches(user)
		},
		UserOffline: func(user types.UserIDType) {
			locEngine.ClearPresence(context.Background(), user)
		},
		FirstLocalRoom: func(room types.RoomIDType) { busSvc.SubscribeRoom(room) },
		LastLocalRoom:  func(room types.RoomIDType) { busSvc.UnsubscribeRoom(room) },
	})

	locEngine = location.New(hot, warm, queueClient, busSvc, reg, location.Options{
		PresenceTTL:  cfg.PresenceTTL,
		RadiusMeters: cfg.ProximityRadiusMeters,
	})
	chatEngine := chat.New(hot, warm, queueClient, busSvc, reg, chat.Options{
		CacheSize: cfg.ChatCacheSize,
		CacheTTL:  cfg.ChatCacheTTL,
		TypingTTL: cfg.TypingTTL,
	})

	queueServer := queue.NewServer(cfg.RedisAddr, cfg.RedisPassword, cfg.QueueConcurrency, pers, chatEngine.AfterSend)
	if err := queueServer.Start(); err != nil {
		logger.Error("task server start failed", zap.Error(err))
		os.Exit(1)
	}

	// --- Gateway ---
	limiter, err := ratelimit.New(cfg.RateLimitEnabled, cfg.RateLimitConnIP, cfg.RateLimitConnUser, hot.Client())
	if err != nil {
		logger.Error("rate limiter initialization failed", zap.Error(err))
		os.Exit(1)
	}

	hub := transport.NewHub(validator, reg, limiter, locEngine, chatEngine, transport.Options{
		PingThrottle:   cfg.PingThrottle,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	busSvc.SetHandler(hub.Deliver)

	// --- HTTP surface ---
	if !developmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware("slopeline-realtime"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	router.Use(cors.New(corsConfig))

	router.GET("/ws", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(version)
	healthHandler.Register("hotstore", hot.Ping)
	healthHandler.Register("warmstore", warm.Ping)
	router.GET("/health", healthHandler.Status)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("realtime server starting", zap.String("port", cfg.Port), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting, then close clients, then stop the consumers, then
	// flush what is buffered, then drop the backplane.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Error("hub shutdown failed", zap.Error(err))
	}
	queueServer.Shutdown()
	if err := pers.Drain(shutdownCtx); err != nil {
		logger.Error("persister drain failed", zap.Error(err))
	}
	busSvc.Close()

	logger.Info("server exited")
}
