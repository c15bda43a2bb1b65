package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cryptobroker/backend/internal/api/handlers"
	"github.com/cryptobroker/backend/internal/app"
	"github.com/cryptobroker/backend/internal/metrics"
	"github.com/cryptobroker/backend/internal/middleware/ratelimit"
	"github.com/cryptobroker/backend/internal/middleware/security"
	"github.com/cryptobroker/backend/internal/middleware/validation"
	"github.com/cryptobroker/backend/pkg/config"
	appLogger "github.com/cryptobroker/backend/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	// .env is optional; real environment variables take precedence
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting crypto broker retrieval API")

	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, err := app.Build(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to build retrieval core", zap.Error(err))
	}
	defer core.Close(context.Background())

	core.Start(ctx)

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: int(cfg.Server.RateLimit * 60),
		Burst:                cfg.Server.RateBurst,
		Logger:               appLogger.Named("ratelimit"),
	})
	defer limiter.Stop()

	fiberApp := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	fiberApp.Use(recover.New())
	fiberApp.Use(logger.New())
	fiberApp.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: []string{"*"},
		IsDevelopment:  cfg.Logging.Format != "json",
	}))

	fiberApp.Get("/metrics", metrics.MetricsHandler())

	api := fiberApp.Group("/api/v1")
	api.Use(limiter.Middleware())
	api.Use(validation.Middleware(validation.Config{
		MaxQueryLength: 2000,
		MaxBatchSize:   100,
		Logger:         appLogger.Named("validation"),
	}))

	handlers.Register(api,
		handlers.NewQueryHandler(core.Engine, core.DB),
		handlers.NewIngestHandler(core.Processor, time.Duration(cfg.Ingestion.DefaultWindowHours)*time.Hour),
		handlers.NewStatusHandler(core.Engine, core.DB),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := fiberApp.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := fiberApp.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
