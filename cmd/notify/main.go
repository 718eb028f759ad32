package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/marketsettle/internal/config"
	"github.com/joao-fontenele/marketsettle/internal/notify"
	"github.com/joao-fontenele/marketsettle/internal/telemetry"
)

const serviceVersion = "0.1.0"

type settings struct {
	Port     string        `env:"PORT" envDefault:"8084"`
	RedisURL string        `env:"REDIS_URL"`
	DedupTTL time.Duration `env:"NOTIFY_DEDUP_TTL" envDefault:"24h"`
	Endpoint string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Log      config.Log
}

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var cfg settings
	if err := env.Parse(&cfg); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger = cfg.Log.Logger(os.Stdout)

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.Endpoint, "settlement-notify", serviceVersion)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	var deduper notify.Deduper = notify.NewMemoryDeduper()
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(redisOpts)
		defer func() { _ = rdb.Close() }()
		deduper = notify.NewRedisDeduper(rdb)
	}

	handler := notify.NewHandler(deduper, cfg.DedupTTL, logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(telemetry.RouteAttribute)
	r.Post("/notifications", handler.HandleNotification)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(r, "settlement-notify"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting notify service", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
