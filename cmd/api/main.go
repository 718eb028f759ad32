package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/marketsettle/internal/api"
	"github.com/joao-fontenele/marketsettle/internal/config"
	"github.com/joao-fontenele/marketsettle/internal/discount"
	"github.com/joao-fontenele/marketsettle/internal/gateway"
	"github.com/joao-fontenele/marketsettle/internal/ledger"
	"github.com/joao-fontenele/marketsettle/internal/messaging"
	"github.com/joao-fontenele/marketsettle/internal/mpesa"
	"github.com/joao-fontenele/marketsettle/internal/settlement"
	"github.com/joao-fontenele/marketsettle/internal/store"
	"github.com/joao-fontenele/marketsettle/internal/telemetry"
)

const serviceVersion = "0.1.0"

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.RequireAuth(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger = cfg.Log.Logger(os.Stdout)

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.Endpoint, "settlement-api", serviceVersion)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("settlement-api", serviceVersion)
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	dsn, err := store.WithSearchPath(cfg.PostgresURL, cfg.PostgresSchema)
	if err != nil {
		logger.Error("invalid POSTGRES_URL", "error", err)
		os.Exit(1)
	}
	db, err := telemetry.OpenPostgres(ctx, dsn)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	st := store.NewPostgres(db)

	refs, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		logger.Error("failed to create reference generator", "error", err)
		os.Exit(1)
	}

	var clientOpts []mpesa.Option
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(redisOpts)
		defer func() { _ = rdb.Close() }()
		clientOpts = append(clientOpts, mpesa.WithTokenCache(mpesa.NewRedisTokenCache(rdb)))
	}

	providerHTTP := &http.Client{
		Timeout:   cfg.MPesa.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	provider := mpesa.NewClient(cfg.MPesa, providerHTTP, logger, clientOpts...)
	adapter := gateway.NewAdapter(provider, st, refs, logger)

	var publisher settlement.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers)
		defer func() { _ = producer.Close() }()
		publisher = producer
	}

	policy, _ := cfg.Settlement.Policy()
	evaluator := discount.NewEvaluator(st)
	svc := settlement.NewService(st, evaluator, adapter, publisher, refs, settlement.Options{
		Fees:            cfg.Fees.Schedule(),
		UnmatchedPolicy: policy,
	}, logger)
	wallets := ledger.New(st, adapter, refs, logger)

	handler := api.NewHandler(svc, wallets, evaluator, logger)
	router := api.NewRouter(handler, api.NewAuthenticator(cfg.Auth.JWTSecret, logger), metricsHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(router, "settlement-api"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.MPesa.Timeout + 10*time.Second,
	}

	go func() {
		logger.Info("starting settlement api", "port", cfg.Port)
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
