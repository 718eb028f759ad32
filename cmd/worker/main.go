package main

import (
	"context"
	"errors"
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
	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/marketsettle/internal/config"
	"github.com/joao-fontenele/marketsettle/internal/discount"
	"github.com/joao-fontenele/marketsettle/internal/domain"
	"github.com/joao-fontenele/marketsettle/internal/gateway"
	"github.com/joao-fontenele/marketsettle/internal/messaging"
	"github.com/joao-fontenele/marketsettle/internal/mpesa"
	"github.com/joao-fontenele/marketsettle/internal/settlement"
	"github.com/joao-fontenele/marketsettle/internal/store"
	"github.com/joao-fontenele/marketsettle/internal/telemetry"
	"github.com/joao-fontenele/marketsettle/internal/worker"
)

const (
	serviceVersion = "0.1.0"
	consumerGroup  = "settlement-notifier"

	consumerRestartDelay = 5 * time.Second
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger = cfg.Log.Logger(os.Stdout)

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.Endpoint, "settlement-worker", serviceVersion)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

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

	// Distinct from the API's node so references never collide.
	refs, err := snowflake.NewNode((cfg.NodeID + 512) % 1024)
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

	httpClient := &http.Client{
		Timeout:   cfg.MPesa.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	provider := mpesa.NewClient(cfg.MPesa, httpClient, logger, clientOpts...)
	adapter := gateway.NewAdapter(provider, st, refs, logger)

	var publisher settlement.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers)
		defer func() { _ = producer.Close() }()
		publisher = producer
	}

	policy, _ := cfg.Settlement.Policy()
	svc := settlement.NewService(st, discount.NewEvaluator(st), adapter, publisher, refs, settlement.Options{
		Fees:            cfg.Fees.Schedule(),
		UnmatchedPolicy: policy,
	}, logger)

	sweeper := worker.NewSweeper(st, svc, worker.SweepConfig{
		Interval:  cfg.Settlement.SweepInterval,
		MinAge:    cfg.Settlement.SweepMinAge,
		MaxAge:    cfg.Settlement.SweepMaxAge,
		BatchSize: cfg.Settlement.SweepBatchSize,
	}, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting reconciliation sweep", "interval", cfg.Settlement.SweepInterval)
		return sweeper.Run(gctx)
	})

	if len(cfg.KafkaBrokers) > 0 && cfg.NotifyServiceURL != "" {
		consumer := messaging.NewConsumer(cfg.KafkaBrokers, domain.TopicPaymentSettled, consumerGroup)
		defer func() { _ = consumer.Close() }()

		notifyClient := &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		notifications := worker.NewNotificationHandler(cfg.NotifyServiceURL, notifyClient, logger)

		handler := messaging.RetryHandler(notifications.Handle, messaging.DefaultRetryPolicy(), logger)

		// A consumer failure restarts the consumer and never stops the sweep.
		g.Go(func() error {
			logger.Info("starting notification consumer", "brokers", cfg.KafkaBrokers, "topic", domain.TopicPaymentSettled)
			for {
				err := consumer.Consume(gctx, handler)
				if gctx.Err() != nil {
					return nil
				}
				logger.Error("notification consumer failed, restarting", "error", err, "delay", consumerRestartDelay)
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(consumerRestartDelay):
				}
			}
		})
	} else {
		logger.Warn("notification consumer disabled, KAFKA_BROKERS or NOTIFY_SERVICE_URL not set")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
