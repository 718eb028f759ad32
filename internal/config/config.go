package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/marketsettle/internal/mpesa"
	"github.com/joao-fontenele/marketsettle/internal/settlement"
)

type Config struct {
	Port             string   `env:"PORT" envDefault:"8080"`
	PostgresURL      string   `env:"POSTGRES_URL,required"`
	PostgresSchema   string   `env:"POSTGRES_SCHEMA" envDefault:"settlement"`
	MigrationsPath   string   `env:"MIGRATIONS_PATH" envDefault:"file://migrations"`
	RedisURL         string   `env:"REDIS_URL"`
	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	NotifyServiceURL string   `env:"NOTIFY_SERVICE_URL"`

	// NodeID seeds the transaction reference generator and must differ
	// between running instances.
	NodeID int64 `env:"NODE_ID" envDefault:"1"`

	Log        Log
	Telemetry  Telemetry    `envPrefix:"OTEL_"`
	Auth       Auth         `envPrefix:"AUTH_"`
	MPesa      mpesa.Config `envPrefix:"MPESA_"`
	Fees       Fees         `envPrefix:"FEES_"`
	Settlement Settlement   `envPrefix:"SETTLEMENT_"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type Telemetry struct {
	Endpoint string `env:"EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
}

type Auth struct {
	JWTSecret string `env:"JWT_SECRET"`
}

type Fees struct {
	ServiceFeeRate decimal.Decimal  `env:"SERVICE_FEE_RATE" envDefault:"0.025"`
	Zones          map[string]int64 `env:"ZONES" envKeyValSeparator:":" envDefault:"local:150,nearby:250,far:400"`
	DefaultZone    string           `env:"DEFAULT_ZONE" envDefault:"local"`
	MaxDeliveryFee int64            `env:"MAX_DELIVERY_FEE" envDefault:"500"`
}

type Settlement struct {
	UnmatchedCallbackPolicy string        `env:"UNMATCHED_CALLBACK_POLICY" envDefault:"ignore"`
	SweepInterval           time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepMinAge             time.Duration `env:"SWEEP_MIN_AGE" envDefault:"2m"`
	SweepMaxAge             time.Duration `env:"SWEEP_MAX_AGE" envDefault:"24h"`
	SweepBatchSize          int           `env:"SWEEP_BATCH_SIZE" envDefault:"100"`
}

// Load reads the given dotenv files (".env" when none are named) into the
// process environment without overriding variables already set, then parses
// the environment. Missing dotenv files are not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load dotenv: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := c.Settlement.Policy(); err != nil {
		return err
	}
	if c.Fees.ServiceFeeRate.IsNegative() || c.Fees.ServiceFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("FEES_SERVICE_FEE_RATE must be in [0, 1), got %s", c.Fees.ServiceFeeRate)
	}
	if _, ok := c.Fees.Zones[c.Fees.DefaultZone]; !ok {
		return fmt.Errorf("FEES_DEFAULT_ZONE %q is not in FEES_ZONES", c.Fees.DefaultZone)
	}
	for zone, fee := range c.Fees.Zones {
		if fee < 0 {
			return fmt.Errorf("delivery fee for zone %q is negative", zone)
		}
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be between 0 and 1023, got %d", c.NodeID)
	}
	if c.Settlement.SweepBatchSize <= 0 {
		return fmt.Errorf("SETTLEMENT_SWEEP_BATCH_SIZE must be positive")
	}
	return nil
}

// RequireAuth reports a missing signing secret for binaries that verify
// bearer tokens.
func (c *Config) RequireAuth() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("AUTH_JWT_SECRET is required")
	}
	return nil
}

func (f Fees) Schedule() settlement.FeeSchedule {
	return settlement.FeeSchedule{
		ServiceFeeRate: f.ServiceFeeRate,
		Zones:          f.Zones,
		DefaultZone:    f.DefaultZone,
		MaxDeliveryFee: f.MaxDeliveryFee,
	}
}

func (s Settlement) Policy() (settlement.UnmatchedPolicy, error) {
	switch p := settlement.UnmatchedPolicy(strings.ToLower(s.UnmatchedCallbackPolicy)); p {
	case settlement.UnmatchedIgnore, settlement.UnmatchedReview:
		return p, nil
	default:
		return "", fmt.Errorf("SETTLEMENT_UNMATCHED_CALLBACK_POLICY must be %q or %q, got %q",
			settlement.UnmatchedIgnore, settlement.UnmatchedReview, s.UnmatchedCallbackPolicy)
	}
}

// Logger builds the process logger. Unknown levels fall back to info.
func (l Log) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
