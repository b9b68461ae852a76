package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	courier "github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/circuitbreaker"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	outboxpg "github.com/LerianStudio/lib-courier/courier/outbox/postgres"
)

const (
	transportKafka    = "kafka"
	transportRabbitMQ = "rabbitmq"
)

var (
	ErrUnknownTransport = errors.New("unknown TRANSPORT, expected kafka or rabbitmq")
	ErrKafkaBrokers     = errors.New("KAFKA_BROKERS is required for the kafka transport")
	ErrRabbitMQURL      = errors.New("RABBITMQ_URL is required for the rabbitmq transport")
	ErrPrimaryDSN       = errors.New("DB_PRIMARY_DSN is required")
)

// Config is read from the environment.
type Config struct {
	ServiceName    string `env:"SERVICE_NAME"`
	ServiceVersion string `env:"SERVICE_VERSION"`
	Environment    string `env:"ENV_NAME"`
	LogLevel       string `env:"LOG_LEVEL"`

	TelemetryEnabled  bool   `env:"ENABLE_TELEMETRY"`
	CollectorEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	PrimaryDSN         string `env:"DB_PRIMARY_DSN"`
	ReplicaDSN         string `env:"DB_REPLICA_DSN"`
	MaxOpenConnections int    `env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConnections int    `env:"DB_MAX_IDLE_CONNS"`
	OutboxTable        string `env:"OUTBOX_TABLE"`
	RunMigrations      bool   `env:"OUTBOX_RUN_MIGRATIONS"`

	Transport            string        `env:"TRANSPORT"`
	KafkaBrokers         string        `env:"KAFKA_BROKERS"`
	KafkaTopic           string        `env:"KAFKA_TOPIC"`
	KafkaTopicPrefix     string        `env:"KAFKA_TOPIC_PREFIX"`
	RabbitMQURL          string        `env:"RABBITMQ_URL"`
	RabbitMQExchange     string        `env:"RABBITMQ_EXCHANGE"`
	RabbitConfirmTimeout time.Duration `env:"RABBITMQ_CONFIRM_TIMEOUT"`

	RedisAddresses  []string      `env:"REDIS_ADDRESSES"`
	RedisMasterName string        `env:"REDIS_MASTER_NAME"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	RedisDB         int           `env:"REDIS_DB"`
	CycleLockKey    string        `env:"OUTBOX_CYCLE_LOCK_KEY"`
	CycleLockExpiry time.Duration `env:"OUTBOX_CYCLE_LOCK_EXPIRY"`

	ProcessingInterval      time.Duration `env:"OUTBOX_PROCESSING_INTERVAL"`
	BatchSize               int           `env:"OUTBOX_BATCH_SIZE"`
	MaxRetries              int           `env:"OUTBOX_MAX_RETRIES"`
	RetentionPeriod         time.Duration `env:"OUTBOX_RETENTION_PERIOD"`
	DeleteProcessedMessages bool          `env:"OUTBOX_DELETE_PROCESSED"`
	ClaimTimeout            time.Duration `env:"OUTBOX_CLAIM_TIMEOUT"`
	FetchFailureThreshold   int           `env:"OUTBOX_FETCH_FAILURE_THRESHOLD"`

	BreakerFailureRatio     float64       `env:"BREAKER_FAILURE_RATIO"`
	BreakerSamplingDuration time.Duration `env:"BREAKER_SAMPLING_DURATION"`
	BreakerBreakDuration    time.Duration `env:"BREAKER_BREAK_DURATION"`
	BreakerMinThroughput    int           `env:"BREAKER_MINIMUM_THROUGHPUT"`

	StartupAttempts int           `env:"STARTUP_ATTEMPTS"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

func defaultConfig() Config {
	dispatcher := outbox.DefaultDispatcherConfig()

	return Config{
		ServiceName:             "courier-relay",
		ServiceVersion:          "dev",
		Environment:             "production",
		LogLevel:                "info",
		OutboxTable:             outboxpg.DefaultTableName,
		RunMigrations:           true,
		Transport:               transportKafka,
		RabbitConfirmTimeout:    5 * time.Second,
		CycleLockKey:            outbox.DefaultCycleLockKey,
		CycleLockExpiry:         30 * time.Second,
		ProcessingInterval:      dispatcher.ProcessingInterval,
		BatchSize:               dispatcher.BatchSize,
		MaxRetries:              dispatcher.MaxRetries,
		RetentionPeriod:         dispatcher.RetentionPeriod,
		DeleteProcessedMessages: dispatcher.DeleteProcessedMessages,
		ClaimTimeout:            outboxpg.DefaultClaimTimeout,
		FetchFailureThreshold:   dispatcher.FetchFailureThreshold,
		BreakerFailureRatio:     circuitbreaker.DefaultFailureRatio,
		BreakerSamplingDuration: circuitbreaker.DefaultSamplingDuration,
		BreakerBreakDuration:    circuitbreaker.DefaultBreakDuration,
		BreakerMinThroughput:    circuitbreaker.DefaultMinimumThroughput,
		StartupAttempts:         5,
		ShutdownTimeout:         30 * time.Second,
	}
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	if err := courier.SetConfigFromEnvVars(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (cfg *Config) validate() error {
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))

	switch cfg.Transport {
	case transportKafka:
		if strings.TrimSpace(cfg.KafkaBrokers) == "" {
			return ErrKafkaBrokers
		}
	case transportRabbitMQ:
		if strings.TrimSpace(cfg.RabbitMQURL) == "" {
			return ErrRabbitMQURL
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Transport)
	}

	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return ErrPrimaryDSN
	}

	if cfg.StartupAttempts < 1 {
		cfg.StartupAttempts = 1
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultConfig().ShutdownTimeout
	}

	return nil
}

func (cfg Config) breakerConfig() circuitbreaker.Config {
	minimum := cfg.BreakerMinThroughput
	if minimum < 0 {
		minimum = 0
	}

	return circuitbreaker.Config{
		FailureRatio:      cfg.BreakerFailureRatio,
		SamplingDuration:  cfg.BreakerSamplingDuration,
		BreakDuration:     cfg.BreakerBreakDuration,
		MinimumThroughput: uint32(minimum), // #nosec G115 -- clamped to non-negative above
	}
}

func (cfg Config) dispatcherOptions() []outbox.DispatcherOption {
	return []outbox.DispatcherOption{
		outbox.WithProcessingInterval(cfg.ProcessingInterval),
		outbox.WithBatchSize(cfg.BatchSize),
		outbox.WithMaxRetries(cfg.MaxRetries),
		outbox.WithRetentionPeriod(cfg.RetentionPeriod),
		outbox.WithDeleteProcessedMessages(cfg.DeleteProcessedMessages),
		outbox.WithFetchFailureThreshold(cfg.FetchFailureThreshold),
		outbox.WithBreakerConfig(cfg.breakerConfig()),
		outbox.WithCycleLockKey(cfg.CycleLockKey),
	}
}
