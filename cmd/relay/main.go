// Command relay drains the PostgreSQL outbox table into Kafka or RabbitMQ.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	courier "github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/backoff"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	outboxpg "github.com/LerianStudio/lib-courier/courier/outbox/postgres"
	"github.com/LerianStudio/lib-courier/courier/postgres"
	courierredis "github.com/LerianStudio/lib-courier/courier/redis"
	"github.com/LerianStudio/lib-courier/courier/transport/kafka"
	"github.com/LerianStudio/lib-courier/courier/transport/rabbitmq"
	courierzap "github.com/LerianStudio/lib-courier/courier/zap"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

var (
	startupBaseDelay = time.Second
	startupMaxDelay  = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := courierzap.New(courierzap.Config{
		Environment:     courierzap.Environment(cfg.Environment),
		Level:           cfg.LogLevel,
		OTelLibraryName: cfg.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	defer func() { _ = logger.Sync(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := opentelemetry.Setup(ctx, opentelemetry.Config{
		ServiceName:       cfg.ServiceName,
		ServiceVersion:    cfg.ServiceVersion,
		DeploymentEnv:     cfg.Environment,
		CollectorEndpoint: cfg.CollectorEndpoint,
		Enabled:           cfg.TelemetryEnabled,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	defer shutdownWithTimeout(logger, "telemetry", cfg.ShutdownTimeout, telemetry.Shutdown)

	tracer := otel.Tracer("courier.relay")
	ctx = courier.ContextWithTracer(courier.ContextWithLogger(ctx, logger), tracer)

	store, closeDB, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	defer closeDB()

	transport, closeTransport, err := openTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}

	defer closeTransport()

	opts := cfg.dispatcherOptions()

	if len(cfg.RedisAddresses) > 0 {
		locker, closeRedis, err := openCycleLocker(ctx, cfg, logger)
		if err != nil {
			return err
		}

		defer closeRedis()

		opts = append(opts, outbox.WithCycleLocker(locker))
	}

	dispatcher, err := outbox.NewDispatcher(store, transport, logger, tracer, opts...)
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return dispatcher.RunContext(groupCtx)
	})

	group.Go(func() error {
		<-groupCtx.Done()

		logger.Log(context.Background(), libLog.LevelInfo, "relay shutting down",
			libLog.Duration("timeout", cfg.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		return dispatcher.Shutdown(shutdownCtx)
	})

	logger.Log(ctx, libLog.LevelInfo, "relay started",
		libLog.String("transport", cfg.Transport),
		libLog.Bool("cycle_lock", len(cfg.RedisAddresses) > 0),
	)

	return group.Wait()
}

func openStore(ctx context.Context, cfg Config, logger libLog.Logger) (*outboxpg.Store, func(), error) {
	conn := &postgres.Connection{
		PrimaryDSN:         cfg.PrimaryDSN,
		ReplicaDSN:         cfg.ReplicaDSN,
		MaxOpenConnections: cfg.MaxOpenConnections,
		MaxIdleConnections: cfg.MaxIdleConnections,
		Logger:             logger,
	}

	if err := withStartupRetry(ctx, logger, "connect to postgres", cfg.StartupAttempts, conn.Connect); err != nil {
		return nil, nil, err
	}

	closeDB := func() {
		if err := conn.Close(); err != nil {
			logger.Log(context.Background(), libLog.LevelWarn, "failed to close postgres", libLog.Err(err))
		}
	}

	if cfg.RunMigrations {
		primary, err := conn.PrimaryDB(ctx)
		if err != nil {
			closeDB()

			return nil, nil, fmt.Errorf("resolve primary database: %w", err)
		}

		if err := outboxpg.Migrate(ctx, primary, logger); err != nil {
			closeDB()

			return nil, nil, fmt.Errorf("migrate outbox schema: %w", err)
		}
	}

	db, err := conn.DB(ctx)
	if err != nil {
		closeDB()

		return nil, nil, fmt.Errorf("resolve database: %w", err)
	}

	store, err := outboxpg.NewStore(db,
		outboxpg.WithLogger(logger),
		outboxpg.WithTableName(cfg.OutboxTable),
		outboxpg.WithClaimTimeout(cfg.ClaimTimeout),
	)
	if err != nil {
		closeDB()

		return nil, nil, fmt.Errorf("build outbox store: %w", err)
	}

	return store, closeDB, nil
}

//nolint:ireturn
func openTransport(ctx context.Context, cfg Config, logger libLog.Logger) (outbox.Transport, func(), error) {
	switch cfg.Transport {
	case transportRabbitMQ:
		return openRabbitMQ(ctx, cfg, logger)
	default:
		return openKafka(ctx, cfg, logger)
	}
}

func openKafka(ctx context.Context, cfg Config, logger libLog.Logger) (*kafka.Publisher, func(), error) {
	brokers := kafka.SplitBrokers(cfg.KafkaBrokers)

	if err := withStartupRetry(ctx, logger, "reach kafka", cfg.StartupAttempts, func(ctx context.Context) error {
		return kafka.Ping(ctx, brokers)
	}); err != nil {
		return nil, nil, err
	}

	writer, err := kafka.NewWriter(brokers)
	if err != nil {
		return nil, nil, fmt.Errorf("build kafka writer: %w", err)
	}

	opts := []kafka.Option{kafka.WithLogger(logger)}
	if cfg.KafkaTopic != "" {
		opts = append(opts, kafka.WithTopic(cfg.KafkaTopic))
	} else if cfg.KafkaTopicPrefix != "" {
		opts = append(opts, kafka.WithTopicPrefix(cfg.KafkaTopicPrefix))
	}

	publisher, err := kafka.NewPublisher(writer, opts...)
	if err != nil {
		_ = writer.Close()

		return nil, nil, fmt.Errorf("build kafka publisher: %w", err)
	}

	closeFn := func() {
		if err := publisher.Close(); err != nil {
			logger.Log(context.Background(), libLog.LevelWarn, "failed to close kafka publisher", libLog.Err(err))
		}
	}

	return publisher, closeFn, nil
}

func openRabbitMQ(ctx context.Context, cfg Config, logger libLog.Logger) (*rabbitmq.Publisher, func(), error) {
	var publisher *rabbitmq.Publisher

	var closeConn func()

	err := withStartupRetry(ctx, logger, "connect to rabbitmq", cfg.StartupAttempts, func(context.Context) error {
		conn, err := rabbitmq.Dial(cfg.RabbitMQURL)
		if err != nil {
			return err
		}

		channel, err := conn.Channel()
		if err != nil {
			_ = conn.Close()

			return fmt.Errorf("open rabbitmq channel: %w", err)
		}

		publisher, err = rabbitmq.NewPublisher(channel,
			rabbitmq.WithLogger(logger),
			rabbitmq.WithExchange(cfg.RabbitMQExchange),
			rabbitmq.WithConfirmTimeout(cfg.RabbitConfirmTimeout),
			rabbitmq.WithChannelProvider(rabbitmq.ChannelProviderFor(conn)),
		)
		if err != nil {
			_ = conn.Close()

			return fmt.Errorf("build rabbitmq publisher: %w", err)
		}

		closeConn = func() { _ = conn.Close() }

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() {
		if err := publisher.Close(); err != nil {
			logger.Log(context.Background(), libLog.LevelWarn, "failed to close rabbitmq publisher", libLog.Err(err))
		}

		closeConn()
	}

	return publisher, closeFn, nil
}

func openCycleLocker(ctx context.Context, cfg Config, logger libLog.Logger) (*courierredis.LockManager, func(), error) {
	client, err := courierredis.NewClient(ctx, courierredis.Config{
		Addresses:  cfg.RedisAddresses,
		MasterName: cfg.RedisMasterName,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}

	lockOpts := courierredis.DefaultLockOptions()
	if cfg.CycleLockExpiry > 0 {
		lockOpts.Expiry = cfg.CycleLockExpiry
	}

	locker, err := courierredis.NewLockManager(client, lockOpts)
	if err != nil {
		_ = client.Close()

		return nil, nil, fmt.Errorf("build cycle lock: %w", err)
	}

	return locker, func() { _ = client.Close() }, nil
}

// withStartupRetry calls fn up to attempts times with capped, jittered
// exponential delays in between.
func withStartupRetry(
	ctx context.Context,
	logger libLog.Logger,
	what string,
	attempts int,
	fn func(context.Context) error,
) error {
	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", what, errors.Join(err, ctxErr))
		}

		delay := backoff.FullJitter(backoff.Capped(startupBaseDelay, startupMaxDelay, attempt))

		logger.Log(ctx, libLog.LevelWarn, what+" failed; retrying",
			libLog.Int("attempt", attempt),
			libLog.Duration("delay", delay),
			libLog.Err(err),
		)

		if sleepErr := backoff.SleepWithContext(ctx, delay); sleepErr != nil {
			return fmt.Errorf("%s: %w", what, errors.Join(err, sleepErr))
		}
	}

	return fmt.Errorf("%s: %w", what, err)
}

func shutdownWithTimeout(logger libLog.Logger, name string, timeout time.Duration, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		logger.Log(ctx, libLog.LevelWarn, "failed to shut down "+name, libLog.Err(err))
	}
}
