package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/redis/go-redis/v9"
)

var (
	ErrAddressRequired = errors.New("redis address is required")
	ErrNilClient       = errors.New("redis client is nil")
)

const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Config describes a standalone, sentinel or cluster deployment. More than
// one address selects cluster mode unless MasterName is set.
type Config struct {
	Addresses    []string
	MasterName   string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       log.Logger
}

func (cfg Config) String() string {
	return fmt.Sprintf("redis.Config{Addresses:%v MasterName:%q DB:%d Password:REDACTED}", cfg.Addresses, cfg.MasterName, cfg.DB)
}

func (cfg *Config) normalize() error {
	addresses := make([]string, 0, len(cfg.Addresses))

	for _, address := range cfg.Addresses {
		if trimmed := strings.TrimSpace(address); trimmed != "" {
			addresses = append(addresses, trimmed)
		}
	}

	if len(addresses) == 0 {
		return ErrAddressRequired
	}

	cfg.Addresses = addresses

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	if nilcheck.Interface(cfg.Logger) {
		cfg.Logger = log.NewNop()
	}

	return nil
}

// NewClient builds a universal client and pings it.
func NewClient(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()

		cfg.Logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err))

		return nil, fmt.Errorf("redis connect: ping: %w", err)
	}

	cfg.Logger.Log(ctx, log.LevelInfo, "connected to redis", log.Int("addresses", len(cfg.Addresses)))

	return rdb, nil
}
