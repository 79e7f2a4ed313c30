package redisx

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/labflow-backend/internal/platform/envutil"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

type Config struct {
	URL         string
	DialTimeout time.Duration
	ReadTimeout time.Duration
	PoolSize    int
	PingTimeout time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		URL:         envutil.FirstString("redis://localhost:6379/0", "REDIS_URL", "QUEUE_REDIS_URL"),
		DialTimeout: envutil.Millis("REDIS_DIAL_TIMEOUT_MS", 5*time.Second),
		ReadTimeout: envutil.Millis("REDIS_READ_TIMEOUT_MS", 3*time.Second),
		PoolSize:    envutil.Int("REDIS_POOL_SIZE", 0),
		PingTimeout: 5 * time.Second,
	}
}

// Open dials the broker and verifies it answers. The caller owns the returned
// client and closes it on shutdown.
func Open(ctx context.Context, log *logger.Logger, cfg Config) (*goredis.Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	rdb := goredis.NewClient(opts)

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.With("service", "RedisBroker").Info("Broker connection ready", "addr", opts.Addr, "db", opts.DB)
	return rdb, nil
}
