package redis

import (
	"context"
	"fmt"
	"time"

	"ticksettle/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClientOptions selects the redis instance holding ledger state, spending
// accounts, locks and the playback channel.
type ClientOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int

	// Connect bounds the attempts made before the factory falls back to memory.
	Connect retry.Config
}

func DefaultClientOptions(address string) ClientOptions {
	connect := retry.DefaultConfig()
	connect.MaxAttempts = 2
	connect.InitialDelay = 250 * time.Millisecond
	return ClientOptions{
		Address:  address,
		PoolSize: 10,
		Connect:  connect,
	}
}

// NewRedisClient connects and brings the key schema up to date. The schema
// must be migrated before any ledger write, so a failed migration is fatal to
// the client.
func NewRedisClient(opts ClientOptions, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
		// watched transactions hold a connection per viewer lane
		MinIdleConns: opts.PoolSize / 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	connect := opts.Connect
	connect.OnRetry = func(attempt int, err error, delay time.Duration) {
		if logger != nil {
			logger.Warnw("Redis not reachable, retrying",
				"address", opts.Address,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		}
	}
	if err := retry.Retry(ctx, connect, func() error {
		return client.Ping(ctx).Err()
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Address, err)
	}

	if err := Migrate(ctx, client, logger); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to migrate ticksettle keys: %w", err)
	}

	if logger != nil {
		logger.Infow("Connected to Redis",
			"address", opts.Address,
			"db", opts.DB,
			"pool_size", opts.PoolSize,
			"schema_version", currentSchemaVersion,
		)
	}
	return client, nil
}
