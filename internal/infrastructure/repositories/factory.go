package repositories

import (
	"context"

	"ticksettle/internal/core/ports"
	"ticksettle/internal/infrastructure/repositories/memory"
	redisrepo "ticksettle/internal/infrastructure/repositories/redis"
	"ticksettle/pkg/config"
	"ticksettle/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		opts := redisrepo.DefaultClientOptions(cfg.Redis.Address)
		opts.Password = cfg.Redis.Password
		opts.DB = cfg.Redis.DB
		opts.PoolSize = cfg.Redis.PoolSize
		client, err := redisrepo.NewRedisClient(opts, logger)
		if err != nil {
			logger.Warnw("Failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Infow("Using Redis repositories", "address", cfg.Redis.Address)
		}
	}

	if !factory.useRedis {
		logger.Warnw("Using memory repositories, ledger state will not survive a restart")
	}

	return factory, nil
}

func (f *RepositoryFactory) UsesRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// RedisClient is nil when the factory fell back to memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.UsesRedis() {
		return nil
	}
	return f.redisClient
}

func (f *RepositoryFactory) CreateStateStore() ports.StateStore {
	if f.UsesRedis() {
		return redisrepo.NewRedisStateStore(f.redisClient)
	}
	return memory.NewMemoryStateStore()
}

func (f *RepositoryFactory) CreateSpendingRepository() ports.SpendingRepository {
	if f.UsesRedis() {
		return redisrepo.NewRedisSpendingRepository(f.redisClient)
	}
	return memory.NewMemorySpendingRepository()
}

// CreateLocker returns the leader lock shared by every instance on the same
// Redis, or a process-local one.
func (f *RepositoryFactory) CreateLocker() ports.Locker {
	if f.UsesRedis() {
		return distributed.NewLockManager(f.redisClient, "ticksettle:lock:")
	}
	return distributed.NewLocalLocker()
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsesRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
