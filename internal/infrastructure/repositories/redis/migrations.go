package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "ticksettle:schema:version"
	currentSchemaVersion = 2
)

type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("Schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("Running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("All migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// 1: ledger state version counter starts at zero
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				return client.SetNX(ctx, "ticksettle:state:version", 0, 0).Err()
			},
		},
		{
			// 2: spending accounts indexed by viewer set; backfill from existing keys
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				iter := client.Scan(ctx, 0, "ticksettle:spending:*", 100).Iterator()
				for iter.Next(ctx) {
					key := iter.Val()
					if key == "ticksettle:spending:viewers" {
						continue
					}
					viewer := key[len("ticksettle:spending:"):]
					if err := client.SAdd(ctx, "ticksettle:spending:viewers", viewer).Err(); err != nil {
						return err
					}
				}
				return iter.Err()
			},
		},
	}
}
