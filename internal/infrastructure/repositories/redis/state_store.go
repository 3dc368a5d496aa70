package redis

import (
	"context"
	"errors"
	"fmt"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisStateStore keeps the ledger keyspace as plain string keys plus a
// lexicographically ordered index (sorted set, score 0) used for prefix scans.
// The version counter is WATCHed so a commit only lands on the version it was
// computed from.
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStateStore(client *redis.Client) ports.StateStore {
	return &RedisStateStore{
		client: client,
		prefix: "ticksettle:state:",
	}
}

func (s *RedisStateStore) dataKey(key string) string {
	return s.prefix + "data:" + key
}

func (s *RedisStateStore) indexKey() string {
	return s.prefix + "index"
}

func (s *RedisStateStore) versionKey() string {
	return s.prefix + "version"
}

func (s *RedisStateStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.dataKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get state key %s: %w", key, err)
	}
	return data, true, nil
}

func (s *RedisStateStore) Scan(ctx context.Context, prefix string) ([]domain.StateEntry, error) {
	return s.scan(ctx, s.client, prefix)
}

func (s *RedisStateStore) scan(ctx context.Context, c redis.Cmdable, prefix string) ([]domain.StateEntry, error) {
	rng := &redis.ZRangeBy{Min: "-", Max: "+"}
	if prefix != "" {
		rng = &redis.ZRangeBy{Min: "[" + prefix, Max: "[" + prefix + "\xff"}
	}
	keys, err := c.ZRangeByLex(ctx, s.indexKey(), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan state index: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	dataKeys := make([]string, len(keys))
	for i, k := range keys {
		dataKeys[i] = s.dataKey(k)
	}
	values, err := c.MGet(ctx, dataKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load state values: %w", err)
	}

	entries := make([]domain.StateEntry, 0, len(keys))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		entries = append(entries, domain.StateEntry{Key: keys[i], Value: []byte(str)})
	}
	return entries, nil
}

func (s *RedisStateStore) Commit(ctx context.Context, baseVersion uint64, writes []domain.StateEntry) (uint64, error) {
	var committed uint64
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readVersion(ctx, tx, s.versionKey())
		if err != nil {
			return err
		}
		if current != baseVersion {
			return fmt.Errorf("%w: at %d, expected %d", domain.ErrVersionConflict, current, baseVersion)
		}

		var incr *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			members := make([]redis.Z, 0, len(writes))
			for _, w := range writes {
				pipe.Set(ctx, s.dataKey(w.Key), w.Value, 0)
				members = append(members, redis.Z{Score: 0, Member: w.Key})
			}
			if len(members) > 0 {
				pipe.ZAdd(ctx, s.indexKey(), members...)
			}
			incr = pipe.Incr(ctx, s.versionKey())
			return nil
		})
		if err != nil {
			return err
		}
		committed = uint64(incr.Val())
		return nil
	}, s.versionKey())

	if errors.Is(err, redis.TxFailedErr) {
		return 0, fmt.Errorf("%w: version moved during commit", domain.ErrVersionConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to commit state: %w", err)
	}
	return committed, nil
}

func (s *RedisStateStore) Version(ctx context.Context) (uint64, error) {
	return readVersion(ctx, s.client, s.versionKey())
}

// Snapshot reads the whole keyspace and retries until no commit landed while
// reading.
func (s *RedisStateStore) Snapshot(ctx context.Context) (*domain.StateSnapshot, error) {
	for {
		var snap *domain.StateSnapshot
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			version, err := readVersion(ctx, tx, s.versionKey())
			if err != nil {
				return err
			}
			entries, err := s.scan(ctx, tx, "")
			if err != nil {
				return err
			}
			// an empty MULTI/EXEC fails if the version key was touched meanwhile
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Get(ctx, s.versionKey())
				return nil
			}); err != nil && err != redis.Nil {
				return err
			}
			snap = &domain.StateSnapshot{Version: version, Entries: entries}
			return nil
		}, s.versionKey())

		if errors.Is(err, redis.TxFailedErr) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot state: %w", err)
		}
		if snap.Entries == nil {
			snap.Entries = []domain.StateEntry{}
		}
		return snap, nil
	}
}

func (s *RedisStateStore) Restore(ctx context.Context, snapshot *domain.StateSnapshot) error {
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		version, err := readVersion(ctx, tx, s.versionKey())
		if err != nil {
			return err
		}
		size, err := tx.ZCard(ctx, s.indexKey()).Result()
		if err != nil {
			return err
		}
		if version != 0 || size != 0 {
			return fmt.Errorf("restore into non-empty store at version %d", version)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			members := make([]redis.Z, 0, len(snapshot.Entries))
			for _, e := range snapshot.Entries {
				pipe.Set(ctx, s.dataKey(e.Key), e.Value, 0)
				members = append(members, redis.Z{Score: 0, Member: e.Key})
			}
			if len(members) > 0 {
				pipe.ZAdd(ctx, s.indexKey(), members...)
			}
			pipe.Set(ctx, s.versionKey(), snapshot.Version, 0)
			return nil
		})
		return err
	}, s.versionKey(), s.indexKey())
}

func readVersion(ctx context.Context, c redis.Cmdable, key string) (uint64, error) {
	v, err := c.Get(ctx, key).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read state version: %w", err)
	}
	return v, nil
}
