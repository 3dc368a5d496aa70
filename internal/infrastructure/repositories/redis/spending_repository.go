package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisSpendingRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisSpendingRepository(client *redis.Client) ports.SpendingRepository {
	return &RedisSpendingRepository{
		client: client,
		prefix: "ticksettle:spending:",
	}
}

func (r *RedisSpendingRepository) accountKey(viewer domain.AccountID) string {
	return r.prefix + string(viewer)
}

func (r *RedisSpendingRepository) viewersKey() string {
	return r.prefix + "viewers"
}

func (r *RedisSpendingRepository) Get(ctx context.Context, viewer domain.AccountID) (*domain.SpendingAccount, error) {
	data, err := r.client.Get(ctx, r.accountKey(viewer)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get spending account from Redis: %w", err)
	}

	var account domain.SpendingAccount
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("failed to unmarshal spending account: %w", err)
	}
	return &account, nil
}

// Save watches the account key so a concurrent writer between the version
// check and the write aborts the transaction.
func (r *RedisSpendingRepository) Save(ctx context.Context, account *domain.SpendingAccount) error {
	key := r.accountKey(account.Viewer)
	next := *account
	next.Version = account.Version + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal spending account: %w", err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if stored != account.Version {
			return fmt.Errorf("%w: spending account %s is at version %d, not %d",
				domain.ErrVersionConflict, account.Viewer, stored, account.Version)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, r.viewersKey(), string(account.Viewer))
			return nil
		})
		return err
	}, key)
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: spending account %s changed during save", domain.ErrVersionConflict, account.Viewer)
	case errors.Is(err, domain.ErrVersionConflict):
		return err
	case err != nil:
		return fmt.Errorf("failed to save spending account: %w", err)
	}

	account.Version = next.Version
	return nil
}

func storedVersion(ctx context.Context, tx *redis.Tx, key string) (uint64, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var stored struct {
		Version uint64 `json:"version"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return 0, fmt.Errorf("failed to unmarshal spending account: %w", err)
	}
	return stored.Version, nil
}

func (r *RedisSpendingRepository) List(ctx context.Context) ([]*domain.SpendingAccount, error) {
	viewers, err := r.client.SMembers(ctx, r.viewersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list viewers: %w", err)
	}
	sort.Strings(viewers)

	result := make([]*domain.SpendingAccount, 0, len(viewers))
	for _, v := range viewers {
		account, err := r.Get(ctx, domain.AccountID(v))
		if err == domain.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, account)
	}
	return result, nil
}
