package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"ticksettle/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

var ErrLockNotHeld = errors.New("lock was not held by this instance")

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// renewScript extends the ttl only while the key still carries our token.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// DistributedLock provides distributed locking using Redis
type DistributedLock struct {
	client    redis.UniversalClient
	key       string
	value     string // Unique identifier for this lock holder
	ttl       time.Duration
	stopRenew chan struct{}
	once      sync.Once
}

// NewDistributedLock creates a new distributed lock
func NewDistributedLock(client redis.UniversalClient, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client:    client,
		key:       key,
		value:     generateLockValue(),
		ttl:       ttl,
		stopRenew: make(chan struct{}),
	}
}

func generateLockValue() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// TryLock attempts to acquire the lock without blocking. A held lock is
// renewed at half its ttl until Unlock.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to try lock: %w", err)
	}
	if acquired {
		go l.renewLock(context.WithoutCancel(ctx))
	}
	return acquired, nil
}

// Unlock releases the lock
func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.once.Do(func() { close(l.stopRenew) })

	result, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *DistributedLock) renewLock(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			if err != nil || renewed == 0 {
				return
			}
		case <-l.stopRenew:
			return
		}
	}
}

// IsLocked checks if the lock is currently held
func (l *DistributedLock) IsLocked(ctx context.Context) (bool, error) {
	exists, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// LockManager hands out prefixed redis locks and implements ports.Locker.
type LockManager struct {
	client redis.UniversalClient
	prefix string
}

func NewLockManager(client redis.UniversalClient, prefix string) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
	}
}

func (lm *LockManager) AcquireLock(key string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(lm.client, lm.prefix+key, ttl)
}

func (lm *LockManager) TryLock(ctx context.Context, key string, ttl time.Duration) (ports.Lock, bool, error) {
	lock := lm.AcquireLock(key, ttl)
	ok, err := lock.TryLock(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return lock, true, nil
}

// LocalLocker is the in-process Locker used when redis is disabled. Entries
// expire after their ttl like their redis counterparts.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:  make(map[string]localEntry),
		clock: time.Now,
	}
}

func (l *LocalLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (ports.Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if entry, ok := l.held[key]; ok && now.Before(entry.expires) {
		return nil, false, nil
	}
	token := generateLockValue()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLock{owner: l, key: key, token: token}, true, nil
}

func (l *LocalLocker) release(key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.held[key]
	if !ok || entry.token != token {
		return ErrLockNotHeld
	}
	delete(l.held, key)
	return nil
}

type localLock struct {
	owner *LocalLocker
	key   string
	token string
}

func (l *localLock) Unlock(ctx context.Context) error {
	return l.owner.release(l.key, l.token)
}
