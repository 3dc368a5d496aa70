package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_ExclusiveUntilUnlock(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()

	first, ok, err := locker.TryLock(ctx, "leader", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "leader", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = locker.TryLock(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, first.Unlock(ctx))
	assert.ErrorIs(t, first.Unlock(ctx), ErrLockNotHeld)

	_, ok, err = locker.TryLock(ctx, "leader", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	locker := NewLocalLocker()
	locker.clock = func() time.Time { return now }

	stale, ok, err := locker.TryLock(ctx, "leader", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, err = locker.TryLock(ctx, "leader", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// the expired holder must not release the new one
	assert.ErrorIs(t, stale.Unlock(ctx), ErrLockNotHeld)
	_, ok, _ = locker.TryLock(ctx, "leader", time.Second)
	assert.False(t, ok)
}
