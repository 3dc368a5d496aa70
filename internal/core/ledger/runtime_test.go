package ledger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ports"
	"ticksettle/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type trustingAuth struct{}

func (trustingAuth) Authenticate(ctx context.Context, origin domain.Origin, payload []byte) (domain.AccountID, error) {
	return origin.Account, nil
}

type rejectingAuth struct{}

func (rejectingAuth) Authenticate(ctx context.Context, origin domain.Origin, payload []byte) (domain.AccountID, error) {
	return "", errors.New("bad signature")
}

// conflictingStore fails the first n commits with a version conflict.
type conflictingStore struct {
	ports.StateStore
	conflicts int32
}

func (s *conflictingStore) Commit(ctx context.Context, base uint64, writes []domain.StateEntry) (uint64, error) {
	if atomic.AddInt32(&s.conflicts, -1) >= 0 {
		return 0, domain.ErrVersionConflict
	}
	return s.StateStore.Commit(ctx, base, writes)
}

var (
	alice    = domain.Origin{Account: "alice", Credential: "x"}
	testCall = domain.Call{Name: "test", Args: map[string]int{"n": 1}}
	fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func newTestRuntime(store ports.StateStore, auth ports.Authenticator) *Runtime {
	cfg := DefaultConfig()
	cfg.SubmitTimeout = 50 * time.Millisecond
	cfg.Clock = func() time.Time { return fixedNow }
	return NewRuntime(store, auth, cfg, zap.NewNop().Sugar())
}

func TestRuntime_ExecuteCommitsWritesAndFacts(t *testing.T) {
	store := memory.NewMemoryStateStore()
	rt := newTestRuntime(store, trustingAuth{})
	ctx := context.Background()

	err := rt.Execute(ctx, alice, testCall, func(tx *Tx) error {
		assert.Equal(t, domain.AccountID("alice"), tx.Caller())
		assert.Equal(t, fixedNow, tx.Now())
		if err := tx.Put(BalanceKey("alice"), domain.Amount(10)); err != nil {
			return err
		}
		return tx.Emit(domain.FactDeposited, "", "alice", domain.Deposited{Account: "alice", Amount: 10})
	})
	require.NoError(t, err)

	version, err := store.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	facts, err := rt.FactsAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, uint64(1), facts[0].Seq)
	assert.Equal(t, uint64(1), facts[0].Version)
	assert.Equal(t, domain.FactDeposited, facts[0].Type)

	var payload domain.Deposited
	require.NoError(t, facts[0].Decode(&payload))
	assert.Equal(t, domain.Amount(10), payload.Amount)

	var balance domain.Amount
	require.NoError(t, rt.Read(ctx, func(tx *Tx) error {
		_, err := tx.Get(BalanceKey("alice"), &balance)
		return err
	}))
	assert.Equal(t, domain.Amount(10), balance)
}

func TestRuntime_FailedOperationWritesNothing(t *testing.T) {
	store := memory.NewMemoryStateStore()
	rt := newTestRuntime(store, trustingAuth{})
	ctx := context.Background()

	err := rt.Execute(ctx, alice, testCall, func(tx *Tx) error {
		require.NoError(t, tx.Put(BalanceKey("alice"), domain.Amount(10)))
		require.NoError(t, tx.Emit(domain.FactDeposited, "", "alice", nil))
		return domain.ErrInsufficientBalance
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	version, _ := store.Version(ctx)
	assert.Equal(t, uint64(0), version)
	entries, _ := store.Scan(ctx, "")
	assert.Empty(t, entries)
}

func TestRuntime_RejectsUnauthenticatedOrigin(t *testing.T) {
	rt := newTestRuntime(memory.NewMemoryStateStore(), rejectingAuth{})

	ran := false
	err := rt.Execute(context.Background(), alice, testCall, func(tx *Tx) error {
		ran = true
		return nil
	})

	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.False(t, ran)
}

func TestRuntime_SubmissionTimeout(t *testing.T) {
	rt := newTestRuntime(memory.NewMemoryStateStore(), trustingAuth{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- rt.Execute(ctx, alice, testCall, func(tx *Tx) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ran := false
	err := rt.Execute(ctx, alice, testCall, func(tx *Tx) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrSubmissionTimeout)
	assert.False(t, ran)

	close(release)
	assert.NoError(t, <-done)
}

func TestRuntime_StartedOperationIgnoresCancellation(t *testing.T) {
	store := memory.NewMemoryStateStore()
	rt := newTestRuntime(store, trustingAuth{})
	ctx, cancel := context.WithCancel(context.Background())

	err := rt.Execute(ctx, alice, testCall, func(tx *Tx) error {
		cancel()
		return tx.Put(BalanceKey("alice"), domain.Amount(1))
	})
	require.NoError(t, err)

	version, _ := store.Version(context.Background())
	assert.Equal(t, uint64(1), version)
}

func TestRuntime_RerunsOnVersionConflict(t *testing.T) {
	store := &conflictingStore{StateStore: memory.NewMemoryStateStore(), conflicts: 2}
	rt := newTestRuntime(store, trustingAuth{})

	runs := 0
	err := rt.Execute(context.Background(), alice, testCall, func(tx *Tx) error {
		runs++
		return tx.Put(BalanceKey("alice"), domain.Amount(runs))
	})
	require.NoError(t, err)
	assert.Equal(t, 3, runs)

	store.conflicts = 10
	err = rt.Execute(context.Background(), alice, testCall, func(tx *Tx) error {
		return tx.Put(BalanceKey("alice"), domain.Amount(0))
	})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestTx_ScanMergesBufferedWrites(t *testing.T) {
	store := memory.NewMemoryStateStore()
	rt := newTestRuntime(store, trustingAuth{})
	ctx := context.Background()

	require.NoError(t, rt.Execute(ctx, alice, testCall, func(tx *Tx) error {
		if err := tx.Put(BalanceKey("b"), domain.Amount(2)); err != nil {
			return err
		}
		return tx.Put(BalanceKey("d"), domain.Amount(4))
	}))

	require.NoError(t, rt.Execute(ctx, alice, testCall, func(tx *Tx) error {
		require.NoError(t, tx.Put(BalanceKey("a"), domain.Amount(1)))
		require.NoError(t, tx.Put(BalanceKey("d"), domain.Amount(40)))

		var keys []string
		var values []domain.Amount
		err := ScanInto(tx, BalancesPrefix, func(key string, v *domain.Amount) error {
			keys = append(keys, key)
			values = append(values, *v)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"balance/a", "balance/b", "balance/d"}, keys)
		assert.Equal(t, []domain.Amount{1, 2, 40}, values)
		return nil
	}))
}

func TestTx_SequencesAndReadOnlyView(t *testing.T) {
	rt := newTestRuntime(memory.NewMemoryStateStore(), trustingAuth{})
	ctx := context.Background()

	require.NoError(t, rt.Execute(ctx, alice, testCall, func(tx *Tx) error {
		first, err := tx.NextSeq("n")
		require.NoError(t, err)
		second, err := tx.NextSeq("n")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), first)
		assert.Equal(t, uint64(2), second)
		return nil
	}))

	err := rt.Read(ctx, func(tx *Tx) error {
		seq, err := tx.Seq("n")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), seq)
		return tx.Put(MetaKey("n"), 5)
	})
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestRuntime_SnapshotRestore(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(memory.NewMemoryStateStore(), trustingAuth{})
	for i := 0; i < 3; i++ {
		require.NoError(t, rt.Execute(ctx, alice, testCall, func(tx *Tx) error {
			return tx.Emit(domain.FactTickRecorded, "s", "alice", domain.TickRecorded{Count: 1})
		}))
	}

	snap, err := rt.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Version)
	assert.Equal(t, fixedNow, snap.TakenAt)

	restored := newTestRuntime(memory.NewMemoryStateStore(), trustingAuth{})
	require.NoError(t, restored.Restore(ctx, snap))

	facts, err := restored.FactsAfter(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, uint64(2), facts[0].Seq)

	assert.Error(t, restored.Restore(ctx, snap), "restore into a non-empty store")
}

func TestKeys_SequenceOrdering(t *testing.T) {
	assert.Less(t, PaymentKey(9), PaymentKey(10))
	assert.Equal(t, "engagement/s1/v1", EngagementKey("s1", "v1"))
	assert.Equal(t, "earnings/c/", CreatorEarningsPrefix("c"))
}
