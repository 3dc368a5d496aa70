package ports

import (
	"context"

	"ticksettle/internal/core/domain"
)

// StateStore is the versioned keyspace behind the ledger runtime. Commit applies
// all writes atomically and only if the store is still at baseVersion; otherwise
// it returns domain.ErrVersionConflict and writes nothing.
type StateStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Scan(ctx context.Context, prefix string) ([]domain.StateEntry, error)
	Commit(ctx context.Context, baseVersion uint64, writes []domain.StateEntry) (uint64, error)
	Version(ctx context.Context) (uint64, error)
	Snapshot(ctx context.Context) (*domain.StateSnapshot, error)
	// Restore loads a snapshot into an empty store.
	Restore(ctx context.Context, snapshot *domain.StateSnapshot) error
}

// SpendingRepository holds orchestrator-owned spending accounts. Get returns
// domain.ErrNotFound for viewers that have never been billed or configured.
// Save is a compare-and-swap: it stores account only while the stored version
// still equals account.Version (zero for a new account), then bumps
// account.Version. A lost race returns domain.ErrVersionConflict.
type SpendingRepository interface {
	Get(ctx context.Context, viewer domain.AccountID) (*domain.SpendingAccount, error)
	Save(ctx context.Context, account *domain.SpendingAccount) error
	List(ctx context.Context) ([]*domain.SpendingAccount, error)
}

// PaymentArchive mirrors processed payments into queryable storage.
type PaymentArchive interface {
	Store(ctx context.Context, record *domain.PaymentRecord) error
	Query(ctx context.Context, filter domain.PaymentFilter) ([]*domain.PaymentRecord, error)
	LastSeq(ctx context.Context) (uint64, error)
}
