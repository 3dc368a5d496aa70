package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ports"
)

type MemorySpendingRepository struct {
	accounts map[domain.AccountID]*domain.SpendingAccount
	mu       sync.RWMutex
}

func NewMemorySpendingRepository() ports.SpendingRepository {
	return &MemorySpendingRepository{
		accounts: make(map[domain.AccountID]*domain.SpendingAccount),
	}
}

func (r *MemorySpendingRepository) Get(ctx context.Context, viewer domain.AccountID) (*domain.SpendingAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, exists := r.accounts[viewer]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return cloneAccount(account), nil
}

func (r *MemorySpendingRepository) Save(ctx context.Context, account *domain.SpendingAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stored uint64
	if current, ok := r.accounts[account.Viewer]; ok {
		stored = current.Version
	}
	if stored != account.Version {
		return fmt.Errorf("%w: spending account %s is at version %d, not %d",
			domain.ErrVersionConflict, account.Viewer, stored, account.Version)
	}

	account.Version++
	r.accounts[account.Viewer] = cloneAccount(account)
	return nil
}

func (r *MemorySpendingRepository) List(ctx context.Context) ([]*domain.SpendingAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.SpendingAccount, 0, len(r.accounts))
	for _, account := range r.accounts {
		result = append(result, cloneAccount(account))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Viewer < result[j].Viewer })
	return result, nil
}

func cloneAccount(a *domain.SpendingAccount) *domain.SpendingAccount {
	c := *a
	if a.Paused != nil {
		c.Paused = make(map[domain.StreamID]domain.PauseReason, len(a.Paused))
		for k, v := range a.Paused {
			c.Paused[k] = v
		}
	}
	if a.Pending != nil {
		c.Pending = make(map[domain.StreamID]domain.Reservation, len(a.Pending))
		for k, v := range a.Pending {
			c.Pending[k] = v
		}
	}
	if a.Deferrals != nil {
		c.Deferrals = make(map[domain.StreamID]int, len(a.Deferrals))
		for k, v := range a.Deferrals {
			c.Deferrals[k] = v
		}
	}
	return &c
}
