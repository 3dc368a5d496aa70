package services

import (
	"context"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/pkg/cache"
)

// CachedBillingLedger serves stream terms to the orchestrator from a TTL cache.
// Pricing is fixed at registration, so a cached stream only goes stale in its
// Active flag, which billing does not read. Engagements are never cached.
type CachedBillingLedger struct {
	base  BillingLedger
	terms *cache.Cache[domain.StreamID, *domain.Stream]
}

func NewCachedBillingLedger(base BillingLedger, ttl time.Duration) *CachedBillingLedger {
	return &CachedBillingLedger{
		base:  base,
		terms: cache.New[domain.StreamID, *domain.Stream](ttl),
	}
}

// ListUnbilled and GetEngagement always read through: counters change every tick.
func (l *CachedBillingLedger) ListUnbilled(ctx context.Context) ([]*domain.Engagement, error) {
	return l.base.ListUnbilled(ctx)
}

func (l *CachedBillingLedger) GetEngagement(ctx context.Context, id domain.StreamID, viewer domain.AccountID) (*domain.Engagement, error) {
	return l.base.GetEngagement(ctx, id, viewer)
}

// GetStream loads a stream once per ttl; concurrent misses share one load.
func (l *CachedBillingLedger) GetStream(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	return l.terms.GetOrLoad(ctx, id, func(ctx context.Context) (*domain.Stream, error) {
		return l.base.GetStream(ctx, id)
	})
}

// Stats reports cache hits and misses for the terms cache.
func (l *CachedBillingLedger) Stats() cache.Stats {
	return l.terms.GetStats()
}

func (l *CachedBillingLedger) Close() {
	l.terms.Stop()
}
