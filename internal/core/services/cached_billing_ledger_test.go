package services

import (
	"context"
	"testing"
	"time"

	"ticksettle/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBillingLedger struct {
	streamCalls     int
	unbilledCalls   int
	engagementCalls int
}

func (c *countingBillingLedger) GetEngagement(ctx context.Context, id domain.StreamID, viewer domain.AccountID) (*domain.Engagement, error) {
	c.engagementCalls++
	return &domain.Engagement{StreamID: id, Viewer: viewer}, nil
}

func (c *countingBillingLedger) ListUnbilled(ctx context.Context) ([]*domain.Engagement, error) {
	c.unbilledCalls++
	return nil, nil
}

func (c *countingBillingLedger) GetStream(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	c.streamCalls++
	if id == "missing" {
		return nil, domain.ErrStreamNotFound
	}
	return &domain.Stream{ID: id, Creator: "alice", Pricing: domain.PricingConfig{RatePerTick: 2, MinPaymentAmount: 10}}, nil
}

func TestCachedBillingLedger_CachesTerms(t *testing.T) {
	base := &countingBillingLedger{}
	cached := NewCachedBillingLedger(base, time.Minute)
	defer cached.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		stream, err := cached.GetStream(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, domain.Amount(2), stream.Pricing.RatePerTick)
	}
	assert.Equal(t, 1, base.streamCalls)
	assert.Equal(t, uint64(2), cached.Stats().Hits)
}

func TestCachedBillingLedger_DoesNotCacheMisses(t *testing.T) {
	base := &countingBillingLedger{}
	cached := NewCachedBillingLedger(base, time.Minute)
	defer cached.Close()
	ctx := context.Background()

	_, err := cached.GetStream(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
	_, err = cached.GetStream(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
	assert.Equal(t, 2, base.streamCalls)
}

func TestCachedBillingLedger_UnbilledPassesThrough(t *testing.T) {
	base := &countingBillingLedger{}
	cached := NewCachedBillingLedger(base, time.Minute)
	defer cached.Close()

	for i := 0; i < 2; i++ {
		_, err := cached.ListUnbilled(context.Background())
		require.NoError(t, err)
		_, err = cached.GetEngagement(context.Background(), "s1", "bob")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, base.unbilledCalls)
	assert.Equal(t, 2, base.engagementCalls)
}
