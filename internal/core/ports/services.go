package ports

import (
	"context"
	"time"

	"ticksettle/internal/core/domain"
)

// Authenticator resolves the account an origin acts for, given the exact call
// payload its credential must cover.
type Authenticator interface {
	Authenticate(ctx context.Context, origin domain.Origin, payload []byte) (domain.AccountID, error)
}

type Signer interface {
	Account() domain.AccountID
	Sign(ctx context.Context, payload []byte) (domain.Origin, error)
}

type SignerProvider interface {
	SignerFor(account domain.AccountID) (Signer, error)
}

type EngagementLedger interface {
	RegisterStream(ctx context.Context, origin domain.Origin, id domain.StreamID, pricing domain.PricingConfig) (*domain.Stream, error)
	EndStream(ctx context.Context, origin domain.Origin, id domain.StreamID) error
	SetPlatformFee(ctx context.Context, origin domain.Origin, id domain.StreamID, feePercent uint8) (*domain.Stream, error)
	Join(ctx context.Context, origin domain.Origin, id domain.StreamID) error
	Leave(ctx context.Context, origin domain.Origin, id domain.StreamID, viewer domain.AccountID) error
	RecordTick(ctx context.Context, origin domain.Origin, call domain.TickCall) error

	GetStream(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	ListStreams(ctx context.Context) ([]*domain.Stream, error)
	GetEngagement(ctx context.Context, id domain.StreamID, viewer domain.AccountID) (*domain.Engagement, error)
	ListEngagements(ctx context.Context, id domain.StreamID) ([]*domain.Engagement, error)
	ListUnbilled(ctx context.Context) ([]*domain.Engagement, error)
	CreatorOf(ctx context.Context, id domain.StreamID) (domain.AccountID, error)
}

type PaymentLedger interface {
	ProcessPayment(ctx context.Context, origin domain.Origin, call domain.PaymentCall) (*domain.PaymentRecord, error)
	DistributePayout(ctx context.Context, origin domain.Origin, creator domain.AccountID) (*domain.Payout, error)
	Deposit(ctx context.Context, origin domain.Origin, call domain.DepositCall) (domain.Amount, error)

	Balance(ctx context.Context, account domain.AccountID) (domain.Amount, error)
	Earnings(ctx context.Context, creator domain.AccountID) ([]*domain.CreatorEarnings, error)
	PayoutTotals(ctx context.Context, creator domain.AccountID) (*domain.PayoutTotals, error)
	Payments(ctx context.Context, filter domain.PaymentFilter) ([]*domain.PaymentRecord, error)
}

type PaymentOrchestrator interface {
	RunOnce(ctx context.Context) (*domain.BillingReport, error)
	UpdateSpendingLimit(ctx context.Context, viewer domain.AccountID, limit domain.Amount) error
	GetSpendingLimit(ctx context.Context, viewer domain.AccountID) (domain.Amount, error)
	GetTotalSpent(ctx context.Context, viewer domain.AccountID) (domain.Amount, error)
	GetCurrentSpend(ctx context.Context, viewer domain.AccountID) (domain.Amount, error)
	ResetSpend(ctx context.Context, viewer domain.AccountID) error
	GetBalance(ctx context.Context, account domain.AccountID) (domain.Amount, error)
	PlaybackState(ctx context.Context, stream domain.StreamID, viewer domain.AccountID) (domain.PlaybackState, domain.PauseReason, error)
}

// ConnectionRegistry lists the viewers currently connected to a live stream.
type ConnectionRegistry interface {
	ListActiveConnections(ctx context.Context) ([]domain.Connection, error)
}

// Transport delivers playback control to connected viewers.
type Transport interface {
	PauseViewer(ctx context.Context, stream domain.StreamID, viewer domain.AccountID, reason domain.PauseReason) error
	ResumeViewer(ctx context.Context, stream domain.StreamID, viewer domain.AccountID) error
}

type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker hands out a non-blocking leader lock. ok is false when another holder
// owns key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (lock Lock, ok bool, err error)
}

// FactSink receives outbox facts in sequence order.
type FactSink interface {
	Publish(ctx context.Context, fact *domain.Fact) error
}

type FactSource interface {
	FactsAfter(ctx context.Context, seq uint64, limit int) ([]*domain.Fact, error)
}

// LedgerObserver receives per-operation outcomes for metrics.
type LedgerObserver interface {
	ObserveOperation(name string, duration time.Duration, err error)
}

// SettlementObserver receives submitter and orchestrator outcomes for metrics.
type SettlementObserver interface {
	ObserveTickRound(round *domain.TickRound)
	ObserveBilling(result *domain.BillingResult)
	ObservePlayback(state domain.PlaybackState, reason domain.PauseReason)
}
