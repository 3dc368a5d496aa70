package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ledger"
	"ticksettle/internal/infrastructure/repositories/memory"
	"ticksettle/internal/infrastructure/wallet"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	authority domain.AccountID = "platform"
	treasury  domain.AccountID = "treasury"
	submitter domain.AccountID = "ticker"
	creator   domain.AccountID = "creator"
	viewer    domain.AccountID = "viewer"
	stream    domain.StreamID  = "stream-1"
)

var defaultPricing = domain.PricingConfig{RatePerTick: 10, MinPaymentAmount: 10, PlatformFeePercent: 10}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t           *testing.T
	ctx         context.Context
	clock       *fakeClock
	keyring     *wallet.Keyring
	runtime     *ledger.Runtime
	engagements *EngagementLedger
	payments    *PaymentLedger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := zaptest.NewLogger(t).Sugar()
	clock := newFakeClock()

	keyring, err := wallet.NewKeyring("harness-master-seed-0001", time.Minute)
	require.NoError(t, err)

	cfg := ledger.DefaultConfig()
	cfg.Clock = clock.Now
	runtime := ledger.NewRuntime(memory.NewMemoryStateStore(), keyring.Verifier(), cfg, logger)

	engCfg := DefaultEngagementConfig()
	engCfg.TickSubmitters = []domain.AccountID{submitter}
	engCfg.Authority = authority
	engagements := NewEngagementLedger(runtime, engCfg, logger)
	payments := NewPaymentLedger(runtime, engagements, PaymentConfig{Authority: authority, Treasury: treasury}, logger)

	return &harness{
		t:           t,
		ctx:         context.Background(),
		clock:       clock,
		keyring:     keyring,
		runtime:     runtime,
		engagements: engagements,
		payments:    payments,
	}
}

func (h *harness) origin(account domain.AccountID, call domain.Call) domain.Origin {
	h.t.Helper()
	signer, err := h.keyring.SignerFor(account)
	require.NoError(h.t, err)
	origin, err := ledger.SignCall(h.ctx, signer, call)
	require.NoError(h.t, err)
	return origin
}

func (h *harness) register(owner domain.AccountID, id domain.StreamID, pricing domain.PricingConfig) {
	h.t.Helper()
	_, err := h.engagements.RegisterStream(h.ctx, h.origin(owner, domain.NewRegisterStreamCall(id, pricing)), id, pricing)
	require.NoError(h.t, err)
}

func (h *harness) setFee(caller domain.AccountID, id domain.StreamID, fee uint8) (*domain.Stream, error) {
	return h.engagements.SetPlatformFee(h.ctx, h.origin(caller, domain.NewSetPlatformFeeCall(id, fee)), id, fee)
}

func (h *harness) join(account domain.AccountID, id domain.StreamID) error {
	return h.engagements.Join(h.ctx, h.origin(account, domain.NewJoinCall(id)), id)
}

func (h *harness) leave(caller, account domain.AccountID, id domain.StreamID) error {
	return h.engagements.Leave(h.ctx, h.origin(caller, domain.NewLeaveCall(id, account)), id, account)
}

func (h *harness) tick(caller domain.AccountID, call domain.TickCall) error {
	return h.engagements.RecordTick(h.ctx, h.origin(caller, domain.NewRecordTickCall(call)), call)
}

// ticks records n ticks for account through the submitter identity.
func (h *harness) ticks(account domain.AccountID, id domain.StreamID, n uint64) {
	h.t.Helper()
	e, err := h.engagements.GetEngagement(h.ctx, id, account)
	require.NoError(h.t, err)
	require.NoError(h.t, h.tick(submitter, domain.TickCall{StreamID: id, Viewer: account, Count: n, Window: e.LastWindow + 1}))
}

func (h *harness) deposit(account domain.AccountID, amount domain.Amount, reference string) (domain.Amount, error) {
	call := domain.DepositCall{Account: account, Amount: amount, Reference: reference}
	return h.payments.Deposit(h.ctx, h.origin(authority, domain.NewDepositCall(call)), call)
}

func (h *harness) pay(payer domain.AccountID, call domain.PaymentCall) (*domain.PaymentRecord, error) {
	return h.payments.ProcessPayment(h.ctx, h.origin(payer, domain.NewProcessPaymentCall(call)), call)
}

func (h *harness) payout(caller, owner domain.AccountID) (*domain.Payout, error) {
	return h.payments.DistributePayout(h.ctx, h.origin(caller, domain.NewDistributePayoutCall(owner)), owner)
}

func (h *harness) balance(account domain.AccountID) domain.Amount {
	h.t.Helper()
	b, err := h.payments.Balance(h.ctx, account)
	require.NoError(h.t, err)
	return b
}

func (h *harness) engagement(account domain.AccountID, id domain.StreamID) *domain.Engagement {
	h.t.Helper()
	e, err := h.engagements.GetEngagement(h.ctx, id, account)
	require.NoError(h.t, err)
	return e
}

// watching registers the default stream and joins viewer with n recorded ticks.
func (h *harness) watching(n uint64) {
	h.t.Helper()
	h.register(creator, stream, defaultPricing)
	require.NoError(h.t, h.join(viewer, stream))
	if n > 0 {
		h.ticks(viewer, stream, n)
	}
}
