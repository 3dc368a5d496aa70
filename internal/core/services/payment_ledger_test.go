package services

import (
	"testing"

	"ticksettle/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payment(ticks, from uint64, amount domain.Amount) domain.PaymentCall {
	return domain.PaymentCall{Payee: creator, StreamID: stream, Amount: amount, TickCount: ticks, FromWatermark: from}
}

func TestPaymentLedger_ProcessPayment(t *testing.T) {
	h := newHarness(t)
	h.watching(5)
	_, err := h.deposit(viewer, 100, "dep-1")
	require.NoError(t, err)

	record, err := h.pay(viewer, payment(5, 0, 50))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), record.Seq)
	assert.Equal(t, viewer, record.Payer)
	assert.Equal(t, creator, record.Payee)
	assert.Equal(t, domain.Amount(50), record.Amount)
	assert.Equal(t, uint64(0), record.FromTick)
	assert.Equal(t, uint64(5), record.ToTick)
	assert.NotEmpty(t, record.ID)
	assert.Empty(t, record.PrevHash)

	assert.Equal(t, domain.Amount(50), h.balance(viewer))
	assert.Equal(t, uint64(5), h.engagement(viewer, stream).Watermark)

	earnings, err := h.payments.Earnings(h.ctx, creator)
	require.NoError(t, err)
	require.Len(t, earnings, 1)
	assert.Equal(t, domain.Amount(50), earnings[0].Accrued)
	assert.Equal(t, uint8(10), earnings[0].FeePercent)
}

func TestPaymentLedger_RejectsInvalidPayments(t *testing.T) {
	h := newHarness(t)
	h.watching(5)
	_, err := h.deposit(viewer, 1000, "dep-1")
	require.NoError(t, err)

	tests := []struct {
		name string
		call domain.PaymentCall
		want error
	}{
		{"below minimum", domain.PaymentCall{Payee: creator, StreamID: stream, Amount: 5, TickCount: 1}, domain.ErrAmountTooSmall},
		{"wrong payee", domain.PaymentCall{Payee: "mallory", StreamID: stream, Amount: 20, TickCount: 2}, domain.ErrPayeeMismatch},
		{"amount not rate times ticks", payment(2, 0, 25), domain.ErrAmountMismatch},
		{"more ticks than recorded", payment(6, 0, 60), domain.ErrTicksUnavailable},
		{"stale watermark", payment(2, 1, 20), domain.ErrStaleWatermark},
		{"unknown stream", domain.PaymentCall{Payee: creator, StreamID: "missing", Amount: 20, TickCount: 2}, domain.ErrStreamNotFound},
		{"zero ticks", payment(0, 0, 0), domain.ErrInvalidTickCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.pay(viewer, tt.call)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// nothing moved
	assert.Equal(t, domain.Amount(1000), h.balance(viewer))
	assert.Equal(t, uint64(0), h.engagement(viewer, stream).Watermark)
	records, err := h.payments.Payments(h.ctx, domain.PaymentFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPaymentLedger_InsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.watching(5)
	_, err := h.deposit(viewer, 30, "dep-1")
	require.NoError(t, err)

	_, err = h.pay(viewer, payment(5, 0, 50))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	assert.Equal(t, domain.Amount(30), h.balance(viewer))
	assert.Equal(t, uint64(0), h.engagement(viewer, stream).Watermark)
	earnings, err := h.payments.Earnings(h.ctx, creator)
	require.NoError(t, err)
	assert.Empty(t, earnings)
}

func TestPaymentLedger_ReplayedPaymentIsRejected(t *testing.T) {
	h := newHarness(t)
	h.watching(5)
	_, err := h.deposit(viewer, 1000, "dep-1")
	require.NoError(t, err)

	call := payment(5, 0, 50)
	origin := h.origin(viewer, domain.NewProcessPaymentCall(call))

	_, err = h.payments.ProcessPayment(h.ctx, origin, call)
	require.NoError(t, err)
	_, err = h.payments.ProcessPayment(h.ctx, origin, call)
	assert.ErrorIs(t, err, domain.ErrStaleWatermark)

	assert.Equal(t, domain.Amount(950), h.balance(viewer))
}

func TestPaymentLedger_CannotPayForSomeoneElse(t *testing.T) {
	h := newHarness(t)
	h.watching(5)
	_, err := h.deposit(viewer, 100, "dep-1")
	require.NoError(t, err)

	call := payment(5, 0, 50)
	origin := h.origin(viewer, domain.NewProcessPaymentCall(call))
	origin.Account = "mallory"

	_, err = h.payments.ProcessPayment(h.ctx, origin, call)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, domain.Amount(100), h.balance(viewer))
}

func TestPaymentLedger_HashChain(t *testing.T) {
	h := newHarness(t)
	h.watching(4)
	_, err := h.deposit(viewer, 1000, "dep-1")
	require.NoError(t, err)

	first, err := h.pay(viewer, payment(2, 0, 20))
	require.NoError(t, err)
	second, err := h.pay(viewer, payment(2, 2, 20))
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.PrevHash)
	assert.NotEqual(t, first.ID, second.ID)

	n, err := h.payments.VerifyChain(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	after, err := h.payments.Payments(h.ctx, domain.PaymentFilter{Payer: viewer, AfterSeq: 1})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, second.ID, after[0].ID)

	total, err := h.payments.TotalPaidTo(h.ctx, creator)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(40), total)
}

func TestPaymentLedger_DistributePayout(t *testing.T) {
	h := newHarness(t)
	h.watching(10)
	_, err := h.deposit(viewer, 100, "dep-1")
	require.NoError(t, err)
	_, err = h.pay(viewer, payment(10, 0, 100))
	require.NoError(t, err)

	_, err = h.payout(viewer, creator)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	p, err := h.payout(creator, creator)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(100), p.Gross)
	assert.Equal(t, domain.Amount(10), p.Fee)
	assert.Equal(t, domain.Amount(90), p.Net)
	require.Len(t, p.Streams, 1)

	assert.Equal(t, domain.Amount(90), h.balance(creator))
	assert.Equal(t, domain.Amount(10), h.balance(treasury))

	earnings, err := h.payments.Earnings(h.ctx, creator)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(0), earnings[0].Accrued)

	totals, err := h.payments.PayoutTotals(h.ctx, creator)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(100), totals.LifetimeGross)
	assert.Equal(t, domain.Amount(10), totals.LifetimeFees)
	assert.Equal(t, uint64(1), totals.Payouts)

	_, err = h.payout(authority, creator)
	assert.ErrorIs(t, err, domain.ErrZeroBalance)

	_, err = h.payout(authority, "nobody")
	assert.ErrorIs(t, err, domain.ErrCreatorNotFound)
}

func TestPaymentLedger_PayoutUsesFeeOfEachStream(t *testing.T) {
	h := newHarness(t)
	h.watching(10)
	h.register(creator, "stream-2", defaultPricing)
	_, err := h.setFee(authority, "stream-2", 0)
	require.NoError(t, err)
	require.NoError(t, h.join(viewer, "stream-2"))
	h.ticks(viewer, "stream-2", 10)

	_, err = h.deposit(viewer, 200, "dep-1")
	require.NoError(t, err)
	_, err = h.pay(viewer, payment(10, 0, 100))
	require.NoError(t, err)
	_, err = h.pay(viewer, domain.PaymentCall{Payee: creator, StreamID: "stream-2", Amount: 100, TickCount: 10})
	require.NoError(t, err)

	p, err := h.payout(authority, creator)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(200), p.Gross)
	assert.Equal(t, domain.Amount(10), p.Fee)
	assert.Equal(t, domain.Amount(190), h.balance(creator))
}

func TestPaymentLedger_Deposit(t *testing.T) {
	h := newHarness(t)

	balance, err := h.deposit(viewer, 70, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(70), balance)

	_, err = h.deposit(viewer, 70, "dep-1")
	assert.ErrorIs(t, err, domain.ErrDuplicateReference)

	call := domain.DepositCall{Account: viewer, Amount: 5, Reference: "dep-2"}
	_, err = h.payments.Deposit(h.ctx, h.origin(viewer, domain.NewDepositCall(call)), call)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = h.deposit(viewer, 0, "dep-3")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	assert.Equal(t, domain.Amount(70), h.balance(viewer))
}

func TestPaymentLedger_ConservesValue(t *testing.T) {
	h := newHarness(t)
	h.watching(9)
	_, err := h.deposit(viewer, 500, "dep-1")
	require.NoError(t, err)

	_, err = h.pay(viewer, payment(3, 0, 30))
	require.NoError(t, err)
	_, err = h.pay(viewer, payment(6, 3, 60))
	require.NoError(t, err)
	_, err = h.payout(creator, creator)
	require.NoError(t, err)

	total := h.balance(viewer) + h.balance(creator) + h.balance(treasury)
	assert.Equal(t, domain.Amount(500), total)
}
