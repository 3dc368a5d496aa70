package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_ViewersStaySorted(t *testing.T) {
	s := &Stream{}

	assert.True(t, s.AddViewer("carol"))
	assert.True(t, s.AddViewer("alice"))
	assert.True(t, s.AddViewer("bob"))
	assert.False(t, s.AddViewer("alice"))
	assert.Equal(t, []AccountID{"alice", "bob", "carol"}, s.Viewers)

	assert.True(t, s.HasViewer("bob"))
	assert.True(t, s.RemoveViewer("bob"))
	assert.False(t, s.RemoveViewer("bob"))
	assert.False(t, s.HasViewer("bob"))
	assert.Equal(t, []AccountID{"alice", "carol"}, s.Viewers)
}

func TestEngagement_Unbilled(t *testing.T) {
	e := &Engagement{TickCounter: 12, Watermark: 5}
	assert.Equal(t, uint64(7), e.Unbilled())
	assert.NoError(t, e.CheckInvariant())

	e.Watermark = 13
	assert.Equal(t, uint64(0), e.Unbilled())
	assert.ErrorIs(t, e.CheckInvariant(), ErrInvariantViolation)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ClassNone},
		{ErrUnauthorized, ClassAuthorization},
		{fmt.Errorf("wrapped: %w", ErrNotMember), ClassAuthorization},
		{ErrDuplicateWindow, ClassAuthorization},
		{ErrStaleWatermark, ClassAuthorization},
		{ErrInsufficientBalance, ClassEconomic},
		{fmt.Errorf("x: %w", ErrLimitExceeded), ClassEconomic},
		{ErrZeroBalance, ClassEconomic},
		{ErrOverflow, ClassInvariant},
		{fmt.Errorf("price: %w", ErrOverflow), ClassInvariant},
		{ErrSubmissionTimeout, ClassTransient},
		{errors.New("connection reset"), ClassTransient},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}

	assert.True(t, IsRetryable(ErrVersionConflict))
	assert.False(t, IsRetryable(ErrNotMember))
	assert.Equal(t, "economic", ClassEconomic.String())
}

func TestSpendingAccount_Allows(t *testing.T) {
	a := &SpendingAccount{Limit: 100, CurrentSpend: 60}
	assert.True(t, a.Allows(40))
	assert.False(t, a.Allows(41))

	unlimited := &SpendingAccount{Limit: Unlimited, CurrentSpend: Unlimited - 1}
	assert.True(t, unlimited.Allows(1))
	assert.False(t, unlimited.Allows(2))
}

func TestSpendingAccount_PauseTransitions(t *testing.T) {
	a := &SpendingAccount{Viewer: "v"}

	assert.True(t, a.SetPaused("s1", PauseLimitExceeded))
	assert.False(t, a.SetPaused("s1", PauseLimitExceeded))
	assert.True(t, a.SetPaused("s1", PauseInsufficientBalance))

	reason, ok := a.PauseReasonFor("s1")
	require.True(t, ok)
	assert.Equal(t, PauseInsufficientBalance, reason)

	assert.True(t, a.ClearPaused("s1"))
	assert.False(t, a.ClearPaused("s1"))
}

func TestSpendingAccount_Reservations(t *testing.T) {
	a := &SpendingAccount{Viewer: "v", Limit: 100, CurrentSpend: 20, TotalSpent: 70}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	a.Reserve("s1", 50, 3, now)
	assert.Equal(t, Amount(70), a.CurrentSpend)
	assert.Equal(t, Amount(120), a.TotalSpent)
	assert.False(t, a.Allows(31))

	assert.True(t, a.Release("s1"))
	assert.False(t, a.Release("s1"))
	assert.Equal(t, Amount(20), a.CurrentSpend)
	assert.Equal(t, Amount(70), a.TotalSpent)

	a.Reserve("s1", 50, 3, now)
	assert.True(t, a.Settle("s1"))
	assert.Empty(t, a.Pending)
	assert.Equal(t, Amount(70), a.CurrentSpend)

	// a reset between reserve and release never wraps below zero
	a.Reserve("s2", 30, 0, now)
	a.CurrentSpend = 0
	a.Release("s2")
	assert.Equal(t, Amount(0), a.CurrentSpend)
}

func TestSpendingAccount_Deferrals(t *testing.T) {
	a := &SpendingAccount{Viewer: "v"}
	assert.Equal(t, 1, a.Defer("s1"))
	assert.Equal(t, 2, a.Defer("s1"))
	assert.Equal(t, 1, a.Defer("s2"))

	a.ResetDeferrals("s1")
	assert.Equal(t, 1, a.Defer("s1"))
}

func TestCall_PayloadIsStable(t *testing.T) {
	call := NewRecordTickCall(TickCall{StreamID: "s", Viewer: "v", Count: 1, Window: 7})

	a, err := call.Payload()
	require.NoError(t, err)
	b, err := NewRecordTickCall(TickCall{StreamID: "s", Viewer: "v", Count: 1, Window: 7}).Payload()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.JSONEq(t, `{"call":"record_tick","args":{"stream_id":"s","viewer":"v","count":1,"window":7}}`, string(a))

	other, err := NewRecordTickCall(TickCall{StreamID: "s", Viewer: "v", Count: 1, Window: 8}).Payload()
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}

func TestPaymentFilter_Matches(t *testing.T) {
	r := &PaymentRecord{Seq: 3, Payer: "v", Payee: "c", StreamID: "s"}

	assert.True(t, PaymentFilter{}.Matches(r))
	assert.True(t, PaymentFilter{Payer: "v", Payee: "c"}.Matches(r))
	assert.False(t, PaymentFilter{Payer: "x"}.Matches(r))
	assert.False(t, PaymentFilter{StreamID: "other"}.Matches(r))
	assert.False(t, PaymentFilter{AfterSeq: 3}.Matches(r))
}
