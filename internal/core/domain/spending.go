package domain

import "time"

// SpendingAccount is orchestrator-owned policy state, never part of the ledger.
// CurrentSpend counts amounts billed or reserved since the last reset;
// TotalSpent never resets. Version guards concurrent writers: a repository
// only stores an account whose Version matches the stored one.
type SpendingAccount struct {
	Viewer       AccountID `json:"viewer"`
	Limit        Amount    `json:"limit"`
	CurrentSpend Amount    `json:"current_spend"`
	TotalSpent   Amount    `json:"total_spent"`
	ResetAt      time.Time `json:"reset_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      uint64    `json:"version"`

	Paused map[StreamID]PauseReason `json:"paused,omitempty"`
	// Pending holds spend reserved for payments whose outcome is not known yet.
	Pending map[StreamID]Reservation `json:"pending,omitempty"`
	// Deferrals counts consecutive billing passes that could not reach a verdict.
	Deferrals map[StreamID]int `json:"deferrals,omitempty"`
}

// Reservation is spend counted against the limit before its payment is
// submitted. FromWatermark is the watermark the payment was built against: the
// payment committed iff the engagement watermark has since moved past it.
type Reservation struct {
	Amount        Amount    `json:"amount"`
	FromWatermark uint64    `json:"from_watermark"`
	ReservedAt    time.Time `json:"reserved_at"`
}

func (s *SpendingAccount) PauseReasonFor(stream StreamID) (PauseReason, bool) {
	r, ok := s.Paused[stream]
	return r, ok
}

// SetPaused records a pause and reports whether it is a new transition.
func (s *SpendingAccount) SetPaused(stream StreamID, reason PauseReason) bool {
	if s.Paused == nil {
		s.Paused = make(map[StreamID]PauseReason)
	}
	prev, ok := s.Paused[stream]
	s.Paused[stream] = reason
	return !ok || prev != reason
}

// ClearPaused reports whether the stream was paused.
func (s *SpendingAccount) ClearPaused(stream StreamID) bool {
	if _, ok := s.Paused[stream]; !ok {
		return false
	}
	delete(s.Paused, stream)
	return true
}

// Allows reports whether billing amount keeps CurrentSpend within Limit.
func (s *SpendingAccount) Allows(amount Amount) bool {
	next, err := s.CurrentSpend.CheckedAdd(amount)
	if err != nil {
		return false
	}
	return next <= s.Limit
}

// Reserve counts amount as spent ahead of its payment. The caller has checked
// Allows.
func (s *SpendingAccount) Reserve(stream StreamID, amount Amount, fromWatermark uint64, now time.Time) {
	if s.Pending == nil {
		s.Pending = make(map[StreamID]Reservation)
	}
	s.Pending[stream] = Reservation{Amount: amount, FromWatermark: fromWatermark, ReservedAt: now}
	s.CurrentSpend = s.CurrentSpend.SaturatingAdd(amount)
	s.TotalSpent = s.TotalSpent.SaturatingAdd(amount)
}

// Settle keeps a reservation as spend once its payment is known to have
// committed.
func (s *SpendingAccount) Settle(stream StreamID) bool {
	if _, ok := s.Pending[stream]; !ok {
		return false
	}
	delete(s.Pending, stream)
	return true
}

// Release returns a reservation whose payment is known not to have committed.
func (s *SpendingAccount) Release(stream StreamID) bool {
	r, ok := s.Pending[stream]
	if !ok {
		return false
	}
	delete(s.Pending, stream)
	s.CurrentSpend = s.CurrentSpend.SaturatingSub(r.Amount)
	s.TotalSpent = s.TotalSpent.SaturatingSub(r.Amount)
	return true
}

// Defer counts a pass without verdict for stream and returns the streak length.
func (s *SpendingAccount) Defer(stream StreamID) int {
	if s.Deferrals == nil {
		s.Deferrals = make(map[StreamID]int)
	}
	s.Deferrals[stream]++
	return s.Deferrals[stream]
}

func (s *SpendingAccount) ResetDeferrals(stream StreamID) {
	delete(s.Deferrals, stream)
}

type PlaybackState string

const (
	PlaybackActive PlaybackState = "active"
	PlaybackPaused PlaybackState = "paused"
)

type PauseReason string

const (
	PauseLimitExceeded       PauseReason = "limit_exceeded"
	PauseInsufficientBalance PauseReason = "insufficient_funds"
	PausePaymentRejected     PauseReason = "payment_rejected"
	PauseHalted              PauseReason = "halted"
	// PauseBillingUnavailable stops playback after too many passes in a row
	// could not bill the viewer.
	PauseBillingUnavailable PauseReason = "billing_unavailable"
)

// Message is the user-visible framing of a pause at the transport boundary.
func (r PauseReason) Message() string {
	switch r {
	case PauseLimitExceeded:
		return "viewing paused - spending limit reached"
	case PauseInsufficientBalance:
		return "viewing paused - insufficient funds"
	case PauseBillingUnavailable:
		return "viewing paused - billing temporarily unavailable"
	default:
		return "viewing paused"
	}
}
