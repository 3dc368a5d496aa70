package domain

import "time"

// PaymentCall is the argument of process_payment. The payer is the authenticated
// caller. FromWatermark pins the call to the engagement state the amount was
// computed from, so a replayed or stale call cannot settle the same ticks twice.
type PaymentCall struct {
	Payee         AccountID `json:"payee"`
	StreamID      StreamID  `json:"stream_id"`
	Amount        Amount    `json:"amount"`
	TickCount     uint64    `json:"tick_count"`
	FromWatermark uint64    `json:"from_watermark"`
}

// PaymentRecord is an immutable entry of the append-only payment log.
type PaymentRecord struct {
	Seq       uint64    `json:"seq"`
	ID        string    `json:"id"`
	Payer     AccountID `json:"payer"`
	Payee     AccountID `json:"payee"`
	StreamID  StreamID  `json:"stream_id"`
	Amount    Amount    `json:"amount"`
	TickCount uint64    `json:"tick_count"`
	FromTick  uint64    `json:"from_tick"`
	ToTick    uint64    `json:"to_tick"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// CreatorEarnings is the accrued, unsettled amount for one creator-stream pair.
// FeePercent is captured from the stream pricing at payment time.
type CreatorEarnings struct {
	Creator    AccountID `json:"creator"`
	StreamID   StreamID  `json:"stream_id"`
	Accrued    Amount    `json:"accrued"`
	FeePercent uint8     `json:"fee_percent"`
}

// PayoutTotals tracks everything ever moved out of a creator's accrued earnings.
type PayoutTotals struct {
	Creator       AccountID `json:"creator"`
	LifetimeGross Amount    `json:"lifetime_gross"`
	LifetimeFees  Amount    `json:"lifetime_fees"`
	LifetimeNet   Amount    `json:"lifetime_net"`
	Payouts       uint64    `json:"payouts"`
}

type StreamPayout struct {
	StreamID StreamID `json:"stream_id"`
	Gross    Amount   `json:"gross"`
	Fee      Amount   `json:"fee"`
}

type Payout struct {
	Creator AccountID      `json:"creator"`
	Gross   Amount         `json:"gross"`
	Fee     Amount         `json:"fee"`
	Net     Amount         `json:"net"`
	Streams []StreamPayout `json:"streams"`
	At      time.Time      `json:"at"`
}

type DepositCall struct {
	Account   AccountID `json:"account"`
	Amount    Amount    `json:"amount"`
	Reference string    `json:"reference"`
}

type PaymentFilter struct {
	Payer    AccountID
	Payee    AccountID
	StreamID StreamID
	AfterSeq uint64
	Limit    int
}

func (f PaymentFilter) Matches(r *PaymentRecord) bool {
	if r.Seq <= f.AfterSeq {
		return false
	}
	if f.Payer != "" && r.Payer != f.Payer {
		return false
	}
	if f.Payee != "" && r.Payee != f.Payee {
		return false
	}
	if f.StreamID != "" && r.StreamID != f.StreamID {
		return false
	}
	return true
}
