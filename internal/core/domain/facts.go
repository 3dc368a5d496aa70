package domain

import (
	"encoding/json"
	"time"
)

type FactType string

const (
	FactStreamRegistered  FactType = "stream.registered"
	FactStreamEnded       FactType = "stream.ended"
	FactFeeChanged        FactType = "stream.fee_changed"
	FactViewerJoined      FactType = "viewer.joined"
	FactViewerLeft        FactType = "viewer.left"
	FactTickRecorded      FactType = "tick.recorded"
	FactPaymentProcessed  FactType = "payment.processed"
	FactPayoutDistributed FactType = "payout.distributed"
	FactDeposited         FactType = "balance.deposited"
)

// Fact is an entry of the ledger outbox. Seq is dense and strictly increasing;
// Version is the state version the fact was committed with.
type Fact struct {
	Seq      uint64          `json:"seq"`
	Version  uint64          `json:"version"`
	Type     FactType        `json:"type"`
	At       time.Time       `json:"at"`
	StreamID StreamID        `json:"stream_id,omitempty"`
	Account  AccountID       `json:"account,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (f *Fact) Decode(v any) error {
	return json.Unmarshal(f.Payload, v)
}

type FeeChanged struct {
	StreamID StreamID `json:"stream_id"`
	Previous uint8    `json:"previous"`
	Current  uint8    `json:"current"`
}

type ViewerJoined struct {
	StreamID StreamID  `json:"stream_id"`
	Viewer   AccountID `json:"viewer"`
	Rejoin   bool      `json:"rejoin"`
}

type ViewerLeft struct {
	StreamID StreamID  `json:"stream_id"`
	Viewer   AccountID `json:"viewer"`
	Unbilled uint64    `json:"unbilled"`
}

type TickRecorded struct {
	StreamID StreamID  `json:"stream_id"`
	Viewer   AccountID `json:"viewer"`
	Count    uint64    `json:"count"`
	Total    uint64    `json:"total"`
}

type PaymentProcessed struct {
	Record PaymentRecord `json:"record"`
}

type PayoutDistributed struct {
	Payout Payout `json:"payout"`
}

type Deposited struct {
	Account   AccountID `json:"account"`
	Amount    Amount    `json:"amount"`
	Balance   Amount    `json:"balance"`
	Reference string    `json:"reference"`
}
