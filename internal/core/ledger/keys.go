package ledger

import (
	"fmt"

	"ticksettle/internal/core/domain"
)

const (
	StreamsPrefix     = "stream/"
	EngagementsPrefix = "engagement/"
	BalancesPrefix    = "balance/"
	EarningsPrefix    = "earnings/"
	PayoutsPrefix     = "payout/"
	PaymentsPrefix    = "payment/"
	FactsPrefix       = "fact/"
	MetaPrefix        = "meta/"
	DepositsPrefix    = "deposit/"
)

// Sequence counters stored under meta/.
const (
	SeqFacts    = "fact_seq"
	SeqPayments = "payment_seq"
	LastHash    = "payment_head"
)

func StreamKey(id domain.StreamID) string {
	return StreamsPrefix + string(id)
}

func EngagementKey(stream domain.StreamID, viewer domain.AccountID) string {
	return EngagementsPrefix + string(stream) + "/" + string(viewer)
}

func StreamEngagementsPrefix(stream domain.StreamID) string {
	return EngagementsPrefix + string(stream) + "/"
}

func BalanceKey(account domain.AccountID) string {
	return BalancesPrefix + string(account)
}

func EarningsKey(creator domain.AccountID, stream domain.StreamID) string {
	return EarningsPrefix + string(creator) + "/" + string(stream)
}

func CreatorEarningsPrefix(creator domain.AccountID) string {
	return EarningsPrefix + string(creator) + "/"
}

func PayoutKey(creator domain.AccountID) string {
	return PayoutsPrefix + string(creator)
}

// Sequence keys are zero padded so that lexical order equals numeric order.
func PaymentKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", PaymentsPrefix, seq)
}

func FactKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", FactsPrefix, seq)
}

func MetaKey(name string) string {
	return MetaPrefix + name
}

func DepositKey(reference string) string {
	return DepositsPrefix + reference
}
