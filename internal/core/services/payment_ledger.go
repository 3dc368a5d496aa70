package services

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ledger"
	"ticksettle/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"lukechampine.com/blake3"
)

// BillingSource gives the payment ledger access to stream terms and tick
// settlement inside the same ledger operation.
type BillingSource interface {
	Terms(tx *ledger.Tx, id domain.StreamID) (*domain.Stream, error)
	SettleTicks(tx *ledger.Tx, id domain.StreamID, viewer domain.AccountID, from, n uint64) (*domain.Engagement, error)
}

type PaymentConfig struct {
	// Authority may deposit funds and trigger payouts for any creator.
	Authority domain.AccountID
	// Treasury receives platform fees.
	Treasury domain.AccountID
}

type PaymentLedger struct {
	runtime *ledger.Runtime
	billing BillingSource
	config  PaymentConfig
	logger  *zap.SugaredLogger
}

func NewPaymentLedger(runtime *ledger.Runtime, billing BillingSource, config PaymentConfig, logger *zap.SugaredLogger) *PaymentLedger {
	return &PaymentLedger{
		runtime: runtime,
		billing: billing,
		config:  config,
		logger:  logger,
	}
}

type depositEntry struct {
	Account domain.AccountID `json:"account"`
	Amount  domain.Amount    `json:"amount"`
	At      time.Time        `json:"at"`
}

// ProcessPayment moves amount from the caller to the stream creator's accrued
// earnings and settles TickCount ticks of the caller's engagement, atomically.
func (l *PaymentLedger) ProcessPayment(ctx context.Context, origin domain.Origin, call domain.PaymentCall) (*domain.PaymentRecord, error) {
	if call.TickCount == 0 {
		return nil, fmt.Errorf("%w: tick_count must be > 0", domain.ErrInvalidTickCount)
	}

	var record *domain.PaymentRecord
	err := l.runtime.Execute(ctx, origin, domain.NewProcessPaymentCall(call), func(tx *ledger.Tx) error {
		payer := tx.Caller()

		stream, err := l.billing.Terms(tx, call.StreamID)
		if err != nil {
			return err
		}
		if call.Amount < stream.Pricing.MinPaymentAmount {
			return fmt.Errorf("%w: %d < %d", domain.ErrAmountTooSmall, call.Amount, stream.Pricing.MinPaymentAmount)
		}
		if call.Payee != stream.Creator {
			return fmt.Errorf("%w: %s", domain.ErrPayeeMismatch, call.Payee)
		}
		expected, err := stream.Pricing.AmountFor(call.TickCount)
		if err != nil {
			return fmt.Errorf("price %d ticks: %w", call.TickCount, err)
		}
		if call.Amount != expected {
			return fmt.Errorf("%w: got %d, %d ticks at %d cost %d",
				domain.ErrAmountMismatch, call.Amount, call.TickCount, stream.Pricing.RatePerTick, expected)
		}

		balance, err := l.balance(tx, payer)
		if err != nil {
			return err
		}
		if balance < call.Amount {
			return fmt.Errorf("%w: balance %d, amount %d", domain.ErrInsufficientBalance, balance, call.Amount)
		}
		if err := l.debit(tx, payer, call.Amount); err != nil {
			return err
		}

		earnings := &domain.CreatorEarnings{Creator: stream.Creator, StreamID: stream.ID}
		if _, err := tx.Get(ledger.EarningsKey(stream.Creator, stream.ID), earnings); err != nil {
			return err
		}
		if earnings.Accrued, err = earnings.Accrued.CheckedAdd(call.Amount); err != nil {
			return fmt.Errorf("accrue earnings for %s: %w", stream.Creator, err)
		}
		earnings.FeePercent = stream.Pricing.PlatformFeePercent
		if err := tx.Put(ledger.EarningsKey(stream.Creator, stream.ID), earnings); err != nil {
			return err
		}

		engagement, err := l.billing.SettleTicks(tx, stream.ID, payer, call.FromWatermark, call.TickCount)
		if err != nil {
			return err
		}

		record, err = l.appendRecord(tx, &domain.PaymentRecord{
			Payer:     payer,
			Payee:     stream.Creator,
			StreamID:  stream.ID,
			Amount:    call.Amount,
			TickCount: call.TickCount,
			FromTick:  call.FromWatermark,
			ToTick:    engagement.Watermark,
			CreatedAt: tx.Now(),
		})
		if err != nil {
			return err
		}
		return tx.Emit(domain.FactPaymentProcessed, stream.ID, payer, domain.PaymentProcessed{Record: *record})
	})
	if err != nil {
		return nil, err
	}

	l.logger.Infow("Payment processed",
		"payment_id", record.ID,
		"seq", record.Seq,
		"payer", record.Payer,
		"payee", record.Payee,
		"stream_id", record.StreamID,
		"amount", record.Amount,
		"ticks", record.TickCount,
	)
	return record, nil
}

// appendRecord assigns the next sequence number and links the record into the
// hash chain of the payment log.
func (l *PaymentLedger) appendRecord(tx *ledger.Tx, record *domain.PaymentRecord) (*domain.PaymentRecord, error) {
	seq, err := tx.NextSeq(ledger.SeqPayments)
	if err != nil {
		return nil, err
	}
	var head string
	if _, err := tx.Get(ledger.MetaKey(ledger.LastHash), &head); err != nil {
		return nil, err
	}

	record.Seq = seq
	record.PrevHash = head
	sum, err := hashRecord(record)
	if err != nil {
		return nil, err
	}
	record.Hash = hex.EncodeToString(sum[:])
	record.ID = uuid.NewSHA1(uuid.NameSpaceOID, sum[:]).String()

	if err := tx.Put(ledger.PaymentKey(seq), record); err != nil {
		return nil, err
	}
	if err := tx.Put(ledger.MetaKey(ledger.LastHash), record.Hash); err != nil {
		return nil, err
	}
	return record, nil
}

func hashRecord(record *domain.PaymentRecord) ([32]byte, error) {
	unsealed := *record
	unsealed.ID = ""
	unsealed.Hash = ""
	data, err := json.Marshal(unsealed)
	if err != nil {
		return [32]byte{}, fmt.Errorf("encode payment record: %w", err)
	}
	return blake3.Sum256(data), nil
}

// DistributePayout settles all accrued earnings of creator: the fee of each
// stream goes to the treasury and the rest to the creator's balance.
func (l *PaymentLedger) DistributePayout(ctx context.Context, origin domain.Origin, creator domain.AccountID) (*domain.Payout, error) {
	var payout *domain.Payout
	err := l.runtime.Execute(ctx, origin, domain.NewDistributePayoutCall(creator), func(tx *ledger.Tx) error {
		caller := tx.Caller()
		if caller != creator && caller != l.config.Authority {
			return fmt.Errorf("%w: %s cannot pay out %s", domain.ErrUnauthorized, caller, creator)
		}

		var records []*domain.CreatorEarnings
		err := ledger.ScanInto(tx, ledger.CreatorEarningsPrefix(creator), func(_ string, e *domain.CreatorEarnings) error {
			records = append(records, e)
			return nil
		})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return fmt.Errorf("%w: %s", domain.ErrCreatorNotFound, creator)
		}

		payout = &domain.Payout{Creator: creator, At: tx.Now()}
		for _, e := range records {
			if e.Accrued == 0 {
				continue
			}
			fee := e.Accrued.Percent(e.FeePercent)
			net, err := e.Accrued.CheckedSub(fee)
			if err != nil {
				return err
			}
			if payout.Gross, err = payout.Gross.CheckedAdd(e.Accrued); err != nil {
				return err
			}
			if payout.Fee, err = payout.Fee.CheckedAdd(fee); err != nil {
				return err
			}
			if payout.Net, err = payout.Net.CheckedAdd(net); err != nil {
				return err
			}
			payout.Streams = append(payout.Streams, domain.StreamPayout{StreamID: e.StreamID, Gross: e.Accrued, Fee: fee})

			e.Accrued = 0
			if err := tx.Put(ledger.EarningsKey(creator, e.StreamID), e); err != nil {
				return err
			}
		}
		if payout.Gross == 0 {
			return fmt.Errorf("%w: %s", domain.ErrZeroBalance, creator)
		}

		if err := l.credit(tx, creator, payout.Net); err != nil {
			return err
		}
		if payout.Fee > 0 {
			if err := l.credit(tx, l.config.Treasury, payout.Fee); err != nil {
				return err
			}
		}

		totals := &domain.PayoutTotals{Creator: creator}
		if _, err := tx.Get(ledger.PayoutKey(creator), totals); err != nil {
			return err
		}
		if totals.LifetimeGross, err = totals.LifetimeGross.CheckedAdd(payout.Gross); err != nil {
			return err
		}
		if totals.LifetimeFees, err = totals.LifetimeFees.CheckedAdd(payout.Fee); err != nil {
			return err
		}
		if totals.LifetimeNet, err = totals.LifetimeNet.CheckedAdd(payout.Net); err != nil {
			return err
		}
		totals.Payouts++
		if err := tx.Put(ledger.PayoutKey(creator), totals); err != nil {
			return err
		}

		return tx.Emit(domain.FactPayoutDistributed, "", creator, domain.PayoutDistributed{Payout: *payout})
	})
	if err != nil {
		return nil, err
	}

	l.logger.Infow("Payout distributed",
		"creator", creator,
		"gross", payout.Gross,
		"fee", payout.Fee,
		"net", payout.Net,
		"streams", len(payout.Streams),
	)
	return payout, nil
}

// Deposit credits an account from outside the ledger. Each reference is
// accepted once.
func (l *PaymentLedger) Deposit(ctx context.Context, origin domain.Origin, call domain.DepositCall) (domain.Amount, error) {
	if call.Amount == 0 {
		return 0, fmt.Errorf("%w: deposit amount must be > 0", domain.ErrInvalidArgument)
	}
	if err := validation.ValidateAccountID(string(call.Account)); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := validation.ValidateReference(call.Reference); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	var balance domain.Amount
	err := l.runtime.Execute(ctx, origin, domain.NewDepositCall(call), func(tx *ledger.Tx) error {
		if tx.Caller() != l.config.Authority {
			return fmt.Errorf("%w: deposits require the platform authority", domain.ErrUnauthorized)
		}

		exists, err := tx.Get(ledger.DepositKey(call.Reference), &depositEntry{})
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateReference, call.Reference)
		}

		if err := l.credit(tx, call.Account, call.Amount); err != nil {
			return err
		}
		if balance, err = l.balance(tx, call.Account); err != nil {
			return err
		}
		entry := &depositEntry{Account: call.Account, Amount: call.Amount, At: tx.Now()}
		if err := tx.Put(ledger.DepositKey(call.Reference), entry); err != nil {
			return err
		}
		return tx.Emit(domain.FactDeposited, "", call.Account, domain.Deposited{
			Account:   call.Account,
			Amount:    call.Amount,
			Balance:   balance,
			Reference: call.Reference,
		})
	})
	if err != nil {
		return 0, err
	}

	l.logger.Infow("Deposit credited",
		"account", call.Account,
		"amount", call.Amount,
		"reference", call.Reference,
	)
	return balance, nil
}

// Balance returns the spendable balance of account. Unknown accounts hold zero.
func (l *PaymentLedger) Balance(ctx context.Context, account domain.AccountID) (domain.Amount, error) {
	var balance domain.Amount
	err := l.runtime.Read(ctx, func(tx *ledger.Tx) error {
		var err error
		balance, err = l.balance(tx, account)
		return err
	})
	return balance, err
}

// Earnings lists the creator's per-stream earnings not yet paid out.
func (l *PaymentLedger) Earnings(ctx context.Context, creator domain.AccountID) ([]*domain.CreatorEarnings, error) {
	var records []*domain.CreatorEarnings
	err := l.runtime.Read(ctx, func(tx *ledger.Tx) error {
		return ledger.ScanInto(tx, ledger.CreatorEarningsPrefix(creator), func(_ string, e *domain.CreatorEarnings) error {
			records = append(records, e)
			return nil
		})
	})
	return records, err
}

// PayoutTotals returns lifetime payout sums for creator.
func (l *PaymentLedger) PayoutTotals(ctx context.Context, creator domain.AccountID) (*domain.PayoutTotals, error) {
	totals := &domain.PayoutTotals{Creator: creator}
	err := l.runtime.Read(ctx, func(tx *ledger.Tx) error {
		_, err := tx.Get(ledger.PayoutKey(creator), totals)
		return err
	})
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// Payments returns log entries matching filter in sequence order.
func (l *PaymentLedger) Payments(ctx context.Context, filter domain.PaymentFilter) ([]*domain.PaymentRecord, error) {
	var records []*domain.PaymentRecord
	err := l.runtime.Read(ctx, func(tx *ledger.Tx) error {
		return ledger.ScanInto(tx, ledger.PaymentsPrefix, func(_ string, r *domain.PaymentRecord) error {
			if filter.Limit > 0 && len(records) >= filter.Limit {
				return nil
			}
			if filter.Matches(r) {
				records = append(records, r)
			}
			return nil
		})
	})
	return records, err
}

// TotalPaidTo sums every payment ever made to creator.
func (l *PaymentLedger) TotalPaidTo(ctx context.Context, creator domain.AccountID) (domain.Amount, error) {
	records, err := l.Payments(ctx, domain.PaymentFilter{Payee: creator})
	if err != nil {
		return 0, err
	}
	var total domain.Amount
	for _, r := range records {
		if total, err = total.CheckedAdd(r.Amount); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// VerifyChain walks the payment log and checks every hash link.
func (l *PaymentLedger) VerifyChain(ctx context.Context) (uint64, error) {
	var (
		count uint64
		prev  string
	)
	err := l.runtime.Read(ctx, func(tx *ledger.Tx) error {
		return ledger.ScanInto(tx, ledger.PaymentsPrefix, func(key string, r *domain.PaymentRecord) error {
			if r.Seq != count+1 {
				return fmt.Errorf("%w: %s has seq %d, expected %d", domain.ErrInvariantViolation, key, r.Seq, count+1)
			}
			if r.PrevHash != prev {
				return fmt.Errorf("%w: payment %d does not link to %q", domain.ErrInvariantViolation, r.Seq, prev)
			}
			sum, err := hashRecord(r)
			if err != nil {
				return err
			}
			if hex.EncodeToString(sum[:]) != r.Hash {
				return fmt.Errorf("%w: payment %d hash mismatch", domain.ErrInvariantViolation, r.Seq)
			}
			prev = r.Hash
			count++
			return nil
		})
	})
	return count, err
}

func (l *PaymentLedger) balance(tx *ledger.Tx, account domain.AccountID) (domain.Amount, error) {
	var balance domain.Amount
	if _, err := tx.Get(ledger.BalanceKey(account), &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func (l *PaymentLedger) credit(tx *ledger.Tx, account domain.AccountID, amount domain.Amount) error {
	balance, err := l.balance(tx, account)
	if err != nil {
		return err
	}
	if balance, err = balance.CheckedAdd(amount); err != nil {
		return fmt.Errorf("credit %s: %w", account, err)
	}
	return tx.Put(ledger.BalanceKey(account), balance)
}

func (l *PaymentLedger) debit(tx *ledger.Tx, account domain.AccountID, amount domain.Amount) error {
	balance, err := l.balance(tx, account)
	if err != nil {
		return err
	}
	if balance, err = balance.CheckedSub(amount); err != nil {
		return fmt.Errorf("debit %s: %w", account, err)
	}
	return tx.Put(ledger.BalanceKey(account), balance)
}
