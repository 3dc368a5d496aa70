package archive

import (
	"context"
	"fmt"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ports"

	"go.uber.org/zap"
)

// Archiver is the fact sink that mirrors processed payments into the archive.
// Every other fact type is accepted and ignored.
type Archiver struct {
	archive    ports.PaymentArchive
	logger     *zap.SugaredLogger
	onArchived func(n int)
}

func NewArchiver(archive ports.PaymentArchive, logger *zap.SugaredLogger) *Archiver {
	return &Archiver{archive: archive, logger: logger}
}

func (a *Archiver) OnArchived(fn func(n int)) {
	a.onArchived = fn
}

func (a *Archiver) Publish(ctx context.Context, fact *domain.Fact) error {
	if fact.Type != domain.FactPaymentProcessed {
		return nil
	}

	var payload domain.PaymentProcessed
	if err := fact.Decode(&payload); err != nil {
		return fmt.Errorf("decode payment fact %d: %w", fact.Seq, err)
	}
	if err := a.archive.Store(ctx, &payload.Record); err != nil {
		return err
	}

	a.logger.Debugw("Archived payment",
		"seq", payload.Record.Seq,
		"payer", payload.Record.Payer,
		"payee", payload.Record.Payee,
		"amount", payload.Record.Amount,
	)
	if a.onArchived != nil {
		a.onArchived(1)
	}
	return nil
}
