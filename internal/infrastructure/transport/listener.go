package transport

import (
	"context"
	"fmt"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ledger"
	"ticksettle/internal/core/ports"

	"go.uber.org/zap"
)

type membershipLedger interface {
	Join(ctx context.Context, origin domain.Origin, id domain.StreamID) error
	Leave(ctx context.Context, origin domain.Origin, id domain.StreamID, viewer domain.AccountID) error
}

// LedgerListener keeps ledger membership in step with watch sessions, signing
// join and leave with the viewer's custodial key.
type LedgerListener struct {
	ledger  membershipLedger
	signers ports.SignerProvider
	logger  *zap.SugaredLogger
}

func NewLedgerListener(ledger membershipLedger, signers ports.SignerProvider, logger *zap.SugaredLogger) *LedgerListener {
	return &LedgerListener{ledger: ledger, signers: signers, logger: logger}
}

func (l *LedgerListener) OnConnect(ctx context.Context, stream domain.StreamID, viewer domain.AccountID) error {
	signer, err := l.signers.SignerFor(viewer)
	if err != nil {
		return fmt.Errorf("%w: no signer for %s: %v", domain.ErrUnauthorized, viewer, err)
	}
	origin, err := ledger.SignCall(ctx, signer, domain.NewJoinCall(stream))
	if err != nil {
		return err
	}
	return l.ledger.Join(ctx, origin, stream)
}

// OnDisconnect leaves the stream. Failures are logged; unbilled ticks stay
// collectible either way.
func (l *LedgerListener) OnDisconnect(ctx context.Context, stream domain.StreamID, viewer domain.AccountID) {
	signer, err := l.signers.SignerFor(viewer)
	if err != nil {
		l.logger.Warnw("No signer for disconnecting viewer", "viewer", viewer, "error", err)
		return
	}
	origin, err := ledger.SignCall(ctx, signer, domain.NewLeaveCall(stream, viewer))
	if err != nil {
		l.logger.Warnw("Failed to sign leave", "viewer", viewer, "error", err)
		return
	}
	if err := l.ledger.Leave(ctx, origin, stream, viewer); err != nil {
		l.logger.Warnw("Failed to leave stream",
			"stream_id", stream,
			"viewer", viewer,
			"error", err,
		)
	}
}
