package services

import (
	"context"
	"fmt"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ledger"
	"ticksettle/pkg/validation"

	"go.uber.org/zap"
)

type EngagementConfig struct {
	// TickSubmitters may record ticks and leaves for any viewer.
	TickSubmitters      []domain.AccountID
	MaxSelfTicksPerCall uint64
	MinSelfTickInterval time.Duration

	// Authority is the only account allowed to deviate from PlatformFeePercent.
	Authority          domain.AccountID
	PlatformFeePercent uint8
}

func DefaultEngagementConfig() EngagementConfig {
	return EngagementConfig{
		MaxSelfTicksPerCall: 60,
		MinSelfTickInterval: time.Second,
		PlatformFeePercent:  10,
	}
}

// EngagementLedger tracks stream membership and confirmed ticks per viewer.
type EngagementLedger struct {
	runtime    *ledger.Runtime
	config     EngagementConfig
	submitters map[domain.AccountID]struct{}
	logger     *zap.SugaredLogger
}

func NewEngagementLedger(runtime *ledger.Runtime, config EngagementConfig, logger *zap.SugaredLogger) *EngagementLedger {
	submitters := make(map[domain.AccountID]struct{}, len(config.TickSubmitters))
	for _, id := range config.TickSubmitters {
		submitters[id] = struct{}{}
	}
	return &EngagementLedger{
		runtime:    runtime,
		config:     config,
		submitters: submitters,
		logger:     logger,
	}
}

// IsSubmitter reports whether account may record ticks and leaves on behalf
// of other viewers.
func (l *EngagementLedger) IsSubmitter(account domain.AccountID) bool {
	_, ok := l.submitters[account]
	return ok
}

// RegisterStream creates an active stream owned by the caller. The platform
// fee must match the configured one unless the authority registers it.
func (l *EngagementLedger) RegisterStream(ctx context.Context, origin domain.Origin, id domain.StreamID, pricing domain.PricingConfig) (*domain.Stream, error) {
	if err := validation.ValidateStreamID(string(id)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := pricing.Validate(); err != nil {
		return nil, err
	}

	var stream *domain.Stream
	err := l.runtime.Execute(ctx, origin, domain.NewRegisterStreamCall(id, pricing), func(tx *ledger.Tx) error {
		ok, err := tx.Get(ledger.StreamKey(id), &domain.Stream{})
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", domain.ErrStreamExists, id)
		}
		if pricing.PlatformFeePercent != l.config.PlatformFeePercent && tx.Caller() != l.config.Authority {
			return fmt.Errorf("%w: platform fee is %d%%, set by the platform", domain.ErrUnauthorized, l.config.PlatformFeePercent)
		}

		stream = &domain.Stream{
			ID:        id,
			Creator:   tx.Caller(),
			Active:    true,
			Pricing:   pricing,
			Viewers:   []domain.AccountID{},
			CreatedAt: tx.Now(),
		}
		if err := tx.Put(ledger.StreamKey(id), stream); err != nil {
			return err
		}
		return tx.Emit(domain.FactStreamRegistered, id, stream.Creator, stream)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Infow("Stream registered",
		"stream_id", id,
		"creator", stream.Creator,
		"rate_per_tick", pricing.RatePerTick,
		"min_payment", pricing.MinPaymentAmount,
		"fee_percent", pricing.PlatformFeePercent,
	)
	return stream, nil
}

// SetPlatformFee overrides the fee taken from future payments on a stream.
// Only the authority may call it.
func (l *EngagementLedger) SetPlatformFee(ctx context.Context, origin domain.Origin, id domain.StreamID, feePercent uint8) (*domain.Stream, error) {
	if feePercent > 100 {
		return nil, fmt.Errorf("%w: platform_fee_percent must be <= 100", domain.ErrInvalidConfig)
	}

	var stream *domain.Stream
	var previous uint8
	err := l.runtime.Execute(ctx, origin, domain.NewSetPlatformFeeCall(id, feePercent), func(tx *ledger.Tx) error {
		if l.config.Authority == "" || tx.Caller() != l.config.Authority {
			return fmt.Errorf("%w: only the platform authority sets fees", domain.ErrUnauthorized)
		}
		var err error
		stream, err = l.loadStream(tx, id)
		if err != nil {
			return err
		}

		previous = stream.Pricing.PlatformFeePercent
		stream.Pricing.PlatformFeePercent = feePercent
		if err := tx.Put(ledger.StreamKey(id), stream); err != nil {
			return err
		}
		return tx.Emit(domain.FactFeeChanged, id, stream.Creator, domain.FeeChanged{
			StreamID: id,
			Previous: previous,
			Current:  feePercent,
		})
	})
	if err != nil {
		return nil, err
	}

	l.logger.Infow("Platform fee changed",
		"stream_id", id,
		"previous", previous,
		"fee_percent", feePercent,
	)
	return stream, nil
}

// EndStream archives a stream. Engagements stay readable and billable.
func (l *EngagementLedger) EndStream(ctx context.Context, origin domain.Origin, id domain.StreamID) error {
	return l.runtime.Execute(ctx, origin, domain.NewEndStreamCall(id), func(tx *ledger.Tx) error {
		stream, err := l.loadStream(tx, id)
		if err != nil {
			return err
		}
		if stream.Creator != tx.Caller() {
			return fmt.Errorf("%w: only the creator can end %s", domain.ErrUnauthorized, id)
		}
		if !stream.Active {
			return nil
		}

		now := tx.Now()
		stream.Active = false
		stream.EndedAt = &now
		if err := tx.Put(ledger.StreamKey(id), stream); err != nil {
			return err
		}
		return tx.Emit(domain.FactStreamEnded, id, stream.Creator, stream)
	})
}

// Join makes the caller a member of the stream. Joining twice is a no-op; a
// viewer that left joins again with its counters intact.
func (l *EngagementLedger) Join(ctx context.Context, origin domain.Origin, id domain.StreamID) error {
	return l.runtime.Execute(ctx, origin, domain.NewJoinCall(id), func(tx *ledger.Tx) error {
		stream, err := l.loadStream(tx, id)
		if err != nil {
			return err
		}
		if !stream.Active {
			return fmt.Errorf("%w: %s", domain.ErrStreamInactive, id)
		}

		viewer := tx.Caller()
		engagement := &domain.Engagement{}
		exists, err := tx.Get(ledger.EngagementKey(id, viewer), engagement)
		if err != nil {
			return err
		}
		if exists && engagement.State == domain.StateJoined {
			return nil
		}

		if !exists {
			engagement = &domain.Engagement{StreamID: id, Viewer: viewer}
		}
		engagement.State = domain.StateJoined
		engagement.JoinedAt = tx.Now()
		engagement.LeftAt = nil

		stream.AddViewer(viewer)
		if err := tx.Put(ledger.StreamKey(id), stream); err != nil {
			return err
		}
		if err := tx.Put(ledger.EngagementKey(id, viewer), engagement); err != nil {
			return err
		}
		return tx.Emit(domain.FactViewerJoined, id, viewer, domain.ViewerJoined{
			StreamID: id,
			Viewer:   viewer,
			Rejoin:   exists,
		})
	})
}

// Leave ends membership for viewer. The viewer itself or a tick submitter acting
// for a disconnected viewer may call it. Counters are kept so the remaining
// ticks can still be billed.
func (l *EngagementLedger) Leave(ctx context.Context, origin domain.Origin, id domain.StreamID, viewer domain.AccountID) error {
	return l.runtime.Execute(ctx, origin, domain.NewLeaveCall(id, viewer), func(tx *ledger.Tx) error {
		caller := tx.Caller()
		if caller != viewer && !l.IsSubmitter(caller) {
			return fmt.Errorf("%w: %s cannot leave on behalf of %s", domain.ErrUnauthorized, caller, viewer)
		}

		stream, err := l.loadStream(tx, id)
		if err != nil {
			return err
		}

		engagement := &domain.Engagement{}
		exists, err := tx.Get(ledger.EngagementKey(id, viewer), engagement)
		if err != nil {
			return err
		}
		if !exists || engagement.State != domain.StateJoined {
			return nil
		}

		now := tx.Now()
		engagement.State = domain.StateLeft
		engagement.LeftAt = &now
		stream.RemoveViewer(viewer)

		if err := tx.Put(ledger.StreamKey(id), stream); err != nil {
			return err
		}
		if err := tx.Put(ledger.EngagementKey(id, viewer), engagement); err != nil {
			return err
		}
		return tx.Emit(domain.FactViewerLeft, id, viewer, domain.ViewerLeft{
			StreamID: id,
			Viewer:   viewer,
			Unbilled: engagement.Unbilled(),
		})
	})
}

// RecordTick adds confirmed engagement units for a joined viewer. Submissions
// keyed by a window are accepted at most once per window.
func (l *EngagementLedger) RecordTick(ctx context.Context, origin domain.Origin, call domain.TickCall) error {
	if call.Count == 0 {
		return fmt.Errorf("%w: count must be > 0", domain.ErrInvalidTickCount)
	}

	return l.runtime.Execute(ctx, origin, domain.NewRecordTickCall(call), func(tx *ledger.Tx) error {
		caller := tx.Caller()
		submitter := l.IsSubmitter(caller)
		if !submitter && caller != call.Viewer {
			return fmt.Errorf("%w: %s cannot record ticks for %s", domain.ErrUnauthorized, caller, call.Viewer)
		}

		stream, err := l.loadStream(tx, call.StreamID)
		if err != nil {
			return err
		}
		if !stream.Active {
			return fmt.Errorf("%w: %s", domain.ErrStreamInactive, call.StreamID)
		}

		engagement := &domain.Engagement{}
		exists, err := tx.Get(ledger.EngagementKey(call.StreamID, call.Viewer), engagement)
		if err != nil {
			return err
		}
		if !exists || engagement.State != domain.StateJoined {
			return fmt.Errorf("%w: %s in %s", domain.ErrNotMember, call.Viewer, call.StreamID)
		}

		if !submitter {
			if call.Count > l.config.MaxSelfTicksPerCall {
				return fmt.Errorf("%w: %d exceeds %d per call", domain.ErrInvalidTickCount, call.Count, l.config.MaxSelfTicksPerCall)
			}
			if !engagement.LastSelfTickAt.IsZero() && tx.Now().Sub(engagement.LastSelfTickAt) < l.config.MinSelfTickInterval {
				return fmt.Errorf("%w: last submission at %s", domain.ErrRateLimited, engagement.LastSelfTickAt.Format(time.RFC3339Nano))
			}
			engagement.LastSelfTickAt = tx.Now()
		}

		if call.Window != 0 {
			if call.Window <= engagement.LastWindow {
				return fmt.Errorf("%w: window %d, last %d", domain.ErrDuplicateWindow, call.Window, engagement.LastWindow)
			}
			engagement.LastWindow = call.Window
		}

		engagement.TickCounter = domain.SaturatingAddTicks(engagement.TickCounter, call.Count)
		if err := engagement.CheckInvariant(); err != nil {
			return err
		}
		stream.TotalTicks = domain.SaturatingAddTicks(stream.TotalTicks, call.Count)
		if err := tx.Put(ledger.StreamKey(call.StreamID), stream); err != nil {
			return err
		}
		if err := tx.Put(ledger.EngagementKey(call.StreamID, call.Viewer), engagement); err != nil {
			return err
		}
		return tx.Emit(domain.FactTickRecorded, call.StreamID, call.Viewer, domain.TickRecorded{
			StreamID: call.StreamID,
			Viewer:   call.Viewer,
			Count:    call.Count,
			Total:    engagement.TickCounter,
		})
	})
}

// GetStream returns the stream with its pricing, members and tick total.
func (l *EngagementLedger) GetStream(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	var stream *domain.Stream
	err := l.runtime.Read(ctx, func(tx *ledger.Tx) error {
		var err error
		stream, err = l.loadStream(tx, id)
		return err
	})
	return stream, err
}

// CreatorOf returns the account that registered the stream.
func (l *EngagementLedger) CreatorOf(ctx context.Context, id domain.StreamID) (domain.AccountID, error) {
	stream, err := l.GetStream(ctx, id)
	if err != nil {
		return "", err
	}
	return stream.Creator, nil
}

// ListStreams returns every registered stream, ended ones included.
func (l *EngagementLedger) ListStreams(ctx context.Context) ([]*domain.Stream, error) {
	var streams []*domain.Stream
	err := l.runtime.Read(ctx, func(tx *ledger.Tx) error {
		return ledger.ScanInto(tx, ledger.StreamsPrefix, func(_ string, s *domain.Stream) error {
			streams = append(streams, s)
			return nil
		})
	})
	return streams, err
}

// GetEngagement returns the viewer's counters on a stream, or
// ErrEngagementNotFound if the viewer never joined it.
func (l *EngagementLedger) GetEngagement(ctx context.Context, id domain.StreamID, viewer domain.AccountID) (*domain.Engagement, error) {
	engagement := &domain.Engagement{}
	err := l.runtime.Read(ctx, func(tx *ledger.Tx) error {
		exists, err := tx.Get(ledger.EngagementKey(id, viewer), engagement)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s in %s", domain.ErrEngagementNotFound, viewer, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return engagement, nil
}

func (l *EngagementLedger) ListEngagements(ctx context.Context, id domain.StreamID) ([]*domain.Engagement, error) {
	var engagements []*domain.Engagement
	err := l.runtime.Read(ctx, func(tx *ledger.Tx) error {
		if _, err := l.loadStream(tx, id); err != nil {
			return err
		}
		return ledger.ScanInto(tx, ledger.StreamEngagementsPrefix(id), func(_ string, e *domain.Engagement) error {
			engagements = append(engagements, e)
			return nil
		})
	})
	return engagements, err
}

// ListUnbilled returns every engagement with ticks above its watermark, joined
// or not.
func (l *EngagementLedger) ListUnbilled(ctx context.Context) ([]*domain.Engagement, error) {
	var engagements []*domain.Engagement
	err := l.runtime.Read(ctx, func(tx *ledger.Tx) error {
		return ledger.ScanInto(tx, ledger.EngagementsPrefix, func(_ string, e *domain.Engagement) error {
			if e.Unbilled() > 0 {
				engagements = append(engagements, e)
			}
			return nil
		})
	})
	return engagements, err
}

// Terms returns the stream a payment is made against.
func (l *EngagementLedger) Terms(tx *ledger.Tx, id domain.StreamID) (*domain.Stream, error) {
	return l.loadStream(tx, id)
}

// SettleTicks moves the watermark of (id, viewer) from `from` by n ticks as part
// of a payment. It fails if the watermark has moved since the amount was
// computed or if fewer than n ticks are unbilled.
func (l *EngagementLedger) SettleTicks(tx *ledger.Tx, id domain.StreamID, viewer domain.AccountID, from, n uint64) (*domain.Engagement, error) {
	engagement := &domain.Engagement{}
	exists, err := tx.Get(ledger.EngagementKey(id, viewer), engagement)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s in %s", domain.ErrEngagementNotFound, viewer, id)
	}
	if engagement.Watermark != from {
		return nil, fmt.Errorf("%w: watermark %d, payment computed from %d", domain.ErrStaleWatermark, engagement.Watermark, from)
	}

	to := from + n
	if to < from || to > engagement.TickCounter {
		return nil, fmt.Errorf("%w: %d ticks requested, %d unbilled", domain.ErrTicksUnavailable, n, engagement.Unbilled())
	}

	engagement.Watermark = to
	if err := engagement.CheckInvariant(); err != nil {
		return nil, err
	}
	if err := tx.Put(ledger.EngagementKey(id, viewer), engagement); err != nil {
		return nil, err
	}
	return engagement, nil
}

func (l *EngagementLedger) loadStream(tx *ledger.Tx, id domain.StreamID) (*domain.Stream, error) {
	stream := &domain.Stream{}
	exists, err := tx.Get(ledger.StreamKey(id), stream)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrStreamNotFound, id)
	}
	return stream, nil
}
