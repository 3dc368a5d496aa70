package domain

import (
	"fmt"
	"sort"
	"time"
)

type StreamID string
type AccountID string

// PricingConfig is fixed at registration. Only the platform fee may change
// afterwards, and only by the platform authority.
type PricingConfig struct {
	RatePerTick        Amount `json:"rate_per_tick"`
	MinPaymentAmount   Amount `json:"min_payment_amount"`
	PlatformFeePercent uint8  `json:"platform_fee_percent"`
}

func (p PricingConfig) Validate() error {
	if p.RatePerTick == 0 {
		return fmt.Errorf("%w: rate_per_tick must be > 0", ErrInvalidConfig)
	}
	if p.MinPaymentAmount == 0 {
		return fmt.Errorf("%w: min_payment_amount must be > 0", ErrInvalidConfig)
	}
	if p.PlatformFeePercent > 100 {
		return fmt.Errorf("%w: platform_fee_percent must be <= 100", ErrInvalidConfig)
	}
	return nil
}

// AmountFor prices a tick delta, rejecting results that do not fit in an Amount.
func (p PricingConfig) AmountFor(ticks uint64) (Amount, error) {
	return p.RatePerTick.CheckedMul(ticks)
}

type Stream struct {
	ID        StreamID      `json:"id"`
	Creator   AccountID     `json:"creator"`
	Active    bool          `json:"active"`
	Pricing   PricingConfig `json:"pricing"`
	Viewers   []AccountID   `json:"viewers"`
	CreatedAt time.Time     `json:"created_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	// TotalTicks sums every tick recorded on the stream across viewers.
	TotalTicks uint64 `json:"total_ticks"`
}

func (s *Stream) HasViewer(viewer AccountID) bool {
	i := sort.Search(len(s.Viewers), func(i int) bool { return s.Viewers[i] >= viewer })
	return i < len(s.Viewers) && s.Viewers[i] == viewer
}

// AddViewer keeps Viewers sorted so that encoded state is identical across replays.
func (s *Stream) AddViewer(viewer AccountID) bool {
	i := sort.Search(len(s.Viewers), func(i int) bool { return s.Viewers[i] >= viewer })
	if i < len(s.Viewers) && s.Viewers[i] == viewer {
		return false
	}
	s.Viewers = append(s.Viewers, "")
	copy(s.Viewers[i+1:], s.Viewers[i:])
	s.Viewers[i] = viewer
	return true
}

func (s *Stream) RemoveViewer(viewer AccountID) bool {
	i := sort.Search(len(s.Viewers), func(i int) bool { return s.Viewers[i] >= viewer })
	if i >= len(s.Viewers) || s.Viewers[i] != viewer {
		return false
	}
	s.Viewers = append(s.Viewers[:i], s.Viewers[i+1:]...)
	return true
}

// Connection is a live (stream, viewer) pair as seen by the transport layer.
type Connection struct {
	StreamID StreamID  `json:"stream_id"`
	Viewer   AccountID `json:"viewer"`
}
