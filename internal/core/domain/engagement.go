package domain

import (
	"fmt"
	"time"
)

type MembershipState string

const (
	StateNotJoined MembershipState = "not_joined"
	StateJoined    MembershipState = "joined"
	StateLeft      MembershipState = "left"
)

// Engagement is the per (stream, viewer) tick account. TickCounter only grows on
// confirmed tick submissions and Watermark only grows on confirmed payments.
type Engagement struct {
	StreamID       StreamID        `json:"stream_id"`
	Viewer         AccountID       `json:"viewer"`
	State          MembershipState `json:"state"`
	TickCounter    uint64          `json:"tick_counter"`
	Watermark      uint64          `json:"watermark"`
	JoinedAt       time.Time       `json:"joined_at"`
	LeftAt         *time.Time      `json:"left_at,omitempty"`
	LastWindow     uint64          `json:"last_window"`
	LastSelfTickAt time.Time       `json:"last_self_tick_at"`
}

func (e *Engagement) Unbilled() uint64 {
	if e.TickCounter < e.Watermark {
		return 0
	}
	return e.TickCounter - e.Watermark
}

func (e *Engagement) CheckInvariant() error {
	if e.Watermark > e.TickCounter {
		return fmt.Errorf("%w: watermark %d above tick counter %d for %s/%s",
			ErrInvariantViolation, e.Watermark, e.TickCounter, e.StreamID, e.Viewer)
	}
	return nil
}

// TickCall is the argument of record_tick. Window 0 means the caller did not key
// the submission to a time window.
type TickCall struct {
	StreamID StreamID  `json:"stream_id"`
	Viewer   AccountID `json:"viewer"`
	Count    uint64    `json:"count"`
	Window   uint64    `json:"window"`
}
