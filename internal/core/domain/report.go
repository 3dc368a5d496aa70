package domain

import "time"

// TickRound summarizes one tick submission round.
type TickRound struct {
	Window      uint64        `json:"window"`
	Leader      bool          `json:"leader"`
	Connections int           `json:"connections"`
	Recorded    int           `json:"recorded"`
	Duplicates  int           `json:"duplicates"`
	Rejected    int           `json:"rejected"`
	Dropped     int           `json:"dropped"`
	Duration    time.Duration `json:"duration"`
}

type BillingOutcome string

const (
	OutcomeBilled   BillingOutcome = "billed"
	OutcomeAccruing BillingOutcome = "accruing"
	OutcomePaused   BillingOutcome = "paused"
	OutcomeDeferred BillingOutcome = "deferred"
	OutcomeHalted   BillingOutcome = "halted"
	OutcomeSkipped  BillingOutcome = "skipped"
)

// BillingResult is the outcome for one (stream, viewer) pair in a billing pass.
type BillingResult struct {
	StreamID StreamID       `json:"stream_id"`
	Viewer   AccountID      `json:"viewer"`
	Ticks    uint64         `json:"ticks"`
	Amount   Amount         `json:"amount"`
	Outcome  BillingOutcome `json:"outcome"`
	Reason   PauseReason    `json:"reason,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type BillingReport struct {
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
	Viewers   int              `json:"viewers"`
	Results   []*BillingResult `json:"results"`
}

func (r *BillingReport) Count(outcome BillingOutcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}
