package domain

import "errors"

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrStreamNotFound     = errors.New("stream not found")
	ErrStreamExists       = errors.New("stream already exists")
	ErrStreamInactive     = errors.New("stream not active")
	ErrNotMember          = errors.New("viewer not joined to stream")
	ErrEngagementNotFound = errors.New("engagement not found")
	ErrInvalidTickCount   = errors.New("invalid tick count")
	ErrRateLimited        = errors.New("tick submission rate limited")
	ErrDuplicateWindow    = errors.New("tick window already recorded")
	ErrInvalidConfig      = errors.New("invalid pricing config")
	ErrInvalidArgument    = errors.New("invalid argument")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAmountTooSmall      = errors.New("amount below minimum payment")
	ErrAmountMismatch      = errors.New("amount does not match rate and tick count")
	ErrLimitExceeded       = errors.New("spending limit exceeded")
	ErrCreatorNotFound     = errors.New("creator not found")
	ErrPayeeMismatch       = errors.New("payee is not the stream creator")
	ErrZeroBalance         = errors.New("no accrued earnings")
	ErrStaleWatermark      = errors.New("watermark moved since amount was computed")
	ErrTicksUnavailable    = errors.New("ticks not yet recorded")
	ErrDuplicateReference  = errors.New("deposit reference already used")

	ErrSubmissionTimeout = errors.New("ledger submission timed out")
	ErrVersionConflict   = errors.New("state version conflict")

	ErrOverflow           = errors.New("arithmetic overflow")
	ErrNegativeBalance    = errors.New("balance would become negative")
	ErrInvariantViolation = errors.New("ledger invariant violated")

	ErrNotFound = errors.New("record not found")
)

type ErrorClass int

const (
	ClassNone ErrorClass = iota
	// ClassAuthorization: the request itself is wrong, retrying it unchanged cannot succeed.
	ClassAuthorization
	// ClassEconomic: expected and recoverable, surfaced as a pause.
	ClassEconomic
	// ClassTransient: infrastructure failure, retried with backoff.
	ClassTransient
	// ClassInvariant: a bug; processing for the entity must halt.
	ClassInvariant
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassAuthorization:
		return "authorization"
	case ClassEconomic:
		return "economic"
	case ClassTransient:
		return "transient"
	case ClassInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

var (
	authorizationErrors = []error{
		ErrUnauthorized, ErrStreamNotFound, ErrStreamExists, ErrStreamInactive, ErrNotMember,
		ErrEngagementNotFound, ErrInvalidTickCount, ErrRateLimited, ErrDuplicateWindow,
		ErrInvalidConfig, ErrInvalidArgument, ErrPayeeMismatch, ErrAmountMismatch,
		ErrStaleWatermark, ErrTicksUnavailable, ErrDuplicateReference,
	}
	economicErrors = []error{
		ErrInsufficientBalance, ErrAmountTooSmall, ErrLimitExceeded, ErrCreatorNotFound, ErrZeroBalance,
	}
	invariantErrors = []error{ErrOverflow, ErrNegativeBalance, ErrInvariantViolation}
)

// Classify maps an error returned by a ledger operation to the handling policy of
// its caller. Unknown errors are treated as transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	for _, target := range invariantErrors {
		if errors.Is(err, target) {
			return ClassInvariant
		}
	}
	for _, target := range economicErrors {
		if errors.Is(err, target) {
			return ClassEconomic
		}
	}
	for _, target := range authorizationErrors {
		if errors.Is(err, target) {
			return ClassAuthorization
		}
	}
	return ClassTransient
}

func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}
