package ports

import (
	"errors"
	"fmt"
	"strings"
)

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these.
var (
	// General
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")
	ErrUnknown            = errors.New("unknown error")

	// Market data transport
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrConnectionFailed = errors.New("connection failed")

	// Entry rejections. Reported, never fatal.
	ErrDuplicatePosition      = errors.New("position already held for symbol")
	ErrCapacityExceeded       = errors.New("maximum open positions reached")
	ErrInsufficientCash       = errors.New("insufficient free cash")
	ErrSymbolPrecisionUnknown = errors.New("quantity precision unknown for symbol")

	// Position store
	ErrNotHeld = errors.New("no position held for symbol")

	// Price oracle
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrStalePrice       = errors.New("price is stale")

	// Fatal
	ErrInvariantViolation = errors.New("invariant violation")
	ErrPersistence        = errors.New("persistence failure")
	ErrAbandonedPosition  = errors.New("ledger open entry has no matching position")
)

// InvariantError names the violated invariant and the offending record keys.
type InvariantError struct {
	Invariant string
	Keys      []string
	Detail    string
}

func (e *InvariantError) Error() string {
	msg := fmt.Sprintf("invariant %q violated: %s", e.Invariant, e.Detail)
	if len(e.Keys) > 0 {
		msg += " (keys: " + strings.Join(e.Keys, ", ") + ")"
	}
	return msg
}

// Unwrap lets errors.Is match ErrInvariantViolation.
func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// NewInvariantError builds an InvariantError.
func NewInvariantError(invariant, detail string, keys ...string) *InvariantError {
	return &InvariantError{Invariant: invariant, Keys: keys, Detail: detail}
}

// Invariant names used in InvariantError.
const (
	InvariantCapitalConservation = "capital_conservation"
	InvariantLedgerOrder         = "ledger_order"
	InvariantLedgerPairing       = "ledger_pairing"
	InvariantTrailingMonotonic   = "trailing_stop_monotonic"
	InvariantHighWaterMark       = "highest_price_monotonic"
	InvariantEquityReconcile     = "equity_reconciliation"
)

// IsFatal reports whether err must halt the trading loop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvariantViolation) || errors.Is(err, ErrPersistence)
}

// IsEntryRejection reports whether err is one of the non-fatal entry rejections.
func IsEntryRejection(err error) bool {
	return errors.Is(err, ErrDuplicatePosition) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrInsufficientCash) ||
		errors.Is(err, ErrSymbolPrecisionUnknown)
}
