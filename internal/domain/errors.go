package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors surfaced across the engine. Callers match with errors.Is.
var (
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInvalidName          = errors.New("investor name must not be empty")
	ErrInvalidFeePercent    = errors.New("fee percent must be in [0, 1)")
	ErrInvalidOperationKind = errors.New("invalid operation kind")
	ErrUnknownInvestor      = errors.New("no active investor with that id")
	ErrUnknownOperation     = errors.New("no operation with that id")
	ErrUnknownTier          = errors.New("unknown tier")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrDuplicateInvestor    = errors.New("investor name already registered")
	ErrFeeReceiverExists    = errors.New("a fee receiver is already designated")
	ErrCycleRunning         = errors.New("rebalance cycle already running")
	ErrInvalidTransition    = errors.New("invalid investor status transition")
)

// PortErrorKind classifies execution-port failures.
type PortErrorKind string

const (
	PortTransient PortErrorKind = "transient" // retryable: timeouts, 5xx
	PortFatal     PortErrorKind = "fatal"     // not retryable: bad credentials, rejected request
)

// PortError wraps a failure from a brokerage or market-clock call with a
// retryability classification.
type PortError struct {
	Kind PortErrorKind
	Tier string
	Op   string
	Err  error
}

func (e *PortError) Error() string {
	return fmt.Sprintf("port %s (%s, tier %s): %v", e.Op, e.Kind, e.Tier, e.Err)
}

func (e *PortError) Unwrap() error { return e.Err }

// IsFatalPortError reports whether err is a non-retryable port failure.
func IsFatalPortError(err error) bool {
	var pe *PortError
	return errors.As(err, &pe) && pe.Kind == PortFatal
}

// ReconciliationError records a tier-sum vs tracked-total mismatch. It is
// never auto-corrected; the investor is deactivated pending manual review.
type ReconciliationError struct {
	InvestorID string
	Expected   decimal.Decimal // tracked total
	Observed   decimal.Decimal // sum of tier balances
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation failed for investor %s: expected %s, observed %s (diff %s)",
		e.InvestorID, e.Expected.StringFixed(2), e.Observed.StringFixed(2),
		e.Expected.Sub(e.Observed).Abs().StringFixed(2))
}
