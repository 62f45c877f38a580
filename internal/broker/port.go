// Package broker defines the ExecutionPort interface and provides the Alpaca
// and simulator implementations behind which each capital tier runs.
package broker

import (
	"context"

	"github.com/shopspring/decimal"
)

// Balance is a snapshot of one tier account's financial state.
type Balance struct {
	Cash           decimal.Decimal
	PositionsValue decimal.Decimal
	Equity         decimal.Decimal
}

// ExecutionPort abstracts one tier's brokerage account. Port failures are
// reported as *domain.PortError so callers can distinguish transient faults
// from fatal ones.
type ExecutionPort interface {
	// Name returns the tier identifier this port serves (e.g. "low").
	Name() string

	// GetBalance returns the account's current balances.
	GetBalance(ctx context.Context) (Balance, error)

	// ApplyCapitalDelta registers a signed capital change against the
	// account. A positive amount is an inflow, negative an outflow.
	ApplyCapitalDelta(ctx context.Context, amount decimal.Decimal) error
}
