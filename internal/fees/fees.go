// Package fees computes performance fees against investor high-water marks.
package fees

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/axisrow/alpaca-bot/internal/domain"
)

// Result is the outcome of one accrual evaluation. The engine never mutates
// the investor; the caller persists NewHighWaterMark and the charge.
type Result struct {
	Fee              decimal.Decimal
	NewHighWaterMark decimal.Decimal
	Charged          bool
}

// Engine evaluates high-water-mark performance fees. It is pure and safe
// for concurrent use; fee periods are calendar months in loc.
type Engine struct {
	loc *time.Location
}

// NewEngine creates a fee engine. loc is the timezone fee periods are
// interpreted in (New York for this system).
func NewEngine(loc *time.Location) *Engine {
	return &Engine{loc: loc}
}

// Accrue computes the fee owed by inv given its current total balance.
//
// The fee applies only to the portion of the balance above the existing
// high-water mark, multiplied by the investor's fee percent and truncated to
// the cent. The returned mark never decreases: on a loss it stays put, on a
// gain it rises to the balance whether or not a fee was charged.
//
// Accrual is idempotent per fee period: if the investor was already charged
// in the same calendar month as asOf, the call is a no-op.
func (e *Engine) Accrue(inv *domain.Investor, total decimal.Decimal, asOf time.Time) Result {
	unchanged := Result{Fee: decimal.Zero, NewHighWaterMark: inv.HighWaterMark}

	// The fee receiver is never charged.
	if inv.IsFeeReceiver {
		return unchanged
	}

	if inv.LastFeeChargedAt != nil && e.samePeriod(*inv.LastFeeChargedAt, asOf) {
		return unchanged
	}

	if total.LessThanOrEqual(inv.HighWaterMark) {
		// No gain, no fee; the mark holds.
		return unchanged
	}

	profit := total.Sub(inv.HighWaterMark)
	fee := profit.Mul(inv.FeePercent).Truncate(2)

	return Result{
		Fee:              fee,
		NewHighWaterMark: total,
		Charged:          fee.IsPositive(),
	}
}

// samePeriod reports whether a and b fall in the same calendar month in the
// engine's timezone.
func (e *Engine) samePeriod(a, b time.Time) bool {
	al, bl := a.In(e.loc), b.In(e.loc)
	return al.Year() == bl.Year() && al.Month() == bl.Month()
}
