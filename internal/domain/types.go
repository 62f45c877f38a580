// Package domain defines the typed records shared across the accounting
// engine: investors, pending operations, tier balances, and snapshots.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvestorStatus is the lifecycle state of an investor.
type InvestorStatus string

const (
	InvestorActive   InvestorStatus = "active"
	InvestorInactive InvestorStatus = "inactive"
)

// OperationKind identifies what a queued operation does to a balance.
type OperationKind string

const (
	OpDeposit    OperationKind = "deposit"
	OpWithdrawal OperationKind = "withdrawal"
	OpFee        OperationKind = "fee"
)

// OperationState tracks a queued operation through its life.
type OperationState string

const (
	OpPending  OperationState = "pending"
	OpApplied  OperationState = "applied"
	OpRejected OperationState = "rejected"
)

// Investor is one tracked capital owner. Investors are never deleted, only
// deactivated; the high-water mark is monotonically non-decreasing.
type Investor struct {
	ID               string
	Name             string
	CreatedAt        time.Time
	FeePercent       decimal.Decimal
	IsFeeReceiver    bool
	HighWaterMark    decimal.Decimal
	LastFeeChargedAt *time.Time
	Balance          decimal.Decimal // tracked total across tiers
	Status           InvestorStatus
}

// Active reports whether the investor participates in cycles.
func (i *Investor) Active() bool { return i.Status == InvestorActive }

// NewInvestor validates inputs and returns a fresh active investor with a
// zero balance and zero high-water mark.
func NewInvestor(name string, feePercent decimal.Decimal, isFeeReceiver bool, now time.Time) (*Investor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	if feePercent.IsNegative() || feePercent.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ErrInvalidFeePercent
	}
	return &Investor{
		ID:            uuid.NewString(),
		Name:          name,
		CreatedAt:     now.UTC(),
		FeePercent:    feePercent,
		IsFeeReceiver: isFeeReceiver,
		HighWaterMark: decimal.Zero,
		Balance:       decimal.Zero,
		Status:        InvestorActive,
	}, nil
}

// PendingOperation is a queued deposit, withdrawal, or fee intent. It is
// applied atomically at flush time or not at all; Seq is assigned by the
// ledger and preserves creation order.
type PendingOperation struct {
	ID         string
	Seq        int64
	InvestorID string
	Kind       OperationKind
	Amount     decimal.Decimal // always positive; sign comes from Kind
	TierHint   string          // optional target tier
	// LinkID names the operation this one settles against. A fee credit
	// links its debit so the pair never commits one-sided.
	LinkID    string
	CreatedAt time.Time
	State     OperationState
	Reason    string // populated when State is rejected
}

// NewOperation validates inputs and returns a pending operation.
func NewOperation(investorID string, kind OperationKind, amount decimal.Decimal, tierHint string, now time.Time) (*PendingOperation, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	switch kind {
	case OpDeposit, OpWithdrawal, OpFee:
	default:
		return nil, ErrInvalidOperationKind
	}
	return &PendingOperation{
		ID:         uuid.NewString(),
		InvestorID: investorID,
		Kind:       kind,
		Amount:     amount,
		TierHint:   tierHint,
		CreatedAt:  now.UTC(),
		State:      OpPending,
	}, nil
}

// TierBalance is the capital attributed to one investor within one tier.
// The sum over tiers must equal the investor's tracked total.
type TierBalance struct {
	InvestorID string
	Tier       string
	Amount     decimal.Decimal
}

// Snapshot is an immutable daily record of an investor's balances, appended
// once per trading day.
type Snapshot struct {
	InvestorID    string
	Date          string // trading day, 2006-01-02 in New York time
	Total         decimal.Decimal
	PerTier       map[string]decimal.Decimal
	HighWaterMark decimal.Decimal
}

// FeeCharge is one realized performance-fee posting.
type FeeCharge struct {
	InvestorID    string
	ChargedAt     time.Time
	Amount        decimal.Decimal
	Balance       decimal.Decimal // balance the fee was assessed against
	HighWaterMark decimal.Decimal // mark after the charge
}
