// Package ledger owns all persisted accounting state: the investor
// registry, the append-only operations log, tier balances, fee history, and
// daily snapshots. The flush commit is the single mutation point for
// balances and is atomic.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/axisrow/alpaca-bot/internal/domain"
)

// OperationUpdate is a state transition for one queued operation, applied
// as part of a flush commit.
type OperationUpdate struct {
	ID     string
	State  domain.OperationState
	Reason string
}

// FlushCommit is the full outcome of one flush, staged and committed as a
// single atomic unit. A crash mid-commit leaves either the pre-flush or the
// fully-applied state, never a partial one.
type FlushCommit struct {
	ID       string
	AsOf     time.Time
	Applied  []OperationUpdate
	Rejected []OperationUpdate
	// TierDeltas maps investor ID to signed per-tier capital changes.
	TierDeltas map[string]map[string]decimal.Decimal
	// Balances maps investor ID to the new tracked total.
	Balances map[string]decimal.Decimal
	// Marks maps investor ID to the new high-water mark. Contributions
	// move the mark so fees are charged on gains only.
	Marks map[string]decimal.Decimal
}

// Store is the durable ledger consumed by the operations queue and the
// investor manager.
type Store interface {
	// SaveInvestor inserts a new investor into the registry.
	SaveInvestor(ctx context.Context, inv *domain.Investor) error

	// UpdateInvestor persists accounting-state changes (high-water mark,
	// last fee date, status) for an existing investor.
	UpdateInvestor(ctx context.Context, inv *domain.Investor) error

	// GetInvestor retrieves an investor by ID. Returns
	// domain.ErrUnknownInvestor when no such investor exists.
	GetInvestor(ctx context.Context, id string) (*domain.Investor, error)

	// GetInvestorByName retrieves an investor by display name. Returns
	// domain.ErrUnknownInvestor when no such investor exists.
	GetInvestorByName(ctx context.Context, name string) (*domain.Investor, error)

	// ListInvestors returns all investors ordered by creation time.
	ListInvestors(ctx context.Context) ([]domain.Investor, error)

	// FeeReceiver returns the designated fee receiver, or (nil, nil) when
	// none is designated.
	FeeReceiver(ctx context.Context) (*domain.Investor, error)

	// AppendOperation appends a pending operation to the log and assigns
	// its sequence number.
	AppendOperation(ctx context.Context, op *domain.PendingOperation) error

	// ListOperations returns operations in creation order. investorID and
	// state are filters; the zero value disables each.
	ListOperations(ctx context.Context, investorID string, state domain.OperationState) ([]domain.PendingOperation, error)

	// GetOperation retrieves one operation by ID. Returns
	// domain.ErrUnknownOperation when no such operation exists.
	GetOperation(ctx context.Context, id string) (*domain.PendingOperation, error)

	// TierBalances returns the per-tier capital attributed to one investor.
	TierBalances(ctx context.Context, investorID string) (map[string]decimal.Decimal, error)

	// CommitFlush applies a staged flush outcome in one transaction: the
	// staging record is only marked committed after every operation state
	// change, tier delta, and balance update succeeds.
	CommitFlush(ctx context.Context, commit *FlushCommit) error

	// ApplyFeeAccrual atomically persists an accrual outcome: the updated
	// investor (mark and last-fee date) and the fee history row.
	ApplyFeeAccrual(ctx context.Context, inv *domain.Investor, charge domain.FeeCharge) error

	// ListFeeCharges returns an investor's fee history, oldest first.
	ListFeeCharges(ctx context.Context, investorID string) ([]domain.FeeCharge, error)

	// AppendSnapshots appends daily balance snapshots. A snapshot already
	// recorded for an investor and date is left untouched.
	AppendSnapshots(ctx context.Context, snaps []domain.Snapshot) error

	// ListSnapshots returns an investor's snapshot history, oldest first.
	ListSnapshots(ctx context.Context, investorID string) ([]domain.Snapshot, error)

	// Close releases the underlying storage.
	Close() error
}
