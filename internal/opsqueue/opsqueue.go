// Package opsqueue implements the pending-operations queue. Deposits,
// withdrawals, and fee transfers are accepted at any time but only change
// balances when a flush replays them in submission order against the
// allocation rules.
package opsqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/axisrow/alpaca-bot/internal/allocation"
	"github.com/axisrow/alpaca-bot/internal/domain"
	"github.com/axisrow/alpaca-bot/internal/ledger"
)

// ApplyFunc pushes one investor's aggregate per-tier capital deltas to the
// execution ports. Returning an error leaves that investor's operations
// pending for the next flush.
type ApplyFunc func(ctx context.Context, investorID string, deltas map[string]decimal.Decimal) error

// FlushResult summarizes one flush.
type FlushResult struct {
	FlushID  string
	Applied  int
	Rejected int
	// Skipped counts operations left pending because their investor's
	// port apply failed.
	Skipped int
}

// Queue validates and stages operations against the ledger.
type Queue struct {
	store   ledger.Store
	weights map[string]decimal.Decimal
	log     *slog.Logger
}

func New(store ledger.Store, weights map[string]decimal.Decimal, log *slog.Logger) *Queue {
	return &Queue{store: store, weights: weights, log: log}
}

// Enqueue validates and appends a pending operation. Withdrawal and fee
// amounts are checked against the investor's tracked balance at submission
// time; the flush re-checks against tier balances as they stand then.
func (q *Queue) Enqueue(ctx context.Context, investorID string, kind domain.OperationKind, amount decimal.Decimal, tierHint string) (*domain.PendingOperation, error) {
	return q.EnqueueLinked(ctx, investorID, kind, amount, tierHint, "")
}

// EnqueueLinked is Enqueue with a settlement link: the new operation only
// applies once the operation named by linkID has applied, and is rejected
// if that operation was rejected. Fee transfers use it to keep the payer
// debit and receiver credit from committing one-sided.
func (q *Queue) EnqueueLinked(ctx context.Context, investorID string, kind domain.OperationKind, amount decimal.Decimal, tierHint, linkID string) (*domain.PendingOperation, error) {
	inv, err := q.store.GetInvestor(ctx, investorID)
	if err != nil {
		return nil, err
	}
	if !inv.Active() {
		return nil, domain.ErrUnknownInvestor
	}
	if tierHint != "" {
		if _, ok := q.weights[tierHint]; !ok {
			return nil, fmt.Errorf("tier hint %q: %w", tierHint, domain.ErrUnknownTier)
		}
	}
	if kind == domain.OpWithdrawal || kind == domain.OpFee {
		if amount.GreaterThan(inv.Balance) {
			return nil, fmt.Errorf("%s of %s against balance %s: %w",
				kind, amount, inv.Balance, domain.ErrInsufficientFunds)
		}
	}

	op, err := domain.NewOperation(investorID, kind, amount, tierHint, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	op.LinkID = linkID
	if err := q.store.AppendOperation(ctx, op); err != nil {
		return nil, err
	}
	q.log.Info("operation queued",
		"op_id", op.ID, "investor_id", investorID,
		"kind", string(kind), "amount", amount.String())
	return op, nil
}

// ListPending returns the queued operations for one investor, or for all
// investors when investorID is empty.
func (q *Queue) ListPending(ctx context.Context, investorID string) ([]domain.PendingOperation, error) {
	return q.store.ListOperations(ctx, investorID, domain.OpPending)
}

// investorBatch accumulates the flush outcome for one investor.
type investorBatch struct {
	investorID string
	balances   map[string]decimal.Decimal // working copy, mutated per op
	deltas     map[string]decimal.Decimal // aggregate to push to ports
	newBalance decimal.Decimal
	newMark    decimal.Decimal
	applied    []ledger.OperationUpdate
	rejected   []ledger.OperationUpdate
}

// Flush replays every pending operation in submission order, pushes the
// per-investor aggregate deltas through apply, and commits all surviving
// mutations in one ledger transaction. An apply failure skips that investor
// entirely; its operations stay pending. Linked operations resolve after
// everything else, against the settled outcome of the operation they link.
func (q *Queue) Flush(ctx context.Context, asOf time.Time, apply ApplyFunc) (*FlushResult, error) {
	pending, err := q.store.ListOperations(ctx, "", domain.OpPending)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	var direct, linked []domain.PendingOperation
	pendingIDs := make(map[string]bool, len(pending))
	for _, op := range pending {
		pendingIDs[op.ID] = true
		if op.LinkID != "" {
			linked = append(linked, op)
		} else {
			direct = append(direct, op)
		}
	}

	// Group by investor, preserving first-seen order so cross-investor
	// interleavings replay deterministically.
	var order []string
	batches := make(map[string]*investorBatch)
	getBatch := func(investorID string) (*investorBatch, error) {
		if b, ok := batches[investorID]; ok {
			return b, nil
		}
		b, err := q.newBatch(ctx, investorID)
		if err != nil {
			return nil, err
		}
		batches[investorID] = b
		order = append(order, investorID)
		return b, nil
	}

	for _, op := range direct {
		b, err := getBatch(op.InvestorID)
		if err != nil {
			return nil, err
		}
		q.replay(b, op)
	}

	commit := &ledger.FlushCommit{
		ID:         uuid.NewString(),
		AsOf:       asOf,
		TierDeltas: make(map[string]map[string]decimal.Decimal),
		Balances:   make(map[string]decimal.Decimal),
		Marks:      make(map[string]decimal.Decimal),
	}
	result := &FlushResult{FlushID: commit.ID}
	outcomes := make(map[string]domain.OperationState)
	skipped := make(map[string]bool)

	for _, id := range order {
		b := batches[id]
		if len(b.applied) == 0 {
			// Nothing survived replay; rejections still commit.
			q.commitBatch(commit, result, outcomes, b)
			continue
		}
		if hasNonZero(b.deltas) {
			if err := apply(ctx, id, b.deltas); err != nil {
				q.log.Warn("port apply failed, investor skipped",
					"investor_id", id, "ops", len(b.applied), "error", err)
				result.Skipped += len(b.applied) + len(b.rejected)
				skipped[id] = true
				continue
			}
		}
		q.commitBatch(commit, result, outcomes, b)
	}

	// Linked operations settle against their counterpart's outcome: applied
	// counterpart releases them, rejected counterpart rejects them, and one
	// still pending holds them for the next flush.
	var creditOrder []string
	creditBatches := make(map[string]*investorBatch)
	getCreditBatch := func(investorID string) (*investorBatch, error) {
		if b, ok := creditBatches[investorID]; ok {
			return b, nil
		}
		var b *investorBatch
		if prior, ok := batches[investorID]; ok {
			b = &investorBatch{
				investorID: investorID,
				balances:   prior.balances,
				deltas:     make(map[string]decimal.Decimal),
				newBalance: prior.newBalance,
				newMark:    prior.newMark,
			}
		} else {
			var err error
			b, err = q.newBatch(ctx, investorID)
			if err != nil {
				return nil, err
			}
		}
		creditBatches[investorID] = b
		creditOrder = append(creditOrder, investorID)
		return b, nil
	}

	for _, op := range linked {
		if skipped[op.InvestorID] {
			result.Skipped++
			continue
		}
		state, resolved := outcomes[op.LinkID]
		if !resolved {
			if pendingIDs[op.LinkID] {
				// Counterpart was skipped this flush; hold the pair.
				result.Skipped++
				continue
			}
			counterpart, err := q.store.GetOperation(ctx, op.LinkID)
			if err != nil {
				return nil, fmt.Errorf("linked operation for %s: %w", op.ID, err)
			}
			state = counterpart.State
		}
		switch state {
		case domain.OpApplied:
			b, err := getCreditBatch(op.InvestorID)
			if err != nil {
				return nil, err
			}
			q.replay(b, op)
		case domain.OpPending:
			result.Skipped++
		default:
			b, err := getCreditBatch(op.InvestorID)
			if err != nil {
				return nil, err
			}
			b.rejected = append(b.rejected, ledger.OperationUpdate{
				ID: op.ID, State: domain.OpRejected,
				Reason: fmt.Sprintf("linked operation %s was rejected", op.LinkID),
			})
		}
	}

	for _, id := range creditOrder {
		b := creditBatches[id]
		if len(b.applied) == 0 {
			q.commitBatch(commit, result, outcomes, b)
			continue
		}
		if hasNonZero(b.deltas) {
			if err := apply(ctx, id, b.deltas); err != nil {
				q.log.Warn("port apply failed, linked operations held",
					"investor_id", id, "ops", len(b.applied), "error", err)
				result.Skipped += len(b.applied) + len(b.rejected)
				continue
			}
		}
		q.commitBatch(commit, result, outcomes, b)
	}

	if err := q.store.CommitFlush(ctx, commit); err != nil {
		return nil, fmt.Errorf("commit flush: %w", err)
	}
	return result, nil
}

// newBatch seeds a working batch from the investor's stored state.
func (q *Queue) newBatch(ctx context.Context, investorID string) (*investorBatch, error) {
	balances, err := q.store.TierBalances(ctx, investorID)
	if err != nil {
		return nil, fmt.Errorf("tier balances for %s: %w", investorID, err)
	}
	inv, err := q.store.GetInvestor(ctx, investorID)
	if err != nil {
		return nil, fmt.Errorf("investor %s: %w", investorID, err)
	}
	return &investorBatch{
		investorID: investorID,
		balances:   balances,
		deltas:     make(map[string]decimal.Decimal),
		newBalance: inv.Balance,
		newMark:    inv.HighWaterMark,
	}, nil
}

// commitBatch folds one surviving batch into the flush commit, merging with
// any mutations already staged for the same investor.
func (q *Queue) commitBatch(commit *ledger.FlushCommit, result *FlushResult, outcomes map[string]domain.OperationState, b *investorBatch) {
	commit.Applied = append(commit.Applied, b.applied...)
	commit.Rejected = append(commit.Rejected, b.rejected...)
	for _, u := range b.applied {
		outcomes[u.ID] = domain.OpApplied
	}
	for _, u := range b.rejected {
		outcomes[u.ID] = domain.OpRejected
	}
	result.Applied += len(b.applied)
	result.Rejected += len(b.rejected)

	if len(b.applied) == 0 {
		return
	}
	staged, ok := commit.TierDeltas[b.investorID]
	if !ok {
		staged = make(map[string]decimal.Decimal)
		commit.TierDeltas[b.investorID] = staged
	}
	for tier, d := range b.deltas {
		staged[tier] = staged[tier].Add(d)
	}
	commit.Balances[b.investorID] = b.newBalance
	commit.Marks[b.investorID] = b.newMark
}

// replay folds one operation into its investor's batch, mutating the
// working tier balances so later operations see its effect.
func (q *Queue) replay(b *investorBatch, op domain.PendingOperation) {
	switch op.Kind {
	case domain.OpDeposit:
		split, err := q.depositSplit(b, op)
		if err != nil {
			b.rejected = append(b.rejected, ledger.OperationUpdate{
				ID: op.ID, State: domain.OpRejected, Reason: err.Error(),
			})
			return
		}
		for tier, amt := range split {
			b.balances[tier] = b.balances[tier].Add(amt)
			b.deltas[tier] = b.deltas[tier].Add(amt)
		}
		b.newBalance = b.newBalance.Add(op.Amount)
		// Contributed capital is not a gain; the mark follows it up.
		b.newMark = b.newMark.Add(op.Amount)

	case domain.OpWithdrawal, domain.OpFee:
		split, err := allocation.WithdrawalSplit(op.Amount, b.balances, op.TierHint)
		if err != nil {
			b.rejected = append(b.rejected, ledger.OperationUpdate{
				ID: op.ID, State: domain.OpRejected, Reason: err.Error(),
			})
			return
		}
		for tier, amt := range split {
			b.balances[tier] = b.balances[tier].Sub(amt)
			b.deltas[tier] = b.deltas[tier].Sub(amt)
		}
		b.newBalance = b.newBalance.Sub(op.Amount)
		if op.Kind == domain.OpWithdrawal {
			// Withdrawn capital lowers the mark; a fee does not, so the
			// next fee period measures gains gross of fees paid.
			b.newMark = decimal.Max(decimal.Zero, b.newMark.Sub(op.Amount))
		}

	default:
		b.rejected = append(b.rejected, ledger.OperationUpdate{
			ID: op.ID, State: domain.OpRejected, Reason: domain.ErrInvalidOperationKind.Error(),
		})
		return
	}

	b.applied = append(b.applied, ledger.OperationUpdate{
		ID: op.ID, State: domain.OpApplied,
	})
}

// depositSplit resolves where a deposit lands: the hinted tier when one is
// named, otherwise the configured weights.
func (q *Queue) depositSplit(b *investorBatch, op domain.PendingOperation) (map[string]decimal.Decimal, error) {
	if op.TierHint != "" {
		if _, ok := q.weights[op.TierHint]; !ok {
			return nil, fmt.Errorf("tier hint %q: %w", op.TierHint, domain.ErrUnknownTier)
		}
		return map[string]decimal.Decimal{op.TierHint: op.Amount}, nil
	}
	split, err := allocation.Split(op.Amount, q.weights)
	if err != nil {
		return nil, err
	}
	return split, nil
}

func hasNonZero(deltas map[string]decimal.Decimal) bool {
	for _, d := range deltas {
		if !d.IsZero() {
			return true
		}
	}
	return false
}
