// Package manager orchestrates the pre-rebalance cycle: flushing queued
// operations, marking ledger balances to market, accruing performance fees,
// reconciling, and snapshotting. It is the only component that talks to
// every other one.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/axisrow/alpaca-bot/internal/broker"
	"github.com/axisrow/alpaca-bot/internal/domain"
	"github.com/axisrow/alpaca-bot/internal/fees"
	"github.com/axisrow/alpaca-bot/internal/ledger"
	"github.com/axisrow/alpaca-bot/internal/opsqueue"
	"github.com/axisrow/alpaca-bot/internal/util"
)

const (
	portAttempts = 3
	portBaseWait = 2 * time.Second
)

// Alerter delivers operator-facing notifications. The Telegram notifier
// satisfies it.
type Alerter interface {
	Send(ctx context.Context, text string) error
}

// Params collects the manager's dependencies.
type Params struct {
	Store     ledger.Store
	Archive   ledger.Archive
	Queue     *opsqueue.Queue
	Fees      *fees.Engine
	Ports     map[string]broker.ExecutionPort
	Tolerance decimal.Decimal // global integrity check tolerance, in dollars
	Alerts    Alerter
	Location  *time.Location
	Log       *slog.Logger
}

// Manager owns the investor registry and runs the accounting cycle. A
// single cycle runs at a time; concurrent starts fail with
// domain.ErrCycleRunning.
type Manager struct {
	store     ledger.Store
	archive   ledger.Archive
	queue     *opsqueue.Queue
	fees      *fees.Engine
	ports     map[string]broker.ExecutionPort
	tolerance decimal.Decimal
	alerts    Alerter
	loc       *time.Location
	log       *slog.Logger

	running atomic.Bool
}

func New(p Params) *Manager {
	return &Manager{
		store:     p.Store,
		archive:   p.Archive,
		queue:     p.Queue,
		fees:      p.Fees,
		ports:     p.Ports,
		tolerance: p.Tolerance,
		alerts:    p.Alerts,
		loc:       p.Location,
		log:       p.Log,
	}
}

// --------------------------------------------------------------------------
// registry

// RegisterInvestor adds a new investor. Names are unique, and at most one
// investor may be the fee receiver.
func (m *Manager) RegisterInvestor(ctx context.Context, name string, feePercent decimal.Decimal, isFeeReceiver bool) (*domain.Investor, error) {
	if _, err := m.store.GetInvestorByName(ctx, name); err == nil {
		return nil, fmt.Errorf("register %q: %w", name, domain.ErrDuplicateInvestor)
	} else if !errors.Is(err, domain.ErrUnknownInvestor) {
		return nil, err
	}
	if isFeeReceiver {
		receiver, err := m.store.FeeReceiver(ctx)
		if err != nil {
			return nil, err
		}
		if receiver != nil {
			return nil, fmt.Errorf("register %q: %w", name, domain.ErrFeeReceiverExists)
		}
	}

	inv, err := domain.NewInvestor(name, feePercent, isFeeReceiver, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveInvestor(ctx, inv); err != nil {
		return nil, err
	}
	m.log.Info("investor registered",
		"investor_id", inv.ID, "name", name, "fee_receiver", isFeeReceiver)
	return inv, nil
}

// Reactivate returns a deactivated investor to service after manual review.
func (m *Manager) Reactivate(ctx context.Context, investorID string) error {
	inv, err := m.store.GetInvestor(ctx, investorID)
	if err != nil {
		return err
	}
	if inv.Status == domain.InvestorActive {
		return nil
	}
	inv.Status = domain.InvestorActive
	if err := m.store.UpdateInvestor(ctx, inv); err != nil {
		return err
	}
	m.log.Info("investor reactivated", "investor_id", investorID)
	return nil
}

// RequestDeposit queues a deposit for the next cycle.
func (m *Manager) RequestDeposit(ctx context.Context, investorID string, amount decimal.Decimal, tierHint string) (*domain.PendingOperation, error) {
	return m.queue.Enqueue(ctx, investorID, domain.OpDeposit, amount, tierHint)
}

// RequestWithdrawal queues a withdrawal for the next cycle.
func (m *Manager) RequestWithdrawal(ctx context.Context, investorID string, amount decimal.Decimal, tierHint string) (*domain.PendingOperation, error) {
	return m.queue.Enqueue(ctx, investorID, domain.OpWithdrawal, amount, tierHint)
}

// Summary is a read-only view of one investor's state.
type Summary struct {
	Investor     domain.Investor
	TierBalances map[string]decimal.Decimal
	Pending      []domain.PendingOperation
	FeeCharges   []domain.FeeCharge
}

// InvestorSummary assembles the full picture for one investor.
func (m *Manager) InvestorSummary(ctx context.Context, investorID string) (*Summary, error) {
	inv, err := m.store.GetInvestor(ctx, investorID)
	if err != nil {
		return nil, err
	}
	balances, err := m.store.TierBalances(ctx, investorID)
	if err != nil {
		return nil, err
	}
	pending, err := m.queue.ListPending(ctx, investorID)
	if err != nil {
		return nil, err
	}
	charges, err := m.store.ListFeeCharges(ctx, investorID)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Investor:     *inv,
		TierBalances: balances,
		Pending:      pending,
		FeeCharges:   charges,
	}, nil
}

// FindInvestor resolves an investor by display name, falling back to ID.
func (m *Manager) FindInvestor(ctx context.Context, nameOrID string) (*domain.Investor, error) {
	inv, err := m.store.GetInvestorByName(ctx, nameOrID)
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, domain.ErrUnknownInvestor) {
		return nil, err
	}
	return m.store.GetInvestor(ctx, nameOrID)
}

// ListInvestors exposes the registry for reporting surfaces.
func (m *Manager) ListInvestors(ctx context.Context) ([]domain.Investor, error) {
	return m.store.ListInvestors(ctx)
}

// --------------------------------------------------------------------------
// cycle

// CycleReport summarizes one pre-rebalance cycle.
type CycleReport struct {
	StartedAt   time.Time
	FinishedAt  time.Time
	PreFlush    *opsqueue.FlushResult
	PostFlush   *opsqueue.FlushResult
	FeesCharged int
	FeeTotal    decimal.Decimal
	Deactivated []string
	FailedTiers []string
	GlobalDrift decimal.Decimal
	Snapshots   int
}

// RunPreRebalanceCycle executes the full accounting cycle that precedes a
// portfolio rebalance: flush queued operations, mark ledger balances to the
// ports' market values, accrue and transfer performance fees, flush again,
// reconcile every investor, check global integrity, and snapshot.
func (m *Manager) RunPreRebalanceCycle(ctx context.Context) (*CycleReport, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, domain.ErrCycleRunning
	}
	defer m.running.Store(false)

	now := time.Now().UTC()
	report := &CycleReport{StartedAt: now, FeeTotal: decimal.Zero, GlobalDrift: decimal.Zero}
	m.log.Info("cycle started")

	pre, err := m.queue.Flush(ctx, now, m.applyTierDeltas)
	if err != nil {
		return nil, fmt.Errorf("pre-fee flush: %w", err)
	}
	report.PreFlush = pre

	equities, failedTiers := m.tierEquities(ctx)
	report.FailedTiers = failedTiers

	if err := m.markToMarket(ctx, equities); err != nil {
		return nil, fmt.Errorf("mark to market: %w", err)
	}

	if err := m.accrueFees(ctx, now, failedTiers, report); err != nil {
		return nil, fmt.Errorf("fee accrual: %w", err)
	}

	post, err := m.queue.Flush(ctx, now, m.applyTierDeltas)
	if err != nil {
		return nil, fmt.Errorf("post-fee flush: %w", err)
	}
	report.PostFlush = post

	if err := m.reconcile(ctx, report); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	if len(failedTiers) == 0 {
		if err := m.checkGlobalIntegrity(ctx, equities, report); err != nil {
			return nil, fmt.Errorf("global integrity: %w", err)
		}
	}

	if err := m.snapshot(ctx, now, report); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	report.FinishedAt = time.Now().UTC()
	m.log.Info("cycle finished",
		"applied", pre.Applied+post.Applied,
		"fees_charged", report.FeesCharged,
		"fee_total", report.FeeTotal.String(),
		"deactivated", len(report.Deactivated),
		"failed_tiers", failedTiers)
	return report, nil
}

// applyTierDeltas pushes one investor's aggregate deltas to the execution
// ports, retrying transient failures.
func (m *Manager) applyTierDeltas(ctx context.Context, investorID string, deltas map[string]decimal.Decimal) error {
	for tier, delta := range deltas {
		if delta.IsZero() {
			continue
		}
		port, ok := m.ports[tier]
		if !ok {
			return &domain.PortError{
				Kind: domain.PortFatal, Tier: tier, Op: "ApplyCapitalDelta",
				Err: domain.ErrUnknownTier,
			}
		}
		d := delta
		err := util.RetryPort(ctx, portAttempts, portBaseWait, func() error {
			return port.ApplyCapitalDelta(ctx, d)
		})
		if err != nil {
			return fmt.Errorf("apply %s to tier %s for %s: %w", d, tier, investorID, err)
		}
	}
	return nil
}

// tierEquities fetches each port's equity, retrying transient failures.
// Tiers that stay unreachable are reported rather than failing the cycle.
func (m *Manager) tierEquities(ctx context.Context) (map[string]decimal.Decimal, []string) {
	equities := make(map[string]decimal.Decimal, len(m.ports))
	var failed []string
	for tier, port := range m.ports {
		var bal broker.Balance
		err := util.RetryPort(ctx, portAttempts, portBaseWait, func() error {
			var gerr error
			bal, gerr = port.GetBalance(ctx)
			return gerr
		})
		if err != nil {
			m.log.Warn("tier valuation failed", "tier", tier, "error", err)
			failed = append(failed, tier)
			continue
		}
		equities[tier] = bal.Equity
	}
	return equities, failed
}

// markToMarket scales every investor's tier balances by the ratio of port
// equity to the ledger's total for that tier, so tracked balances reflect
// market value before fees are computed. Tiers without a fresh equity keep
// their book value.
func (m *Manager) markToMarket(ctx context.Context, equities map[string]decimal.Decimal) error {
	investors, err := m.store.ListInvestors(ctx)
	if err != nil {
		return err
	}

	type holding struct {
		investorID string
		balances   map[string]decimal.Decimal
	}
	var holdings []holding
	ledgerTotals := make(map[string]decimal.Decimal)
	for _, inv := range investors {
		balances, err := m.store.TierBalances(ctx, inv.ID)
		if err != nil {
			return err
		}
		holdings = append(holdings, holding{investorID: inv.ID, balances: balances})
		for tier, b := range balances {
			ledgerTotals[tier] = ledgerTotals[tier].Add(b)
		}
	}

	commit := &ledger.FlushCommit{
		ID:         uuid.NewString(),
		AsOf:       time.Now().UTC(),
		TierDeltas: make(map[string]map[string]decimal.Decimal),
		Balances:   make(map[string]decimal.Decimal),
	}
	for _, h := range holdings {
		deltas := make(map[string]decimal.Decimal)
		newTotal := decimal.Zero
		changed := false
		for tier, book := range h.balances {
			valued := book
			equity, ok := equities[tier]
			if ok && ledgerTotals[tier].IsPositive() {
				valued = book.Mul(equity).Div(ledgerTotals[tier]).Truncate(2)
			}
			if !valued.Equal(book) {
				deltas[tier] = valued.Sub(book)
				changed = true
			}
			newTotal = newTotal.Add(valued)
		}
		if !changed {
			continue
		}
		commit.TierDeltas[h.investorID] = deltas
		commit.Balances[h.investorID] = newTotal
	}

	if len(commit.TierDeltas) == 0 {
		return nil
	}
	return m.store.CommitFlush(ctx, commit)
}

// accrueFees evaluates every active investor against the fee engine and
// queues the resulting fee transfers. Investors holding capital in a tier
// that could not be valued this cycle are skipped.
func (m *Manager) accrueFees(ctx context.Context, now time.Time, failedTiers []string, report *CycleReport) error {
	receiver, err := m.store.FeeReceiver(ctx)
	if err != nil {
		return err
	}

	unvalued := make(map[string]bool, len(failedTiers))
	for _, t := range failedTiers {
		unvalued[t] = true
	}

	investors, err := m.store.ListInvestors(ctx)
	if err != nil {
		return err
	}
	for i := range investors {
		inv := &investors[i]
		if !inv.Active() || inv.IsFeeReceiver {
			continue
		}

		balances, err := m.store.TierBalances(ctx, inv.ID)
		if err != nil {
			return err
		}
		stale := false
		for tier, b := range balances {
			if unvalued[tier] && !b.IsZero() {
				stale = true
				break
			}
		}
		if stale {
			m.log.Warn("fee accrual skipped, stale valuation", "investor_id", inv.ID)
			continue
		}

		res := m.fees.Accrue(inv, inv.Balance, now)
		if !res.Charged {
			if res.NewHighWaterMark.GreaterThan(inv.HighWaterMark) {
				inv.HighWaterMark = res.NewHighWaterMark
				if err := m.store.UpdateInvestor(ctx, inv); err != nil {
					return err
				}
			}
			continue
		}
		if receiver == nil {
			// Without a receiver the fee has nowhere to go. Leaving the
			// mark untouched lets the next cycle charge it.
			m.log.Warn("fee due but no receiver designated",
				"investor_id", inv.ID, "fee", res.Fee.String())
			m.alert(ctx, fmt.Sprintf("Fee of %s due from %s but no fee receiver is designated.",
				res.Fee.StringFixed(2), inv.Name))
			continue
		}

		chargedAt := now
		inv.HighWaterMark = res.NewHighWaterMark
		inv.LastFeeChargedAt = &chargedAt
		charge := domain.FeeCharge{
			InvestorID:    inv.ID,
			ChargedAt:     chargedAt,
			Amount:        res.Fee,
			Balance:       inv.Balance,
			HighWaterMark: res.NewHighWaterMark,
		}
		if err := m.store.ApplyFeeAccrual(ctx, inv, charge); err != nil {
			return err
		}
		debit, err := m.queue.Enqueue(ctx, inv.ID, domain.OpFee, res.Fee, "")
		if err != nil {
			return fmt.Errorf("queue fee debit for %s: %w", inv.ID, err)
		}
		// The credit settles only once the debit applies, so a payer-side
		// failure cannot leave the fee on both books.
		if _, err := m.queue.EnqueueLinked(ctx, receiver.ID, domain.OpDeposit, res.Fee, "", debit.ID); err != nil {
			return fmt.Errorf("queue fee credit for %s: %w", receiver.ID, err)
		}

		report.FeesCharged++
		report.FeeTotal = report.FeeTotal.Add(res.Fee)
		m.log.Info("fee charged",
			"investor_id", inv.ID, "fee", res.Fee.String(),
			"high_water_mark", res.NewHighWaterMark.String())
	}
	return nil
}

// reconcile verifies that every investor's tracked balance equals the sum
// of their tier balances. A mismatch is never auto-corrected: the investor
// is deactivated and the operator alerted.
func (m *Manager) reconcile(ctx context.Context, report *CycleReport) error {
	investors, err := m.store.ListInvestors(ctx)
	if err != nil {
		return err
	}
	for i := range investors {
		inv := &investors[i]
		if !inv.Active() {
			continue
		}
		balances, err := m.store.TierBalances(ctx, inv.ID)
		if err != nil {
			return err
		}
		observed := decimal.Zero
		for _, b := range balances {
			observed = observed.Add(b)
		}
		if observed.Equal(inv.Balance) {
			continue
		}

		recErr := &domain.ReconciliationError{
			InvestorID: inv.ID,
			Expected:   inv.Balance,
			Observed:   observed,
		}
		inv.Status = domain.InvestorInactive
		if err := m.store.UpdateInvestor(ctx, inv); err != nil {
			return err
		}
		report.Deactivated = append(report.Deactivated, inv.ID)
		m.log.Error("reconciliation mismatch, investor deactivated",
			"investor_id", inv.ID,
			"expected", inv.Balance.StringFixed(2),
			"observed", observed.StringFixed(2))
		m.alert(ctx, fmt.Sprintf("Investor %s deactivated: %s", inv.Name, recErr.Error()))
	}
	return nil
}

// checkGlobalIntegrity compares the sum of all tracked balances against the
// sum of all tier equities. Drift above the tolerance is alerted but does
// not stop the cycle.
func (m *Manager) checkGlobalIntegrity(ctx context.Context, equities map[string]decimal.Decimal, report *CycleReport) error {
	investors, err := m.store.ListInvestors(ctx)
	if err != nil {
		return err
	}
	tracked := decimal.Zero
	for _, inv := range investors {
		tracked = tracked.Add(inv.Balance)
	}
	held := decimal.Zero
	for _, e := range equities {
		held = held.Add(e)
	}

	drift := tracked.Sub(held).Abs()
	report.GlobalDrift = drift
	if drift.GreaterThan(m.tolerance) {
		m.log.Error("global integrity drift",
			"tracked", tracked.StringFixed(2),
			"held", held.StringFixed(2),
			"drift", drift.StringFixed(2))
		m.alert(ctx, fmt.Sprintf("Ledger/broker drift of %s exceeds tolerance (tracked %s, held %s).",
			drift.StringFixed(2), tracked.StringFixed(2), held.StringFixed(2)))
	}
	return nil
}

// snapshot records every investor's end-of-cycle balances in SQLite and the
// Parquet archive. Both sinks are append-once per day.
func (m *Manager) snapshot(ctx context.Context, now time.Time, report *CycleReport) error {
	date := now.In(m.loc).Format("2006-01-02")
	investors, err := m.store.ListInvestors(ctx)
	if err != nil {
		return err
	}
	var snaps []domain.Snapshot
	for _, inv := range investors {
		balances, err := m.store.TierBalances(ctx, inv.ID)
		if err != nil {
			return err
		}
		if len(balances) == 0 {
			continue
		}
		snaps = append(snaps, domain.Snapshot{
			InvestorID:    inv.ID,
			Date:          date,
			Total:         inv.Balance,
			PerTier:       balances,
			HighWaterMark: inv.HighWaterMark,
		})
	}
	if len(snaps) == 0 {
		return nil
	}
	if err := m.store.AppendSnapshots(ctx, snaps); err != nil {
		return err
	}
	for _, inv := range investors {
		for _, snap := range snaps {
			if snap.InvestorID != inv.ID {
				continue
			}
			if err := m.archive.AppendSnapshots(ctx, inv.Name, []domain.Snapshot{snap}); err != nil {
				// The SQLite copy is authoritative; archive trouble is
				// logged, not fatal.
				m.log.Warn("snapshot archive failed",
					"investor_id", inv.ID, "error", err)
			}
		}
	}
	report.Snapshots = len(snaps)
	return nil
}

func (m *Manager) alert(ctx context.Context, text string) {
	if m.alerts == nil {
		return
	}
	if err := m.alerts.Send(ctx, text); err != nil {
		m.log.Warn("alert delivery failed", "error", err)
	}
}
