// Package admin is the command surface shared by the HTTP API and the
// Telegram bot. It resolves investor names to IDs, parses amounts, and maps
// engine errors to stable machine-readable codes so the transports never
// leak raw error strings.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/axisrow/alpaca-bot/internal/domain"
	"github.com/axisrow/alpaca-bot/internal/ledger"
	"github.com/axisrow/alpaca-bot/internal/manager"
)

// Stable error codes returned in results.
const (
	CodeInvalidAmount     = "invalid_amount"
	CodeInvalidName       = "invalid_name"
	CodeInvalidFeePercent = "invalid_fee_percent"
	CodeUnknownInvestor   = "unknown_investor"
	CodeUnknownTier       = "unknown_tier"
	CodeInsufficientFunds = "insufficient_funds"
	CodeDuplicateInvestor = "duplicate_investor"
	CodeFeeReceiverExists = "fee_receiver_exists"
	CodeCycleRunning      = "cycle_running"
	CodeNoData            = "no_data"
	CodeInternal          = "internal"
)

// Service executes administrative commands against the manager.
type Service struct {
	m       *manager.Manager
	archive ledger.Archive
	log     *slog.Logger
}

func New(m *manager.Manager, archive ledger.Archive, log *slog.Logger) *Service {
	return &Service{m: m, archive: archive, log: log}
}

// OperationResult reports the outcome of a deposit or withdrawal request.
type OperationResult struct {
	OK          bool   `json:"ok"`
	Err         string `json:"error,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
	Seq         int64  `json:"seq,omitempty"`
}

// RegisterResult reports the outcome of an investor registration.
type RegisterResult struct {
	OK         bool   `json:"ok"`
	Err        string `json:"error,omitempty"`
	InvestorID string `json:"investor_id,omitempty"`
}

// TierAmount is one tier's balance, serialized as a decimal string.
type TierAmount struct {
	Tier   string `json:"tier"`
	Amount string `json:"amount"`
}

// BalanceResult is the full balance view for one investor.
type BalanceResult struct {
	OK            bool         `json:"ok"`
	Err           string       `json:"error,omitempty"`
	Name          string       `json:"name,omitempty"`
	Status        string       `json:"status,omitempty"`
	Balance       string       `json:"balance,omitempty"`
	HighWaterMark string       `json:"high_water_mark,omitempty"`
	Tiers         []TierAmount `json:"tiers,omitempty"`
	PendingOps    int          `json:"pending_ops"`
	FeesPaid      string       `json:"fees_paid,omitempty"`
}

// CycleResult reports a manually triggered accounting cycle.
type CycleResult struct {
	OK          bool   `json:"ok"`
	Err         string `json:"error,omitempty"`
	Applied     int    `json:"applied"`
	Rejected    int    `json:"rejected"`
	FeesCharged int    `json:"fees_charged"`
	FeeTotal    string `json:"fee_total,omitempty"`
	Deactivated int    `json:"deactivated"`
}

// ExportResult points at an investor's snapshot archive file.
type ExportResult struct {
	OK       bool   `json:"ok"`
	Err      string `json:"error,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

// Register creates a new investor. feePercent is a decimal string in [0, 1).
func (s *Service) Register(ctx context.Context, name, feePercent string, isFeeReceiver bool) RegisterResult {
	pct, err := decimal.NewFromString(feePercent)
	if err != nil {
		return RegisterResult{Err: CodeInvalidFeePercent}
	}
	inv, err := s.m.RegisterInvestor(ctx, name, pct, isFeeReceiver)
	if err != nil {
		return RegisterResult{Err: s.code("register", err)}
	}
	return RegisterResult{OK: true, InvestorID: inv.ID}
}

// Deposit queues a deposit for the named investor. tier is optional.
func (s *Service) Deposit(ctx context.Context, name, amount, tier string) OperationResult {
	return s.enqueue(ctx, name, amount, tier, s.m.RequestDeposit)
}

// Withdraw queues a withdrawal for the named investor. tier is optional.
func (s *Service) Withdraw(ctx context.Context, name, amount, tier string) OperationResult {
	return s.enqueue(ctx, name, amount, tier, s.m.RequestWithdrawal)
}

type enqueueFunc func(ctx context.Context, investorID string, amount decimal.Decimal, tierHint string) (*domain.PendingOperation, error)

func (s *Service) enqueue(ctx context.Context, name, amount, tier string, fn enqueueFunc) OperationResult {
	amt, err := decimal.NewFromString(amount)
	if err != nil || !amt.IsPositive() {
		return OperationResult{Err: CodeInvalidAmount}
	}
	inv, err := s.resolve(ctx, name)
	if err != nil {
		return OperationResult{Err: s.code("resolve", err)}
	}
	op, err := fn(ctx, inv.ID, amt, tier)
	if err != nil {
		return OperationResult{Err: s.code("enqueue", err)}
	}
	return OperationResult{OK: true, OperationID: op.ID, Seq: op.Seq}
}

// BalanceCheck returns the named investor's balances, pending operation
// count, and cumulative fees paid.
func (s *Service) BalanceCheck(ctx context.Context, name string) BalanceResult {
	inv, err := s.resolve(ctx, name)
	if err != nil {
		return BalanceResult{Err: s.code("resolve", err)}
	}
	sum, err := s.m.InvestorSummary(ctx, inv.ID)
	if err != nil {
		return BalanceResult{Err: s.code("summary", err)}
	}

	tiers := make([]TierAmount, 0, len(sum.TierBalances))
	for tier, amt := range sum.TierBalances {
		tiers = append(tiers, TierAmount{Tier: tier, Amount: amt.StringFixed(2)})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Tier < tiers[j].Tier })
	feesPaid := decimal.Zero
	for _, c := range sum.FeeCharges {
		feesPaid = feesPaid.Add(c.Amount)
	}
	return BalanceResult{
		OK:            true,
		Name:          sum.Investor.Name,
		Status:        string(sum.Investor.Status),
		Balance:       sum.Investor.Balance.StringFixed(2),
		HighWaterMark: sum.Investor.HighWaterMark.StringFixed(2),
		Tiers:         tiers,
		PendingOps:    len(sum.Pending),
		FeesPaid:      feesPaid.StringFixed(2),
	}
}

// SummaryAll returns the balance view for every investor.
func (s *Service) SummaryAll(ctx context.Context) ([]BalanceResult, string) {
	investors, err := s.m.ListInvestors(ctx)
	if err != nil {
		return nil, s.code("list", err)
	}
	out := make([]BalanceResult, 0, len(investors))
	for i := range investors {
		out = append(out, s.BalanceCheck(ctx, investors[i].Name))
	}
	return out, ""
}

// RunCycle triggers the pre-rebalance accounting cycle by hand.
func (s *Service) RunCycle(ctx context.Context) CycleResult {
	report, err := s.m.RunPreRebalanceCycle(ctx)
	if err != nil {
		return CycleResult{Err: s.code("cycle", err)}
	}
	return CycleResult{
		OK:          true,
		Applied:     report.PreFlush.Applied + report.PostFlush.Applied,
		Rejected:    report.PreFlush.Rejected + report.PostFlush.Rejected,
		FeesCharged: report.FeesCharged,
		FeeTotal:    report.FeeTotal.StringFixed(2),
		Deactivated: len(report.Deactivated),
	}
}

// Reactivate returns a deactivated investor to service.
func (s *Service) Reactivate(ctx context.Context, name string) OperationResult {
	inv, err := s.resolve(ctx, name)
	if err != nil {
		return OperationResult{Err: s.code("resolve", err)}
	}
	if err := s.m.Reactivate(ctx, inv.ID); err != nil {
		return OperationResult{Err: s.code("reactivate", err)}
	}
	return OperationResult{OK: true}
}

// Export returns the path to the investor's Parquet snapshot archive.
func (s *Service) Export(ctx context.Context, name string) ExportResult {
	inv, err := s.resolve(ctx, name)
	if err != nil {
		return ExportResult{Err: s.code("resolve", err)}
	}
	path := s.archive.FilePath(inv.Name)
	if _, err := os.Stat(path); err != nil {
		return ExportResult{Err: CodeNoData}
	}
	return ExportResult{OK: true, FilePath: path}
}

// resolve looks up an investor by name, falling back to ID so both work in
// commands.
func (s *Service) resolve(ctx context.Context, name string) (*domain.Investor, error) {
	inv, err := s.m.FindInvestor(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", name, err)
	}
	return inv, nil
}

// code maps engine errors to stable codes, logging anything unexpected.
func (s *Service) code(op string, err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, domain.ErrInvalidName):
		return CodeInvalidName
	case errors.Is(err, domain.ErrInvalidFeePercent):
		return CodeInvalidFeePercent
	case errors.Is(err, domain.ErrUnknownInvestor):
		return CodeUnknownInvestor
	case errors.Is(err, domain.ErrUnknownTier):
		return CodeUnknownTier
	case errors.Is(err, domain.ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, domain.ErrDuplicateInvestor):
		return CodeDuplicateInvestor
	case errors.Is(err, domain.ErrFeeReceiverExists):
		return CodeFeeReceiverExists
	case errors.Is(err, domain.ErrCycleRunning):
		return CodeCycleRunning
	default:
		s.log.Error("admin command failed", "op", op, "error", err)
		return CodeInternal
	}
}
