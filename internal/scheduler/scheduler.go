// Package scheduler drives the daily rebalance check and dispatches
// Telegram admin commands. The cron task fires every trading morning; the
// accounting cycle actually runs only when the market is open, the
// configured number of trading days has elapsed, and today is not already
// stamped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/axisrow/alpaca-bot/internal/admin"
	"github.com/axisrow/alpaca-bot/internal/marketclock"
	"github.com/axisrow/alpaca-bot/internal/notifier"
)

// Scheduler owns the cron loop and the command handler.
type Scheduler struct {
	cron         *cron.Cron
	svc          *admin.Service
	clock        marketclock.Clock
	flag         *Flag
	tg           *notifier.Telegram
	intervalDays int
	loc          *time.Location
	log          *slog.Logger
}

// Params collects the scheduler's dependencies.
type Params struct {
	Service      *admin.Service
	Clock        marketclock.Clock
	Flag         *Flag
	Telegram     *notifier.Telegram
	IntervalDays int
	Location     *time.Location
	Log          *slog.Logger
}

func New(p Params) *Scheduler {
	return &Scheduler{
		cron:         cron.New(cron.WithSeconds(), cron.WithLocation(p.Location)),
		svc:          p.Service,
		clock:        p.Clock,
		flag:         p.Flag,
		tg:           p.Telegram,
		intervalDays: p.IntervalDays,
		loc:          p.Location,
		log:          p.Log,
	}
}

// Register wires the daily check at the given cron spec (six fields,
// seconds first).
func (s *Scheduler) Register(ctx context.Context, dailyCron string) error {
	if _, err := s.cron.AddFunc(dailyCron, func() { s.DailyCheck(ctx) }); err != nil {
		return fmt.Errorf("register daily task: %w", err)
	}
	return nil
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "interval_days", s.intervalDays)
}

// Stop stops the cron loop gracefully.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.Info("scheduler stopped")
}

// DailyCheck runs the accounting cycle when one is due.
func (s *Scheduler) DailyCheck(ctx context.Context) {
	if s.flag.RebalancedToday() {
		s.log.Info("rebalance already stamped today")
		return
	}

	open, err := s.clock.IsOpen(ctx)
	if err != nil {
		s.log.Warn("market clock unavailable", "error", err)
		return
	}
	if !open {
		s.log.Info("market closed, skipping")
		return
	}

	last, err := s.flag.LastRebalance()
	if err != nil {
		s.log.Warn("unreadable rebalance flag", "error", err)
	}
	if !last.IsZero() {
		elapsed, err := s.clock.TradingDaysElapsed(ctx, last)
		if err != nil {
			s.log.Warn("trading calendar unavailable", "error", err)
			return
		}
		if elapsed < s.intervalDays {
			s.log.Info("rebalance not due",
				"elapsed", elapsed, "interval", s.intervalDays)
			return
		}
	}

	s.log.Info("rebalance due, running cycle")
	res := s.svc.RunCycle(ctx)
	if !res.OK {
		s.log.Error("cycle failed", "code", res.Err)
		s.notify(ctx, fmt.Sprintf("⚠️ Accounting cycle failed: %s", res.Err))
		return
	}
	if err := s.flag.Write(); err != nil {
		s.log.Error("stamping rebalance flag", "error", err)
	}
	s.notify(ctx, formatCycle(res))
}

func (s *Scheduler) notify(ctx context.Context, text string) {
	if s.tg == nil {
		return
	}
	if err := s.tg.SendWithRetry(ctx, text, 3); err != nil {
		s.log.Warn("cycle notice undelivered", "error", err)
	}
}

// --------------------------------------------------------------------------
// Telegram commands

// HandleCommand dispatches one admin command and returns the reply.
func (s *Scheduler) HandleCommand(ctx context.Context, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/help", "/start":
		return helpText

	case "/balance":
		if len(args) != 1 {
			return "Usage: /balance <name>"
		}
		return formatBalance(s.svc.BalanceCheck(ctx, args[0]))

	case "/summary":
		results, code := s.svc.SummaryAll(ctx)
		if code != "" {
			return "Error: " + code
		}
		if len(results) == 0 {
			return "No investors registered."
		}
		var b strings.Builder
		for _, r := range results {
			b.WriteString(formatBalance(r))
			b.WriteString("\n")
		}
		return b.String()

	case "/deposit":
		if len(args) < 2 || len(args) > 3 {
			return "Usage: /deposit <name> <amount> [tier]"
		}
		return formatOperation("Deposit", s.svc.Deposit(ctx, args[0], args[1], optional(args, 2)))

	case "/withdraw":
		if len(args) < 2 || len(args) > 3 {
			return "Usage: /withdraw <name> <amount> [tier]"
		}
		return formatOperation("Withdrawal", s.svc.Withdraw(ctx, args[0], args[1], optional(args, 2)))

	case "/register":
		if len(args) < 2 || len(args) > 3 {
			return "Usage: /register <name> <fee_percent> [receiver]"
		}
		receiver := len(args) == 3 && strings.EqualFold(args[2], "receiver")
		res := s.svc.Register(ctx, args[0], args[1], receiver)
		if !res.OK {
			return "Error: " + res.Err
		}
		return fmt.Sprintf("Registered %s (id %s).", args[0], res.InvestorID)

	case "/reactivate":
		if len(args) != 1 {
			return "Usage: /reactivate <name>"
		}
		res := s.svc.Reactivate(ctx, args[0])
		if !res.OK {
			return "Error: " + res.Err
		}
		return fmt.Sprintf("Investor %s reactivated.", args[0])

	case "/export":
		if len(args) != 1 {
			return "Usage: /export <name>"
		}
		res := s.svc.Export(ctx, args[0])
		if !res.OK {
			return "Error: " + res.Err
		}
		return fmt.Sprintf("Snapshot archive for %s: %s", args[0], res.FilePath)

	case "/rebalance":
		res := s.svc.RunCycle(ctx)
		if !res.OK {
			return "Error: " + res.Err
		}
		if err := s.flag.Write(); err != nil {
			s.log.Error("stamping rebalance flag", "error", err)
		}
		return formatCycle(res)

	default:
		return "Unknown command. Send /help for the command list."
	}
}

const helpText = `Commands:
/balance <name> — investor balance and tiers
/summary — all investors
/deposit <name> <amount> [tier]
/withdraw <name> <amount> [tier]
/register <name> <fee_percent> [receiver]
/reactivate <name>
/export <name> — snapshot archive path
/rebalance — run the accounting cycle now`

func optional(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func formatOperation(kind string, res admin.OperationResult) string {
	if !res.OK {
		return "Error: " + res.Err
	}
	return fmt.Sprintf("%s queued (op %s). It applies at the next cycle.", kind, res.OperationID)
}

func formatBalance(res admin.BalanceResult) string {
	if !res.OK {
		return "Error: " + res.Err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> (%s)\n", res.Name, res.Status)
	fmt.Fprintf(&b, "Balance: $%s\n", res.Balance)
	fmt.Fprintf(&b, "HWM: $%s\n", res.HighWaterMark)
	for _, tier := range res.Tiers {
		fmt.Fprintf(&b, "  %s: $%s\n", tier.Tier, tier.Amount)
	}
	if res.PendingOps > 0 {
		fmt.Fprintf(&b, "Pending operations: %d\n", res.PendingOps)
	}
	fmt.Fprintf(&b, "Fees paid: $%s", res.FeesPaid)
	return b.String()
}

func formatCycle(res admin.CycleResult) string {
	return fmt.Sprintf(
		"✅ Accounting cycle complete.\nApplied: %d\nRejected: %d\nFees charged: %d ($%s)\nDeactivated: %d",
		res.Applied, res.Rejected, res.FeesCharged, res.FeeTotal, res.Deactivated)
}
