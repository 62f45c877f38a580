package admin

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/axisrow/alpaca-bot/internal/broker"
	"github.com/axisrow/alpaca-bot/internal/fees"
	"github.com/axisrow/alpaca-bot/internal/ledger"
	"github.com/axisrow/alpaca-bot/internal/manager"
	"github.com/axisrow/alpaca-bot/internal/opsqueue"
	"github.com/axisrow/alpaca-bot/internal/util"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	log := util.NewLogger("error")
	dir := t.TempDir()
	store, err := ledger.OpenSQLite(filepath.Join(dir, "ledger.db"), log)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	weights := map[string]decimal.Decimal{
		"low":    decimal.RequireFromString("0.45"),
		"medium": decimal.RequireFromString("0.35"),
		"high":   decimal.RequireFromString("0.2"),
	}
	loc, _ := time.LoadLocation("America/New_York")
	ports := map[string]broker.ExecutionPort{
		"low":    broker.NewSimulatorPort("low"),
		"medium": broker.NewSimulatorPort("medium"),
		"high":   broker.NewSimulatorPort("high"),
	}
	archive := ledger.NewParquetArchive(filepath.Join(dir, "archive"))
	m := manager.New(manager.Params{
		Store:     store,
		Archive:   archive,
		Queue:     opsqueue.New(store, weights, log),
		Fees:      fees.NewEngine(loc),
		Ports:     ports,
		Tolerance: decimal.RequireFromString("1"),
		Location:  loc,
		Log:       log,
	})
	return New(m, archive, log)
}

func TestAdminFlow(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	reg := s.Register(ctx, "alice", "0.2", false)
	if !reg.OK || reg.InvestorID == "" {
		t.Fatalf("Register = %+v, want ok with id", reg)
	}
	if dup := s.Register(ctx, "alice", "0.2", false); dup.Err != CodeDuplicateInvestor {
		t.Errorf("duplicate register err = %q, want %q", dup.Err, CodeDuplicateInvestor)
	}

	dep := s.Deposit(ctx, "alice", "100000", "")
	if !dep.OK || dep.OperationID == "" {
		t.Fatalf("Deposit = %+v, want ok", dep)
	}

	cycle := s.RunCycle(ctx)
	if !cycle.OK || cycle.Applied != 1 {
		t.Fatalf("RunCycle = %+v, want 1 applied", cycle)
	}

	bal := s.BalanceCheck(ctx, "alice")
	if !bal.OK {
		t.Fatalf("BalanceCheck = %+v, want ok", bal)
	}
	if bal.Balance != "100000.00" {
		t.Errorf("balance = %s, want 100000.00", bal.Balance)
	}
	if len(bal.Tiers) != 3 {
		t.Errorf("tiers = %d, want 3", len(bal.Tiers))
	}

	wd := s.Withdraw(ctx, "alice", "1000000", "")
	if wd.Err != CodeInsufficientFunds {
		t.Errorf("overdraw err = %q, want %q", wd.Err, CodeInsufficientFunds)
	}

	exp := s.Export(ctx, "alice")
	if !exp.OK || exp.FilePath == "" {
		t.Errorf("Export = %+v, want archive path after a cycle", exp)
	}
}

func TestAdminErrorCodes(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	if r := s.Deposit(ctx, "nobody", "100", ""); r.Err != CodeUnknownInvestor {
		t.Errorf("unknown investor err = %q, want %q", r.Err, CodeUnknownInvestor)
	}
	if r := s.Deposit(ctx, "nobody", "abc", ""); r.Err != CodeInvalidAmount {
		t.Errorf("bad amount err = %q, want %q", r.Err, CodeInvalidAmount)
	}
	if r := s.Deposit(ctx, "nobody", "-5", ""); r.Err != CodeInvalidAmount {
		t.Errorf("negative amount err = %q, want %q", r.Err, CodeInvalidAmount)
	}
	if r := s.Register(ctx, "bob", "1.5", false); r.Err != CodeInvalidFeePercent {
		t.Errorf("bad fee err = %q, want %q", r.Err, CodeInvalidFeePercent)
	}
	if r := s.Export(ctx, "nobody"); r.Err != CodeUnknownInvestor {
		t.Errorf("export unknown err = %q, want %q", r.Err, CodeUnknownInvestor)
	}

	reg := s.Register(ctx, "carol", "0.1", false)
	if !reg.OK {
		t.Fatalf("Register = %+v", reg)
	}
	if r := s.Deposit(ctx, "carol", "100", "platinum"); r.Err != CodeUnknownTier {
		t.Errorf("bad tier err = %q, want %q", r.Err, CodeUnknownTier)
	}
	if r := s.Export(ctx, "carol"); r.Err != CodeNoData {
		t.Errorf("export no-data err = %q, want %q", r.Err, CodeNoData)
	}
}
