package manager

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/axisrow/alpaca-bot/internal/broker"
	"github.com/axisrow/alpaca-bot/internal/domain"
	"github.com/axisrow/alpaca-bot/internal/fees"
	"github.com/axisrow/alpaca-bot/internal/ledger"
	"github.com/axisrow/alpaca-bot/internal/opsqueue"
	"github.com/axisrow/alpaca-bot/internal/util"
)

type captureAlerter struct {
	msgs []string
}

func (c *captureAlerter) Send(_ context.Context, text string) error {
	c.msgs = append(c.msgs, text)
	return nil
}

type fixture struct {
	m      *Manager
	store  ledger.Store
	sims   map[string]*broker.SimulatorPort
	alerts *captureAlerter
}

func newFixture(t *testing.T, withPorts bool) *fixture {
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
	queue := opsqueue.New(store, weights, log)

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	sims := make(map[string]*broker.SimulatorPort)
	ports := make(map[string]broker.ExecutionPort)
	if withPorts {
		for tier := range weights {
			sim := broker.NewSimulatorPort(tier)
			sims[tier] = sim
			ports[tier] = sim
		}
	}

	alerts := &captureAlerter{}
	m := New(Params{
		Store:     store,
		Archive:   ledger.NewParquetArchive(filepath.Join(dir, "archive")),
		Queue:     queue,
		Fees:      fees.NewEngine(loc),
		Ports:     ports,
		Tolerance: decimal.RequireFromString("1"),
		Alerts:    alerts,
		Location:  loc,
		Log:       log,
	})
	return &fixture{m: m, store: store, sims: sims, alerts: alerts}
}

func TestRegisterInvestorConstraints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	if _, err := f.m.RegisterInvestor(ctx, "alice", decimal.RequireFromString("0.2"), false); err != nil {
		t.Fatalf("RegisterInvestor: %v", err)
	}
	if _, err := f.m.RegisterInvestor(ctx, "alice", decimal.RequireFromString("0.1"), false); !errors.Is(err, domain.ErrDuplicateInvestor) {
		t.Errorf("duplicate err = %v, want ErrDuplicateInvestor", err)
	}

	if _, err := f.m.RegisterInvestor(ctx, "owner", decimal.Zero, true); err != nil {
		t.Fatalf("RegisterInvestor receiver: %v", err)
	}
	if _, err := f.m.RegisterInvestor(ctx, "owner2", decimal.Zero, true); !errors.Is(err, domain.ErrFeeReceiverExists) {
		t.Errorf("second receiver err = %v, want ErrFeeReceiverExists", err)
	}
}

func TestCycleSingleFlight(t *testing.T) {
	f := newFixture(t, true)

	f.m.running.Store(true)
	if _, err := f.m.RunPreRebalanceCycle(context.Background()); !errors.Is(err, domain.ErrCycleRunning) {
		t.Errorf("concurrent cycle err = %v, want ErrCycleRunning", err)
	}
	f.m.running.Store(false)

	// And the guard releases after a normal run.
	if _, err := f.m.RunPreRebalanceCycle(context.Background()); err != nil {
		t.Fatalf("cycle after release: %v", err)
	}
	if _, err := f.m.RunPreRebalanceCycle(context.Background()); err != nil {
		t.Fatalf("second sequential cycle: %v", err)
	}
}

func TestCycleDepositThenFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	owner, err := f.m.RegisterInvestor(ctx, "owner", decimal.Zero, true)
	if err != nil {
		t.Fatalf("RegisterInvestor owner: %v", err)
	}
	alice, err := f.m.RegisterInvestor(ctx, "alice", decimal.RequireFromString("0.2"), false)
	if err != nil {
		t.Fatalf("RegisterInvestor alice: %v", err)
	}

	if _, err := f.m.RequestDeposit(ctx, alice.ID, decimal.RequireFromString("100000"), ""); err != nil {
		t.Fatalf("RequestDeposit: %v", err)
	}

	// First cycle: the deposit lands across tiers, no fee because the
	// contribution raised the mark.
	report, err := f.m.RunPreRebalanceCycle(ctx)
	if err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	if report.PreFlush.Applied != 1 || report.FeesCharged != 0 {
		t.Errorf("cycle 1 report = %+v, want 1 applied 0 fees", report)
	}

	got, err := f.store.GetInvestor(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetInvestor: %v", err)
	}
	if !got.Balance.Equal(decimal.RequireFromString("100000")) {
		t.Errorf("balance = %s, want 100000", got.Balance)
	}
	if !got.HighWaterMark.Equal(decimal.RequireFromString("100000")) {
		t.Errorf("mark = %s, want 100000", got.HighWaterMark)
	}
	bal, err := f.sims["low"].GetBalance(ctx)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Cash.Equal(decimal.RequireFromString("45000")) {
		t.Errorf("low port cash = %s, want 45000", bal.Cash)
	}

	// Market gain in the low tier: 10000 of unrealized value.
	f.sims["low"].SetPositionsValue(decimal.RequireFromString("10000"))

	report, err = f.m.RunPreRebalanceCycle(ctx)
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if report.FeesCharged != 1 {
		t.Fatalf("cycle 2 fees charged = %d, want 1", report.FeesCharged)
	}
	if !report.FeeTotal.Equal(decimal.RequireFromString("2000")) {
		t.Errorf("fee total = %s, want 2000 (20%% of the 10000 gain)", report.FeeTotal)
	}

	got, err = f.store.GetInvestor(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetInvestor: %v", err)
	}
	if !got.Balance.Equal(decimal.RequireFromString("108000")) {
		t.Errorf("alice balance = %s, want 108000 after fee", got.Balance)
	}
	if !got.HighWaterMark.Equal(decimal.RequireFromString("110000")) {
		t.Errorf("alice mark = %s, want 110000", got.HighWaterMark)
	}

	gotOwner, err := f.store.GetInvestor(ctx, owner.ID)
	if err != nil {
		t.Fatalf("GetInvestor owner: %v", err)
	}
	if !gotOwner.Balance.Equal(decimal.RequireFromString("2000")) {
		t.Errorf("owner balance = %s, want the 2000 fee", gotOwner.Balance)
	}

	charges, err := f.store.ListFeeCharges(ctx, alice.ID)
	if err != nil {
		t.Fatalf("ListFeeCharges: %v", err)
	}
	if len(charges) != 1 || !charges[0].Amount.Equal(decimal.RequireFromString("2000")) {
		t.Errorf("fee history = %+v, want one 2000 charge", charges)
	}

	if len(report.Deactivated) != 0 {
		t.Errorf("deactivated = %v, want none", report.Deactivated)
	}
	if report.GlobalDrift.GreaterThan(decimal.RequireFromString("1")) {
		t.Errorf("global drift = %s, want within tolerance", report.GlobalDrift)
	}

	// Third cycle in the same month: accrual is idempotent.
	report, err = f.m.RunPreRebalanceCycle(ctx)
	if err != nil {
		t.Fatalf("cycle 3: %v", err)
	}
	if report.FeesCharged != 0 {
		t.Errorf("cycle 3 fees charged = %d, want 0 in the same month", report.FeesCharged)
	}
}

func TestCycleDeactivatesOnReconciliationMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false) // no ports: balances stay at book value

	alice, err := f.m.RegisterInvestor(ctx, "alice", decimal.RequireFromString("0.2"), false)
	if err != nil {
		t.Fatalf("RegisterInvestor: %v", err)
	}

	// Corrupt the ledger: a tier delta with no matching balance update.
	corrupt := &ledger.FlushCommit{
		ID:   "corrupt",
		AsOf: time.Now().UTC(),
		TierDeltas: map[string]map[string]decimal.Decimal{
			alice.ID: {"low": decimal.RequireFromString("500")},
		},
	}
	if err := f.store.CommitFlush(ctx, corrupt); err != nil {
		t.Fatalf("CommitFlush: %v", err)
	}

	report, err := f.m.RunPreRebalanceCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(report.Deactivated) != 1 || report.Deactivated[0] != alice.ID {
		t.Fatalf("deactivated = %v, want alice", report.Deactivated)
	}

	got, err := f.store.GetInvestor(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetInvestor: %v", err)
	}
	if got.Status != domain.InvestorInactive {
		t.Errorf("status = %s, want inactive", got.Status)
	}

	found := false
	for _, msg := range f.alerts.msgs {
		if strings.Contains(msg, "deactivated") {
			found = true
		}
	}
	if !found {
		t.Errorf("alerts = %v, want a deactivation notice", f.alerts.msgs)
	}

	// Reactivation restores service; the balance is untouched.
	if err := f.m.Reactivate(ctx, alice.ID); err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	got, err = f.store.GetInvestor(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetInvestor: %v", err)
	}
	if got.Status != domain.InvestorActive {
		t.Errorf("status after reactivate = %s, want active", got.Status)
	}
}

func TestFeeHeldWhenNoReceiver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	alice, err := f.m.RegisterInvestor(ctx, "alice", decimal.RequireFromString("0.2"), false)
	if err != nil {
		t.Fatalf("RegisterInvestor: %v", err)
	}
	if _, err := f.m.RequestDeposit(ctx, alice.ID, decimal.RequireFromString("10000"), ""); err != nil {
		t.Fatalf("RequestDeposit: %v", err)
	}
	if _, err := f.m.RunPreRebalanceCycle(ctx); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}

	f.sims["high"].SetPositionsValue(decimal.RequireFromString("1000"))
	report, err := f.m.RunPreRebalanceCycle(ctx)
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if report.FeesCharged != 0 {
		t.Errorf("fees charged = %d, want 0 with no receiver", report.FeesCharged)
	}

	// The mark stayed put so the fee remains chargeable later.
	got, err := f.store.GetInvestor(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetInvestor: %v", err)
	}
	if !got.HighWaterMark.Equal(decimal.RequireFromString("10000")) {
		t.Errorf("mark = %s, want 10000 held", got.HighWaterMark)
	}

	found := false
	for _, msg := range f.alerts.msgs {
		if strings.Contains(msg, "no fee receiver") {
			found = true
		}
	}
	if !found {
		t.Errorf("alerts = %v, want a no-receiver notice", f.alerts.msgs)
	}
}
