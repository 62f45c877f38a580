package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/axisrow/alpaca-bot/internal/admin"
	"github.com/axisrow/alpaca-bot/internal/broker"
	"github.com/axisrow/alpaca-bot/internal/fees"
	"github.com/axisrow/alpaca-bot/internal/ledger"
	"github.com/axisrow/alpaca-bot/internal/manager"
	"github.com/axisrow/alpaca-bot/internal/marketclock"
	"github.com/axisrow/alpaca-bot/internal/opsqueue"
	"github.com/axisrow/alpaca-bot/internal/util"
)

func newTestScheduler(t *testing.T, clock marketclock.Clock, interval int) (*Scheduler, *Flag) {
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
	archive := ledger.NewParquetArchive(filepath.Join(dir, "archive"))
	m := manager.New(manager.Params{
		Store:   store,
		Archive: archive,
		Queue:   opsqueue.New(store, weights, log),
		Fees:    fees.NewEngine(loc),
		Ports: map[string]broker.ExecutionPort{
			"low":    broker.NewSimulatorPort("low"),
			"medium": broker.NewSimulatorPort("medium"),
			"high":   broker.NewSimulatorPort("high"),
		},
		Tolerance: decimal.RequireFromString("1"),
		Location:  loc,
		Log:       log,
	})
	flag := NewFlag(filepath.Join(dir, "last_rebalance"), loc)
	s := New(Params{
		Service:      admin.New(m, archive, log),
		Clock:        clock,
		Flag:         flag,
		IntervalDays: interval,
		Location:     loc,
		Log:          log,
	})
	return s, flag
}

func openClock(t *testing.T) *marketclock.WeekdayClock {
	t.Helper()
	loc, _ := time.LoadLocation("America/New_York")
	c := marketclock.NewWeekdayClock(loc)
	// Wednesday midday.
	c.Now = func() time.Time { return time.Date(2025, 4, 2, 12, 0, 0, 0, loc) }
	return c
}

func TestFlagRoundTrip(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	f := NewFlag(filepath.Join(t.TempDir(), "nested", "last_rebalance"), loc)

	if f.RebalancedToday() {
		t.Error("fresh flag reports rebalanced today")
	}
	last, err := f.LastRebalance()
	if err != nil {
		t.Fatalf("LastRebalance: %v", err)
	}
	if !last.IsZero() {
		t.Errorf("fresh flag last = %v, want zero", last)
	}

	if err := f.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !f.RebalancedToday() {
		t.Error("stamped flag does not report rebalanced today")
	}
	last, err = f.LastRebalance()
	if err != nil {
		t.Fatalf("LastRebalance after write: %v", err)
	}
	want := time.Now().In(loc).Format("2006-01-02")
	if last.Format("2006-01-02") != want {
		t.Errorf("last = %s, want %s", last.Format("2006-01-02"), want)
	}
}

func TestDailyCheckGating(t *testing.T) {
	ctx := context.Background()
	loc, _ := time.LoadLocation("America/New_York")

	// Closed market: nothing happens.
	closed := marketclock.NewWeekdayClock(loc)
	closed.Now = func() time.Time { return time.Date(2025, 4, 5, 12, 0, 0, 0, loc) } // Saturday
	s, flag := newTestScheduler(t, closed, 22)
	s.DailyCheck(ctx)
	if flag.RebalancedToday() {
		t.Error("cycle ran on a closed market")
	}

	// Open market, no previous stamp: the cycle runs and stamps today.
	s, flag = newTestScheduler(t, openClock(t), 22)
	s.DailyCheck(ctx)
	if !flag.RebalancedToday() {
		t.Error("first-ever check did not run the cycle")
	}

	// Stamped today: a second check is a no-op (would fail the interval
	// gate if it ran, so the stamp must short-circuit first).
	s.DailyCheck(ctx)

	// Open market, stamped recently: interval not elapsed, no new stamp.
	s, flag = newTestScheduler(t, openClock(t), 22)
	recent := time.Date(2025, 4, 1, 0, 0, 0, 0, loc).Format("2006-01-02")
	if err := os.WriteFile(flag.path, []byte(recent), 0o644); err != nil {
		t.Fatalf("seed flag: %v", err)
	}
	s.DailyCheck(ctx)
	last, err := flag.LastRebalance()
	if err != nil {
		t.Fatalf("LastRebalance: %v", err)
	}
	if last.Format("2006-01-02") != recent {
		t.Errorf("flag moved to %s, want untouched %s", last.Format("2006-01-02"), recent)
	}
}

func TestHandleCommands(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t, openClock(t), 22)

	if reply := s.HandleCommand(ctx, "/help"); !strings.Contains(reply, "/balance") {
		t.Errorf("help reply = %q, want command list", reply)
	}
	if reply := s.HandleCommand(ctx, "/frobnicate"); !strings.Contains(reply, "Unknown command") {
		t.Errorf("unknown reply = %q", reply)
	}
	if reply := s.HandleCommand(ctx, "/balance"); !strings.Contains(reply, "Usage") {
		t.Errorf("usage reply = %q", reply)
	}

	if reply := s.HandleCommand(ctx, "/register alice 0.2"); !strings.Contains(reply, "Registered alice") {
		t.Fatalf("register reply = %q", reply)
	}
	if reply := s.HandleCommand(ctx, "/deposit alice 100000"); !strings.Contains(reply, "queued") {
		t.Fatalf("deposit reply = %q", reply)
	}
	if reply := s.HandleCommand(ctx, "/rebalance"); !strings.Contains(reply, "cycle complete") {
		t.Fatalf("rebalance reply = %q", reply)
	}
	reply := s.HandleCommand(ctx, "/balance alice")
	if !strings.Contains(reply, "100000.00") {
		t.Errorf("balance reply = %q, want the deposited total", reply)
	}
	if reply := s.HandleCommand(ctx, "/balance nobody"); !strings.Contains(reply, "unknown_investor") {
		t.Errorf("missing investor reply = %q", reply)
	}
	if reply := s.HandleCommand(ctx, "/summary"); !strings.Contains(reply, "alice") {
		t.Errorf("summary reply = %q", reply)
	}
}
