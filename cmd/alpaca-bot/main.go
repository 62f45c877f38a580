package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/axisrow/alpaca-bot/internal/admin"
	"github.com/axisrow/alpaca-bot/internal/broker"
	"github.com/axisrow/alpaca-bot/internal/config"
	"github.com/axisrow/alpaca-bot/internal/fees"
	"github.com/axisrow/alpaca-bot/internal/httpapi"
	"github.com/axisrow/alpaca-bot/internal/ledger"
	"github.com/axisrow/alpaca-bot/internal/manager"
	"github.com/axisrow/alpaca-bot/internal/marketclock"
	"github.com/axisrow/alpaca-bot/internal/notifier"
	"github.com/axisrow/alpaca-bot/internal/opsqueue"
	"github.com/axisrow/alpaca-bot/internal/scheduler"
	"github.com/axisrow/alpaca-bot/internal/util"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := "config/alpaca-bot.yaml"
	if p := os.Getenv("ALPACA_BOT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	log := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(log)
	log.Info("alpaca-bot starting", "paper_mode", cfg.PaperMode, "tiers", cfg.TierNames())

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return fmt.Errorf("load exchange timezone: %w", err)
	}

	store, err := ledger.OpenSQLite(cfg.Ledger.SQLitePath, log)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()
	archive := ledger.NewParquetArchive(cfg.Ledger.ArchiveDir)

	ports := make(map[string]broker.ExecutionPort, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		if cfg.PaperMode || t.APIKey == "" {
			ports[t.Name] = broker.NewSimulatorPort(t.Name)
			continue
		}
		ports[t.Name] = broker.NewAlpacaPort(t.Name, t.APIKey, t.APISecret, t.BaseURL)
	}

	var clock marketclock.Clock
	if cfg.PaperMode || cfg.Tiers[0].APIKey == "" {
		clock = marketclock.NewWeekdayClock(loc)
	} else {
		t := cfg.Tiers[0]
		clock = marketclock.NewAlpacaClock(t.APIKey, t.APISecret, t.BaseURL, loc)
	}

	var tg *notifier.Telegram
	var alerts manager.Alerter
	if cfg.Telegram.BotToken != "" {
		tg = notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, log)
		alerts = tg
	}

	m := manager.New(manager.Params{
		Store:     store,
		Archive:   archive,
		Queue:     opsqueue.New(store, cfg.Weights(), log),
		Fees:      fees.NewEngine(loc),
		Ports:     ports,
		Tolerance: decimal.NewFromFloat(cfg.Fees.Tolerance),
		Alerts:    alerts,
		Location:  loc,
		Log:       log,
	})
	svc := admin.New(m, archive, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(scheduler.Params{
		Service:      svc,
		Clock:        clock,
		Flag:         scheduler.NewFlag(cfg.Rebalance.FlagPath, loc),
		Telegram:     tg,
		IntervalDays: cfg.Rebalance.IntervalDays,
		Location:     loc,
		Log:          log,
	})
	if err := sched.Register(ctx, cfg.Rebalance.Cron); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	if tg != nil {
		go tg.StartPolling(ctx, cfg.Telegram.AdminIDs, sched.HandleCommand)
		log.Info("telegram polling started", "admins", len(cfg.Telegram.AdminIDs))
	}

	api := httpapi.NewServer(svc, log)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("admin api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("admin api: %w", err)
	}

	cancel()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("admin api shutdown", "error", err)
	}
	log.Info("alpaca-bot stopped")
	return nil
}
