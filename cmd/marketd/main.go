// Command marketd runs the dynamic-price market: the HTTP API, the agent
// trading tick, stock rebalancing and interest accrual.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/talgya/mini-market/internal/api"
	"github.com/talgya/mini-market/internal/config"
	"github.com/talgya/mini-market/internal/engine"
	"github.com/talgya/mini-market/internal/entropy"
	"github.com/talgya/mini-market/internal/host"
	"github.com/talgya/mini-market/internal/journal"
	"github.com/talgya/mini-market/internal/metrics"
	"github.com/talgya/mini-market/internal/persistence"
	"github.com/talgya/mini-market/internal/trade"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn(".env not loaded", "error", err)
	}

	dataDir := envOrDefault("MARKET_DATA_DIR", "data")
	configPath := envOrDefault("MARKET_CONFIG", "market.yaml")
	waresPath := envOrDefault("MARKET_WARES", "wares.json")
	agentsPath := envOrDefault("MARKET_AGENTS", "agents.yaml")
	apiPort := envIntOrDefault("MARKET_PORT", 8080)
	seed := int64(envIntOrDefault("MARKET_SEED", 42))

	slog.Info("mini-market starting", "data_dir", dataDir, "config", configPath, "seed", seed)

	// ── Configuration ─────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("config not read, using defaults", "path", configPath, "error", err)
	}

	// ── Database ──────────────────────────────────────────────────────
	os.MkdirAll(dataDir, 0755)
	dbPath := filepath.Join(dataDir, "market.db")
	db, err := persistence.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database opened", "path", dbPath)

	// ── Market ────────────────────────────────────────────────────────
	var src entropy.Source = entropy.NewSeeded(uint64(seed))
	if pool := entropy.NewPool(os.Getenv("RANDOM_ORG_KEY"), src); pool != nil {
		slog.Info("agent randomness from random.org")
		src = pool
	}

	market, err := engine.New(cfg, host.NewMemory(), src, seed)
	if err != nil {
		slog.Error("failed to create market", "error", err)
		os.Exit(1)
	}

	restored, err := db.RestoreMarketState(market)
	if err != nil {
		slog.Error("failed to restore market", "error", err)
		os.Exit(1)
	}
	if !restored {
		slog.Info("no saved market, loading wares", "path", waresPath)
		if err := loadFile(waresPath, func(f *os.File) { market.LoadWares(f) }); err != nil {
			slog.Warn("no wares loaded", "path", waresPath, "error", err)
		}
		if err := db.SaveMarketState(market); err != nil {
			slog.Error("initial save failed", "error", err)
		}
	}
	if err := loadFile(agentsPath, func(f *os.File) {
		n := market.LoadAgents(f)
		slog.Info("agents loaded", "count", n)
	}); err != nil {
		slog.Warn("no agents loaded", "path", agentsPath, "error", err)
	}

	// ── Trade sinks ───────────────────────────────────────────────────
	jw := journal.New(filepath.Join(dataDir, "journal"))
	defer jw.Close()

	m := metrics.New(metrics.Gauges{
		Wares:       func() float64 { return float64(market.Stats().Wares) },
		Quarantined: func() float64 { return float64(len(market.Quarantine())) },
		Agents:      func() float64 { return float64(len(market.Agents.List())) },
		Subscribers: func() float64 { return float64(market.Bus.Subscribers()) },
	})
	market.Guard.OnWait = m.RecordGuardWait

	market.OnReceipt(func(r trade.Receipt) {
		if err := jw.Record(r); err != nil {
			slog.Warn("journal write failed", "trade", r.ID, "error", err)
		}
		db.RecordTrade(r)
		m.RecordTrade(r)
	})

	// ── Scheduler ─────────────────────────────────────────────────────
	sched := engine.NewScheduler()
	sched.OnRun = m.RecordTick
	save := func() {
		if err := db.SaveMarketState(market); err != nil {
			slog.Error("periodic save failed", "error", err)
		}
	}
	tasks := []struct {
		name   string
		period time.Duration
		fn     func()
	}{
		{engine.TaskAgentTrading, cfg.Schedule.AgentTrading, func() { market.RunTradingTick() }},
		{engine.TaskRebalance, cfg.Schedule.Rebalance, func() { market.Rebalance() }},
		{engine.TaskInterest, cfg.Schedule.Interest, func() { market.AccrueInterest() }},
		{engine.TaskSave, cfg.Schedule.Rebalance, save},
	}
	for _, t := range tasks {
		if err := sched.Add(t.name, t.period, t.fn); err != nil {
			slog.Error("task not scheduled", "task", t.name, "error", err)
			os.Exit(1)
		}
	}
	sched.Start()

	// ── HTTP API ──────────────────────────────────────────────────────
	adminKey := os.Getenv("MARKET_ADMIN_KEY")
	if adminKey == "" {
		slog.Warn("MARKET_ADMIN_KEY not set, admin POST endpoints will be disabled")
	}
	relayKey := os.Getenv("MARKET_RELAY_KEY")
	if relayKey == "" {
		slog.Warn("MARKET_RELAY_KEY not set, event streaming will be disabled")
	}

	apiServer := &api.Server{
		Market:    market,
		Scheduler: sched,
		DB:        db,
		Metrics:   m,
		Port:      apiPort,
		AdminKey:  adminKey,
		RelayKey:  relayKey,
	}
	apiServer.Start()

	stats := market.Stats()
	fmt.Printf("\nMarket open: %d wares (%d quarantined), %d agents.\n", stats.Wares, stats.Quarantined, stats.Agents)
	fmt.Printf("API: http://localhost:%d/api/v1/status\n", apiPort)
	fmt.Println("Ctrl+C to stop")

	// ── Run until signalled ───────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	sched.Stop(ctx)

	slog.Info("final save...")
	save()
	fmt.Println("Market closed. State saved.")
}

func loadFile(path string, fn func(*os.File)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fn(f)
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
