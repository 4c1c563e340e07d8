// Command steward runs the unattended market operator. It observes the
// market, decides whether stock needs rebalancing or recipes need relinking,
// and acts via the admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/talgya/mini-market/internal/steward"
)

const readyTimeout = 5 * time.Minute

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn(".env not loaded", "error", err)
	}

	apiURL := envOrDefault("MARKET_API_URL", "http://localhost:8080")
	adminKey := os.Getenv("MARKET_ADMIN_KEY")
	if adminKey == "" {
		slog.Error("MARKET_ADMIN_KEY is required")
		os.Exit(1)
	}
	every := time.Duration(envIntOrDefault("STEWARD_INTERVAL", 15)) * time.Minute
	mem := steward.LoadMemory(envOrDefault("STEWARD_MEMORY", "steward_memory.json"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("market steward starting", "api_url", apiURL, "interval", every)
	if err := awaitMarket(ctx, apiURL); err != nil {
		slog.Error("market API unavailable", "error", err)
		os.Exit(1)
	}

	observer := steward.NewObserver(apiURL)
	actor := steward.NewActor(apiURL, adminKey)
	cycle := func() {
		if _, err := steward.RunCycle(observer, actor, mem); err != nil {
			slog.Error("steward cycle failed", "error", err)
		}
	}

	cycle()
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			cycle()
		case <-ctx.Done():
			fmt.Println("Steward stopped.")
			return
		}
	}
}

// awaitMarket polls the status endpoint, doubling the pause between tries up
// to 30s, until the market answers or readyTimeout passes.
func awaitMarket(ctx context.Context, apiURL string) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	pause := 2 * time.Second
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/api/v1/status", nil)
		if err != nil {
			return err
		}
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				slog.Info("market API is ready")
				return nil
			}
		}
		slog.Info("market not ready", "retry_in", pause)
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", apiURL, ctx.Err())
		case <-time.After(pause):
		}
		pause = min(pause*2, 30*time.Second)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
