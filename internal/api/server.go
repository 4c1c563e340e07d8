// Package api provides the HTTP API for querying and trading on the market.
// GET endpoints are public (read-only price queries).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/talgya/mini-market/internal/agents"
	"github.com/talgya/mini-market/internal/engine"
	"github.com/talgya/mini-market/internal/ledger"
	"github.com/talgya/mini-market/internal/manufacture"
	"github.com/talgya/mini-market/internal/metrics"
	"github.com/talgya/mini-market/internal/persistence"
	"github.com/talgya/mini-market/internal/pricing"
	"github.com/talgya/mini-market/internal/trade"
)

const maxStreamConns = 16

// Server serves the market over HTTP.
type Server struct {
	Market    *engine.Market
	Scheduler *engine.Scheduler
	DB        *persistence.DB
	Metrics   *metrics.Metrics
	Port      int
	AdminKey  string // Bearer token for POST endpoints. Empty = POST disabled.
	RelayKey  string // Bearer token for the stream endpoints. Empty = streaming disabled.

	// Per-IP limits; nil uses the defaults.
	PublicLimiter *RateLimiter
	TradeLimiter  *RateLimiter

	// Active SSE and websocket connection count (atomic).
	streamConns int32
	started     time.Time
	srv         *http.Server
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	if s.started.IsZero() {
		s.started = time.Now()
	}
	if s.PublicLimiter == nil {
		s.PublicLimiter = NewRateLimiter(20, 40)
	}
	if s.TradeLimiter == nil {
		s.TradeLimiter = NewRateLimiter(2, 10)
	}
	public := func(h http.HandlerFunc) http.HandlerFunc { return RateLimitMiddleware(s.PublicLimiter, h) }
	trading := func(h http.HandlerFunc) http.HandlerFunc {
		return RateLimitMiddleware(s.TradeLimiter, s.adminOnly(postOnly(h)))
	}

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("/api/v1/status", public(s.handleStatus))
	mux.HandleFunc("/api/v1/wares", public(s.handleWares))
	mux.HandleFunc("/api/v1/ware/", public(s.handleWareDetail))
	mux.HandleFunc("/api/v1/price", public(s.handlePrice))
	mux.HandleFunc("/api/v1/quantity", public(s.handleQuantity))
	mux.HandleFunc("/api/v1/purchasable", public(s.handlePurchasable))
	mux.HandleFunc("/api/v1/quarantine", public(s.handleQuarantine))
	mux.HandleFunc("/api/v1/agents", public(s.handleAgents))
	mux.HandleFunc("/api/v1/trades", public(s.handleTrades))
	mux.HandleFunc("/api/v1/events", public(s.handleEvents))

	// Streaming endpoints (GET, require relay bearer token).
	mux.HandleFunc("/api/v1/stream", s.handleStream)
	mux.HandleFunc("/api/v1/ws", s.handleWebSocket)

	// Admin endpoints (POST, require bearer token).
	mux.HandleFunc("/api/v1/buy", trading(s.handleBuy))
	mux.HandleFunc("/api/v1/sell", trading(s.handleSell))
	mux.HandleFunc("/api/v1/schedule", s.adminOnly(s.handleSchedule))
	mux.HandleFunc("/api/v1/agents/decisions", s.adminOnly(postOnly(s.handleDecisions)))
	mux.HandleFunc("/api/v1/accounts", s.adminOnly(s.handleAccounts))
	mux.HandleFunc("/api/v1/reload", s.adminOnly(postOnly(s.handleReload)))
	mux.HandleFunc("/api/v1/snapshot", s.adminOnly(postOnly(s.handleSnapshot)))

	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics.Handler())
		return corsMiddleware(s.Metrics.InstrumentHandler(mux))
	}
	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "", "relay_auth", s.RelayKey != "")

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS env var to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearer reports whether the request carries the given token.
func bearer(r *http.Request, key string) bool {
	auth := r.Header.Get("Authorization")
	return key != "" && strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == key
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
// GET requests pass through (for endpoints that support both GET and POST).
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no MARKET_ADMIN_KEY set)", http.StatusForbidden)
				return
			}
			if !bearer(r, s.AdminKey) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func postOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// ── Public handlers ──

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"name":   "mini-market",
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"market": s.Market.Stats(),
	}
	if s.Scheduler != nil {
		status["tasks"] = s.Scheduler.Tasks()
	}
	writeJSON(w, status)
}

func (s *Server) handleWares(w http.ResponseWriter, r *http.Request) {
	list := s.Market.Wares()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := list[:0]
		for _, ws := range list {
			if ws.Kind == kind {
				filtered = append(filtered, ws)
			}
		}
		list = filtered
	}
	writeJSON(w, list)
}

// handleWareDetail quotes /api/v1/ware/:id?quantity=&multiplier=.
func (s *Server) handleWareDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/ware/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "missing ware id", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	quantity := 1
	if v := q.Get("quantity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "quantity must be a positive integer", http.StatusBadRequest)
			return
		}
		quantity = n
	}
	mult, ok := floatParam(w, q.Get("multiplier"), "multiplier", 1)
	if !ok {
		return
	}

	quote, err := s.Market.Check(id, quantity, mult)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, quote)
}

var modesByName = map[string]pricing.Mode{
	"current_buy":      pricing.CurrentBuy,
	"current_sell":     pricing.CurrentSell,
	"equilibrium_buy":  pricing.EquilibriumBuy,
	"equilibrium_sell": pricing.EquilibriumSell,
	"floor_buy":        pricing.FloorBuy,
	"floor_sell":       pricing.FloorSell,
}

// handlePrice answers /api/v1/price?ware=&quantity=&mode=.
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := pricing.CurrentBuy
	if m := q.Get("mode"); m != "" {
		var ok bool
		if mode, ok = modesByName[m]; !ok {
			http.Error(w, "unknown mode", http.StatusBadRequest)
			return
		}
	}
	n := 1
	if v := q.Get("quantity"); v != "" {
		var err error
		if n, err = strconv.Atoi(v); err != nil || n < 1 {
			http.Error(w, "quantity must be a positive integer", http.StatusBadRequest)
			return
		}
	}
	p, err := s.Market.GetPrice(q.Get("ware"), n, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ware": q.Get("ware"), "quantity": n, "mode": mode.String(), "price": pricing.Truncate(p)})
}

// handleQuantity answers /api/v1/quantity?ware=&price=&side=buy|sell.
func (s *Server) handleQuantity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, ok := floatParam(w, q.Get("price"), "price", -1)
	if !ok {
		return
	}
	if target < 0 {
		http.Error(w, "price is required", http.StatusBadRequest)
		return
	}
	var side trade.Side
	if err := side.UnmarshalText([]byte(strings.ToLower(q.Get("side")))); err != nil {
		http.Error(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}

	n, err := s.Market.GetQuantityUntilPrice(q.Get("ware"), target, side == trade.SideBuy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ware": q.Get("ware"), "side": side, "price": target, "quantity": n, "unlimited": n == pricing.Unlimited})
}

// handlePurchasable answers /api/v1/purchasable?ware=&budget=.
func (s *Server) handlePurchasable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	budget, ok := floatParam(w, q.Get("budget"), "budget", -1)
	if !ok {
		return
	}
	if budget < 0 {
		http.Error(w, "budget is required", http.StatusBadRequest)
		return
	}
	n, err := s.Market.GetPurchasableQuantity(q.Get("ware"), budget)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ware": q.Get("ware"), "budget": budget, "quantity": n, "unlimited": n == pricing.Unlimited})
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Market.Quarantine())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	type agentSummary struct {
		ID               string             `json:"id"`
		Name             string             `json:"name"`
		Buys             []string           `json:"buys"`
		Sells            []string           `json:"sells"`
		Preference       map[string]float64 `json:"preference,omitempty"`
		DecisionsPerTick int                `json:"decisions_per_tick"`
	}

	list := s.Market.Agents.List()
	result := make([]agentSummary, 0, len(list))
	for _, a := range list {
		k := a.DecisionsPerTick
		if k <= 0 {
			k = max(s.Market.Config.Agents.DecisionsPerTick, 1)
		}
		result = append(result, agentSummary{
			ID:               a.ID,
			Name:             a.Name,
			Buys:             a.Purchasable,
			Sells:            a.Sellable,
			Preference:       a.Preference,
			DecisionsPerTick: k,
		})
	}
	writeJSON(w, result)
}

func limitParam(r *http.Request, def, most int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= most {
			return n
		}
	}
	return def
}

// handleTrades returns recent trades from the database, or from the event
// history when no database is attached.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, 50, 500)
	ware := r.URL.Query().Get("ware")

	if s.DB != nil {
		if err := s.DB.Flush(); err != nil {
			slog.Warn("trade flush failed", "error", err)
		}
		list, err := s.DB.RecentTrades(limit, ware)
		if err != nil {
			slog.Error("trade history query failed", "error", err)
			http.Error(w, "trade history unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, list)
		return
	}

	var list []trade.Receipt
	events := s.Market.Bus.Recent(0)
	for i := len(events) - 1; i >= 0 && len(list) < limit; i-- {
		e := events[i]
		if e.Receipt == nil || (ware != "" && e.Receipt.Ware != ware) {
			continue
		}
		list = append(list, *e.Receipt)
	}
	writeJSON(w, list)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, 50, 200)
	events := s.Market.Bus.Recent(limit)
	if cat := r.URL.Query().Get("category"); cat != "" {
		filtered := events[:0]
		for _, e := range events {
			if e.Category == cat {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	writeJSON(w, events)
}

// ── Helpers ──

// floatParam parses an optional float query value. It writes a 400 and
// returns false when the value is malformed.
func floatParam(w http.ResponseWriter, raw, name string, def float64) (float64, bool) {
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		http.Error(w, name+" must be a number", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, trade.ErrWareNotFound),
		errors.Is(err, trade.ErrContainerNotFound),
		errors.Is(err, agents.ErrUnknownAgent),
		errors.Is(err, engine.ErrUnknownTask),
		errors.Is(err, ledger.ErrUnknownAccount):
		return http.StatusNotFound
	case errors.Is(err, trade.ErrPermissionDenied),
		errors.Is(err, ledger.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, trade.ErrInvalidQuantity),
		errors.Is(err, agents.ErrInvalidDecisions),
		errors.Is(err, engine.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, trade.ErrWareInvalid),
		errors.Is(err, trade.ErrUntradeable),
		errors.Is(err, trade.ErrOutOfStock),
		errors.Is(err, trade.ErrNotHeld),
		errors.Is(err, trade.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrPersonalAccount),
		errors.Is(err, trade.ErrInventoryFull),
		errors.Is(err, trade.ErrPriceAtFloor),
		errors.Is(err, trade.ErrUnprofitable),
		errors.Is(err, trade.ErrNothingToTrade),
		errors.Is(err, manufacture.ErrNotManufacturable):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
