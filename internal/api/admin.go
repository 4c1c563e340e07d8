package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/talgya/mini-market/internal/engine"
	"github.com/talgya/mini-market/internal/trade"
)

const maxBody = 1 << 20

// ── Trading ──

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(dst); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var o trade.Order
	if !decodeBody(w, r, &o) {
		return
	}
	if o.Actor == "" {
		http.Error(w, "actor is required", http.StatusBadRequest)
		return
	}
	rec, err := s.Market.Buy(o)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

// sellRequest is an order plus the sell-everything switch.
type sellRequest struct {
	trade.Order
	All bool `json:"all,omitempty"`
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	var req sellRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Actor == "" {
		http.Error(w, "actor is required", http.StatusBadRequest)
		return
	}
	if req.All {
		list, err := s.Market.SellAll(req.Order)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, list)
		return
	}
	rec, err := s.Market.Sell(req.Order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

// ── Control plane ──

// handleSchedule lists tasks on GET. POST changes a task's period or runs it
// immediately.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, s.Scheduler.Tasks())
		return
	}

	var req struct {
		Task   string `json:"task"`
		Period string `json:"period,omitempty"`
		Run    bool   `json:"run,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Period == "" && !req.Run {
		http.Error(w, "period or run is required", http.StatusBadRequest)
		return
	}

	if req.Period != "" {
		period, err := time.ParseDuration(req.Period)
		if err != nil {
			http.Error(w, "period must be a duration like 30s", http.StatusBadRequest)
			return
		}
		if err := s.Scheduler.SetPeriod(req.Task, period); err != nil {
			writeError(w, err)
			return
		}
		slog.Info("task period changed", "task", req.Task, "period", period)
	}
	if req.Run {
		if err := s.Scheduler.RunNow(req.Task); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, s.Scheduler.Tasks())
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent     string `json:"agent"`
		Decisions int    `json:"decisions"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.Market.SetDecisionsPerTick(req.Agent, req.Decisions); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("agent decisions changed", "agent", req.Agent, "decisions", req.Decisions)
	writeJSON(w, map[string]any{"agent": req.Agent, "decisions": req.Decisions})
}

// handleAccounts lists accounts on GET. POST opens or deletes a shared
// account, or grants and revokes membership.
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		// Balances are private even for reads.
		if s.AdminKey == "" || !bearer(r, s.AdminKey) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		writeJSON(w, s.Market.AccountSummaries())
		return
	}
	var c engine.AccountChange
	if !decodeBody(w, r, &c) {
		return
	}
	sum, err := s.Market.ChangeAccount(c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, sum)
}

// handleReload merges the ware definitions in the body. An empty body only
// re-resolves recipes, retrying quarantined wares.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	var rep engine.LoadReport
	if len(bytes.TrimSpace(body)) == 0 {
		rep.Quarantined = s.Market.ReloadComponents()
	} else {
		rep = s.Market.LoadWares(bytes.NewReader(body))
	}

	writeJSON(w, map[string]any{
		"loaded":      rep.Loaded,
		"rejected":    rep.Rejected,
		"quarantined": len(rep.Quarantined),
		"wares":       s.Market.Stats().Wares,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "no database configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.DB.SaveMarketState(s.Market); err != nil {
		slog.Error("snapshot failed", "error", err)
		http.Error(w, fmt.Sprintf("snapshot failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"saved": true, "time": time.Now().UTC()})
}
