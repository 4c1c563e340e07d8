// Package steward implements an unattended market operator. It observes the
// market via the API, triages stock and quarantine health, and asks the admin
// API for a rebalance or a recipe relink when the market drifts.
package steward

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Snapshot holds the data collected during one observation cycle.
type Snapshot struct {
	Status     Status            `json:"status"`
	Wares      []WareInfo        `json:"wares"`
	Quarantine []QuarantineEntry `json:"quarantine"`
}

// Status mirrors GET /api/v1/status.
type Status struct {
	Name   string `json:"name"`
	Uptime string `json:"uptime"`
	Market struct {
		Wares            int     `json:"wares"`
		Quarantined      int     `json:"quarantined"`
		Accounts         int     `json:"accounts"`
		Agents           int     `json:"agents"`
		AverageBasePrice float64 `json:"average_base_price"`
		TotalStock       int     `json:"total_stock"`
		Guard            string  `json:"guard"`
		GuardWaits       int64   `json:"guard_waits"`
	} `json:"market"`
}

// WareInfo mirrors items from GET /api/v1/wares.
type WareInfo struct {
	ID        string  `json:"id"`
	Kind      string  `json:"kind"`
	Level     int     `json:"level"`
	Stock     int     `json:"stock"`
	PriceBase float64 `json:"price_base"`
	Buy       float64 `json:"buy"`
	Sell      float64 `json:"sell"`
}

// QuarantineEntry mirrors items from GET /api/v1/quarantine.
type QuarantineEntry struct {
	Ware   string `json:"ware"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Observer reads market state through the public API.
type Observer struct {
	BaseURL string
	Client  *http.Client
}

func NewObserver(baseURL string) *Observer {
	return &Observer{BaseURL: baseURL, Client: &http.Client{Timeout: 30 * time.Second}}
}

// Observe fetches status, wares and quarantine.
func (o *Observer) Observe() (*Snapshot, error) {
	var snap Snapshot
	reads := []struct {
		path string
		into any
	}{
		{"/api/v1/status", &snap.Status},
		{"/api/v1/wares", &snap.Wares},
		{"/api/v1/quarantine", &snap.Quarantine},
	}
	for _, rd := range reads {
		if err := o.get(rd.path, rd.into); err != nil {
			return nil, err
		}
	}
	return &snap, nil
}

func (o *Observer) get(path string, into any) error {
	resp, err := o.Client.Get(o.BaseURL + path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
