package steward

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Actor turns decisions into authenticated admin calls.
type Actor struct {
	BaseURL  string
	AdminKey string
	Client   *http.Client
}

func NewActor(baseURL, adminKey string) *Actor {
	return &Actor{BaseURL: baseURL, AdminKey: adminKey, Client: &http.Client{Timeout: 30 * time.Second}}
}

// Act carries out d. ActionNone does nothing.
func (a *Actor) Act(d Decision) error {
	switch d.Action {
	case ActionNone:
		return nil
	case ActionRebalance:
		return a.post("/api/v1/schedule", map[string]any{"task": "rebalance", "run": true})
	case ActionRelink:
		return a.post("/api/v1/reload", nil)
	}
	return fmt.Errorf("unknown action %q", d.Action)
}

// post sends payload as JSON; a nil payload sends an empty body.
func (a *Actor) post(path string, payload any) error {
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, a.BaseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.AdminKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
