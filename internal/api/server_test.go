package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/mini-market/internal/config"
	"github.com/talgya/mini-market/internal/engine"
	"github.com/talgya/mini-market/internal/entropy"
	"github.com/talgya/mini-market/internal/host"
	"github.com/talgya/mini-market/internal/metrics"
	"github.com/talgya/mini-market/internal/trade"
)

const catalog = `[
  {"type": "material", "id": "iron_ingot", "alias": "iron", "price": 10, "level": 2},
  {"type": "material", "id": "copper", "price": 4, "level": 2},
  {"type": "crafted", "id": "widget", "level": 2, "components": [{"id": "unobtainium"}]}
]`

const adminKey = "secret"

func newServer(t *testing.T) *Server {
	t.Helper()
	m, err := engine.New(config.Default(), host.NewMemory(), entropy.Fixed(0), 1)
	require.NoError(t, err)
	rep := m.LoadWares(strings.NewReader(catalog))
	require.Equal(t, 3, rep.Loaded)
	return &Server{Market: m, AdminKey: adminKey, RelayKey: "relay"}
}

func do(t *testing.T, h http.Handler, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStatus(t *testing.T) {
	h := newServer(t).Handler()
	rec := do(t, h, http.MethodGet, "/api/v1/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Market engine.Stats `json:"market"`
	}](t, rec)
	assert.Equal(t, 2, body.Market.Wares)
	assert.Equal(t, 1, body.Market.Quarantined)
	assert.Equal(t, "FREE", body.Market.Guard)
}

func TestWaresAndQuarantine(t *testing.T) {
	h := newServer(t).Handler()

	list := decode[[]engine.WareSummary](t, do(t, h, http.MethodGet, "/api/v1/wares?kind=material", "", ""))
	require.Len(t, list, 2)
	assert.Equal(t, "copper", list[0].ID)
	assert.Equal(t, 4.0, list[0].Buy)

	q := decode[[]engine.QuarantineEntry](t, do(t, h, http.MethodGet, "/api/v1/quarantine", "", ""))
	require.Len(t, q, 1)
	assert.Equal(t, "widget", q[0].Ware)
}

func TestWareDetail(t *testing.T) {
	h := newServer(t).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/ware/iron?quantity=9", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/ware/gold", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/ware/iron?quantity=0", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/ware/iron?multiplier=x", "", "").Code)
}

func TestPriceQueries(t *testing.T) {
	h := newServer(t).Handler()

	price := decode[map[string]any](t, do(t, h, http.MethodGet, "/api/v1/price?ware=iron&quantity=9", "", ""))
	assert.InDelta(t, 90.1004, price["price"], 1e-4)
	assert.Equal(t, "current_buy", price["mode"])
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/price?ware=iron&mode=cheap", "", "").Code)

	got := decode[map[string]any](t, do(t, h, http.MethodGet, "/api/v1/purchasable?ware=iron&budget=100", "", ""))
	assert.EqualValues(t, 9, got["quantity"])
	assert.Equal(t, false, got["unlimited"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/purchasable?ware=iron", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/quantity?ware=iron&price=9&side=hold", "", "").Code)

	rec := do(t, h, http.MethodGet, "/api/v1/quantity?ware=iron&price=20&side=buy", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "buy", decode[map[string]any](t, rec)["side"])
}

func TestAdminAuth(t *testing.T) {
	s := newServer(t)
	h := s.Handler()
	order := `{"actor": "alice", "ware": "copper", "quantity": 3}`

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/v1/buy", order, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/v1/buy", order, "wrong").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/v1/buy", "", adminKey).Code)

	s.AdminKey = ""
	assert.Equal(t, http.StatusForbidden, do(t, s.Handler(), http.MethodPost, "/api/v1/buy", order, "").Code)
}

func TestBuyAndSell(t *testing.T) {
	s := newServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/buy", `{"actor": "alice", "ware": "copper", "quantity": 3}`, adminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	r := decode[trade.Receipt](t, rec)
	assert.Equal(t, 3, r.Quantity)
	assert.Equal(t, trade.SideBuy, r.Side)
	assert.InDelta(t, 12.0033, r.Total, 1e-4)

	rec = do(t, h, http.MethodPost, "/api/v1/buy", `{"actor": "alice", "ware": "gold", "quantity": 1}`, adminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "ware not found")

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/buy", `{"ware": "copper"}`, adminKey).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/buy", `{`, adminKey).Code)

	rec = do(t, h, http.MethodPost, "/api/v1/sell", `{"actor": "bob", "ware": "copper", "quantity": 1}`, adminKey)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/v1/sell", `{"actor": "alice", "ware": "copper", "quantity": 2}`, adminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[trade.Receipt](t, rec).Quantity)

	// Without a database, trade history comes from the event bus.
	trades := decode[[]trade.Receipt](t, do(t, h, http.MethodGet, "/api/v1/trades?ware=copper", "", ""))
	require.Len(t, trades, 2)
	assert.Equal(t, trade.SideSell, trades[0].Side)
}

func TestSchedule(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s.Handler(), http.MethodGet, "/api/v1/schedule", "", "").Code)

	var runs atomic.Int32
	s.Scheduler = engine.NewScheduler()
	require.NoError(t, s.Scheduler.Add(engine.TaskRebalance, 0, func() { runs.Add(1) }))
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/schedule", `{"task": "rebalance", "run": true}`, adminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, runs.Load())

	rec = do(t, h, http.MethodPost, "/api/v1/schedule", `{"task": "rebalance", "period": "1h"}`, adminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tasks := decode[[]engine.TaskInfo](t, rec)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].Enabled)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/schedule", `{"task": "nope", "run": true}`, adminKey).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/schedule", `{"task": "rebalance", "period": "soon"}`, adminKey).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/schedule", `{"task": "rebalance"}`, adminKey).Code)
}

func TestAgentsAndDecisions(t *testing.T) {
	s := newServer(t)
	n := s.Market.LoadAgents(strings.NewReader(`
- id: smith
  name: Smith
  buys: [copper]
  sells: [iron_ingot]
`))
	require.Equal(t, 1, n)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/agents/decisions", `{"agent": "smith", "decisions": 4}`, adminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	list := decode[[]map[string]any](t, do(t, h, http.MethodGet, "/api/v1/agents", "", ""))
	require.Len(t, list, 1)
	assert.EqualValues(t, 4, list[0]["decisions_per_tick"])

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/agents/decisions", `{"agent": "ghost", "decisions": 1}`, adminKey).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/agents/decisions", `{"agent": "smith", "decisions": -1}`, adminKey).Code)
}

func TestAccounts(t *testing.T) {
	h := newServer(t).Handler()
	post := func(body string) *httptest.ResponseRecorder {
		return do(t, h, http.MethodPost, "/api/v1/accounts", body, adminKey)
	}

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/v1/accounts", "", "").Code)

	rec := post(`{"action": "open", "account": "guild", "actor": "alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "alice", decode[engine.AccountSummary](t, rec).Owner)
	assert.Equal(t, http.StatusBadRequest, post(`{"action": "open", "account": "guild", "actor": "bob"}`).Code)

	assert.Equal(t, http.StatusForbidden, post(`{"action": "grant", "account": "guild", "actor": "bob", "member": "bob"}`).Code)
	rec = post(`{"action": "grant", "account": "guild", "actor": "alice", "member": "bob"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"bob"}, decode[engine.AccountSummary](t, rec).Members)
	assert.Equal(t, http.StatusBadRequest, post(`{"action": "melt", "account": "guild", "actor": "alice"}`).Code)

	rec = post(`{"action": "delete", "account": "guild", "actor": "alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, post(`{"action": "grant", "account": "guild", "actor": "alice", "member": "bob"}`).Code)
	assert.Equal(t, http.StatusConflict, post(`{"action": "delete", "account": "alice", "actor": "alice"}`).Code,
		"personal accounts stay")

	list := decode[[]engine.AccountSummary](t, do(t, h, http.MethodGet, "/api/v1/accounts", "", adminKey))
	for _, a := range list {
		assert.NotEqual(t, "guild", a.ID)
	}
}

func TestReload(t *testing.T) {
	s := newServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/reload", "", adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["quarantined"])

	rec = do(t, h, http.MethodPost, "/api/v1/reload", `[{"type": "material", "id": "unobtainium", "price": 2, "level": 2}]`, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, body["loaded"])
	assert.EqualValues(t, 0, body["quarantined"])
	assert.EqualValues(t, 4, body["wares"])

	events := decode[[]engine.Event](t, do(t, h, http.MethodGet, "/api/v1/events?category=reload", "", ""))
	assert.Len(t, events, 3)
}

func TestSnapshotWithoutDB(t *testing.T) {
	h := newServer(t).Handler()
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/api/v1/snapshot", "", adminKey).Code)
}

func TestStreamAuth(t *testing.T) {
	s := newServer(t)
	h := s.Handler()
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/v1/stream", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/v1/ws", "", adminKey).Code)

	s.RelayKey = ""
	assert.Equal(t, http.StatusForbidden, do(t, s.Handler(), http.MethodGet, "/api/v1/stream", "", "relay").Code)
}

func TestStreamLimit(t *testing.T) {
	s := newServer(t)
	s.streamConns = maxStreamConns
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s.Handler(), http.MethodGet, "/api/v1/stream", "", "relay").Code)
}

func TestRateLimit(t *testing.T) {
	s := newServer(t)
	s.PublicLimiter = NewRateLimiter(0.001, 1)
	h := s.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/wares", "", "").Code)
	rec := do(t, h, http.MethodGet, "/api/v1/wares", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestCORS(t *testing.T) {
	h := newServer(t).Handler()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/buy", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t)
	s.Metrics = metrics.New(metrics.Gauges{Wares: func() float64 { return float64(s.Market.Stats().Wares) }})
	h := s.Handler()

	do(t, h, http.MethodGet, "/api/v1/ware/iron", "", "")
	rec := do(t, h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "market_wares 2")
	assert.Contains(t, rec.Body.String(), `path="/api/v1/ware/:id"`)
}

func TestStatusFor(t *testing.T) {
	wrap := func(err error) error { return fmt.Errorf("buy: %w", err) }
	assert.Equal(t, http.StatusNotFound, statusFor(wrap(trade.ErrWareNotFound)))
	assert.Equal(t, http.StatusNotFound, statusFor(wrap(engine.ErrUnknownTask)))
	assert.Equal(t, http.StatusForbidden, statusFor(wrap(trade.ErrPermissionDenied)))
	assert.Equal(t, http.StatusBadRequest, statusFor(wrap(trade.ErrInvalidQuantity)))
	assert.Equal(t, http.StatusConflict, statusFor(wrap(trade.ErrOutOfStock)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk on fire")))
}
