package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/mini-market/internal/trade"
)

func TestRecordTrade(t *testing.T) {
	m := New(Gauges{})
	m.RecordTrade(trade.Receipt{Account: "alice", Ware: "iron", Side: trade.SideBuy, Quantity: 3, Total: 30, Fee: 1})
	m.RecordTrade(trade.Receipt{Ware: "iron", Side: trade.SideSell, Quantity: 51, Total: 500})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.trades.WithLabelValues("buy", "user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trades.WithLabelValues("sell", "agent")))
	assert.Equal(t, 51.0, testutil.ToFloat64(m.tradeUnits.WithLabelValues("iron", "sell")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.tradeValue.WithLabelValues("buy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tradeFees))
}

func TestGaugesAndHandler(t *testing.T) {
	m := New(Gauges{Wares: func() float64 { return 7 }})
	m.RecordTick("rebalance", 3*time.Millisecond)
	m.RecordGuardWait(time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Contains(t, string(body), "market_wares 7")
	assert.Contains(t, string(body), `market_scheduler_tick_duration_seconds_count{task="rebalance"} 1`)
	assert.Contains(t, string(body), "market_guard_wait_seconds_count 1")
}

func TestInstrumentHandler(t *testing.T) {
	m := New(Gauges{})
	h := m.InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ware/iron_ingot", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpReqs.WithLabelValues("GET", "/api/v1/ware/:id", "418")))
}

func TestCanonicalPath(t *testing.T) {
	assert.Equal(t, "/", canonicalPath("/"))
	assert.Equal(t, "/api/v1/status", canonicalPath("/api/v1/status"))
	assert.Equal(t, "/api/v1/ware/:id", canonicalPath("/api/v1/ware/gear"))
}
