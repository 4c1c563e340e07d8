// Package metrics exposes Prometheus collectors for trades, scheduled ticks,
// guard contention and the HTTP API.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talgya/mini-market/internal/trade"
)

const namespace = "market"

// Gauges supplies point-in-time market figures for scraping.
type Gauges struct {
	Wares       func() float64
	Quarantined func() float64
	Agents      func() float64
	Subscribers func() float64
}

// Metrics holds one market's collectors in its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	trades      *prometheus.CounterVec
	tradeUnits  *prometheus.CounterVec
	tradeValue  *prometheus.CounterVec
	tradeFees   prometheus.Counter
	ticks       *prometheus.HistogramVec
	guardWaits  prometheus.Histogram
	httpReqs    *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

// New creates and registers the market collectors.
func New(g Gauges) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trades",
				Name:      "total",
				Help:      "Executed trades by side and actor class.",
			},
			[]string{"side", "actor"},
		),
		tradeUnits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trades",
				Name:      "units_total",
				Help:      "Units moved by trades, per ware and side.",
			},
			[]string{"ware", "side"},
		),
		tradeValue: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trades",
				Name:      "value_total",
				Help:      "Money moved by trades before fees.",
			},
			[]string{"side"},
		),
		tradeFees: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trades",
				Name:      "fees_total",
				Help:      "Fees collected from traders.",
			},
		),
		ticks: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "tick_duration_seconds",
				Help:      "Duration of scheduled task runs.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
			},
			[]string{"task"},
		),
		guardWaits: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "guard",
				Name:      "wait_seconds",
				Help:      "Time spent waiting for exclusive market access.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
		),
		httpReqs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"method", "path"},
		),
	}

	m.Registry.MustRegister(
		m.trades, m.tradeUnits, m.tradeValue, m.tradeFees,
		m.ticks, m.guardWaits, m.httpReqs, m.httpLatency,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	gauge := func(name, help string, fn func() float64) {
		if fn == nil {
			return
		}
		m.Registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn))
	}
	gauge("wares", "Active wares.", g.Wares)
	gauge("quarantined_wares", "Wares excluded by resolution failures.", g.Quarantined)
	gauge("agents", "Registered trading agents.", g.Agents)
	gauge("stream_subscribers", "Connected event stream clients.", g.Subscribers)
	return m
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordTrade counts an executed trade.
func (m *Metrics) RecordTrade(r trade.Receipt) {
	side := r.Side.String()
	actor := "user"
	if r.Account == "" {
		actor = "agent"
	}
	m.trades.WithLabelValues(side, actor).Inc()
	m.tradeUnits.WithLabelValues(r.Ware, side).Add(float64(r.Quantity))
	if r.Total > 0 {
		m.tradeValue.WithLabelValues(side).Add(r.Total)
	}
	if r.Fee > 0 {
		m.tradeFees.Add(r.Fee)
	}
}

// RecordTick observes one scheduled task run.
func (m *Metrics) RecordTick(task string, d time.Duration) {
	m.ticks.WithLabelValues(task).Observe(d.Seconds())
}

// RecordGuardWait observes time spent blocked on the market guard.
func (m *Metrics) RecordGuardWait(d time.Duration) {
	m.guardWaits.Observe(d.Seconds())
}

// InstrumentHandler wraps next with HTTP request metrics.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		m.httpReqs.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		m.httpLatency.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// canonicalPath collapses per-ware paths so labels stay bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 3 && parts[0] == "api" && parts[2] == "ware" {
		return "/api/" + parts[1] + "/ware/:id"
	}
	return "/" + trimmed
}
