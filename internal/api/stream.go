package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/mini-market/internal/engine"
)

const (
	catchUpEvents = 50
	heartbeat     = 15 * time.Second
	wsWriteWait   = 5 * time.Second
	wsPongWait    = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// relayAuth checks the relay key. Websocket clients may pass it as ?token=
// since browsers cannot set headers on upgrade requests.
func (s *Server) relayAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.RelayKey == "" {
		http.Error(w, "streaming disabled (no relay key)", http.StatusForbidden)
		return false
	}
	if !bearer(r, s.RelayKey) && r.URL.Query().Get("token") != s.RelayKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// acquireStream reserves a stream slot. The caller must release it.
func (s *Server) acquireStream(w http.ResponseWriter) bool {
	if atomic.AddInt32(&s.streamConns, 1) > maxStreamConns {
		atomic.AddInt32(&s.streamConns, -1)
		http.Error(w, "too many stream connections", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) releaseStream() { atomic.AddInt32(&s.streamConns, -1) }

// handleStream pushes market events as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.relayAuth(w, r) || !s.acquireStream(w) {
		return
	}
	defer s.releaseStream()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	subID, ch := s.Market.Bus.Subscribe()
	defer s.Market.Bus.Unsubscribe(subID)

	for _, e := range s.Market.Bus.Recent(catchUpEvents) {
		writeSSEEvent(w, e)
	}
	flusher.Flush()

	slog.Info("SSE client connected", "sub_id", subID)

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSEEvent(w, e)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			slog.Info("SSE client disconnected", "sub_id", subID)
			return
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, e engine.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Category, data)
}

// handleWebSocket pushes the same events as handleStream over a websocket.
// Clients only receive; anything they send is discarded.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.relayAuth(w, r) || !s.acquireStream(w) {
		return
	}
	defer s.releaseStream()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	subID, ch := s.Market.Bus.Subscribe()
	defer s.Market.Bus.Unsubscribe(subID)
	slog.Info("websocket client connected", "sub_id", subID, "remote", clientIP(r))

	// Read pump: handles pongs and notices the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(e engine.Event) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(e)
	}
	for _, e := range s.Market.Bus.Recent(catchUpEvents) {
		if err := send(e); err != nil {
			return
		}
	}

	ping := time.NewTicker(heartbeat)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "market stopping"),
					time.Now().Add(time.Second))
				return
			}
			if err := send(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-done:
			slog.Info("websocket client disconnected", "sub_id", subID)
			return
		case <-r.Context().Done():
			return
		}
	}
}
