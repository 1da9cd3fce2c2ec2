// Package dashboard implements an opt-in HTTP + WebSocket observability
// surface: REST snapshot endpoints plus a WS fan-out of live events. It
// is purely additive: the broker and simulator work identically with no
// dashboard attached (DashboardPort == 0 in internal/config), and nothing
// on the core trading/pricing path depends on it.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SnapshotFunc produces the point-in-time JSON payload served at
// /snapshot.json — the broker passes a func returning shard/leaderboard
// status, the simulator one returning subscriber/tick status.
type SnapshotFunc func() any

// Server is a dashboard HTTP server for one component (broker or
// simulator). Call Broadcast to push a live event (tick, leaderboard
// rebuild, ...) to every connected /stream viewer.
type Server struct {
	hub      *hub
	snapshot SnapshotFunc
	startAt  time.Time
	mux      *http.ServeMux
}

// NewServer creates a dashboard server. bufferSize bounds each viewer's
// outbound event buffer: a slow viewer drops events rather than stalling
// the broadcaster.
func NewServer(snapshot SnapshotFunc, bufferSize int) *Server {
	s := &Server{
		hub:      newHub(bufferSize),
		snapshot: snapshot,
		startAt:  time.Now(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /snapshot.json", s.handleSnapshot)
	mux.HandleFunc("GET /stream", s.streamHandler)
	s.mux = mux
	return s
}

// Broadcast fans v out (as JSON) to every connected /stream viewer.
func (s *Server) Broadcast(v any) {
	s.hub.broadcast(v)
}

// ListenAndServe runs the dashboard's HTTP server on addr until ctx is
// cancelled, then shuts it down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("dashboard: serve: %w", err)
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Viewers int    `json:"viewers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthResponse{
		Status:  "ok",
		Uptime:  time.Since(s.startAt).Truncate(time.Second).String(),
		Viewers: s.hub.clientCount(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
