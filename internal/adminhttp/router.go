// Package adminhttp is cmd/inboxd's operator-facing surface: per-inbox
// health, dead-letter listing, and a websocket stream that pushes a full
// health snapshot of every inbox every 5 seconds (SPEC_FULL.md §4, "Admin
// HTTP surface").
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/chartlyhq/inbox/pkg/inbox"
	"github.com/chartlyhq/inbox/pkg/telemetry"
)

// InboxView is everything the admin surface needs about one running inbox,
// supplied by cmd/inboxd at router construction.
type InboxView struct {
	Inbox  *inbox.Inbox
	Policy inbox.HealthPolicy
}

// Server serves the admin HTTP + websocket surface over a fixed set of
// inboxes known at startup; cmd/inboxd does not support adding inboxes at
// runtime.
type Server struct {
	inboxes map[string]InboxView
	clock   inbox.Clock
	logger  *telemetry.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	streams map[*websocket.Conn]bool
}

// New builds a Server over the given named inboxes.
func New(inboxes map[string]InboxView, clock inbox.Clock, logger *telemetry.Logger) *Server {
	if clock == nil {
		clock = inbox.SystemClock
	}
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Server{
		inboxes: inboxes,
		clock:   clock,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Admin surface is intended for operator tooling behind the
			// host's own network boundary, not public browsers; any
			// origin is accepted here and access is controlled upstream
			// (reverse proxy / network policy), matching the teacher's
			// practice of leaving CORS/auth to middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		streams: make(map[*websocket.Conn]bool),
	}
}

// Router builds the mux.Router serving this Server's endpoints.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealthAll).Methods(http.MethodGet)
	r.HandleFunc("/health/{inbox}", s.handleHealthOne).Methods(http.MethodGet)
	r.HandleFunc("/dlq/{inbox}", s.handleDLQ).Methods(http.MethodGet)
	r.HandleFunc("/admin/stream", s.handleStream).Methods(http.MethodGet)
	return r
}

type healthResponse struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`
	inbox.HealthMetrics
}

func (s *Server) probeOne(ctx context.Context, name string) (healthResponse, bool, error) {
	view, ok := s.inboxes[name]
	if !ok {
		return healthResponse{}, false, nil
	}
	res, err := view.Inbox.Probe(ctx, view.Policy, s.clock)
	if err != nil {
		return healthResponse{}, true, err
	}
	return healthResponse{Name: name, Healthy: res.Healthy, Reason: res.Reason, HealthMetrics: res.HealthMetrics}, true, nil
}

func (s *Server) handleHealthAll(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.inboxes))
	for n := range s.inboxes {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]healthResponse, 0, len(names))
	overallHealthy := true
	for _, n := range names {
		res, _, err := s.probeOne(r.Context(), n)
		if err != nil {
			s.logger.Warn(r.Context(), "health probe failed", map[string]any{"inbox": n, "err": err})
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "probe_failed", "inbox": n})
			return
		}
		if !res.Healthy {
			overallHealthy = false
		}
		out = append(out, res)
	}
	status := http.StatusOK
	if !overallHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": overallHealthy, "inboxes": out})
}

func (s *Server) handleHealthOne(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["inbox"]
	res, found, err := s.probeOne(r.Context(), name)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown_inbox", "inbox": name})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "probe_failed", "inbox": name})
		return
	}
	status := http.StatusOK
	if !res.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["inbox"]
	view, ok := s.inboxes[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown_inbox", "inbox": name})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := view.Inbox.Storage.ReadDeadLetters(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "read_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inbox": name, "entries": entries})
}

// handleStream upgrades to a websocket and pushes a health snapshot for
// every known inbox every 5 seconds until the client disconnects. It is
// intentionally simple (poll-and-push, not a pub/sub bus) since the admin
// surface only ever has a handful of concurrent operator connections.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "websocket upgrade failed", map[string]any{"err": err})
		return
	}
	s.mu.Lock()
	s.streams[conn] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			names := make([]string, 0, len(s.inboxes))
			for n := range s.inboxes {
				names = append(names, n)
			}
			sort.Strings(names)
			snapshot := make([]healthResponse, 0, len(names))
			for _, n := range names {
				res, _, err := s.probeOne(ctx, n)
				if err == nil {
					snapshot = append(snapshot, res)
				}
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(map[string]any{"ts": time.Now().UTC().Format(time.RFC3339), "inboxes": snapshot}); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
