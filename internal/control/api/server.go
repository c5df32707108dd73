package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sebas/ariflow/internal/control/stasis"
	"github.com/sebas/ariflow/internal/logger"
)

// RuntimeProvider exposes dispatcher state to the API.
// Implemented by stasis.Dispatcher.
type RuntimeProvider interface {
	Stats() stasis.Stats
	Sessions() []stasis.SessionInfo
}

// StreamStatus reports event stream connectivity.
// Implemented by ari.Native.
type StreamStatus interface {
	Connected() bool
}

// Server provides the admin HTTP API (headless, API only)
type Server struct {
	addr       string
	app        string
	httpServer *http.Server
	runtime    RuntimeProvider
	stream     StreamStatus
	startTime  time.Time
	log        *slog.Logger
}

// NewServer creates a new API server
func NewServer(addr, app string, runtime RuntimeProvider, stream StreamStatus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:      addr,
		app:       app,
		runtime:   runtime,
		stream:    stream,
		startTime: time.Now(),
		log:       log,
	}

	mux := http.NewServeMux()

	// Health and stats
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)

	// Sessions
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)

	// Admin
	mux.HandleFunc("/api/v1/loglevel", s.handleLogLevel)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the request router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.log.Info("[API] Starting HTTP API server", "addr", lis.Addr().String())
	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := s.stream != nil && s.stream.Connected()
	status, code := "ok", http.StatusOK
	if !connected {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	response := map[string]interface{}{
		"status":           status,
		"app":              s.app,
		"stream_connected": connected,
		"uptime":           int64(time.Since(s.startTime).Seconds()),
	}
	s.writeJSONStatus(w, code, response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := s.runtime.Stats()
	response := map[string]interface{}{
		"subscriptions":    st.Subscriptions,
		"active_sessions":  st.ActiveSessions,
		"pending_claims":   st.PendingClaims,
		"events_received":  st.EventsReceived,
		"sessions_run":     st.SessionsRun,
		"app_failures":     st.AppFailures,
		"stream_connected": s.stream != nil && s.stream.Connected(),
	}
	s.writeJSON(w, response)
}

// --- Sessions ---

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := make([]map[string]interface{}, 0)
	for _, info := range s.runtime.Sessions() {
		sessions = append(sessions, map[string]interface{}{
			"channel_id": info.ChannelID,
			"caller":     info.Caller,
			"exten":      info.Exten,
			"answered":   info.Answered,
			"started_at": info.StartedAt.Format(time.RFC3339),
			"duration":   int(time.Since(info.StartedAt).Seconds()),
		})
	}
	s.writeJSON(w, sessions)
}

// --- Admin ---

func (s *Server) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut, http.MethodPost:
		level := r.URL.Query().Get("level")
		if !logger.ValidLevel(level) {
			http.Error(w, "Invalid level", http.StatusBadRequest)
			return
		}
		logger.SetLevel(level)
		s.log.Info("[API] Log level changed", "level", logger.GetLevel())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, map[string]interface{}{"level": logger.GetLevel()})
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	s.writeJSONStatus(w, http.StatusOK, v)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("[API] Failed to encode JSON", "error", err)
	}
}
