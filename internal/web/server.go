// Package web serves the read-only diagnostics API and a WebSocket stream of
// bridge events.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"smartbed-bridge/internal/ble"
	"smartbed-bridge/internal/events"
	"smartbed-bridge/internal/health"
	"smartbed-bridge/internal/store"
)

// Bridge is the slice of the running bridge the server reads from.
type Bridge interface {
	Monitor() *health.Monitor
	ControllerDiagnostics() []ble.Diagnostics
	ProxyStates() []ProxyState
}

// ProxyState is one proxy link's view for the API.
type ProxyState struct {
	Host       string `json:"host"`
	ServerName string `json:"serverName"`
	State      string `json:"state"`
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// Server is the diagnostics HTTP server. WebSocket clients each hold their
// own event-bus subscription; there is no central hub to stall.
type Server struct {
	bridge         Bridge
	db             store.Store
	bus            *events.Bus
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string

	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates the server.
func NewServer(bridge Bridge, db store.Store, bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		bridge: bridge,
		db:     db,
		bus:    bus,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /api/health", s.withAuth(s.handleHealth))
	s.mux.HandleFunc("GET /api/devices", s.withAuth(s.handleDevices))
	s.mux.HandleFunc("GET /api/proxies", s.withAuth(s.handleProxies))
	s.mux.HandleFunc("GET /api/registry", s.withAuth(s.handleRegistry))
	s.mux.HandleFunc("GET /ws", s.handleWS)

	return s
}

// Stop tells open WebSocket connections to finish. Safe to call twice.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := s.bridge.Monitor()
	if m == nil {
		s.writeJSON(w, map[string]any{"status": "restarting", "at": time.Now()})
		return
	}
	s.writeJSON(w, m.SnapshotNow())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	diags := s.bridge.ControllerDiagnostics()
	if diags == nil {
		diags = []ble.Diagnostics{}
	}
	s.writeJSON(w, diags)
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	states := s.bridge.ProxyStates()
	if states == nil {
		states = []ProxyState{}
	}
	s.writeJSON(w, states)
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	list, err := s.db.ListControllers()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*store.SeenController{}
	}
	s.writeJSON(w, list)
}
