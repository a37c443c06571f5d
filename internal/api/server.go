// Package api serves the diagnostics HTTP API: health, version, bridge
// status, a WebSocket event feed, Prometheus metrics, and a domain
// switch for operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/sensorbridge/internal/bridge"
	"github.com/nugget/sensorbridge/internal/buildinfo"
	"github.com/nugget/sensorbridge/internal/events"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Bridge is the part of [bridge.Bridge] the API exposes.
type Bridge interface {
	Status() bridge.Status
	SetDomain(ctx context.Context, id int) error
}

// Server is the diagnostics HTTP server.
type Server struct {
	address string
	port    int
	bridge  Bridge
	bus     *events.Bus
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
	closed bool

	// picker backs the keypad endpoints, one digit per request.
	picker bridge.DomainPicker

	upgrader websocket.Upgrader
}

// NewServer creates a diagnostics server. bus may be nil, in which case
// /v1/events is not served.
func NewServer(address string, port int, br Bridge, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		bridge:  br,
		bus:     bus,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/sensors", s.handleSensors)
	mux.HandleFunc("POST /v1/domain", s.handleSetDomain)
	mux.HandleFunc("GET /v1/domain/keypad", s.handleKeypad)
	mux.HandleFunc("POST /v1/domain/keypad", s.handleKeypadPress)
	if s.bus != nil {
		mux.HandleFunc("GET /v1/events", s.handleEvents)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns
// [http.ErrServerClosed] after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting diagnostics server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server. A Start that has not begun yet
// returns [http.ErrServerClosed] immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "sensorbridge",
		"version": buildinfo.Info()["version"],
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth reports healthy while the bridge runs. A stopped bridge
// answers 503 so supervisors can tell it is not publishing.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.bridge.Status()
	w.Header().Set("Content-Type", "application/json")
	if !st.Running {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{"status": "stopped", "node": st.Node.Phase}, s.logger)
		return
	}
	writeJSON(w, map[string]string{"status": "healthy", "node": st.Node.Phase}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.bridge.Status(), s.logger)
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.bridge.Status().Sensors, s.logger)
}

// DomainRequest is the body of POST /v1/domain.
type DomainRequest struct {
	DomainID *int `json:"domain_id"`
}

func (s *Server) handleSetDomain(w http.ResponseWriter, r *http.Request) {
	var req DomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DomainID == nil {
		s.errorResponse(w, http.StatusBadRequest, "body must be {\"domain_id\": N}")
		return
	}

	if err := s.bridge.SetDomain(r.Context(), *req.DomainID); err != nil {
		if errors.Is(err, bridge.ErrInvalidDomain) {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("domain change failed", "domain_id", *req.DomainID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "domain change failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.bridge.Status(), s.logger)
}

// KeypadRequest is the body of POST /v1/domain/keypad. Key is a single
// digit, "clear" or "confirm".
type KeypadRequest struct {
	Key string `json:"key"`
}

// KeypadResponse reports the keypad display. Status is set after a
// confirmed domain change.
type KeypadResponse struct {
	Display string         `json:"display"`
	Picked  bool           `json:"picked"`
	Status  *bridge.Status `json:"status,omitempty"`
}

func (s *Server) keypadResponse() KeypadResponse {
	_, picked := s.picker.Value()
	return KeypadResponse{Display: s.picker.String(), Picked: picked}
}

func (s *Server) handleKeypad(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.keypadResponse(), s.logger)
}

// handleKeypadPress enters a domain id one key at a time. Confirm with
// nothing entered joins domain 0.
func (s *Server) handleKeypadPress(w http.ResponseWriter, r *http.Request) {
	var req KeypadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "body must be {\"key\": K} where K is a digit, clear or confirm")
		return
	}

	switch req.Key {
	case "clear":
		s.picker.Clear()
	case "confirm":
		id := s.picker.Confirm()
		if err := s.bridge.SetDomain(r.Context(), id); err != nil {
			s.logger.Error("domain change failed", "domain_id", id, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "domain change failed")
			return
		}
		s.picker.Clear()
		resp := s.keypadResponse()
		st := s.bridge.Status()
		resp.Status = &st
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, resp, s.logger)
		return
	default:
		digit, err := strconv.Atoi(req.Key)
		if err != nil || len(req.Key) != 1 {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown key %q", req.Key))
			return
		}
		if err := s.picker.Press(digit); err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.keypadResponse(), s.logger)
}

// handleEvents streams bus events to a WebSocket client until either
// side closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	// The read loop only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
