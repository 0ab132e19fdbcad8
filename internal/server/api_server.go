// Package server exposes the bridge over HTTP: a JSON API for commands and
// instance management, the WebSocket endpoint plugins connect to, health
// and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/unity-mcp/bridge/internal/config"
	"github.com/unity-mcp/bridge/internal/hub"
	"github.com/unity-mcp/bridge/internal/response"
	"github.com/unity-mcp/bridge/internal/transport"
	"github.com/unity-mcp/bridge/internal/unityconn"
	"github.com/unity-mcp/bridge/internal/version"
)

// PrometheusExporter renders observability metrics in Prometheus exposition format.
type PrometheusExporter interface {
	Export() []byte
}

// HistoryProvider exposes the persisted instance history.
type HistoryProvider interface {
	History(ctx context.Context, limit int) ([]HistoryEntry, error)
}

// HistoryEntry is one previously seen instance.
type HistoryEntry struct {
	InstanceID   string    `json:"instance_id"`
	Name         string    `json:"name"`
	Hash         string    `json:"hash"`
	Port         int       `json:"port"`
	UnityVersion string    `json:"unity_version,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// APIServer is the daemon's HTTP front door.
type APIServer struct {
	cfg        *config.Config
	dispatcher *transport.Dispatcher
	hub        *hub.Hub
	exporter   PrometheusExporter
	history    HistoryProvider
	startTime  time.Time

	srv      *http.Server
	listener net.Listener
}

// New builds the API server. exporter and history may be nil.
func New(cfg *config.Config, dispatcher *transport.Dispatcher, h *hub.Hub, exporter PrometheusExporter, history HistoryProvider) *APIServer {
	return &APIServer{
		cfg:        cfg,
		dispatcher: dispatcher,
		hub:        h,
		exporter:   exporter,
		history:    history,
		startTime:  time.Now(),
	}
}

// Handler returns the routed HTTP handler; exposed for tests.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/instances", s.handleInstances)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("POST /api/command", s.handleCommand)
	mux.HandleFunc("GET /api/active", s.handleGetActive)
	mux.HandleFunc("POST /api/active", s.handleSetActive)
	mux.HandleFunc("DELETE /api/active", s.handleClearActive)
	if s.hub != nil {
		mux.HandleFunc("GET /api/tools", s.handleTools)
		mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	}
	return mux
}

// Start binds the configured address and serves until Shutdown.
func (s *APIServer) Start() error {
	listener, err := net.Listen("tcp", s.cfg.HTTPBinding)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.HTTPBinding, err)
	}
	s.listener = listener
	s.srv = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[API] serve: %v", err)
		}
	}()
	log.Printf("[API] listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *APIServer) Addr() string {
	if s.listener == nil {
		return s.cfg.HTTPBinding
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting briefly for in-flight requests.
func (s *APIServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.String(),
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *APIServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write(s.exporter.Export())
}

func (s *APIServer) handleInstances(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": s.dispatcher.Instances(force),
	})
}

func (s *APIServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"history": []HistoryEntry{}})
		return
	}
	entries, err := s.history.History(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load history: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *APIServer) handleTools(w http.ResponseWriter, r *http.Request) {
	hint := r.URL.Query().Get("instance")
	tools, err := s.hub.ToolsForProject(hint)
	if err != nil {
		status := http.StatusNotFound
		if unityconn.IsAmbiguous(err) {
			status = http.StatusConflict
		}
		writeError(w, status, "%v", err)
		return
	}
	if tools == nil {
		tools = []hub.ToolSpec{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// commandRequest is the /api/command body.
type commandRequest struct {
	ClientID string         `json:"client_id,omitempty"`
	Instance string         `json:"instance,omitempty"`
	Type     string         `json:"type"`
	Params   map[string]any `json:"params,omitempty"`
	Timeout  int            `json:"timeout,omitempty"` // seconds
}

func (s *APIServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "command type is required")
		return
	}

	result := s.dispatcher.Send(r.Context(), req.ClientID, req.Instance,
		req.Type, req.Params, time.Duration(req.Timeout)*time.Second)

	status := http.StatusOK
	if result.IsErr() && result.ErrKind() != response.KindUnity {
		// Editor-side failures stay 200 with success=false; bridge-side
		// failures map to HTTP status codes.
		status = errStatus(result)
	}
	writeJSON(w, status, result.Envelope())
}

func errStatus(result response.Result) int {
	switch result.ErrKind() {
	case response.KindConnection:
		return http.StatusBadGateway
	case response.KindTimeout:
		return http.StatusGatewayTimeout
	case response.KindProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) handleGetActive(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id": clientID,
		"active":    s.dispatcher.Active(clientID),
	})
}

// activeRequest is the /api/active body.
type activeRequest struct {
	ClientID string `json:"client_id,omitempty"`
	Instance string `json:"instance"`
}

func (s *APIServer) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	if req.Instance == "" {
		writeError(w, http.StatusBadRequest, "instance is required")
		return
	}
	inst, err := s.dispatcher.SetActive(req.ClientID, req.Instance)
	if err != nil {
		status := http.StatusNotFound
		if unityconn.IsAmbiguous(err) {
			status = http.StatusConflict
		}
		writeError(w, status, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": inst.ID, "instance": inst})
}

func (s *APIServer) handleClearActive(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	s.dispatcher.ClearActive(clientID)
	writeJSON(w, http.StatusOK, map[string]any{"active": ""})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   fmt.Sprintf(format, args...),
	})
}
