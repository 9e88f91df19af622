package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/e-vnts/meet-recorder/pkg/log"
	"github.com/e-vnts/meet-recorder/pkg/orchestrator"
	"github.com/e-vnts/meet-recorder/pkg/process"
	"github.com/e-vnts/meet-recorder/pkg/resource"
	"github.com/e-vnts/meet-recorder/pkg/session"
)

const maxRequestBody = 1 << 20

// SessionService is what the HTTP API drives
type SessionService interface {
	Start(req orchestrator.StartRequest) (string, error)
	Stop(id string) bool
	Status(id string) session.Snapshot
	List() map[string]session.Snapshot
	Remove(id string) bool
	Count() int
	ActiveCount() int
}

// ProcessReporter lists the external processes backing sessions
type ProcessReporter interface {
	Report(ctx context.Context) []process.Info
}

// DisplayReporter lists the allocated virtual displays
type DisplayReporter interface {
	Active() []resource.DisplayInfo
}

// HTTPServer handles REST API requests
type HTTPServer struct {
	service   SessionService
	wsServer  *WebSocketServer
	processes ProcessReporter
	displays  DisplayReporter
	router    http.Handler
	startedAt time.Time
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(service SessionService, wsServer *WebSocketServer) *HTTPServer {
	server := &HTTPServer{
		service:   service,
		wsServer:  wsServer,
		startedAt: time.Now(),
	}
	server.registerRoutes()
	return server
}

// SetProcessReporter adds per-process usage to the health report
func (s *HTTPServer) SetProcessReporter(p ProcessReporter) {
	s.processes = p
}

// SetDisplayReporter adds the allocated displays to the health report
func (s *HTTPServer) SetDisplayReporter(d DisplayReporter) {
	s.displays = d
}

// ServeHTTP implements the http.Handler interface
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.Debugf("Received request: %s %s", r.Method, r.URL.Path)
	s.router.ServeHTTP(w, r)
}

// registerRoutes sets up the API routes
func (s *HTTPServer) registerRoutes() {
	pr := NewParamRouter()
	pr.Handle(http.MethodGet, "/health", s.handleHealth)
	pr.Handle(http.MethodPost, "/sessions", s.handleStartSession)
	pr.Handle(http.MethodGet, "/sessions", s.handleListSessions)
	pr.Handle(http.MethodGet, "/sessions/{id}", s.handleGetSession)
	pr.Handle(http.MethodDelete, "/sessions/{id}", s.handleRemoveSession)
	pr.Handle(http.MethodPost, "/sessions/{id}/stop", s.handleStopSession)

	if s.wsServer != nil {
		pr.Handle(http.MethodGet, "/ws/sessions", s.wsServer.HandleConnection)
		pr.Handle(http.MethodGet, "/ws/sessions/{id}", s.wsServer.HandleConnection)
	}
	s.router = pr
}

// StartResponse is returned when a session is accepted
type StartResponse struct {
	SessionID string        `json:"sessionId"`
	Status    session.State `json:"status"`
}

// handleStartSession registers a session and returns without waiting for it
func (s *HTTPServer) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.service.Start(req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrInvalidRequest) || errors.Is(err, orchestrator.ErrUnsupportedPlatform) {
			status = http.StatusBadRequest
		}
		log.WithComponent("api").Warnf("Rejected session request: %v", err)
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, StartResponse{SessionID: id, Status: s.service.Status(id).Status})
}

// handleListSessions returns every session keyed by id
func (s *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": s.service.List()})
}

// handleGetSession returns one session's snapshot
func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap := s.service.Status(GetPathParam(r, "id"))
	if snap.Status == session.StateNotFound {
		writeJSON(w, http.StatusNotFound, snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleStopSession requests a stop. Unknown and finished sessions get 404.
func (s *HTTPServer) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := GetPathParam(r, "id")
	if !s.service.Stop(id) {
		snap := s.service.Status(id)
		msg := "session not found"
		if snap.Status != session.StateNotFound {
			msg = "session is not running (" + string(snap.Status) + ")"
		}
		snap.Error = &msg
		writeJSON(w, http.StatusNotFound, snap)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Status(id))
}

// handleRemoveSession drops a session, stopping it if needed
func (s *HTTPServer) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	id := GetPathParam(r, "id")
	if !s.service.Remove(id) {
		writeJSON(w, http.StatusNotFound, session.NotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id, "status": "removed"})
}

// handleHealth reports session counts, displays, process usage and host memory
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":          "ok",
		"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
		"session_count":   s.service.Count(),
		"active_sessions": s.service.ActiveCount(),
	}
	if s.wsServer != nil {
		resp["stream_clients"] = s.wsServer.ClientCount()
	}
	if s.processes != nil {
		resp["processes"] = s.processes.Report(r.Context())
	}
	if s.displays != nil {
		resp["displays"] = s.displays.Active()
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		resp["memory"] = map[string]interface{}{
			"total":        vm.Total,
			"available":    vm.Available,
			"used_percent": vm.UsedPercent,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	body, err := CreateErrorMessage(msg, status)
	if err != nil {
		http.Error(w, msg, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}
