// Package httpapi exposes the local control API over HTTP with a chi router.
// It is the message-passing surface other processes (CLI, tray, UI) use to
// inspect and drive remote server connections.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mcpconnect/mcpconnect-go/internal/registry"
	"github.com/mcpconnect/mcpconnect-go/internal/supervisor"
)

const (
	shutdownTimeout   = 5 * time.Second
	requestTimeout    = 60 * time.Second
	sseHeartbeatEvery = 30 * time.Second
)

// apiResponse is the envelope for every JSON response.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// callToolRequest is the body of POST /servers/{name}/tools/call.
type callToolRequest struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Server provides the HTTP control API.
type Server struct {
	reg    *registry.Registry
	logger *zap.Logger
	router *chi.Mux

	httpServer *http.Server
}

// NewServer creates the API server and wires its routes.
func NewServer(reg *registry.Registry, logger *zap.Logger) *Server {
	s := &Server{
		reg:    reg,
		logger: logger.Named("httpapi"),
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start serves the API on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP API shutdown", zap.Error(err))
		}
		return nil
	}
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware())

	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		// SSE stream outlives the request timeout, register it first.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Get("/servers", s.handleListServers)
			r.Route("/servers/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetServer)
				r.Get("/status", s.handleServerStatus)
				r.Get("/health", s.handleServerHealth)
				r.Post("/enable", s.handleEnableServer)
				r.Post("/disable", s.handleDisableServer)
				r.Post("/disconnect", s.handleDisconnectServer)
				r.Post("/auth/start", s.handleStartAuth)
				r.Post("/logout", s.handleLogout)
				r.Get("/tools", s.handleListTools)
				r.Post("/tools/call", s.handleCallTool)
			})
		})
	})
}

func (s *Server) loggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			s.logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, s.reg.List())
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	view, err := s.reg.Get(name)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeSuccess(w, view)
}

func (s *Server) handleEnableServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.reg.Enable(r.Context(), name); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeSuccess(w, map[string]string{"server": name, "action": "enabled"})
}

func (s *Server) handleDisableServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.reg.Disable(name); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeSuccess(w, map[string]string{"server": name, "action": "disabled"})
}

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	view, err := s.reg.Get(name)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeSuccess(w, view.Status)
}

func (s *Server) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	view, err := s.reg.Get(name)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeSuccess(w, map[string]interface{}{
		"server":     name,
		"healthy":    view.Status.State == supervisor.StateConnected,
		"state":      view.Status.State,
		"last_error": view.Status.LastError,
	})
}

func (s *Server) handleDisconnectServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.reg.Disconnect(name); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeSuccess(w, map[string]string{"server": name, "action": "disconnected"})
}

// handleStartAuth kicks off the interactive browser flow. The flow runs in the
// background; clients watch /events or poll server status for the outcome.
func (s *Server) handleStartAuth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.reg.StartAuth(name); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, apiResponse{
		Success: true,
		Data:    map[string]string{"server": name, "action": "auth_started"},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.reg.Logout(name); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeSuccess(w, map[string]string{"server": name, "action": "logged_out"})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tools, err := s.reg.ListTools(r.Context(), name)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeSuccess(w, map[string]interface{}{
		"server": name,
		"tools":  tools,
		"total":  len(tools),
	})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req callToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Tool == "" {
		s.writeError(w, http.StatusBadRequest, "field 'tool' is required")
		return
	}

	result, err := s.reg.CallTool(r.Context(), name, req.Tool, req.Args)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeSuccess(w, result)
}

// handleEvents streams registry events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		s.logger.Warn("ResponseWriter does not support flushing, SSE may not work properly")
	}

	events := s.reg.SubscribeEvents()
	defer s.reg.UnsubscribeEvents(events)

	// Retry hint so EventSource clients reconnect promptly.
	fmt.Fprintf(w, ": connected\nretry: 5000\n\n")
	if canFlush {
		flusher.Flush()
	}

	heartbeat := time.NewTicker(sseHeartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := s.writeSSEEvent(w, flusher, canFlush, "ping", map[string]interface{}{
				"timestamp": time.Now().Unix(),
			}); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeSSEEvent(w, flusher, canFlush, string(evt.Type), evt); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, canFlush bool, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	if canFlush {
		flusher.Flush()
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) writeSuccess(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, apiResponse{Success: false, Error: message})
}

// writeRegistryError maps registry errors to HTTP status codes.
func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownServer):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, supervisor.ErrNotReady):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
