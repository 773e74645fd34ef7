// Package manager implements the Manager HTTP API (C6): a TLS-terminated
// REST surface over the user registry and lifecycle supervisor.
package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pixelated/dispatcher/internal/apperr"
	"github.com/pixelated/dispatcher/internal/lifecycle"
	"github.com/pixelated/dispatcher/internal/logging"
	"github.com/pixelated/dispatcher/internal/metrics"
	"github.com/pixelated/dispatcher/internal/users"
)

// Dependencies are the components the Manager API sits on top of.
type Dependencies struct {
	Registry   *users.Registry
	Supervisor *lifecycle.Supervisor
	Provider   lifecycle.ProviderConfig
	Log        *logging.Logger
	Metrics    bool // expose GET /metrics
}

// Server is the Manager's HTTP API.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
	creds  *credentialStaging
}

// NewServer builds a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux(), creds: newCredentialStaging()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /agents", s.handleListAgents)
	s.mux.HandleFunc("POST /agents", s.handleAddAgent)
	s.mux.HandleFunc("GET /agents/{name}", s.handleGetAgent)
	s.mux.HandleFunc("GET /agents/{name}/runtime", s.handleGetRuntime)
	s.mux.HandleFunc("PUT /agents/{name}/state", s.handleSetState)
	s.mux.HandleFunc("PUT /agents/{name}/reset_data", s.handleResetData)
	s.mux.HandleFunc("POST /agents/{name}/authenticate", s.handleAuthenticate)
	s.mux.HandleFunc("GET /stats/memory_usage", s.handleMemoryUsage)
	if s.deps.Metrics {
		s.mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
			promhttp.Handler().ServeHTTP(w, r)
		})
	}
}

// ListenAndServe starts the HTTPS server on addr with the given certificate.
func (s *Server) ListenAndServe(addr, certFile, keyFile string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      requestID(s.deps.Log)(s.mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("manager listening", "addr", addr)
	return s.server.ListenAndServeTLS(certFile, keyFile)
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// requestID stamps every request with a correlation id, logged on entry and
// exit, and propagated to handlers via the request context.
func requestID(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := uuid.NewString()
			w.Header().Set("X-Request-Id", id)
			log.Info("request", "id", id, "method", r.Method, "path", r.URL.Path)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
			metrics.ManagerRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(sw.status)).Inc()
		})
	}
}

type requestIDKey struct{}

// statusWriter captures the status code a handler wrote, for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps err's apperr.Kind to a status code per §4.6 and writes it.
func writeErr(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(apperr.KindOf(err))
	writeError(w, status, err.Error())
}

func agentState(inst lifecycle.AgentInstance) map[string]any {
	out := map[string]any{"name": inst.UserName, "state": string(inst.State)}
	return out
}

func runtimeState(inst lifecycle.AgentInstance) map[string]any {
	out := map[string]any{"state": string(inst.State)}
	if inst.State != lifecycle.StateStopped {
		out["port"] = inst.PublicPort
	}
	return out
}
