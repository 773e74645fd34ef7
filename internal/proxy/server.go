// Package proxy implements the Proxy HTTP Front (C8): a TLS listener that
// authenticates end users via SRP, maintains a signed session cookie, and
// reverse-proxies every other request to the user's agent.
package proxy

import (
	"context"
	"embed"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/pixelated/dispatcher/internal/auth"
	"github.com/pixelated/dispatcher/internal/logging"
	"github.com/pixelated/dispatcher/internal/managerclient"
	"github.com/pixelated/dispatcher/internal/srp"
)

//go:embed static/*
var staticFS embed.FS

// SessionTTL is how long a signed session cookie remains valid.
const SessionTTL = 24 * time.Hour

// ForwardTimeout bounds connecting to the agent and receiving its response
// headers for a forwarded request; the body then streams without a deadline
// (§4.8).
const ForwardTimeout = 1 * time.Second

// Dependencies are the components the proxy is built on top of.
type Dependencies struct {
	Manager       *managerclient.Client
	Authenticator *srp.Authenticator
	IdentityURL   string // the SRP identity provider's base URL
	Session       *auth.SessionSigner
	RateLimiter   *auth.RateLimiter
	Banner        string
	CookieSecure  bool
	Log           *logging.Logger
}

// Server is the proxy's HTTP front end.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
	tmpl   *template.Template
}

// NewServer builds a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.tmpl = template.Must(template.New("").ParseFS(staticFS, "static/*.html"))
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /auth/login", s.handleLoginPage)
	s.mux.HandleFunc("POST /auth/login", s.handleLoginSubmit)
	s.mux.HandleFunc("GET /auth/logout", s.handleLogout)
	s.mux.HandleFunc("GET /dispatcher_static/", s.handleStatic)
	s.mux.HandleFunc("/", s.handleForward)
}

// ListenAndServe starts the HTTPS server on addr.
func (s *Server) ListenAndServe(addr, certFile, keyFile string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // forwarded responses may stream
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("proxy listening", "addr", addr)
	return s.server.ListenAndServeTLS(certFile, keyFile)
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path[len("/dispatcher_static/"):]
	data, err := staticFS.ReadFile("static/" + name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if len(name) > 4 && name[len(name)-4:] == ".css" {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
	}
	w.Write(data)
}

// clientIP extracts the caller's address for rate limiting, preferring
// RemoteAddr since the proxy is the outermost TLS terminator.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
