package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/pixelated/dispatcher/internal/metrics"
)

// forwardedResponseHeaders is the exact header whitelist §4.8.5 propagates
// from the agent's response to the browser. Everything else -- notably any
// Set-Cookie -- is dropped, since the agent operates on the trust of an
// already-authenticated proxy session.
var forwardedResponseHeaders = []string{"Date", "Cache-Control", "Server", "Content-Type", "Location"}

// handleForward is the proxy's catch-all route: require a session, look up
// the user's agent runtime via the manager, and relay the request to
// 127.0.0.1:port if running.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	login := s.authenticatedUser(r)
	if login == "" {
		http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
		return
	}

	runtime, err := s.deps.Manager.GetAgentRuntime(r.Context(), login)
	if err != nil {
		s.deps.Log.Error("agent runtime lookup failed", "user", login, "error", err)
		metrics.ProxyForwardedTotal.WithLabelValues("agent_down").Inc()
		http.Error(w, "Sorry, your agent is down", http.StatusServiceUnavailable)
		return
	}
	if runtime.State != "running" {
		metrics.ProxyForwardedTotal.WithLabelValues("agent_down").Inc()
		http.Error(w, "Sorry, your agent is down", http.StatusServiceUnavailable)
		return
	}

	s.forwardTo(w, r, runtime.Port)
}

// forwardTo relays r verbatim (method, URI, body, headers) to
// 127.0.0.1:port, not following redirects, and copies only the whitelisted
// response headers back.
func (s *Server) forwardTo(w http.ResponseWriter, r *http.Request, port int) {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port), Path: r.URL.Path, RawQuery: r.URL.RawQuery}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	req.Header = r.Header.Clone()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: ForwardTimeout}).DialContext,
			ResponseHeaderTimeout: ForwardTimeout,
			DisableKeepAlives:     true,
		},
		// Redirects from the agent are relayed, not followed (§4.8.4).
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	resp, err := client.Do(req)
	if err != nil {
		var netErr net.Error
		msg := err.Error()
		if errors.As(err, &netErr) && netErr.Timeout() {
			msg = "upstream request timed out: " + msg
		}
		metrics.ProxyForwardedTotal.WithLabelValues("error").Inc()
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()

	for _, name := range forwardedResponseHeaders {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	metrics.ProxyForwardedTotal.WithLabelValues("ok").Inc()
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
