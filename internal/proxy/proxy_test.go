package proxy

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pixelated/dispatcher/internal/auth"
	"github.com/pixelated/dispatcher/internal/logging"
	"github.com/pixelated/dispatcher/internal/managerclient"
	"github.com/pixelated/dispatcher/internal/srp"
)

func fingerprintOf(srv *httptest.Server) string {
	sum := sha256.Sum256(srv.Certificate().Raw)
	return fmt.Sprintf("%x", sum)
}

func newTestManager(t *testing.T, mux *http.ServeMux) (*managerclient.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewTLSServer(mux)
	c, err := managerclient.New(srv.URL, "example.com", managerclient.TLSConfig{AssertFingerprint: fingerprintOf(srv)})
	if err != nil {
		t.Fatalf("managerclient.New() failed: %v", err)
	}
	return c, srv
}

func newTestAuthenticator(t *testing.T, identitySrv *httptest.Server) *srp.Authenticator {
	t.Helper()
	a, err := srp.NewAuthenticator("example.com", srp.TLSConfig{AssertFingerprint: fingerprintOf(identitySrv)})
	if err != nil {
		t.Fatalf("NewAuthenticator() failed: %v", err)
	}
	return a
}

func newTestServer(t *testing.T, managerMux *http.ServeMux) (*Server, *httptest.Server) {
	t.Helper()
	manager, managerSrv := newTestManager(t, managerMux)

	identityMux := http.NewServeMux()
	identityMux.HandleFunc("/1/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	identitySrv := httptest.NewTLSServer(identityMux)
	t.Cleanup(identitySrv.Close)

	s := NewServer(Dependencies{
		Manager:       manager,
		Authenticator: newTestAuthenticator(t, identitySrv),
		IdentityURL:   identitySrv.URL,
		Session:       auth.NewSessionSigner([]byte("test-signing-key")),
		RateLimiter:   auth.NewRateLimiter(),
		Banner:        "Welcome",
		CookieSecure:  false,
		Log:           logging.New(false),
	})
	return s, managerSrv
}

func sessionCookieFor(s *Server, login string) *http.Cookie {
	value, err := s.deps.Session.Sign(login, SessionTTL)
	if err != nil {
		panic(err)
	}
	return &http.Cookie{Name: auth.ProxyCookieName, Value: value}
}

func TestLoginPageRendersBannerAndCSRFToken(t *testing.T) {
	s, managerSrv := newTestServer(t, http.NewServeMux())
	defer managerSrv.Close()

	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Welcome") {
		t.Fatalf("expected banner in body, got %s", body)
	}
	if !strings.Contains(body, "csrf_token") {
		t.Fatalf("expected csrf_token field in body, got %s", body)
	}
}

func TestLoginSubmitWrongCredentialsRedirectsWithError(t *testing.T) {
	s, managerSrv := newTestServer(t, http.NewServeMux())
	defer managerSrv.Close()

	// Obtain a CSRF cookie+token from the login page first.
	getReq := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	getRec := httptest.NewRecorder()
	s.mux.ServeHTTP(getRec, getReq)
	var csrfCookie *http.Cookie
	for _, c := range getRec.Result().Cookies() {
		if c.Name == auth.CSRFCookieName {
			csrfCookie = c
		}
	}
	token := extractCSRFToken(getRec.Body.String())

	form := strings.NewReader(fmt.Sprintf("username=alice&password=wrong&csrf_token=%s", token))
	req := httptest.NewRequest(http.MethodPost, "/auth/login", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if csrfCookie != nil {
		req.AddCookie(csrfCookie)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	loc := rec.Header().Get("Location")
	if !strings.Contains(loc, "error=") {
		t.Fatalf("expected error redirect, got Location=%s", loc)
	}
}

func extractCSRFToken(body string) string {
	const marker = `name="csrf_token" value="`
	idx := strings.Index(body, marker)
	if idx < 0 {
		return ""
	}
	rest := body[idx+len(marker):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func TestLogoutClearsCookie(t *testing.T) {
	s, managerSrv := newTestServer(t, http.NewServeMux())
	defer managerSrv.Close()

	req := httptest.NewRequest(http.MethodGet, "/auth/logout", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d", rec.Code)
	}
	var cleared bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.ProxyCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("expected %s cookie to be cleared", auth.ProxyCookieName)
	}
}

func TestStaticAssetServed(t *testing.T) {
	s, managerSrv := newTestServer(t, http.NewServeMux())
	defer managerSrv.Close()

	req := httptest.NewRequest(http.MethodGet, "/dispatcher_static/style.css", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "css") {
		t.Fatalf("unexpected content type: %s", rec.Header().Get("Content-Type"))
	}
}

func TestForwardRedirectsUnauthenticatedToLogin(t *testing.T) {
	s, managerSrv := newTestServer(t, http.NewServeMux())
	defer managerSrv.Close()

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/auth/login" {
		t.Fatalf("status=%d location=%s", rec.Code, rec.Header().Get("Location"))
	}
}

func TestForwardReturns503WhenAgentNotRunning(t *testing.T) {
	managerMux := http.NewServeMux()
	managerMux.HandleFunc("/agents/alice/runtime", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(managerclient.Runtime{State: "stopped"})
	})
	s, managerSrv := newTestServer(t, managerMux)
	defer managerSrv.Close()

	req := httptest.NewRequest(http.MethodGet, "/inbox", nil)
	req.AddCookie(sessionCookieFor(s, "alice"))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestForwardRelaysRunningAgentResponse(t *testing.T) {
	agentMux := http.NewServeMux()
	agentMux.HandleFunc("/inbox", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Set-Cookie", "agent_session=should-not-leak")
		w.Header().Set("X-Agent-Internal", "should-not-leak-either")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "hello from agent")
	})
	agentSrv := httptest.NewServer(agentMux)
	defer agentSrv.Close()

	port := agentSrv.Listener.Addr().String()
	// agentSrv.Listener.Addr().String() is "127.0.0.1:PORT"; extract the port.
	portStr := port[strings.LastIndex(port, ":")+1:]

	managerMux := http.NewServeMux()
	managerMux.HandleFunc("/agents/alice/runtime", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"state": "running", "port": mustAtoi(portStr)})
	})
	s, managerSrv := newTestServer(t, managerMux)
	defer managerSrv.Close()

	req := httptest.NewRequest(http.MethodGet, "/inbox", nil)
	req.AddCookie(sessionCookieFor(s, "alice"))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello from agent" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if rec.Header().Get("Set-Cookie") != "" {
		t.Fatalf("agent cookie leaked: %s", rec.Header().Get("Set-Cookie"))
	}
	if rec.Header().Get("X-Agent-Internal") != "" {
		t.Fatalf("non-whitelisted header leaked: %s", rec.Header().Get("X-Agent-Internal"))
	}
}

func mustAtoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int(c-'0')
	}
	return n
}
