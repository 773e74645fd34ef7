package managerclient

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pixelated/dispatcher/internal/apperr"
)

func newTestClient(t *testing.T, mux *http.ServeMux) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewTLSServer(mux)
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())

	c, err := New(srv.URL, "example.com", TLSConfig{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	c.httpClient.Transport = &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}
	return c, srv
}

func TestListAndGetAgent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/agents", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"agents": []Agent{{Name: "alice", State: "stopped"}}})
	})
	c, srv := newTestClient(t, mux)
	defer srv.Close()

	agents, err := c.List(t.Context())
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(agents) != 1 || agents[0].Name != "alice" {
		t.Fatalf("unexpected agents: %+v", agents)
	}
}

func TestGetAgentNotFoundMapsToNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/agents/nobody", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	})
	c, srv := newTestClient(t, mux)
	defer srv.Close()

	_, err := c.GetAgent(t.Context(), "nobody")
	if apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("kind = %v, want NotFound", apperr.KindOf(err))
	}

	exists, err := c.AgentExists(t.Context(), "nobody")
	if err != nil || exists {
		t.Fatalf("AgentExists() = %v, %v, want false, nil", exists, err)
	}
}

func TestProviderInitializingMapsTo503(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/agents/alice/state", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "backend initializing"})
	})
	c, srv := newTestClient(t, mux)
	defer srv.Close()

	_, err := c.Start(t.Context(), "alice")
	if apperr.KindOf(err) != apperr.ProviderInitializing {
		t.Fatalf("kind = %v, want ProviderInitializing", apperr.KindOf(err))
	}
}

func TestValidateConnectionSucceedsOnceManagerResponds(t *testing.T) {
	attempts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/agents", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"agents": []Agent{}})
	})
	c, srv := newTestClient(t, mux)
	defer srv.Close()

	if err := c.ValidateConnection(t.Context(), 2*time.Second); err != nil {
		t.Fatalf("ValidateConnection() failed: %v", err)
	}
}

func TestValidateConnectionTreatsInitializingAsUp(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/agents", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c, srv := newTestClient(t, mux)
	defer srv.Close()

	start := time.Now()
	if err := c.ValidateConnection(t.Context(), 2*time.Second); err != nil {
		t.Fatalf("ValidateConnection() failed: %v", err)
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Fatal("ValidateConnection() should return immediately on ProviderInitializing, not wait a retry tick")
	}
}

func TestAuthenticateForbiddenMapsToAuthFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/agents/alice/authenticate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	c, srv := newTestClient(t, mux)
	defer srv.Close()

	err := c.Authenticate(t.Context(), "alice", "wrong")
	if apperr.KindOf(err) != apperr.AuthFailed {
		t.Fatalf("kind = %v, want AuthFailed", apperr.KindOf(err))
	}
}
