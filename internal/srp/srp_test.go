package srp

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pixelated/dispatcher/internal/apperr"
)

// serverVerifier plays the identity-provider side of the exchange against a
// fixed login/password pair, entirely in-process, so the test can assert the
// full round trip without a real leap server.
type serverVerifier struct {
	login    string
	salt     []byte
	v        *big.Int
	b        *big.Int
	B        *big.Int
	A        *big.Int
	K        *big.Int
	verified bool
}

func newServerVerifier(login, password string) *serverVerifier {
	g := defaultGroup
	salt := []byte("fixedtestsalt123")
	x := g.privateKey(salt, login, password)
	v := g.verifier(x)
	return &serverVerifier{login: login, salt: salt, v: v}
}

func (s *serverVerifier) challenge(A *big.Int) (salt []byte, B *big.Int) {
	g := defaultGroup
	s.A = A
	b, err := g.randomExponent()
	if err != nil {
		panic(err)
	}
	s.b = b
	kv := new(big.Int).Mul(g.k(), s.v)
	B = new(big.Int).Add(kv, new(big.Int).Exp(g.g, b, g.N))
	B.Mod(B, g.N)
	s.B = B
	return s.salt, B
}

func (s *serverVerifier) verifySession(M1 *big.Int) (M2 *big.Int, ok bool) {
	g := defaultGroup
	u := g.scramblingParam(s.A, s.B)
	// S = (A * v^u) ^ b mod N
	vu := new(big.Int).Exp(s.v, u, g.N)
	base := new(big.Int).Mul(s.A, vu)
	base.Mod(base, g.N)
	S := new(big.Int).Exp(base, s.b, g.N)
	K := sessionKey(S)
	s.K = K

	wantM1 := g.clientEvidence(s.login, s.salt, s.A, s.B, K)
	if wantM1.Cmp(M1) != 0 {
		return nil, false
	}
	s.verified = true
	return g.serverEvidence(s.A, M1, K), true
}

// newTestServer builds an httptest.Server implementing the two-round wire
// protocol on top of a single serverVerifier, for one login/password pair.
func newTestServer(t *testing.T, login, password string) *httptest.Server {
	t.Helper()
	sv := newServerVerifier(login, password)

	mux := http.NewServeMux()
	mux.HandleFunc("/1/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req round1Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Login != login {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		A, err := fromHex(req.A)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		salt, B := sv.challenge(A)
		g := defaultGroup
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(round1Response{
			Salt: toHex(new(big.Int).SetBytes(salt), len(salt)),
			B:    toHex(B, g.width()),
		})
	})
	mux.HandleFunc(fmt.Sprintf("/1/sessions/%s", login), func(w http.ResponseWriter, r *http.Request) {
		var req round2Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		M1, err := fromHex(req.ClientAuth)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		M2, ok := sv.verifySession(M1)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "_session_id=test-session-id;")
		json.NewEncoder(w).Encode(round2Response{
			M2:    toHex(M2, 32),
			ID:    "some-id",
			Token: "some-token",
		})
	})
	mux.HandleFunc("/1/users", func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Login == "taken" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	return httptest.NewTLSServer(mux)
}

func authenticatorFor(t *testing.T, srv *httptest.Server) *Authenticator {
	t.Helper()
	cert := srv.Certificate()
	pool := x509.NewCertPool()
	pool.AddCert(cert)

	a, err := NewAuthenticator("example.com", TLSConfig{})
	if err != nil {
		t.Fatalf("NewAuthenticator() failed: %v", err)
	}
	a.httpClient.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool},
	}
	return a
}

func TestAuthenticateSuccess(t *testing.T) {
	srv := newTestServer(t, "alice", "correct horse battery staple")
	defer srv.Close()
	a := authenticatorFor(t, srv)

	session, err := a.Authenticate(t.Context(), srv.URL, "alice", "correct horse battery staple")
	if err != nil {
		t.Fatalf("Authenticate() failed: %v", err)
	}
	if session.UserName != "alice" || session.Token != "some-token" {
		t.Errorf("Authenticate() session = %+v", session)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	srv := newTestServer(t, "alice", "correct horse battery staple")
	defer srv.Close()
	a := authenticatorFor(t, srv)

	_, err := a.Authenticate(t.Context(), srv.URL, "alice", "wrong password")
	if apperr.KindOf(err) != apperr.AuthFailed {
		t.Fatalf("Authenticate() with wrong password kind = %v, want AuthFailed", apperr.KindOf(err))
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	srv := newTestServer(t, "alice", "pw")
	defer srv.Close()
	a := authenticatorFor(t, srv)

	_, err := a.Authenticate(t.Context(), srv.URL, "nobody", "pw")
	if apperr.KindOf(err) != apperr.AuthFailed {
		t.Fatalf("Authenticate() for unknown user kind = %v, want AuthFailed", apperr.KindOf(err))
	}
}

func TestRegisterSuccess(t *testing.T) {
	srv := newTestServer(t, "alice", "pw")
	defer srv.Close()
	a := authenticatorFor(t, srv)

	if err := a.Register(t.Context(), srv.URL, "newuser", "pw"); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
}

func TestRegisterExists(t *testing.T) {
	srv := newTestServer(t, "alice", "pw")
	defer srv.Close()
	a := authenticatorFor(t, srv)

	err := a.Register(t.Context(), srv.URL, "taken", "pw")
	if apperr.KindOf(err) != apperr.Exists {
		t.Fatalf("Register() for taken login kind = %v, want Exists", apperr.KindOf(err))
	}
}

func TestFingerprintPinningRejectsWrongCert(t *testing.T) {
	srv := newTestServer(t, "alice", "pw")
	defer srv.Close()

	a, err := NewAuthenticator("example.com", TLSConfig{AssertFingerprint: "0000000000000000000000000000000000000000000000000000000000000000"})
	if err != nil {
		t.Fatalf("NewAuthenticator() failed: %v", err)
	}
	_, err = a.Authenticate(t.Context(), srv.URL, "alice", "pw")
	if err == nil {
		t.Fatal("expected Authenticate() to fail against a mismatched fingerprint")
	}
}
