package srp

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/pixelated/dispatcher/internal/apperr"
	"github.com/pixelated/dispatcher/internal/httputil"
)

// DefaultTimeout is the hard per-request timeout from the component design.
const DefaultTimeout = 15 * time.Second

// TLSConfig is the TLS-pinning record the authenticator accepts: a CA
// bundle for standard verification, a hostname-check override, and a
// fingerprint that takes precedence over both when set.
type TLSConfig struct {
	CABundlePath      string
	VerifyHostname    bool
	AssertFingerprint string
}

func (c TLSConfig) pinning() httputil.TLSPinning {
	return httputil.TLSPinning{
		CABundlePath:      c.CABundlePath,
		VerifyHostname:    c.VerifyHostname,
		AssertFingerprint: c.AssertFingerprint,
	}
}

// Session is the result of a successful two-round SRP exchange.
type Session struct {
	UserName  string
	APIServer string
	SessionID string
	Token     string
}

// Authenticator drives the SRP-6a round trip against a leap identity
// provider over HTTPS.
type Authenticator struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewAuthenticator builds an Authenticator honoring tlsCfg. serverName is
// used for the TLS ServerName / SNI and, when tlsCfg.VerifyHostname is true
// and no fingerprint is pinned, for hostname verification.
func NewAuthenticator(serverName string, tlsCfg TLSConfig) (*Authenticator, error) {
	tlsConf, err := tlsCfg.pinning().Config(serverName)
	if err != nil {
		return nil, fmt.Errorf("build tls config: %w", err)
	}
	transport := &http.Transport{TLSClientConfig: tlsConf}
	return &Authenticator{
		httpClient: &http.Client{Transport: transport},
		timeout:    DefaultTimeout,
	}, nil
}

type round1Request struct {
	Login string `json:"login"`
	A     string `json:"A"`
}

type round1Response struct {
	Salt string `json:"salt"`
	B    string `json:"B"`
}

type round2Request struct {
	ClientAuth string `json:"client_auth"`
}

type round2Response struct {
	M2    string `json:"M2"`
	ID    string `json:"id"`
	Token string `json:"token"`
}

// Authenticate runs the full two-round SRP-6a exchange against apiServer
// (e.g. "https://identity.example.com") for login/password, returning a
// Session on success or apperr.AuthFailed on any protocol, network, or
// evidence-mismatch failure.
func (a *Authenticator) Authenticate(ctx context.Context, apiServer, login, password string) (*Session, error) {
	g := defaultGroup

	clientSecret, err := g.randomExponent()
	if err != nil {
		return nil, apperr.WrapMsg(apperr.AuthFailed, "generate client secret", err)
	}
	A := g.clientPublic(clientSecret)

	var resp1 round1Response
	if err := a.post(ctx, apiServer+"/1/sessions", round1Request{
		Login: login,
		A:     toHex(A, g.width()),
	}, &resp1, http.StatusOK); err != nil {
		return nil, asAuthFailed(err)
	}

	salt, err := fromHexBytes(resp1.Salt)
	if err != nil {
		return nil, apperr.WrapMsg(apperr.AuthFailed, "decode salt", err)
	}
	B, err := fromHex(resp1.B)
	if err != nil {
		return nil, apperr.WrapMsg(apperr.AuthFailed, "decode B", err)
	}
	if new(big.Int).Mod(B, g.N).Sign() == 0 {
		return nil, apperr.New(apperr.AuthFailed, "server sent B congruent to 0 mod N")
	}

	x := g.privateKey(salt, login, password)
	v := g.verifier(x)
	u := g.scramblingParam(A, B)
	S := g.premasterSecret(B, g.k(), v, clientSecret, u, x)
	K := sessionKey(S)
	M1 := g.clientEvidence(login, salt, A, B, K)

	var resp2 round2Response
	if err := a.post(ctx, fmt.Sprintf("%s/1/sessions/%s", apiServer, login), round2Request{
		ClientAuth: toHex(M1, 32),
	}, &resp2, http.StatusOK); err != nil {
		return nil, asAuthFailed(err)
	}

	wantM2 := g.serverEvidence(A, M1, K)
	gotM2, err := fromHex(resp2.M2)
	if err != nil {
		return nil, apperr.WrapMsg(apperr.AuthFailed, "decode M2", err)
	}
	if subtle.ConstantTimeCompare(wantM2.Bytes(), gotM2.Bytes()) != 1 {
		return nil, apperr.New(apperr.AuthFailed, "server evidence M2 mismatch")
	}

	return &Session{
		UserName:  login,
		APIServer: apiServer,
		SessionID: resp2.ID,
		Token:     resp2.Token,
	}, nil
}

type registerRequest struct {
	Login            string `json:"login"`
	PasswordVerifier string `json:"password_verifier"`
	PasswordSalt     string `json:"password_salt"`
}

// Register creates a new account at the identity provider with a freshly
// generated salt and verifier, returning apperr.Exists if the login is
// already taken.
func (a *Authenticator) Register(ctx context.Context, apiServer, login, password string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	g := defaultGroup

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return apperr.WrapMsg(apperr.AuthFailed, "generate salt", err)
	}
	x := g.privateKey(salt, login, password)
	v := g.verifier(x)

	req, err := a.newRequest(ctx, http.MethodPost, apiServer+"/1/users", registerRequest{
		Login:            login,
		PasswordVerifier: toHex(v, g.width()),
		PasswordSalt:     toHex(new(big.Int).SetBytes(salt), len(salt)),
	})
	if err != nil {
		return apperr.WrapMsg(apperr.AuthFailed, "build registration request", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return apperr.WrapMsg(apperr.AuthFailed, "registration request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return nil
	case http.StatusUnprocessableEntity:
		return apperr.Newf(apperr.Exists, "login %q already registered", login)
	default:
		return apperr.Newf(apperr.AuthFailed, "registration failed with status %d", resp.StatusCode)
	}
}

func (a *Authenticator) newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (a *Authenticator) post(ctx context.Context, url string, body, out any, wantStatus int) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := a.newRequest(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("request timed out: %w", err)
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// asAuthFailed wraps a round-trip failure (bad status, timeout, transport
// error, decode error) as AuthFailed -- per the component design, every
// failure mode of the SRP exchange itself surfaces uniformly.
func asAuthFailed(err error) error {
	if err == nil {
		return nil
	}
	return apperr.WrapMsg(apperr.AuthFailed, "srp exchange failed", err)
}

func fromHexBytes(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
