package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ProxyCookieName is the signed session cookie the proxy sets on a
// successful login, carrying the authenticated login name (§6).
const ProxyCookieName = "pixelated_user"

// sessionPayload is the JSON document the cookie's signature covers.
type sessionPayload struct {
	Login string `json:"login"`
	Exp   int64  `json:"exp"`
}

// SessionSigner signs and verifies the proxy's stateless session cookie: a
// base64url JSON payload plus an HMAC-SHA256 tag, so the proxy needs no
// server-side session store to recognize its own cookie.
type SessionSigner struct {
	key []byte
}

// NewSessionSigner builds a signer from key, the proxy-process-wide
// session secret.
func NewSessionSigner(key []byte) *SessionSigner {
	return &SessionSigner{key: key}
}

func (s *SessionSigner) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write(payload)
	return h.Sum(nil)
}

// Sign produces a cookie value encoding login, valid until ttl from now.
func (s *SessionSigner) Sign(login string, ttl time.Duration) (string, error) {
	payload, err := json.Marshal(sessionPayload{Login: login, Exp: time.Now().Add(ttl).Unix()})
	if err != nil {
		return "", fmt.Errorf("encode session payload: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	tag := base64.RawURLEncoding.EncodeToString(s.mac(payload))
	return encoded + "." + tag, nil
}

// Verify checks value's signature and expiry, returning the login name on
// success.
func (s *SessionSigner) Verify(value string) (string, error) {
	dot := -1
	for i := len(value) - 1; i >= 0; i-- {
		if value[i] == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return "", errors.New("malformed session cookie")
	}
	encodedPayload, encodedTag := value[:dot], value[dot+1:]

	payload, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return "", fmt.Errorf("decode session payload: %w", err)
	}
	tag, err := base64.RawURLEncoding.DecodeString(encodedTag)
	if err != nil {
		return "", fmt.Errorf("decode session tag: %w", err)
	}
	if !hmac.Equal(tag, s.mac(payload)) {
		return "", errors.New("session signature mismatch")
	}

	var p sessionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("decode session json: %w", err)
	}
	if time.Now().Unix() > p.Exp {
		return "", errors.New("session expired")
	}
	return p.Login, nil
}

// SetProxyCookie sets the signed session cookie on the response.
func SetProxyCookie(w http.ResponseWriter, value string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     ProxyCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(ttl),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearProxyCookie removes the session cookie (logout).
func ClearProxyCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     ProxyCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
