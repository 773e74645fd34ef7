package proxy

import (
	"net/http"
	"net/url"

	"github.com/pixelated/dispatcher/internal/auth"
)

type loginPageData struct {
	Banner    string
	Error     string
	CSRFToken string
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	token, err := auth.GenerateCSRFToken()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	auth.SetCSRFCookie(w, token, s.deps.CookieSecure)

	data := loginPageData{
		Banner:    s.deps.Banner,
		Error:     r.URL.Query().Get("error"),
		CSRFToken: token,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, "login.html", data); err != nil {
		s.deps.Log.Error("render login page failed", "error", err)
	}
}

// handleLoginSubmit authenticates against the identity provider via SRP and,
// on success, sets the signed pixelated_user cookie and redirects to "/".
func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if !auth.ValidateCSRF(r) {
		http.Redirect(w, r, "/auth/login?error="+url.QueryEscape("invalid request"), http.StatusSeeOther)
		return
	}

	ip := clientIP(r)
	if !s.deps.RateLimiter.Allow(ip) {
		http.Redirect(w, r, "/auth/login?error="+url.QueryEscape("too many attempts, try again later"), http.StatusSeeOther)
		return
	}

	username := r.FormValue("username")
	password := r.FormValue("password")

	_, err := s.deps.Authenticator.Authenticate(r.Context(), s.deps.IdentityURL, username, password)
	if err != nil {
		s.deps.RateLimiter.RecordFailure(ip)
		s.deps.Log.Warn("login failed", "user", username, "error", err)
		http.Redirect(w, r, "/auth/login?error="+url.QueryEscape("Invalid credentials"), http.StatusSeeOther)
		return
	}
	s.deps.RateLimiter.Reset(ip)

	cookie, err := s.deps.Session.Sign(username, SessionTTL)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	auth.SetProxyCookie(w, cookie, SessionTTL, s.deps.CookieSecure)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	auth.ClearProxyCookie(w, s.deps.CookieSecure)
	http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
}

// authenticatedUser returns the login name from a valid session cookie, or
// "" if absent/invalid.
func (s *Server) authenticatedUser(r *http.Request) string {
	cookie, err := r.Cookie(auth.ProxyCookieName)
	if err != nil {
		return ""
	}
	login, err := s.deps.Session.Verify(cookie.Value)
	if err != nil {
		return ""
	}
	return login
}
