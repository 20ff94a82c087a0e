package api

import (
	"net/http"
	"time"
)

// sessionCookieName is the cookie carrying the encoded session token.
const sessionCookieName = "session_id"

// setSessionCookie writes the session cookie with the encoded token,
// expiring alongside the session itself.
func (s *Server) setSessionCookie(w http.ResponseWriter, encoded string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    encoded,
		Path:     "/",
		Domain:   s.cookieCfg.Domain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.cookieCfg.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// clearSessionCookie expires the session cookie immediately.
func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.cookieCfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieCfg.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}
