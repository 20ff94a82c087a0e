package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cairnfs/cairnfs/internal/audit"
	"github.com/cairnfs/cairnfs/internal/identity"
	"github.com/cairnfs/cairnfs/internal/session"
)

// emailTokenTTL bounds how long an email verification link stays valid.
const emailTokenTTL = 24 * time.Hour

// minPasswordLength is the minimum accepted password length.
const minPasswordLength = 8

type loginRequest struct {
	Username string `json:"username"`
}

type loginResponse struct {
	UserID        string `json:"user_id"`
	Authenticated bool   `json:"authenticated"`
	Verified      bool   `json:"verified"`
	AuthMethod    string `json:"auth_method"`
	VerifyMethod  string `json:"verify_method"`
	Expires       string `json:"expires"`
}

// handleLogin begins a login: it resolves the username, starts a session
// in its initial state, and sets the session cookie. The caller then
// advances the session through /auth/password and, when enrolled,
// /auth/totp.
//
// Username lookup intentionally reveals "user not found" so interactive
// clients can re-prompt; the credential steps themselves do not leak.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if !identity.IsValidUsername(req.Username) {
		writeBadRequest(w, "invalid username")
		return
	}

	user, err := s.users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			writeNotFound(w, "user not found")
			return
		}
		s.logger.Error("login lookup failed", "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	verify := session.VerifyNone
	if user.TOTPSecret != "" {
		verify = session.VerifyTotp
	}

	sess, encoded, err := s.sessions.Start(r.Context(), user, session.AuthPassword, verify)
	if err != nil {
		s.logger.Error("starting session failed", "user_id", user.ID, "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	s.setSessionCookie(w, encoded, sess.Expires)
	writeJSON(w, http.StatusOK, sessionState(sess))
}

type passwordRequest struct {
	Password string `json:"password"`
}

// handleSubmitPassword advances a password-pending session.
func (s *Server) handleSubmitPassword(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if ident == nil {
		writeUnauthorized(w, "invalid or expired session")
		return
	}

	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	updated, err := s.sessions.SubmitPassword(r.Context(), ident, req.Password)
	if err != nil {
		s.recordAuthMetric(audit.ActionLoginFailed, false)
		s.recordAudit(r.Context(), &audit.Event{
			Action:     audit.ActionLoginFailed,
			EntityType: audit.EntitySession,
			UserID:     ident.Session.UserID,
		})
		writeDomainError(w, err)
		return
	}

	s.recordAuthMetric(audit.ActionLogin, true)
	s.recordAudit(r.Context(), &audit.Event{
		Action:     audit.ActionLogin,
		EntityType: audit.EntitySession,
		UserID:     updated.Session.UserID,
	})
	writeJSON(w, http.StatusOK, sessionState(updated.Session))
}

type totpRequest struct {
	Code string `json:"code"`
}

// handleSubmitTotp advances an authenticated, TOTP-pending session.
func (s *Server) handleSubmitTotp(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if ident == nil {
		writeUnauthorized(w, "invalid or expired session")
		return
	}

	var req totpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	updated, err := s.sessions.SubmitTotp(r.Context(), ident, req.Code)
	if err != nil {
		s.recordAuthMetric(audit.ActionVerify, false)
		writeDomainError(w, err)
		return
	}

	s.recordAuthMetric(audit.ActionVerify, true)
	s.recordAudit(r.Context(), &audit.Event{
		Action:     audit.ActionVerify,
		EntityType: audit.EntitySession,
		UserID:     updated.Session.UserID,
	})
	writeJSON(w, http.StatusOK, sessionState(updated.Session))
}

// handleLogout ends the current session and clears the cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())

	if err := s.sessions.Logout(r.Context(), ident.Session); err != nil {
		s.logger.Error("logout failed", "user_id", ident.Session.UserID, "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	s.recordAudit(r.Context(), &audit.Event{
		Action:     audit.ActionLogout,
		EntityType: audit.EntitySession,
		UserID:     ident.Session.UserID,
	})
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

// handleMe returns the current user and their resolved abilities.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())

	abilities, err := s.resolver.Abilities(r.Context(), ident.User.ID)
	if err != nil {
		s.logger.Error("resolving abilities failed", "user_id", ident.User.ID, "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":      ident.User,
		"session":   sessionState(ident.Session),
		"abilities": abilities,
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// handleChangePassword replaces the caller's password and revokes every
// other session they hold; the current session survives.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.NewPassword) < minPasswordLength {
		writeBadRequest(w, "password must be at least 8 characters")
		return
	}

	if err := s.vault.Verify(r.Context(), ident.User.ID, req.CurrentPassword); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.vault.Set(r.Context(), ident.User.ID, req.NewPassword); err != nil {
		s.logger.Error("password update failed", "user_id", ident.User.ID, "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	revoked, err := s.sessions.RevokeOthers(r.Context(), ident.User.ID, ident.Session.Token)
	if err != nil {
		s.logger.Error("revoking sessions failed", "user_id", ident.User.ID, "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	s.recordAudit(r.Context(), &audit.Event{
		Action:     audit.ActionPasswordChange,
		EntityType: audit.EntityUser,
		EntityID:   ident.User.ID,
		UserID:     ident.User.ID,
		Details:    map[string]any{"sessions_revoked": revoked},
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "password_changed",
		"sessions_revoked": revoked,
	})
}

// handleSendEmailVerification issues a signed email verification token.
// Delivery is the caller's concern; the core only mints and validates.
func (s *Server) handleSendEmailVerification(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if ident.User.Email == "" {
		writeBadRequest(w, "no email address on account")
		return
	}

	token, err := identity.NewVerificationToken(ident.User, s.sessionKeys, emailTokenTTL)
	if err != nil {
		s.logger.Error("minting verification token failed", "user_id", ident.User.ID, "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(emailTokenTTL.Seconds()),
	})
}

// handleConfirmEmailVerification validates a verification token and marks
// the email verified.
func (s *Server) handleConfirmEmailVerification(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	token := chi.URLParam(r, "token")

	userID, err := identity.ParseVerificationToken(token, s.sessionKeys)
	if err != nil || userID != ident.User.ID {
		writeBadRequest(w, "invalid verification token")
		return
	}

	ident.User.EmailVerified = true
	if err := s.users.Update(r.Context(), ident.User); err != nil {
		s.logger.Error("marking email verified failed", "user_id", ident.User.ID, "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "email_verified"})
}

// sessionState shapes a session for API responses.
func sessionState(sess *session.Session) loginResponse {
	return loginResponse{
		UserID:        sess.UserID,
		Authenticated: sess.Authenticated,
		Verified:      sess.Verified,
		AuthMethod:    string(sess.AuthMethod),
		VerifyMethod:  string(sess.VerifyMethod),
		Expires:       sess.Expires.Format(time.RFC3339),
	}
}
