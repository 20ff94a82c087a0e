package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cairnfs/cairnfs/internal/audit"
	"github.com/cairnfs/cairnfs/internal/authz"
	"github.com/cairnfs/cairnfs/internal/identity"
)

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

// handleListUsers returns all user accounts.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeUser, authz.AbilityRead); err != nil {
		writeDomainError(w, err)
		return
	}

	users, err := s.users.List(r.Context())
	if err != nil {
		s.logger.Error("list users failed", "error", err)
		writeInternalError(w, "failed to list users")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

// handleCreateUser creates a new user account with an initial password.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeUser, authz.AbilityWrite); err != nil {
		writeDomainError(w, err)
		return
	}

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if !identity.IsValidUsername(req.Username) {
		writeBadRequest(w, "invalid username")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeBadRequest(w, "password must be at least 8 characters")
		return
	}

	user := &identity.User{
		Username: req.Username,
		Email:    req.Email,
	}
	if err := s.users.Create(r.Context(), user); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.vault.Set(r.Context(), user.ID, req.Password); err != nil {
		s.logger.Error("setting initial password failed", "user_id", user.ID, "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	s.recordAudit(r.Context(), &audit.Event{
		Action:     "create",
		EntityType: audit.EntityUser,
		EntityID:   user.ID,
		UserID:     ident.User.ID,
	})
	writeJSON(w, http.StatusCreated, user)
}

// handleGetUser returns one user account.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeUser, authz.AbilityRead); err != nil {
		writeDomainError(w, err)
		return
	}

	user, err := s.users.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleDeleteUser removes a user account, their sessions, and caches.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeUser, authz.AbilityWrite); err != nil {
		writeDomainError(w, err)
		return
	}

	userID := chi.URLParam(r, "id")
	if userID == ident.User.ID {
		writeBadRequest(w, "cannot delete the account you are logged in as")
		return
	}

	// Revoke sessions before the row delete so the cache never outlives
	// the user. Role assignments cascade with the row.
	if _, err := s.sessions.RevokeAll(r.Context(), userID); err != nil {
		s.logger.Error("revoking sessions failed", "user_id", userID, "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	if err := s.users.Delete(r.Context(), userID); err != nil {
		writeDomainError(w, err)
		return
	}
	s.resolver.Invalidate(userID)

	s.recordAudit(r.Context(), &audit.Event{
		Action:     "delete",
		EntityType: audit.EntityUser,
		EntityID:   userID,
		UserID:     ident.User.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// handleAssignUserRole grants a role directly to a user.
func (s *Server) handleAssignUserRole(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeSecRoles, authz.AbilityWrite); err != nil {
		writeDomainError(w, err)
		return
	}

	userID := chi.URLParam(r, "id")
	roleUID := chi.URLParam(r, "roleUID")

	if err := s.authz.AssignUserRole(r.Context(), userID, roleUID); err != nil {
		writeDomainError(w, err)
		return
	}
	s.resolver.Invalidate(userID)

	s.recordAudit(r.Context(), &audit.Event{
		Action:     audit.ActionRoleChange,
		EntityType: audit.EntityUser,
		EntityID:   userID,
		UserID:     ident.User.ID,
		Details:    map[string]any{"role": roleUID, "op": "assign"},
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "assigned"})
}

// handleRemoveUserRole revokes a direct role grant.
func (s *Server) handleRemoveUserRole(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeSecRoles, authz.AbilityWrite); err != nil {
		writeDomainError(w, err)
		return
	}

	userID := chi.URLParam(r, "id")
	roleUID := chi.URLParam(r, "roleUID")

	if err := s.authz.RemoveUserRole(r.Context(), userID, roleUID); err != nil {
		writeDomainError(w, err)
		return
	}
	s.resolver.Invalidate(userID)

	s.recordAudit(r.Context(), &audit.Event{
		Action:     audit.ActionRoleChange,
		EntityType: audit.EntityUser,
		EntityID:   userID,
		UserID:     ident.User.ID,
		Details:    map[string]any{"role": roleUID, "op": "remove"},
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed"})
}
