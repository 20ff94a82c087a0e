package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cairnfs/cairnfs/internal/audit"
	"github.com/cairnfs/cairnfs/internal/authz"
)

type createRoleRequest struct {
	Name string `json:"name"`
}

type setPermissionsRequest struct {
	Permissions []permissionEntry `json:"permissions"`
}

type permissionEntry struct {
	Scope   string `json:"scope"`
	Ability string `json:"ability"`
}

// handleListRoles returns all roles.
func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeSecRoles, authz.AbilityRead); err != nil {
		writeDomainError(w, err)
		return
	}

	roles, err := s.authz.ListRoles(r.Context())
	if err != nil {
		s.logger.Error("list roles failed", "error", err)
		writeInternalError(w, "failed to list roles")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"roles": roles,
		"count": len(roles),
	})
}

// handleCreateRole creates a new empty role.
func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeSecRoles, authz.AbilityWrite); err != nil {
		writeDomainError(w, err)
		return
	}

	var req createRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}

	role, err := s.authz.CreateRole(r.Context(), req.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.recordAudit(r.Context(), &audit.Event{
		Action:     audit.ActionRoleChange,
		EntityType: audit.EntityRole,
		EntityID:   role.UID,
		UserID:     ident.User.ID,
		Details:    map[string]any{"op": "create", "name": role.Name},
	})
	writeJSON(w, http.StatusCreated, role)
}

// handleGetRole returns one role with its permissions.
func (s *Server) handleGetRole(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeSecRoles, authz.AbilityRead); err != nil {
		writeDomainError(w, err)
		return
	}

	uid := chi.URLParam(r, "uid")
	role, err := s.authz.GetRole(r.Context(), uid)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	perms, err := s.authz.GetPermissions(r.Context(), uid)
	if err != nil {
		s.logger.Error("loading permissions failed", "role", uid, "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"role":        role,
		"permissions": perms,
	})
}

// handleDeleteRole removes a role. Every user could have reached it, so
// the whole resolver cache resets.
func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeSecRoles, authz.AbilityWrite); err != nil {
		writeDomainError(w, err)
		return
	}

	uid := chi.URLParam(r, "uid")
	if err := s.authz.DeleteRole(r.Context(), uid); err != nil {
		writeDomainError(w, err)
		return
	}
	s.resolver.Reset()

	s.recordAudit(r.Context(), &audit.Event{
		Action:     audit.ActionRoleChange,
		EntityType: audit.EntityRole,
		EntityID:   uid,
		UserID:     ident.User.ID,
		Details:    map[string]any{"op": "delete"},
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// handleSetPermissions replaces a role's permission set.
func (s *Server) handleSetPermissions(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeSecRoles, authz.AbilityWrite); err != nil {
		writeDomainError(w, err)
		return
	}

	var req setPermissionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	uid := chi.URLParam(r, "uid")
	perms := make([]authz.Permission, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		perms = append(perms, authz.Permission{
			Scope:   authz.Scope(p.Scope),
			Ability: authz.Ability(p.Ability),
		})
	}

	if err := s.authz.SetPermissions(r.Context(), uid, perms); err != nil {
		writeDomainError(w, err)
		return
	}
	s.resolver.Reset()

	s.recordAudit(r.Context(), &audit.Event{
		Action:     audit.ActionRoleChange,
		EntityType: audit.EntityRole,
		EntityID:   uid,
		UserID:     ident.User.ID,
		Details:    map[string]any{"op": "set_permissions", "count": len(perms)},
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}
