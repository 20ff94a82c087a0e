package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cairnfs/cairnfs/internal/audit"
	"github.com/cairnfs/cairnfs/internal/authz"
)

type createGroupRequest struct {
	Name string `json:"name"`
}

// handleCreateGroup creates a new empty group.
func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeUserGroup, authz.AbilityWrite); err != nil {
		writeDomainError(w, err)
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}

	group, err := s.authz.CreateGroup(r.Context(), req.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.recordAudit(r.Context(), &audit.Event{
		Action:     audit.ActionGroupChange,
		EntityType: audit.EntityGroup,
		EntityID:   group.ID,
		UserID:     ident.User.ID,
		Details:    map[string]any{"op": "create", "name": group.Name},
	})
	writeJSON(w, http.StatusCreated, group)
}

// handleDeleteGroup removes a group and invalidates its members.
func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeUserGroup, authz.AbilityWrite); err != nil {
		writeDomainError(w, err)
		return
	}

	groupID := chi.URLParam(r, "id")

	// Snapshot membership before the cascade removes it.
	members, err := s.authz.GroupMembers(r.Context(), groupID)
	if err != nil {
		s.logger.Error("listing group members failed", "group", groupID, "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	if err := s.authz.DeleteGroup(r.Context(), groupID); err != nil {
		writeDomainError(w, err)
		return
	}
	s.resolver.InvalidateAll(members)

	s.recordAudit(r.Context(), &audit.Event{
		Action:     audit.ActionGroupChange,
		EntityType: audit.EntityGroup,
		EntityID:   groupID,
		UserID:     ident.User.ID,
		Details:    map[string]any{"op": "delete"},
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// handleAddGroupUser adds a user to a group.
func (s *Server) handleAddGroupUser(w http.ResponseWriter, r *http.Request) {
	s.mutateGroupMembership(w, r, "add_user", s.authz.AddGroupUser)
}

// handleRemoveGroupUser removes a user from a group.
func (s *Server) handleRemoveGroupUser(w http.ResponseWriter, r *http.Request) {
	s.mutateGroupMembership(w, r, "remove_user", s.authz.RemoveGroupUser)
}

// mutateGroupMembership runs one membership change and invalidates the
// affected user's cached abilities.
func (s *Server) mutateGroupMembership(w http.ResponseWriter, r *http.Request, op string, mutate func(ctx context.Context, groupID, userID string) error) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeUserGroup, authz.AbilityWrite); err != nil {
		writeDomainError(w, err)
		return
	}

	groupID := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userID")

	if err := mutate(r.Context(), groupID, userID); err != nil {
		writeDomainError(w, err)
		return
	}
	s.resolver.Invalidate(userID)

	s.recordAudit(r.Context(), &audit.Event{
		Action:     audit.ActionGroupChange,
		EntityType: audit.EntityGroup,
		EntityID:   groupID,
		UserID:     ident.User.ID,
		Details:    map[string]any{"op": op, "member": userID},
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

// handleAssignGroupRole grants a role to a group and invalidates every
// member.
func (s *Server) handleAssignGroupRole(w http.ResponseWriter, r *http.Request) {
	s.mutateGroupRole(w, r, "assign_role", s.authz.AssignGroupRole)
}

// handleRemoveGroupRole revokes a group's role grant.
func (s *Server) handleRemoveGroupRole(w http.ResponseWriter, r *http.Request) {
	s.mutateGroupRole(w, r, "remove_role", s.authz.RemoveGroupRole)
}

// mutateGroupRole runs one group role change and invalidates the group's
// current members.
func (s *Server) mutateGroupRole(w http.ResponseWriter, r *http.Request, op string, mutate func(ctx context.Context, groupID, roleUID string) error) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeUserGroup, authz.AbilityWrite); err != nil {
		writeDomainError(w, err)
		return
	}

	groupID := chi.URLParam(r, "id")
	roleUID := chi.URLParam(r, "roleUID")

	if err := mutate(r.Context(), groupID, roleUID); err != nil {
		writeDomainError(w, err)
		return
	}

	members, err := s.authz.GroupMembers(r.Context(), groupID)
	if err != nil {
		s.logger.Error("listing group members failed", "group", groupID, "error", err)
		writeInternalError(w, "internal server error")
		return
	}
	s.resolver.InvalidateAll(members)

	s.recordAudit(r.Context(), &audit.Event{
		Action:     audit.ActionGroupChange,
		EntityType: audit.EntityGroup,
		EntityID:   groupID,
		UserID:     ident.User.ID,
		Details:    map[string]any{"op": op, "role": roleUID},
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}
