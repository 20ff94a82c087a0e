package api

import (
	"net/http"
	"strconv"

	"github.com/cairnfs/cairnfs/internal/audit"
	"github.com/cairnfs/cairnfs/internal/authz"
)

// handleListAudit returns audit events matching query filters.
//
// Query parameters: action, entity_type, entity_id, user_id, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeSecSecrets, authz.AbilityRead); err != nil {
		writeDomainError(w, err)
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		UserID:     q.Get("user_id"),
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v) //nolint:errcheck // zero falls back to default
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v) //nolint:errcheck // zero falls back to default
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit events failed", "error", err)
		writeInternalError(w, "failed to list audit events")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
