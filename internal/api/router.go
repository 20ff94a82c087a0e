package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)
	r.Use(s.timeoutMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Login entry point (no session yet)
		r.Post("/auth/login", s.handleLogin)

		// Credential submission (session exists but is not yet usable)
		r.Group(func(r chi.Router) {
			r.Use(s.pendingSessionMiddleware)

			r.Post("/auth/password", s.handleSubmitPassword)
			r.Post("/auth/totp", s.handleSubmitTotp)
		})

		// Protected routes (fully usable session required)
		r.Group(func(r chi.Router) {
			r.Use(s.initiatorMiddleware)

			r.Post("/auth/logout", s.handleLogout)
			r.Get("/auth/me", s.handleMe)
			r.Put("/auth/password", s.handleChangePassword)
			r.Post("/auth/verify-email", s.handleSendEmailVerification)
			r.Get("/auth/verify-email/{token}", s.handleConfirmEmailVerification)

			// User management
			r.Route("/users", func(r chi.Router) {
				r.Get("/", s.handleListUsers)
				r.Post("/", s.handleCreateUser)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetUser)
					r.Delete("/", s.handleDeleteUser)
					r.Post("/roles/{roleUID}", s.handleAssignUserRole)
					r.Delete("/roles/{roleUID}", s.handleRemoveUserRole)
				})
			})

			// Role management
			r.Route("/roles", func(r chi.Router) {
				r.Get("/", s.handleListRoles)
				r.Post("/", s.handleCreateRole)

				r.Route("/{uid}", func(r chi.Router) {
					r.Get("/", s.handleGetRole)
					r.Delete("/", s.handleDeleteRole)
					r.Put("/permissions", s.handleSetPermissions)
				})
			})

			// Group management
			r.Route("/groups", func(r chi.Router) {
				r.Post("/", s.handleCreateGroup)

				r.Route("/{id}", func(r chi.Router) {
					r.Delete("/", s.handleDeleteGroup)
					r.Post("/users/{userID}", s.handleAddGroupUser)
					r.Delete("/users/{userID}", s.handleRemoveGroupUser)
					r.Post("/roles/{roleUID}", s.handleAssignGroupRole)
					r.Delete("/roles/{roleUID}", s.handleRemoveGroupRole)
				})
			})

			// Secret rotation
			r.Route("/secrets", func(r chi.Router) {
				r.Get("/session-keys", s.handleListSessionKeys)
				r.Post("/session-keys/rotate", s.handleRotateSessionKey)
				r.Post("/peppers/rotate", s.handleRotatePepper)
			})

			// Audit trail
			r.Get("/audit", s.handleListAudit)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
