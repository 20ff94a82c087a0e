package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cairnfs/cairnfs/internal/audit"
	"github.com/cairnfs/cairnfs/internal/authz"
	"github.com/cairnfs/cairnfs/internal/secrets"
)

// keyVersionInfo is the public shape of one key version. Key material
// never leaves the process.
type keyVersionInfo struct {
	Version uint64    `json:"version"`
	Created time.Time `json:"created"`
}

// handleListSessionKeys returns the session key versions in ascending
// order.
func (s *Server) handleListSessionKeys(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeSecSecrets, authz.AbilityRead); err != nil {
		writeDomainError(w, err)
		return
	}

	all := s.sessionKeys.All()
	versions := make([]keyVersionInfo, 0, len(all))
	for _, v := range all {
		versions = append(versions, keyVersionInfo{Version: v.Version, Created: v.Key.Created})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"count":    len(versions),
	})
}

type rotateSessionKeyRequest struct {
	// RetireVersion, when set, deletes that version after the new key is
	// in place. Tokens signed under it stop validating.
	RetireVersion *uint64 `json:"retire_version,omitempty"`
}

// handleRotateSessionKey creates a new newest session key. Existing
// tokens stay valid because decoding tries every stored key.
func (s *Server) handleRotateSessionKey(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeSecSecrets, authz.AbilityWrite); err != nil {
		writeDomainError(w, err)
		return
	}

	var req rotateSessionKeyRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	version, key, err := s.sessionKeys.Create(secrets.SessionKeySize)
	if err != nil {
		s.logger.Error("creating session key failed", "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	if req.RetireVersion != nil {
		if err := s.sessionKeys.Delete(*req.RetireVersion); err != nil {
			if errors.Is(err, secrets.ErrSecretNotFound) {
				writeNotFound(w, "key version not found")
				return
			}
			s.logger.Error("retiring session key failed", "version", *req.RetireVersion, "error", err)
			writeInternalError(w, "internal server error")
			return
		}
	}

	s.recordAudit(r.Context(), &audit.Event{
		Action:     audit.ActionKeyRotate,
		EntityType: audit.EntitySecret,
		UserID:     ident.User.ID,
		Details:    map[string]any{"new_version": version},
	})
	writeJSON(w, http.StatusCreated, keyVersionInfo{Version: version, Created: key.Created})
}

type rotatePepperRequest struct {
	// RetireVersion is the pepper to rotate out. Zero means "create a new
	// pepper only", used for first-time enablement.
	RetireVersion uint64 `json:"retire_version,omitempty"`
}

// handleRotatePepper creates a new newest pepper and, when asked,
// retires an old version: every password row under it is re-encrypted
// first, and only then is the version deleted from the store. Deleting
// before migrating would strand those rows.
func (s *Server) handleRotatePepper(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if err := s.resolver.Require(r.Context(), ident.User.ID, authz.ScopeSecSecrets, authz.AbilityWrite); err != nil {
		writeDomainError(w, err)
		return
	}

	var req rotatePepperRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	version, _, err := s.peppers.Create(secrets.PepperKeySize)
	if err != nil {
		s.logger.Error("creating pepper failed", "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	migrated := 0
	if req.RetireVersion != 0 {
		migrated, err = s.vault.RotateOut(r.Context(), req.RetireVersion)
		if err != nil {
			s.logger.Error("pepper rotation failed",
				"retire_version", req.RetireVersion, "migrated", migrated, "error", err)
			writeInternalError(w, "internal server error")
			return
		}
		if err := s.peppers.Delete(req.RetireVersion); err != nil {
			s.logger.Error("deleting retired pepper failed", "version", req.RetireVersion, "error", err)
			writeInternalError(w, "internal server error")
			return
		}
	}

	s.recordAudit(r.Context(), &audit.Event{
		Action:     audit.ActionPepperRotate,
		EntityType: audit.EntitySecret,
		UserID:     ident.User.ID,
		Details: map[string]any{
			"new_version":     version,
			"retired_version": req.RetireVersion,
			"rows_migrated":   migrated,
		},
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"new_version":   version,
		"rows_migrated": migrated,
	})
}
