package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/cairnfs/cairnfs/internal/authz"
	"github.com/cairnfs/cairnfs/internal/infrastructure/logging"
	"github.com/cairnfs/cairnfs/internal/password"
)

// seedPasswordBytes is the number of random bytes behind the generated
// owner password.
const seedPasswordBytes = 16

// Seed account and role names.
const (
	SeedUsername = "owner"
	seedRoleName = "owner"
)

// SeedOwner creates the initial owner account on first boot if no users
// exist: an "owner" user with a random password set through the vault,
// holding an "owner" role granted read and write on every scope. Without
// it a fresh deployment has no account that can log in and no session
// that could create one.
//
// The generated password is logged once and must be changed immediately.
// Returns the generated password, or empty when seeding was skipped.
func SeedOwner(ctx context.Context, users Repository, vault *password.Vault, roles authz.Repository, logger *logging.Logger) (string, error) {
	count, err := users.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("checking user count: %w", err)
	}
	if count > 0 {
		logger.Info("users exist, skipping owner seed")
		return "", nil
	}

	raw := make([]byte, seedPasswordBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating seed password: %w", err)
	}
	generated := hex.EncodeToString(raw)

	owner := &User{Username: SeedUsername}
	if err := users.Create(ctx, owner); err != nil {
		return "", fmt.Errorf("creating seed owner: %w", err)
	}
	if err := vault.Set(ctx, owner.ID, generated); err != nil {
		return "", fmt.Errorf("setting seed password: %w", err)
	}

	role, err := roles.CreateRole(ctx, seedRoleName)
	if err != nil {
		return "", fmt.Errorf("creating owner role: %w", err)
	}
	if err := roles.SetPermissions(ctx, role.UID, allScopePermissions()); err != nil {
		return "", fmt.Errorf("granting owner permissions: %w", err)
	}
	if err := roles.AssignUserRole(ctx, owner.ID, role.UID); err != nil {
		return "", fmt.Errorf("assigning owner role: %w", err)
	}

	logger.Warn("seed owner account created",
		"username", SeedUsername,
		"password", generated,
		"action_required", "change this password immediately",
	)
	return generated, nil
}

// allScopePermissions grants read and write on every scope.
func allScopePermissions() []authz.Permission {
	scopes := []authz.Scope{
		authz.ScopeSecSecrets,
		authz.ScopeSecRoles,
		authz.ScopeUser,
		authz.ScopeUserGroup,
		authz.ScopeFs,
		authz.ScopeStorage,
	}
	perms := make([]authz.Permission, 0, len(scopes)*2)
	for _, scope := range scopes {
		perms = append(perms,
			authz.Permission{Scope: scope, Ability: authz.AbilityRead},
			authz.Permission{Scope: scope, Ability: authz.AbilityWrite},
		)
	}
	return perms
}
