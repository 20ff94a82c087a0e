package authz

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cairnfs/cairnfs/internal/infrastructure/logging"
)

// Resolver answers authorisation questions against a per-user LRU cache
// of resolved ability sets.
//
// The cache is a pure snapshot of the RBAC join and can be stale until
// Invalidate is called; every mutation path that changes what a user can
// do must invalidate the affected users after committing.
type Resolver struct {
	repo   Repository
	cache  *lru.Cache[string, Abilities]
	logger *logging.Logger
}

// NewResolver creates an ability resolver with a cache of size entries.
func NewResolver(repo Repository, size int, logger *logging.Logger) (*Resolver, error) {
	cache, err := lru.New[string, Abilities](size)
	if err != nil {
		return nil, fmt.Errorf("creating authz cache: %w", err)
	}
	return &Resolver{repo: repo, cache: cache, logger: logger}, nil
}

// Abilities returns a user's resolved permission set, computing and
// caching it on a miss.
func (r *Resolver) Abilities(ctx context.Context, userID string) (Abilities, error) {
	if abilities, ok := r.cache.Get(userID); ok {
		return abilities, nil
	}

	abilities, err := r.repo.ResolveAbilities(ctx, userID)
	if err != nil {
		return nil, err
	}
	r.cache.Add(userID, abilities)
	return abilities, nil
}

// Require returns nil when userID holds ability within scope, and
// ErrPermissionDenied otherwise. The decision always becomes an error or
// a pass at the call site, never a logged-and-ignored boolean.
func (r *Resolver) Require(ctx context.Context, userID string, scope Scope, ability Ability) error {
	abilities, err := r.Abilities(ctx, userID)
	if err != nil {
		return err
	}
	if !abilities.Has(scope, ability) {
		r.logger.Warn("permission denied",
			"user_id", userID, "scope", string(scope), "ability", string(ability))
		return ErrPermissionDenied
	}
	return nil
}

// Invalidate drops one user's cached abilities. The next question about
// them recomputes from the database.
func (r *Resolver) Invalidate(userID string) {
	r.cache.Remove(userID)
}

// InvalidateAll drops several users at once, the shape group-level
// mutations need.
func (r *Resolver) InvalidateAll(userIDs []string) {
	for _, id := range userIDs {
		r.cache.Remove(id)
	}
}

// Reset empties the cache entirely. Used when a role's permissions change
// and walking every assignment is not worth the bookkeeping.
func (r *Resolver) Reset() {
	r.cache.Purge()
}
