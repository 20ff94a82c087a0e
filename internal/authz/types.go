package authz

import (
	"errors"
	"time"
)

// Scope is a resource category a permission applies to.
type Scope string

// Permission scopes.
const (
	ScopeSecSecrets Scope = "sec_secrets"
	ScopeSecRoles   Scope = "sec_roles"
	ScopeUser       Scope = "user"
	ScopeUserGroup  Scope = "user_group"
	ScopeFs         Scope = "fs"
	ScopeStorage    Scope = "storage"
)

// Ability is an operation class within a scope.
type Ability string

// Permission abilities.
const (
	AbilityRead  Ability = "read"
	AbilityWrite Ability = "write"
)

// validScopes and validAbilities close the enumerations for input checking.
var (
	validScopes = map[Scope]bool{
		ScopeSecSecrets: true,
		ScopeSecRoles:   true,
		ScopeUser:       true,
		ScopeUserGroup:  true,
		ScopeFs:         true,
		ScopeStorage:    true,
	}
	validAbilities = map[Ability]bool{
		AbilityRead:  true,
		AbilityWrite: true,
	}
)

// ValidScope reports whether s is a known scope.
func ValidScope(s Scope) bool { return validScopes[s] }

// ValidAbility reports whether a is a known ability.
func ValidAbility(a Ability) bool { return validAbilities[a] }

// Role is a named bundle of permissions. ID is the internal key, UID the
// stable external identifier used by clients.
type Role struct {
	ID        string    `json:"id"`
	UID       string    `json:"uid"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Permission grants one (scope, ability) pair to a role.
type Permission struct {
	Role    string  `json:"role"`
	Scope   Scope   `json:"scope"`
	Ability Ability `json:"ability"`
}

// Group is a named collection of users that can carry roles.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Abilities is one user's resolved permission set, keyed by scope. Ability
// slices are sorted so two resolutions of the same state compare equal.
type Abilities map[Scope][]Ability

// Has reports whether the set grants ability within scope.
func (a Abilities) Has(scope Scope, ability Ability) bool {
	for _, got := range a[scope] {
		if got == ability {
			return true
		}
	}
	return false
}

// Sentinel errors for authorisation operations.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrRoleNotFound     = errors.New("role not found")
	ErrGroupNotFound    = errors.New("group not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidScope     = errors.New("unknown scope")
	ErrInvalidAbility   = errors.New("unknown ability")
	ErrNoWork           = errors.New("nothing to change")
)
