// Package authz implements role-based access control.
//
// Permissions are (scope, ability) pairs attached to roles. Users reach
// roles two ways: a direct user_roles assignment, or membership in a group
// that carries the role through group_roles. Both paths are collapsed by a
// single join, either existence-checked for one question (HasAbility) or
// aggregated into a full per-user map (ResolveAbilities).
//
// The Resolver caches resolved maps per user. Staleness is handled by
// explicit invalidation, not TTLs: every mutation that changes reachable
// permissions invalidates the users it affects once the database write has
// committed.
package authz
