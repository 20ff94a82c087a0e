package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// Repository is the persistence contract for the authorisation tables:
// roles, permissions, groups, and their assignments. Mutations here do not
// touch the resolver cache; callers invalidate the affected users after a
// successful change.
type Repository interface {
	CreateRole(ctx context.Context, name string) (*Role, error)
	GetRole(ctx context.Context, uid string) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	DeleteRole(ctx context.Context, uid string) error
	SetPermissions(ctx context.Context, roleUID string, perms []Permission) error
	GetPermissions(ctx context.Context, roleUID string) ([]Permission, error)

	AssignUserRole(ctx context.Context, userID, roleUID string) error
	RemoveUserRole(ctx context.Context, userID, roleUID string) error

	CreateGroup(ctx context.Context, name string) (*Group, error)
	DeleteGroup(ctx context.Context, groupID string) error
	AddGroupUser(ctx context.Context, groupID, userID string) error
	RemoveGroupUser(ctx context.Context, groupID, userID string) error
	AssignGroupRole(ctx context.Context, groupID, roleUID string) error
	RemoveGroupRole(ctx context.Context, groupID, roleUID string) error
	GroupMembers(ctx context.Context, groupID string) ([]string, error)

	HasAbility(ctx context.Context, userID string, scope Scope, ability Ability) (bool, error)
	ResolveAbilities(ctx context.Context, userID string) (Abilities, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite-backed authorisation repository.
func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// CreateRole inserts a new empty role.
func (r *SQLiteRepository) CreateRole(ctx context.Context, name string) (*Role, error) {
	role := &Role{
		ID:        "rol-" + uuid.NewString()[:8],
		UID:       uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO authz_roles (id, uid, name, created_at) VALUES (?, ?, ?, ?)",
		role.ID, role.UID, role.Name, role.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("creating role: %w", err)
	}
	return role, nil
}

// GetRole retrieves a role by its external UID.
func (r *SQLiteRepository) GetRole(ctx context.Context, uid string) (*Role, error) {
	var role Role
	var createdAt string
	err := r.db.QueryRowContext(ctx,
		"SELECT id, uid, name, created_at FROM authz_roles WHERE uid = ?", uid,
	).Scan(&role.ID, &role.UID, &role.Name, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoleNotFound
		}
		return nil, fmt.Errorf("loading role: %w", err)
	}
	role.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	return &role, nil
}

// ListRoles returns all roles ordered by name.
func (r *SQLiteRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, uid, name, created_at FROM authz_roles ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	defer rows.Close()

	roles := []Role{}
	for rows.Next() {
		var role Role
		var createdAt string
		if err := rows.Scan(&role.ID, &role.UID, &role.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}
		role.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating roles: %w", err)
	}
	return roles, nil
}

// DeleteRole removes a role; its permissions and assignments cascade.
func (r *SQLiteRepository) DeleteRole(ctx context.Context, uid string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM authz_roles WHERE uid = ?", uid)
	if err != nil {
		return fmt.Errorf("deleting role: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrRoleNotFound
	}
	return nil
}

// SetPermissions replaces a role's permission set in one transaction.
// Returns ErrNoWork when the new set matches the stored set, so callers
// can skip cache invalidation for no-op updates.
func (r *SQLiteRepository) SetPermissions(ctx context.Context, roleUID string, perms []Permission) error {
	for _, p := range perms {
		if !ValidScope(p.Scope) {
			return ErrInvalidScope
		}
		if !ValidAbility(p.Ability) {
			return ErrInvalidAbility
		}
	}

	role, err := r.GetRole(ctx, roleUID)
	if err != nil {
		return err
	}

	current, err := r.GetPermissions(ctx, roleUID)
	if err != nil {
		return err
	}
	if permsEqual(current, perms) {
		return ErrNoWork
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning permission update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM authz_permissions WHERE role = ?", role.ID); err != nil {
		return fmt.Errorf("clearing permissions: %w", err)
	}
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO authz_permissions (role, scope, ability) VALUES (?, ?, ?)",
			role.ID, string(p.Scope), string(p.Ability)); err != nil {
			return fmt.Errorf("inserting permission: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing permission update: %w", err)
	}
	return nil
}

// GetPermissions returns a role's permissions sorted by scope then ability.
func (r *SQLiteRepository) GetPermissions(ctx context.Context, roleUID string) ([]Permission, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.role, p.scope, p.ability
		 FROM authz_permissions p
		 JOIN authz_roles r ON r.id = p.role
		 WHERE r.uid = ?
		 ORDER BY p.scope ASC, p.ability ASC`, roleUID)
	if err != nil {
		return nil, fmt.Errorf("loading permissions: %w", err)
	}
	defer rows.Close()

	perms := []Permission{}
	for rows.Next() {
		var p Permission
		var scope, ability string
		if err := rows.Scan(&p.Role, &scope, &ability); err != nil {
			return nil, fmt.Errorf("scanning permission: %w", err)
		}
		p.Scope, p.Ability = Scope(scope), Ability(ability)
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating permissions: %w", err)
	}
	return perms, nil
}

// AssignUserRole grants a role directly to a user.
func (r *SQLiteRepository) AssignUserRole(ctx context.Context, userID, roleUID string) error {
	role, err := r.GetRole(ctx, roleUID)
	if err != nil {
		return err
	}
	return r.insertAssignment(ctx,
		"INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)", userID, role.ID)
}

// RemoveUserRole revokes a direct role grant.
func (r *SQLiteRepository) RemoveUserRole(ctx context.Context, userID, roleUID string) error {
	role, err := r.GetRole(ctx, roleUID)
	if err != nil {
		return err
	}
	return r.deleteAssignment(ctx,
		"DELETE FROM user_roles WHERE user_id = ? AND role_id = ?", userID, role.ID)
}

// CreateGroup inserts a new empty group.
func (r *SQLiteRepository) CreateGroup(ctx context.Context, name string) (*Group, error) {
	group := &Group{
		ID:        "grp-" + uuid.NewString()[:8],
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO groups (id, name, created_at) VALUES (?, ?, ?)",
		group.ID, group.Name, group.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("creating group: %w", err)
	}
	return group, nil
}

// DeleteGroup removes a group; memberships and role grants cascade.
func (r *SQLiteRepository) DeleteGroup(ctx context.Context, groupID string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM groups WHERE id = ?", groupID)
	if err != nil {
		return fmt.Errorf("deleting group: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrGroupNotFound
	}
	return nil
}

// AddGroupUser adds a user to a group.
func (r *SQLiteRepository) AddGroupUser(ctx context.Context, groupID, userID string) error {
	return r.insertAssignment(ctx,
		"INSERT INTO group_users (group_id, user_id) VALUES (?, ?)", groupID, userID)
}

// RemoveGroupUser removes a user from a group.
func (r *SQLiteRepository) RemoveGroupUser(ctx context.Context, groupID, userID string) error {
	return r.deleteAssignment(ctx,
		"DELETE FROM group_users WHERE group_id = ? AND user_id = ?", groupID, userID)
}

// AssignGroupRole grants a role to every member of a group.
func (r *SQLiteRepository) AssignGroupRole(ctx context.Context, groupID, roleUID string) error {
	role, err := r.GetRole(ctx, roleUID)
	if err != nil {
		return err
	}
	return r.insertAssignment(ctx,
		"INSERT INTO group_roles (group_id, role_id) VALUES (?, ?)", groupID, role.ID)
}

// RemoveGroupRole revokes a group's role grant.
func (r *SQLiteRepository) RemoveGroupRole(ctx context.Context, groupID, roleUID string) error {
	role, err := r.GetRole(ctx, roleUID)
	if err != nil {
		return err
	}
	return r.deleteAssignment(ctx,
		"DELETE FROM group_roles WHERE group_id = ? AND role_id = ?", groupID, role.ID)
}

// GroupMembers returns the user IDs belonging to a group. Used to scope
// cache invalidation when a group's grants change.
func (r *SQLiteRepository) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT user_id FROM group_users WHERE group_id = ? ORDER BY user_id ASC", groupID)
	if err != nil {
		return nil, fmt.Errorf("listing group members: %w", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning group member: %w", err)
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating group members: %w", err)
	}
	return members, nil
}

// abilityJoin is the core RBAC join: permissions reachable either through
// a direct user_roles row or through group_roles via group_users
// membership.
const abilityJoin = `
	SELECT p.scope, p.ability
	FROM authz_permissions p
	WHERE p.role IN (
		SELECT role_id FROM user_roles WHERE user_id = ?
		UNION
		SELECT gr.role_id FROM group_roles gr
		JOIN group_users gu ON gu.group_id = gr.group_id
		WHERE gu.user_id = ?
	)`

// HasAbility answers one (scope, ability) question with a single
// existence-checked query. The cheap form; ResolveAbilities is the
// cacheable one.
func (r *SQLiteRepository) HasAbility(ctx context.Context, userID string, scope Scope, ability Ability) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ("+abilityJoin+") WHERE scope = ? AND ability = ?",
		userID, userID, string(scope), string(ability),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking ability: %w", err)
	}
	return count > 0, nil
}

// ResolveAbilities computes a user's full permission set, grouped by scope
// with abilities sorted. Deterministic for a given database state.
func (r *SQLiteRepository) ResolveAbilities(ctx context.Context, userID string) (Abilities, error) {
	rows, err := r.db.QueryContext(ctx,
		abilityJoin+" GROUP BY p.scope, p.ability ORDER BY p.scope ASC, p.ability ASC",
		userID, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving abilities: %w", err)
	}
	defer rows.Close()

	abilities := Abilities{}
	for rows.Next() {
		var scope, ability string
		if err := rows.Scan(&scope, &ability); err != nil {
			return nil, fmt.Errorf("scanning ability: %w", err)
		}
		abilities[Scope(scope)] = append(abilities[Scope(scope)], Ability(ability))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating abilities: %w", err)
	}
	return abilities, nil
}

// insertAssignment runs an assignment insert, mapping constraint errors.
func (r *SQLiteRepository) insertAssignment(ctx context.Context, query string, args ...any) error {
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting assignment: %w", err)
	}
	return nil
}

// deleteAssignment runs an assignment delete, reporting ErrNoWork when
// the row was already absent.
func (r *SQLiteRepository) deleteAssignment(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting assignment: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrNoWork
	}
	return nil
}

// permsEqual compares two permission sets ignoring order and the Role
// field (both sides belong to the same role).
func permsEqual(a, b []Permission) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, p := range a {
		set[string(p.Scope)+"/"+string(p.Ability)] = true
	}
	for _, p := range b {
		if !set[string(p.Scope)+"/"+string(p.Ability)] {
			return false
		}
	}
	return true
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
