package authz

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// testDB creates an isolated temp-file database with the authorisation
// tables plus a minimal users table to satisfy foreign keys.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "cairnfs-authz-test-*.db")
	if err != nil {
		t.Fatalf("creating temp database: %v", err)
	}
	dbPath := tmpFile.Name()
	tmpFile.Close() //nolint:errcheck // file is reopened by the driver

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}

	schema := `
	CREATE TABLE users (
		id       TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE
	) STRICT;

	CREATE TABLE authz_roles (
		id         TEXT PRIMARY KEY,
		uid        TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
	) STRICT;

	CREATE TABLE authz_permissions (
		role    TEXT NOT NULL,
		scope   TEXT NOT NULL,
		ability TEXT NOT NULL,
		PRIMARY KEY (role, scope, ability),
		FOREIGN KEY (role) REFERENCES authz_roles(id) ON DELETE CASCADE
	) STRICT;

	CREATE TABLE groups (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
	) STRICT;

	CREATE TABLE group_users (
		group_id TEXT NOT NULL,
		user_id  TEXT NOT NULL,
		PRIMARY KEY (group_id, user_id),
		FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	) STRICT;

	CREATE TABLE user_roles (
		user_id TEXT NOT NULL,
		role_id TEXT NOT NULL,
		PRIMARY KEY (user_id, role_id),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY (role_id) REFERENCES authz_roles(id) ON DELETE CASCADE
	) STRICT;

	CREATE TABLE group_roles (
		group_id TEXT NOT NULL,
		role_id  TEXT NOT NULL,
		PRIMARY KEY (group_id, role_id),
		FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE,
		FOREIGN KEY (role_id) REFERENCES authz_roles(id) ON DELETE CASCADE
	) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()                 //nolint:errcheck // test cleanup
		os.Remove(dbPath)          //nolint:errcheck // test cleanup
		os.Remove(dbPath + "-wal") //nolint:errcheck // test cleanup
		os.Remove(dbPath + "-shm") //nolint:errcheck // test cleanup
	})

	return db
}

func insertUser(t *testing.T, db *sql.DB, id string) {
	t.Helper()

	if _, err := db.Exec("INSERT INTO users (id, username) VALUES (?, ?)", id, id); err != nil {
		t.Fatalf("inserting test user: %v", err)
	}
}

func TestRepository_RoleLifecycle(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	role, err := repo.CreateRole(ctx, "operators")
	if err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}
	if role.UID == "" || role.ID == "" {
		t.Fatal("CreateRole() returned empty identifiers")
	}

	if _, err := repo.CreateRole(ctx, "operators"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate CreateRole() error = %v, want ErrAlreadyExists", err)
	}

	got, err := repo.GetRole(ctx, role.UID)
	if err != nil {
		t.Fatalf("GetRole() error = %v", err)
	}
	if got.Name != "operators" {
		t.Errorf("GetRole().Name = %q, want operators", got.Name)
	}

	roles, err := repo.ListRoles(ctx)
	if err != nil || len(roles) != 1 {
		t.Fatalf("ListRoles() = %d roles, %v, want 1, nil", len(roles), err)
	}

	if err := repo.DeleteRole(ctx, role.UID); err != nil {
		t.Fatalf("DeleteRole() error = %v", err)
	}
	if _, err := repo.GetRole(ctx, role.UID); !errors.Is(err, ErrRoleNotFound) {
		t.Errorf("GetRole() after delete error = %v, want ErrRoleNotFound", err)
	}
}

func TestRepository_SetPermissions(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	role, err := repo.CreateRole(ctx, "operators")
	if err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}

	perms := []Permission{
		{Scope: ScopeFs, Ability: AbilityRead},
		{Scope: ScopeFs, Ability: AbilityWrite},
	}
	if err := repo.SetPermissions(ctx, role.UID, perms); err != nil {
		t.Fatalf("SetPermissions() error = %v", err)
	}

	got, err := repo.GetPermissions(ctx, role.UID)
	if err != nil || len(got) != 2 {
		t.Fatalf("GetPermissions() = %d perms, %v, want 2, nil", len(got), err)
	}

	// Same set again, order flipped: no work.
	flipped := []Permission{perms[1], perms[0]}
	if err := repo.SetPermissions(ctx, role.UID, flipped); !errors.Is(err, ErrNoWork) {
		t.Errorf("identical SetPermissions() error = %v, want ErrNoWork", err)
	}

	// Replacement drops what the new set omits.
	if err := repo.SetPermissions(ctx, role.UID, perms[:1]); err != nil {
		t.Fatalf("narrowing SetPermissions() error = %v", err)
	}
	got, err = repo.GetPermissions(ctx, role.UID)
	if err != nil || len(got) != 1 {
		t.Fatalf("GetPermissions() after narrowing = %d perms, %v, want 1, nil", len(got), err)
	}
	if got[0].Ability != AbilityRead {
		t.Errorf("surviving ability = %s, want read", got[0].Ability)
	}
}

func TestRepository_SetPermissionsValidatesEnums(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	role, err := repo.CreateRole(ctx, "operators")
	if err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}

	bad := []Permission{{Scope: "nonsense", Ability: AbilityRead}}
	if err := repo.SetPermissions(ctx, role.UID, bad); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("SetPermissions(bad scope) error = %v, want ErrInvalidScope", err)
	}

	bad = []Permission{{Scope: ScopeFs, Ability: "execute"}}
	if err := repo.SetPermissions(ctx, role.UID, bad); !errors.Is(err, ErrInvalidAbility) {
		t.Errorf("SetPermissions(bad ability) error = %v, want ErrInvalidAbility", err)
	}
}

func TestRepository_DirectRoleGrant(t *testing.T) {
	db := testDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	insertUser(t, db, "usr-1")
	role, err := repo.CreateRole(ctx, "operators")
	if err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}
	perms := []Permission{{Scope: ScopeFs, Ability: AbilityRead}}
	if err := repo.SetPermissions(ctx, role.UID, perms); err != nil {
		t.Fatalf("SetPermissions() error = %v", err)
	}

	ok, err := repo.HasAbility(ctx, "usr-1", ScopeFs, AbilityRead)
	if err != nil || ok {
		t.Fatalf("HasAbility() before grant = %v, %v, want false, nil", ok, err)
	}

	if err := repo.AssignUserRole(ctx, "usr-1", role.UID); err != nil {
		t.Fatalf("AssignUserRole() error = %v", err)
	}
	if err := repo.AssignUserRole(ctx, "usr-1", role.UID); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate AssignUserRole() error = %v, want ErrAlreadyExists", err)
	}

	ok, err = repo.HasAbility(ctx, "usr-1", ScopeFs, AbilityRead)
	if err != nil || !ok {
		t.Fatalf("HasAbility() after grant = %v, %v, want true, nil", ok, err)
	}
	ok, err = repo.HasAbility(ctx, "usr-1", ScopeFs, AbilityWrite)
	if err != nil || ok {
		t.Errorf("HasAbility(write) = %v, %v, want false, nil", ok, err)
	}

	if err := repo.RemoveUserRole(ctx, "usr-1", role.UID); err != nil {
		t.Fatalf("RemoveUserRole() error = %v", err)
	}
	if err := repo.RemoveUserRole(ctx, "usr-1", role.UID); !errors.Is(err, ErrNoWork) {
		t.Errorf("repeat RemoveUserRole() error = %v, want ErrNoWork", err)
	}
	ok, _ = repo.HasAbility(ctx, "usr-1", ScopeFs, AbilityRead)
	if ok {
		t.Error("HasAbility() after revoke = true, want false")
	}
}

func TestRepository_TransitiveGroupGrant(t *testing.T) {
	db := testDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	insertUser(t, db, "usr-1")
	insertUser(t, db, "usr-2")

	role, err := repo.CreateRole(ctx, "readers")
	if err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}
	if err := repo.SetPermissions(ctx, role.UID, []Permission{
		{Scope: ScopeStorage, Ability: AbilityRead},
	}); err != nil {
		t.Fatalf("SetPermissions() error = %v", err)
	}

	group, err := repo.CreateGroup(ctx, "staff")
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if err := repo.AddGroupUser(ctx, group.ID, "usr-1"); err != nil {
		t.Fatalf("AddGroupUser() error = %v", err)
	}
	if err := repo.AssignGroupRole(ctx, group.ID, role.UID); err != nil {
		t.Fatalf("AssignGroupRole() error = %v", err)
	}

	// Member inherits through the group; non-member does not.
	ok, err := repo.HasAbility(ctx, "usr-1", ScopeStorage, AbilityRead)
	if err != nil || !ok {
		t.Fatalf("member HasAbility() = %v, %v, want true, nil", ok, err)
	}
	ok, _ = repo.HasAbility(ctx, "usr-2", ScopeStorage, AbilityRead)
	if ok {
		t.Error("non-member HasAbility() = true, want false")
	}

	members, err := repo.GroupMembers(ctx, group.ID)
	if err != nil || len(members) != 1 || members[0] != "usr-1" {
		t.Errorf("GroupMembers() = %v, %v, want [usr-1], nil", members, err)
	}

	// Leaving the group severs the transitive grant.
	if err := repo.RemoveGroupUser(ctx, group.ID, "usr-1"); err != nil {
		t.Fatalf("RemoveGroupUser() error = %v", err)
	}
	ok, _ = repo.HasAbility(ctx, "usr-1", ScopeStorage, AbilityRead)
	if ok {
		t.Error("HasAbility() after leaving group = true, want false")
	}
}

func TestRepository_ResolveAbilitiesMergesSources(t *testing.T) {
	db := testDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	insertUser(t, db, "usr-1")

	direct, err := repo.CreateRole(ctx, "direct")
	if err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}
	if err := repo.SetPermissions(ctx, direct.UID, []Permission{
		{Scope: ScopeFs, Ability: AbilityRead},
		{Scope: ScopeFs, Ability: AbilityWrite},
	}); err != nil {
		t.Fatalf("SetPermissions() error = %v", err)
	}
	if err := repo.AssignUserRole(ctx, "usr-1", direct.UID); err != nil {
		t.Fatalf("AssignUserRole() error = %v", err)
	}

	grouped, err := repo.CreateRole(ctx, "grouped")
	if err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}
	if err := repo.SetPermissions(ctx, grouped.UID, []Permission{
		{Scope: ScopeFs, Ability: AbilityRead}, // overlaps the direct grant
		{Scope: ScopeStorage, Ability: AbilityRead},
	}); err != nil {
		t.Fatalf("SetPermissions() error = %v", err)
	}
	group, err := repo.CreateGroup(ctx, "staff")
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if err := repo.AddGroupUser(ctx, group.ID, "usr-1"); err != nil {
		t.Fatalf("AddGroupUser() error = %v", err)
	}
	if err := repo.AssignGroupRole(ctx, group.ID, grouped.UID); err != nil {
		t.Fatalf("AssignGroupRole() error = %v", err)
	}

	abilities, err := repo.ResolveAbilities(ctx, "usr-1")
	if err != nil {
		t.Fatalf("ResolveAbilities() error = %v", err)
	}
	if len(abilities[ScopeFs]) != 2 {
		t.Errorf("fs abilities = %v, want deduplicated [read write]", abilities[ScopeFs])
	}
	if !abilities.Has(ScopeStorage, AbilityRead) {
		t.Error("storage read from the group grant is missing")
	}
	if abilities.Has(ScopeSecSecrets, AbilityRead) {
		t.Error("resolved abilities include an ungranted scope")
	}
}

func TestRepository_DeleteGroupCascades(t *testing.T) {
	db := testDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	insertUser(t, db, "usr-1")
	role, err := repo.CreateRole(ctx, "readers")
	if err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}
	if err := repo.SetPermissions(ctx, role.UID, []Permission{
		{Scope: ScopeFs, Ability: AbilityRead},
	}); err != nil {
		t.Fatalf("SetPermissions() error = %v", err)
	}
	group, err := repo.CreateGroup(ctx, "staff")
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if err := repo.AddGroupUser(ctx, group.ID, "usr-1"); err != nil {
		t.Fatalf("AddGroupUser() error = %v", err)
	}
	if err := repo.AssignGroupRole(ctx, group.ID, role.UID); err != nil {
		t.Fatalf("AssignGroupRole() error = %v", err)
	}

	if err := repo.DeleteGroup(ctx, group.ID); err != nil {
		t.Fatalf("DeleteGroup() error = %v", err)
	}
	if err := repo.DeleteGroup(ctx, group.ID); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("second DeleteGroup() error = %v, want ErrGroupNotFound", err)
	}

	ok, _ := repo.HasAbility(ctx, "usr-1", ScopeFs, AbilityRead)
	if ok {
		t.Error("ability survived group deletion")
	}
}
