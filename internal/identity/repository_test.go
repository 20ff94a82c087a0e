package identity

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cairnfs/cairnfs/internal/secrets"
)

// testDB creates an isolated temp-file database with the users table.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "cairnfs-identity-test-*.db")
	if err != nil {
		t.Fatalf("creating temp database: %v", err)
	}
	dbPath := tmpFile.Name()
	tmpFile.Close() //nolint:errcheck // file is reopened by the driver

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}

	schema := `
	CREATE TABLE users (
		id             TEXT PRIMARY KEY,
		username       TEXT NOT NULL UNIQUE,
		email          TEXT,
		email_verified INTEGER NOT NULL DEFAULT 0,
		totp_secret    TEXT,
		created_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		updated_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
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

func TestIsValidUsername(t *testing.T) {
	valid := []string{"alice", "a", "dot.name", "under_score", "dash-name", "Mixed123", strings.Repeat("a", 64)}
	for _, name := range valid {
		if !IsValidUsername(name) {
			t.Errorf("IsValidUsername(%q) = false, want true", name)
		}
	}

	invalid := []string{"", "has space", "semi;colon", "slash/name", strings.Repeat("a", 65), "tab\tname"}
	for _, name := range invalid {
		if IsValidUsername(name) {
			t.Errorf("IsValidUsername(%q) = true, want false", name)
		}
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	user := &User{Username: "alice", Email: "alice@example.com"}
	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !strings.HasPrefix(user.ID, "usr-") {
		t.Errorf("generated ID = %q, want usr- prefix", user.ID)
	}

	byID, err := repo.GetByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if byID.Email != "alice@example.com" || byID.EmailVerified {
		t.Errorf("GetByID() = %+v, want unverified alice@example.com", byID)
	}

	byName, err := repo.GetByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetByUsername() error = %v", err)
	}
	if byName.ID != user.ID {
		t.Errorf("GetByUsername().ID = %q, want %q", byName.ID, user.ID)
	}

	if _, err := repo.GetByID(ctx, "usr-absent"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetByID(absent) error = %v, want ErrUserNotFound", err)
	}
}

func TestRepository_DuplicateUsername(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, &User{Username: "alice"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, &User{Username: "alice"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Create() error = %v, want ErrAlreadyExists", err)
	}
}

func TestRepository_Update(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	user := &User{Username: "alice"}
	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	user.Email = "new@example.com"
	user.EmailVerified = true
	user.TOTPSecret = "JBSWY3DPEHPK3PXP"
	if err := repo.Update(ctx, user); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := repo.GetByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Email != "new@example.com" || !got.EmailVerified || got.TOTPSecret != "JBSWY3DPEHPK3PXP" {
		t.Errorf("Update() did not persist: %+v", got)
	}

	if err := repo.Update(ctx, &User{ID: "usr-absent"}); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Update(absent) error = %v, want ErrUserNotFound", err)
	}
}

func TestRepository_ListAndCount(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	users, err := repo.List(ctx)
	if err != nil || len(users) != 0 {
		t.Fatalf("List() on empty table = %v, %v, want [], nil", users, err)
	}

	for _, name := range []string{"alice", "bob"} {
		if err := repo.Create(ctx, &User{Username: name}); err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
	}

	users, err = repo.List(ctx)
	if err != nil || len(users) != 2 {
		t.Fatalf("List() = %d users, %v, want 2, nil", len(users), err)
	}

	count, err := repo.Count(ctx)
	if err != nil || count != 2 {
		t.Errorf("Count() = %d, %v, want 2, nil", count, err)
	}
}

func TestRepository_Delete(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	user := &User{Username: "alice"}
	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Delete(ctx, user.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, user.ID); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("second Delete() error = %v, want ErrUserNotFound", err)
	}
}

func TestVerificationToken_RoundTrip(t *testing.T) {
	keys, err := secrets.Open(t.TempDir(), []byte("test-root-secret-0123456789abcdef"), secrets.PurposeSessionKeys)
	if err != nil {
		t.Fatalf("opening key store: %v", err)
	}
	if _, _, err := keys.Create(secrets.SessionKeySize); err != nil {
		t.Fatalf("creating signing key: %v", err)
	}

	user := &User{ID: "usr-1", Username: "alice"}
	token, err := NewVerificationToken(user, keys, time.Hour)
	if err != nil {
		t.Fatalf("NewVerificationToken() error = %v", err)
	}

	userID, err := ParseVerificationToken(token, keys)
	if err != nil {
		t.Fatalf("ParseVerificationToken() error = %v", err)
	}
	if userID != "usr-1" {
		t.Errorf("parsed user = %q, want usr-1", userID)
	}
}

func TestVerificationToken_SurvivesKeyRotation(t *testing.T) {
	keys, err := secrets.Open(t.TempDir(), []byte("test-root-secret-0123456789abcdef"), secrets.PurposeSessionKeys)
	if err != nil {
		t.Fatalf("opening key store: %v", err)
	}
	if _, _, err := keys.Create(secrets.SessionKeySize); err != nil {
		t.Fatalf("creating signing key: %v", err)
	}

	token, err := NewVerificationToken(&User{ID: "usr-1"}, keys, time.Hour)
	if err != nil {
		t.Fatalf("NewVerificationToken() error = %v", err)
	}
	if _, _, err := keys.Create(secrets.SessionKeySize); err != nil {
		t.Fatalf("rotating signing key: %v", err)
	}

	userID, err := ParseVerificationToken(token, keys)
	if err != nil {
		t.Fatalf("ParseVerificationToken() after rotation error = %v", err)
	}
	if userID != "usr-1" {
		t.Errorf("parsed user = %q, want usr-1", userID)
	}
}

func TestVerificationToken_Expired(t *testing.T) {
	keys, err := secrets.Open(t.TempDir(), []byte("test-root-secret-0123456789abcdef"), secrets.PurposeSessionKeys)
	if err != nil {
		t.Fatalf("opening key store: %v", err)
	}
	if _, _, err := keys.Create(secrets.SessionKeySize); err != nil {
		t.Fatalf("creating signing key: %v", err)
	}

	token, err := NewVerificationToken(&User{ID: "usr-1"}, keys, -time.Minute)
	if err != nil {
		t.Fatalf("NewVerificationToken() error = %v", err)
	}
	if _, err := ParseVerificationToken(token, keys); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseVerificationToken(expired) error = %v, want ErrTokenInvalid", err)
	}
}
