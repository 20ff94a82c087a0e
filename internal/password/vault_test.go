package password

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cairnfs/cairnfs/internal/secrets"
)

var testRootSecret = []byte("test-root-secret-0123456789abcdef")

// testDB creates an isolated temp-file database with the auth_password
// table. No users table; the FK is only enforced by the real schema.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "cairnfs-password-test-*.db")
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
	CREATE TABLE auth_password (
		user_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 0,
		hash    TEXT NOT NULL
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

// testPeppers opens a pepper store with n keys, versions starting at 1.
func testPeppers(t *testing.T, n int) *secrets.Store {
	t.Helper()

	store, err := secrets.Open(t.TempDir(), testRootSecret, secrets.PurposePeppers, secrets.WithFirstVersion(1))
	if err != nil {
		t.Fatalf("opening pepper store: %v", err)
	}
	for i := 0; i < n; i++ {
		if _, _, err := store.Create(secrets.PepperKeySize); err != nil {
			t.Fatalf("creating pepper: %v", err)
		}
	}
	return store
}

func storedVersion(t *testing.T, db *sql.DB, userID string) uint64 {
	t.Helper()

	var version int64
	err := db.QueryRow("SELECT version FROM auth_password WHERE user_id = ?", userID).Scan(&version)
	if err != nil {
		t.Fatalf("reading stored version: %v", err)
	}
	return uint64(version)
}

func TestVault_SetAndVerify(t *testing.T) {
	db := testDB(t)
	vault := NewVault(db, testPeppers(t, 1))
	ctx := context.Background()

	if err := vault.Set(ctx, "usr-1", "correct horse"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if err := vault.Verify(ctx, "usr-1", "correct horse"); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
	if err := vault.Verify(ctx, "usr-1", "wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("Verify(wrong) error = %v, want ErrInvalidPassword", err)
	}
	if err := vault.Verify(ctx, "usr-2", "anything"); !errors.Is(err, ErrPasswordNotFound) {
		t.Errorf("Verify(missing user) error = %v, want ErrPasswordNotFound", err)
	}

	if got := storedVersion(t, db, "usr-1"); got != 1 {
		t.Errorf("stored version = %d, want 1", got)
	}
}

func TestVault_NilPepperStore(t *testing.T) {
	db := testDB(t)
	vault := NewVault(db, nil)
	ctx := context.Background()

	if err := vault.Set(ctx, "usr-1", "correct horse"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := storedVersion(t, db, "usr-1"); got != 0 {
		t.Errorf("stored version = %d, want 0 without peppers", got)
	}
	if err := vault.Verify(ctx, "usr-1", "correct horse"); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
}

func TestVault_SetReplacesRow(t *testing.T) {
	db := testDB(t)
	vault := NewVault(db, testPeppers(t, 1))
	ctx := context.Background()

	if err := vault.Set(ctx, "usr-1", "first"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := vault.Set(ctx, "usr-1", "second"); err != nil {
		t.Fatalf("second Set() error = %v", err)
	}

	if err := vault.Verify(ctx, "usr-1", "first"); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("Verify(old password) error = %v, want ErrInvalidPassword", err)
	}
	if err := vault.Verify(ctx, "usr-1", "second"); err != nil {
		t.Errorf("Verify(new password) error = %v, want nil", err)
	}
}

func TestVault_Delete(t *testing.T) {
	vault := NewVault(testDB(t), nil)
	ctx := context.Background()

	if err := vault.Set(ctx, "usr-1", "pw"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := vault.Delete(ctx, "usr-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := vault.Delete(ctx, "usr-1"); !errors.Is(err, ErrPasswordNotFound) {
		t.Errorf("second Delete() error = %v, want ErrPasswordNotFound", err)
	}
}

func TestVault_MissingPepperIsNotInvalidPassword(t *testing.T) {
	db := testDB(t)
	peppers := testPeppers(t, 1)
	vault := NewVault(db, peppers)
	ctx := context.Background()

	if err := vault.Set(ctx, "usr-1", "pw"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// Delete the pepper out from under the row, skipping rotation.
	if err := peppers.Delete(1); err != nil {
		t.Fatalf("deleting pepper: %v", err)
	}

	err := vault.Verify(ctx, "usr-1", "pw")
	if !errors.Is(err, ErrMissingPepper) {
		t.Errorf("Verify() error = %v, want ErrMissingPepper", err)
	}
	if errors.Is(err, ErrInvalidPassword) {
		t.Error("a missing pepper must never read as a bad credential")
	}
}

func TestVault_RotateOut(t *testing.T) {
	db := testDB(t)
	peppers := testPeppers(t, 2)
	vault := NewVault(db, peppers)
	ctx := context.Background()

	// Seed enough rows under version 2 (the newest) to span two batches,
	// then add a third pepper so rotation has somewhere to go.
	users := make([]string, 0, rotateBatchSize+3)
	for i := 0; i < rotateBatchSize+3; i++ {
		userID := fmt.Sprintf("usr-%02d", i)
		if err := vault.Set(ctx, userID, "pw-"+userID); err != nil {
			t.Fatalf("Set(%s) error = %v", userID, err)
		}
		users = append(users, userID)
	}
	if _, _, err := peppers.Create(secrets.PepperKeySize); err != nil {
		t.Fatalf("creating replacement pepper: %v", err)
	}

	migrated, err := vault.RotateOut(ctx, 2)
	if err != nil {
		t.Fatalf("RotateOut() error = %v", err)
	}
	if migrated != len(users) {
		t.Errorf("RotateOut() migrated %d rows, want %d", migrated, len(users))
	}

	// No row may still reference the retired version, and every password
	// must still verify under its new pepper.
	var remaining int
	if err := db.QueryRow("SELECT COUNT(*) FROM auth_password WHERE version = 2").Scan(&remaining); err != nil {
		t.Fatalf("counting retired rows: %v", err)
	}
	if remaining != 0 {
		t.Errorf("%d rows still reference the retired version", remaining)
	}
	for _, userID := range users {
		if err := vault.Verify(ctx, userID, "pw-"+userID); err != nil {
			t.Errorf("Verify(%s) after rotation error = %v", userID, err)
		}
		if got := storedVersion(t, db, userID); got != 3 {
			t.Errorf("stored version for %s = %d, want 3", userID, got)
		}
	}

	// Re-running converges with no work left.
	migrated, err = vault.RotateOut(ctx, 2)
	if err != nil {
		t.Fatalf("second RotateOut() error = %v", err)
	}
	if migrated != 0 {
		t.Errorf("second RotateOut() migrated %d rows, want 0", migrated)
	}
}

func TestVault_RotateOutToClear(t *testing.T) {
	db := testDB(t)
	peppers := testPeppers(t, 1)
	vault := NewVault(db, peppers)
	ctx := context.Background()

	if err := vault.Set(ctx, "usr-1", "pw"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// Retiring the only pepper falls back to unpeppered storage.
	if _, err := vault.RotateOut(ctx, 1); err != nil {
		t.Fatalf("RotateOut() error = %v", err)
	}
	if got := storedVersion(t, db, "usr-1"); got != 0 {
		t.Errorf("stored version = %d, want 0", got)
	}
	if err := vault.Verify(ctx, "usr-1", "pw"); err != nil {
		t.Errorf("Verify() after fallback rotation error = %v", err)
	}
}

func TestVault_RotateOutUnknownVersion(t *testing.T) {
	vault := NewVault(testDB(t), testPeppers(t, 1))

	if _, err := vault.RotateOut(context.Background(), 99); !errors.Is(err, ErrMissingPepper) {
		t.Errorf("RotateOut(99) error = %v, want ErrMissingPepper", err)
	}
}

func TestHashPassword_Format(t *testing.T) {
	phc, err := HashPassword("pw")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !strings.HasPrefix(phc, "$argon2id$v=19$m=19456,t=2,p=1$") {
		t.Errorf("PHC string = %q, want argon2id with pinned parameters", phc)
	}

	ok, err := VerifyHash("pw", phc)
	if err != nil || !ok {
		t.Errorf("VerifyHash() = %v, %v, want true, nil", ok, err)
	}
	ok, err = VerifyHash("other", phc)
	if err != nil || ok {
		t.Errorf("VerifyHash(other) = %v, %v, want false, nil", ok, err)
	}
}
