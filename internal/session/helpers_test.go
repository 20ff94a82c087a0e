package session

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cairnfs/cairnfs/internal/identity"
	"github.com/cairnfs/cairnfs/internal/infrastructure/logging"
	"github.com/cairnfs/cairnfs/internal/password"
	"github.com/cairnfs/cairnfs/internal/secrets"
)

// testDB creates an isolated temp-file database with the tables the
// session layer touches.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "cairnfs-session-test-*.db")
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
		id             TEXT PRIMARY KEY,
		username       TEXT NOT NULL UNIQUE,
		email          TEXT,
		email_verified INTEGER NOT NULL DEFAULT 0,
		totp_secret    TEXT,
		created_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		updated_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
	) STRICT;

	CREATE TABLE auth_session (
		token         TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		dropped       INTEGER NOT NULL DEFAULT 0,
		issued_on     TEXT NOT NULL,
		expires       TEXT NOT NULL,
		authenticated INTEGER NOT NULL DEFAULT 0,
		verified      INTEGER NOT NULL DEFAULT 0,
		auth_method   TEXT NOT NULL,
		verify_method TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	) STRICT;

	CREATE TABLE auth_password (
		user_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 0,
		hash    TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()          //nolint:errcheck // test cleanup
		os.Remove(dbPath)   //nolint:errcheck // test cleanup
		os.Remove(dbPath + "-wal") //nolint:errcheck // test cleanup
		os.Remove(dbPath + "-shm") //nolint:errcheck // test cleanup
	})

	return db
}

// testUserRow inserts a bare user row and returns it.
func testUserRow(t *testing.T, db *sql.DB, id, username string) *identity.User {
	t.Helper()

	users := identity.NewRepository(db)
	user := &identity.User{ID: id, Username: username}
	if err := users.Create(context.Background(), user); err != nil {
		t.Fatalf("creating test user: %v", err)
	}
	return user
}

// testManager wires a full manager over a temp database and fresh key
// stores. The pepper store starts empty so passwords store unpeppered.
func testManager(t *testing.T, db *sql.DB) *Manager {
	t.Helper()

	keys, err := secrets.Open(t.TempDir(), testRootSecret, secrets.PurposeSessionKeys)
	if err != nil {
		t.Fatalf("opening key store: %v", err)
	}
	if _, _, err := keys.Create(secrets.SessionKeySize); err != nil {
		t.Fatalf("creating session key: %v", err)
	}

	peppers, err := secrets.Open(t.TempDir(), testRootSecret, secrets.PurposePeppers, secrets.WithFirstVersion(1))
	if err != nil {
		t.Fatalf("opening pepper store: %v", err)
	}

	cache, err := NewCache(16)
	if err != nil {
		t.Fatalf("creating session cache: %v", err)
	}

	return NewManager(
		NewRepository(db),
		identity.NewRepository(db),
		NewCodec(keys),
		cache,
		password.NewVault(db, peppers),
		time.Hour,
		logging.Default(),
	)
}
