// Package database provides SQLite database connectivity for the CairnFS trust core.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Embedded schema migrations, each applied in its own transaction
//   - Connection pooling and lifecycle management
//   - STRICT mode enforcement for type safety
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - Database file permissions are set to 0600 (owner read/write only)
//   - Password hashes stored here are pepper-encrypted by internal/password
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: "./data/cairnfs.db"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package database
