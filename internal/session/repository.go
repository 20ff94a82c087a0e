package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for session persistence.
type Repository interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, token string) (*Session, error)
	Update(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, token string) error
	Exists(ctx context.Context, token string) (bool, error)

	// DeleteByUser removes every session belonging to a user except the
	// given token (pass "" to remove all), returning the deleted tokens so
	// the caller can evict them from the cache.
	DeleteByUser(ctx context.Context, userID, exceptToken string) ([]string, error)

	// DeleteExpired removes every session with expires <= now, returning
	// the deleted tokens for cache eviction.
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite-backed session repository.
func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const sessionColumns = "token, user_id, dropped, issued_on, expires, authenticated, verified, auth_method, verify_method"

// Create inserts a new session row.
func (r *SQLiteRepository) Create(ctx context.Context, sess *Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_session (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.Token, sess.UserID, boolToInt(sess.Dropped),
		sess.IssuedOn.UTC().Format(time.RFC3339),
		sess.Expires.UTC().Format(time.RFC3339),
		boolToInt(sess.Authenticated), boolToInt(sess.Verified),
		string(sess.AuthMethod), string(sess.VerifyMethod),
	)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// Get retrieves a session by token.
func (r *SQLiteRepository) Get(ctx context.Context, token string) (*Session, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM auth_session WHERE token = ?", token)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return sess, nil
}

// Update rewrites the full session row. Partial-field updates are not worth
// the complexity over this handful of columns.
func (r *SQLiteRepository) Update(ctx context.Context, sess *Session) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auth_session
		 SET user_id = ?, dropped = ?, issued_on = ?, expires = ?,
		     authenticated = ?, verified = ?, auth_method = ?, verify_method = ?
		 WHERE token = ?`,
		sess.UserID, boolToInt(sess.Dropped),
		sess.IssuedOn.UTC().Format(time.RFC3339),
		sess.Expires.UTC().Format(time.RFC3339),
		boolToInt(sess.Authenticated), boolToInt(sess.Verified),
		string(sess.AuthMethod), string(sess.VerifyMethod),
		sess.Token,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Delete removes a session row outright. Logout is destructive; the dropped
// flag is reserved for multi-device revocation, not normal logout.
func (r *SQLiteRepository) Delete(ctx context.Context, token string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM auth_session WHERE token = ?", token)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Exists reports whether a token is already present in the session table.
func (r *SQLiteRepository) Exists(ctx context.Context, token string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM auth_session WHERE token = ?", token).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking session existence: %w", err)
	}
	return count > 0, nil
}

// DeleteByUser removes a user's sessions, optionally sparing one token.
func (r *SQLiteRepository) DeleteByUser(ctx context.Context, userID, exceptToken string) ([]string, error) {
	return r.deleteReturning(ctx,
		"SELECT token FROM auth_session WHERE user_id = ? AND token != ?",
		"DELETE FROM auth_session WHERE user_id = ? AND token != ?",
		userID, exceptToken)
}

// DeleteExpired removes sessions past their expiry.
func (r *SQLiteRepository) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	cutoff := now.UTC().Format(time.RFC3339)
	return r.deleteReturning(ctx,
		"SELECT token FROM auth_session WHERE expires <= ?",
		"DELETE FROM auth_session WHERE expires <= ?",
		cutoff)
}

// deleteReturning selects the affected tokens, deletes them, and returns
// them, all within one transaction so the returned set matches the delete.
func (r *SQLiteRepository) deleteReturning(ctx context.Context, selectSQL, deleteSQL string, args ...any) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	rows, err := tx.QueryContext(ctx, selectSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting sessions: %w", err)
	}

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			rows.Close() //nolint:errcheck // error path
			return nil, fmt.Errorf("scanning session token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		rows.Close() //nolint:errcheck // error path
		return nil, fmt.Errorf("iterating session tokens: %w", err)
	}
	rows.Close() //nolint:errcheck // checked via rows.Err above

	if len(tokens) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, deleteSQL, args...); err != nil {
		return nil, fmt.Errorf("deleting sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing session delete: %w", err)
	}
	return tokens, nil
}

// scanSession scans one session row.
func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var dropped, authenticated, verified int
	var issuedOn, expires, authMethod, verifyMethod string

	err := row.Scan(&s.Token, &s.UserID, &dropped, &issuedOn, &expires,
		&authenticated, &verified, &authMethod, &verifyMethod)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	s.Dropped = dropped != 0
	s.Authenticated = authenticated != 0
	s.Verified = verified != 0
	s.AuthMethod = AuthMethod(authMethod)
	s.VerifyMethod = VerifyMethod(verifyMethod)
	s.IssuedOn, _ = time.Parse(time.RFC3339, issuedOn) //nolint:errcheck // format is controlled
	s.Expires, _ = time.Parse(time.RFC3339, expires)   //nolint:errcheck // format is controlled

	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
