package password

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/cairnfs/cairnfs/internal/secrets"
)

// rotateBatchSize bounds one pepper-rotation transaction. Small batches keep
// the write lock short so rotation never stalls request traffic for longer
// than one commit.
const rotateBatchSize = 10

// noPepperVersion is the stored version for rows whose hash carries no
// pepper encryption.
const noPepperVersion uint64 = 0

// Sentinel errors for password operations.
var (
	// ErrInvalidPassword is the routine wrong-credential failure.
	ErrInvalidPassword = errors.New("invalid password")

	// ErrPasswordNotFound indicates the user has no password row.
	ErrPasswordNotFound = errors.New("password not found")

	// ErrMissingPepper indicates a row references a pepper version that no
	// longer exists. This is a rotation-ordering bug or data loss, never a
	// bad credential, and must not be reported as one.
	ErrMissingPepper = errors.New("referenced pepper version is missing")
)

// Vault hashes, stores, and verifies passwords against the pepper store.
//
// peppers may be nil; every hash is then stored with version 0 (clear at
// rest apart from the Argon2id hashing itself).
type Vault struct {
	db      *sql.DB
	peppers *secrets.Store
}

// NewVault creates a password vault over the auth_password table.
func NewVault(db *sql.DB, peppers *secrets.Store) *Vault {
	return &Vault{db: db, peppers: peppers}
}

// Set hashes password with a fresh salt, encrypts the hash under the newest
// pepper, and replaces the user's stored row. Also the natural point where
// version drift reconciles: an old row is rewritten at the current version.
func (v *Vault) Set(ctx context.Context, userID, password string) error {
	phc, err := HashPassword(password)
	if err != nil {
		return err
	}

	version, stored, err := v.seal(phc)
	if err != nil {
		return err
	}

	_, err = v.db.ExecContext(ctx,
		`INSERT INTO auth_password (user_id, version, hash) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET version = excluded.version, hash = excluded.hash`,
		userID, int64(version), stored, //nolint:gosec // G115: pepper versions are small
	)
	if err != nil {
		return fmt.Errorf("storing password: %w", err)
	}
	return nil
}

// Verify checks candidate against the user's stored password.
//
// Returns nil on match, ErrInvalidPassword on mismatch, ErrPasswordNotFound
// when no row exists, and ErrMissingPepper when the row references a pepper
// version the store no longer holds.
func (v *Vault) Verify(ctx context.Context, userID, candidate string) error {
	var version int64
	var stored string
	err := v.db.QueryRowContext(ctx,
		"SELECT version, hash FROM auth_password WHERE user_id = ?", userID,
	).Scan(&version, &stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPasswordNotFound
		}
		return fmt.Errorf("loading password: %w", err)
	}

	phc, err := v.open(uint64(version), stored) //nolint:gosec // G115: stored versions are non-negative
	if err != nil {
		return err
	}

	ok, err := VerifyHash(candidate, phc)
	if err != nil {
		return fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return ErrInvalidPassword
	}
	return nil
}

// Delete removes a user's password row.
func (v *Vault) Delete(ctx context.Context, userID string) error {
	result, err := v.db.ExecContext(ctx, "DELETE FROM auth_password WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("deleting password: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrPasswordNotFound
	}
	return nil
}

// RotateOut migrates every password row encrypted under version to the
// newest remaining pepper (or to version 0 in the clear if none remain),
// in batches of rotateBatchSize with one transaction per batch.
//
// The operation is idempotent: migrated rows stop matching the retired
// version, so re-running after a crash converges instead of re-encrypting.
// Only after RotateOut returns cleanly may the caller delete the version
// from the pepper store - deleting first strands the remaining rows.
func (v *Vault) RotateOut(ctx context.Context, version uint64) (int, error) {
	retiring, ok := v.pepper(version)
	if !ok {
		return 0, ErrMissingPepper
	}

	migrated := 0
	for {
		n, err := v.rotateBatch(ctx, version, retiring)
		if err != nil {
			return migrated, err
		}
		if n == 0 {
			return migrated, nil
		}
		migrated += n
	}
}

// rotateBatch migrates up to rotateBatchSize rows in one transaction.
func (v *Vault) rotateBatch(ctx context.Context, version uint64, retiring secrets.Key) (int, error) {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning rotation batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	rows, err := tx.QueryContext(ctx,
		"SELECT user_id, hash FROM auth_password WHERE version = ? LIMIT ?",
		int64(version), rotateBatchSize, //nolint:gosec // G115: pepper versions are small
	)
	if err != nil {
		return 0, fmt.Errorf("selecting rotation batch: %w", err)
	}

	type row struct {
		userID string
		stored string
	}
	var batch []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.userID, &r.stored); err != nil {
			rows.Close() //nolint:errcheck // error path
			return 0, fmt.Errorf("scanning rotation batch: %w", err)
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close() //nolint:errcheck // error path
		return 0, fmt.Errorf("iterating rotation batch: %w", err)
	}
	rows.Close() //nolint:errcheck // checked via rows.Err above

	if len(batch) == 0 {
		return 0, nil
	}

	for _, r := range batch {
		phc, err := decryptStored(r.stored, retiring.Data)
		if err != nil {
			return 0, fmt.Errorf("decrypting password for %s: %w", r.userID, err)
		}

		newVersion, stored, err := v.sealExcluding(phc, version)
		if err != nil {
			return 0, err
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE auth_password SET version = ?, hash = ? WHERE user_id = ?",
			int64(newVersion), stored, r.userID, //nolint:gosec // G115: pepper versions are small
		); err != nil {
			return 0, fmt.Errorf("updating password for %s: %w", r.userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing rotation batch: %w", err)
	}
	return len(batch), nil
}

// seal encrypts a PHC hash under the newest pepper and base64-encodes it.
func (v *Vault) seal(phc string) (uint64, string, error) {
	return v.sealExcluding(phc, noPepperVersion)
}

// sealExcluding seals under the newest pepper whose version is not exclude.
// With no eligible pepper the hash is stored in the clear at version 0.
func (v *Vault) sealExcluding(phc string, exclude uint64) (uint64, string, error) {
	if v.peppers == nil {
		return noPepperVersion, base64.StdEncoding.EncodeToString([]byte(phc)), nil
	}

	all := v.peppers.All()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Version == exclude {
			continue
		}
		ciphertext, err := secrets.Encrypt([]byte(phc), all[i].Key.Data)
		if err != nil {
			return 0, "", fmt.Errorf("encrypting password hash: %w", err)
		}
		return all[i].Version, base64.StdEncoding.EncodeToString(ciphertext), nil
	}

	return noPepperVersion, base64.StdEncoding.EncodeToString([]byte(phc)), nil
}

// open reverses seal for the exact version a row references.
func (v *Vault) open(version uint64, stored string) (string, error) {
	if version == noPepperVersion {
		phc, err := base64.StdEncoding.DecodeString(stored)
		if err != nil {
			return "", fmt.Errorf("decoding stored hash: %w", err)
		}
		return string(phc), nil
	}

	key, ok := v.pepper(version)
	if !ok {
		return "", ErrMissingPepper
	}
	return decryptStored(stored, key.Data)
}

// pepper fetches one pepper version from the store.
func (v *Vault) pepper(version uint64) (secrets.Key, bool) {
	if v.peppers == nil {
		return secrets.Key{}, false
	}
	return v.peppers.Get(version)
}

// decryptStored base64-decodes and decrypts a stored hash.
func decryptStored(stored string, key []byte) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("decoding stored hash: %w", err)
	}
	phc, err := secrets.Decrypt(ciphertext, key)
	if err != nil {
		return "", err
	}
	return string(phc), nil
}
