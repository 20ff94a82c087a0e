// Package password implements pepper-encrypted password storage for the
// CairnFS trust core.
//
// A password is hashed with Argon2id (PHC string format) against a random
// per-user salt, then the whole hash string is encrypted with the newest
// pepper key and base64-encoded for storage alongside the pepper version.
// Version 0 is the sentinel for "no pepper applied": the hash is stored
// base64-encoded but otherwise in the clear, the path taken when no pepper
// store is configured.
//
// Verification fetches the exact pepper version a row references. A missing
// version is a consistency error (a rotation deleted a pepper before
// migrating its rows), reported as ErrMissingPepper and never conflated with
// a wrong password.
//
// Retiring a pepper version is a two-phase protocol: first RotateOut
// migrates every row encrypted under the version to the newest remaining
// pepper, batch by batch, each batch in its own transaction; only then may
// the version be deleted from the store. The migration is idempotent -
// re-running it after a crash converges because migrated rows no longer
// reference the retired version.
package password
