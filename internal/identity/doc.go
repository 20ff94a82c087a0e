// Package identity manages CairnFS user accounts.
//
// It owns the users table and the email-verification token flow. Password
// material is deliberately not part of the user row - it lives in
// internal/password, keyed by user id, so that pepper rotation never touches
// identity data.
//
// Email verification uses an HS256 JWT signed with the newest session
// signing key. Verification accepts any stored key version, mirroring the
// rotation tolerance of session tokens: rotating the signing key must not
// invalidate verification links already sent.
package identity
