// Package session implements session tokens and the login state machine for
// the CairnFS trust core.
//
// A session token is 48 random bytes, opaque to the holder. On the wire it
// travels as base64url(token || HMAC-SHA256(key, token)), keyed by the newest
// session signing key. Decoding recomputes the keyed hash against every
// stored key version, newest first, so rotating the signing key never
// invalidates a live session - it stays valid until it expires or is swept.
//
// The login state machine moves a session from unauthenticated through
// authenticated to verified:
//
//	lookup user  -> session created (authenticated iff no password required,
//	                verified iff no TOTP enrolled)
//	password ok  -> authenticated
//	TOTP ok      -> verified
//
// A session is usable by protected operations only when it is authenticated,
// verified, not dropped, and not expired.
//
// Sessions persist one row per token in auth_session; a bounded LRU cache
// maps decoded tokens to their validated (session, user) pair so the steady
// state request path never touches the database.
package session
