package session

import (
	"errors"
	"time"
)

// AuthMethod is the credential step a session requires before it counts as
// authenticated.
type AuthMethod string

// Authentication methods.
const (
	AuthNone     AuthMethod = "none"
	AuthPassword AuthMethod = "password"
)

// VerifyMethod is the second-factor step a session requires before it counts
// as verified.
type VerifyMethod string

// Verification methods.
const (
	VerifyNone VerifyMethod = "none"
	VerifyTotp VerifyMethod = "totp"
)

// Session is one authentication, keyed by its token.
//
// Token holds the storage form of the raw 48-byte token (base64url, without
// the keyed hash suffix that the wire form carries).
type Session struct {
	Token         string       `json:"-"` // never serialised
	UserID        string       `json:"user_id"`
	Dropped       bool         `json:"dropped"`
	IssuedOn      time.Time    `json:"issued_on"`
	Expires       time.Time    `json:"expires"`
	Authenticated bool         `json:"authenticated"`
	Verified      bool         `json:"verified"`
	AuthMethod    AuthMethod   `json:"auth_method"`
	VerifyMethod  VerifyMethod `json:"verify_method"`
}

// New builds a fresh session. A session starts authenticated iff no
// credential step is required, and verified iff no second factor is
// required; both None is the anonymous/bootstrap path only.
func New(token, userID string, auth AuthMethod, verify VerifyMethod, ttl time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		Token:         token,
		UserID:        userID,
		IssuedOn:      now,
		Expires:       now.Add(ttl),
		Authenticated: auth == AuthNone,
		Verified:      verify == VerifyNone,
		AuthMethod:    auth,
		VerifyMethod:  verify,
	}
}

// Clone returns a copy of the session. Cached sessions are shared across
// request goroutines and treated as read-only; state transitions clone,
// modify the copy, and swap it into the cache.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// Usable reports whether the session may back a protected operation.
func (s *Session) Usable(now time.Time) bool {
	return s.Authenticated && s.Verified && !s.Dropped && now.Before(s.Expires)
}

// Validate returns the first reason the session is not usable, or nil.
// A dropped session reads as expired to its holder - revocation is not a
// state the client needs to distinguish.
func (s *Session) Validate(now time.Time) error {
	if s.Dropped || !now.Before(s.Expires) {
		return ErrSessionExpired
	}
	if !s.Authenticated {
		return ErrSessionUnauthenticated
	}
	if !s.Verified {
		return ErrSessionUnverified
	}
	return nil
}

// Sentinel errors for session operations.
var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionExpired         = errors.New("session has expired")
	ErrSessionUnauthenticated = errors.New("session is not authenticated")
	ErrSessionUnverified      = errors.New("session is not verified")
	ErrInvalidSession         = errors.New("invalid session token encoding")
	ErrInvalidHash            = errors.New("session token hash mismatch")
	ErrInvalidTotp            = errors.New("invalid one-time code")
	ErrNoCredentialPending    = errors.New("no credential step pending")
	ErrTokenExhausted         = errors.New("could not allocate a unique session token")
)
