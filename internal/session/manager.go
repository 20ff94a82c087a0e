package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/cairnfs/cairnfs/internal/identity"
	"github.com/cairnfs/cairnfs/internal/infrastructure/logging"
	"github.com/cairnfs/cairnfs/internal/password"
)

// Manager owns the session lifecycle: issuing tokens, stepping sessions
// through their credential states, resolving wire tokens back to an
// identity, and revocation.
//
// The cache holds resolved token -> (session, user) pairs. Cached
// entries are immutable snapshots: a state change clones the session,
// writes the database, and swaps the cache entry, so concurrent
// resolutions never observe a half-applied transition. The cache can
// serve stale reads only between the write and the swap.
type Manager struct {
	repo   Repository
	users  identity.Repository
	codec  *Codec
	cache  *Cache
	vault  *password.Vault
	ttl    time.Duration
	logger *logging.Logger
}

// NewManager creates a session manager.
func NewManager(repo Repository, users identity.Repository, codec *Codec, cache *Cache, vault *password.Vault, ttl time.Duration, logger *logging.Logger) *Manager {
	return &Manager{
		repo:   repo,
		users:  users,
		codec:  codec,
		cache:  cache,
		vault:  vault,
		ttl:    ttl,
		logger: logger,
	}
}

// Start issues a fresh session for user with the given credential
// requirements and returns the session alongside its wire-encoded token.
//
// The session starts in whatever state the methods imply: AuthNone skips
// straight to authenticated, VerifyNone to verified. Callers holding the
// returned token still go through Resolve on subsequent requests.
func (m *Manager) Start(ctx context.Context, user *identity.User, auth AuthMethod, verify VerifyMethod) (*Session, string, error) {
	token, err := NewUniqueToken(ctx, m.repo)
	if err != nil {
		return nil, "", err
	}

	sess := New(StorageKey(token), user.ID, auth, verify, m.ttl)
	if err := m.repo.Create(ctx, sess); err != nil {
		return nil, "", err
	}

	m.cache.Add(sess.Token, &Identity{Session: sess, User: user})
	m.logger.Info("session started",
		"user_id", user.ID,
		"auth_method", string(auth),
		"verify_method", string(verify),
		"expires", sess.Expires.Format(time.RFC3339),
	)
	return sess, m.codec.Encode(token), nil
}

// Resolve turns a wire-encoded token into the identity behind it.
//
// Decode failures and unknown tokens surface as-is; the session is
// returned even when Validate fails so the caller can distinguish an
// expired session from a half-authenticated one. The returned error is
// nil only for a fully usable session.
func (m *Manager) Resolve(ctx context.Context, encoded string) (*Identity, error) {
	token, err := m.codec.Decode(encoded)
	if err != nil {
		return nil, err
	}
	key := StorageKey(token)

	ident, cached := m.cache.Get(key)
	if !cached {
		ident, err = m.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
	}

	if err := ident.Session.Validate(time.Now().UTC()); err != nil {
		return ident, err
	}
	// Only sessions that passed validation enter the cache; an expired or
	// dropped row is not worth a slot.
	if !cached {
		m.cache.Add(key, ident)
	}
	return ident, nil
}

// lookup loads a session and its user from the database.
func (m *Manager) lookup(ctx context.Context, key string) (*Identity, error) {
	sess, err := m.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	user, err := m.users.GetByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			// Orphaned session; treat it like it never existed.
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &Identity{Session: sess, User: user}, nil
}

// SubmitPassword advances a password-pending session to authenticated.
//
// The session must require a password and not have supplied one yet;
// anything else returns ErrNoCredentialPending. A wrong password leaves
// the session untouched. The transition never touches ident itself: the
// returned identity carries the advanced session and replaces the cache
// entry, so concurrent holders of the old snapshot keep reading a
// consistent (if momentarily stale) state.
func (m *Manager) SubmitPassword(ctx context.Context, ident *Identity, candidate string) (*Identity, error) {
	sess := ident.Session
	if sess.AuthMethod != AuthPassword || sess.Authenticated {
		return nil, ErrNoCredentialPending
	}

	if err := m.vault.Verify(ctx, sess.UserID, candidate); err != nil {
		if errors.Is(err, password.ErrInvalidPassword) || errors.Is(err, password.ErrPasswordNotFound) {
			m.logger.Warn("password rejected", "user_id", sess.UserID)
			return nil, password.ErrInvalidPassword
		}
		return nil, err
	}

	next := sess.Clone()
	next.Authenticated = true
	if err := m.repo.Update(ctx, next); err != nil {
		return nil, err
	}
	updated := &Identity{Session: next, User: ident.User}
	m.cache.Add(next.Token, updated)
	m.logger.Info("session authenticated", "user_id", sess.UserID, "method", string(AuthPassword))
	return updated, nil
}

// SubmitTotp advances an authenticated, TOTP-pending session to verified.
//
// Requires the password step to already be complete: a second factor that
// can be played before the first proves nothing about either. Like
// SubmitPassword, the transition works on a clone and returns the
// advanced identity rather than mutating the shared one.
func (m *Manager) SubmitTotp(ctx context.Context, ident *Identity, code string) (*Identity, error) {
	sess := ident.Session
	if !sess.Authenticated || sess.VerifyMethod != VerifyTotp || sess.Verified {
		return nil, ErrNoCredentialPending
	}

	if ident.User.TOTPSecret == "" {
		return nil, fmt.Errorf("user %s has no TOTP secret enrolled", sess.UserID)
	}
	if !totp.Validate(code, ident.User.TOTPSecret) {
		m.logger.Warn("one-time code rejected", "user_id", sess.UserID)
		return nil, ErrInvalidTotp
	}

	next := sess.Clone()
	next.Verified = true
	if err := m.repo.Update(ctx, next); err != nil {
		return nil, err
	}
	updated := &Identity{Session: next, User: ident.User}
	m.cache.Add(next.Token, updated)
	m.logger.Info("session verified", "user_id", sess.UserID, "method", string(VerifyTotp))
	return updated, nil
}

// Logout deletes a session outright and evicts it from the cache.
// Drop is the soft revoke signal.
func (m *Manager) Logout(ctx context.Context, sess *Session) error {
	if err := m.repo.Delete(ctx, sess.Token); err != nil {
		return err
	}
	m.cache.Remove(sess.Token)
	m.logger.Info("session ended", "user_id", sess.UserID)
	return nil
}

// Drop marks a session revoked while keeping its row. The holder sees it
// as expired on the next resolution.
func (m *Manager) Drop(ctx context.Context, sess *Session) error {
	next := sess.Clone()
	next.Dropped = true
	if err := m.repo.Update(ctx, next); err != nil {
		return err
	}
	m.cache.Remove(next.Token)
	m.logger.Info("session dropped", "user_id", sess.UserID)
	return nil
}

// RevokeOthers deletes every session belonging to userID except
// currentToken (storage form) and returns how many were removed.
// The standard follow-up to a password change.
func (m *Manager) RevokeOthers(ctx context.Context, userID, currentToken string) (int, error) {
	tokens, err := m.repo.DeleteByUser(ctx, userID, currentToken)
	if err != nil {
		return 0, err
	}
	m.cache.RemoveAll(tokens)
	if len(tokens) > 0 {
		m.logger.Info("sessions revoked", "user_id", userID, "count", len(tokens))
	}
	return len(tokens), nil
}

// RevokeAll deletes every session belonging to userID.
func (m *Manager) RevokeAll(ctx context.Context, userID string) (int, error) {
	return m.RevokeOthers(ctx, userID, "")
}

// SweepExpired deletes sessions past their expiry and evicts them from
// the cache. Run periodically; resolution already rejects expired
// sessions, this just reclaims the rows.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	tokens, err := m.repo.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	m.cache.RemoveAll(tokens)
	if len(tokens) > 0 {
		m.logger.Info("expired sessions swept", "count", len(tokens))
	}
	return len(tokens), nil
}
