package session

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/cairnfs/cairnfs/internal/secrets"
)

// Token and encoding sizes.
const (
	// TokenLength is the size of a raw session token in bytes.
	TokenLength = 48

	// macLength is the size of the keyed-hash suffix (HMAC-SHA256).
	macLength = sha256.Size

	// maxTokenAttempts bounds uniqueness retries. A collision across 48
	// random bytes is astronomically unlikely; the bound exists to fail
	// closed rather than loop forever if the RNG or DB is broken.
	maxTokenAttempts = 5
)

// Codec encodes and decodes session tokens against a signing-key store.
//
// Encoding always uses the newest key; decoding tries every stored key
// newest-first. When the store is empty both sides degrade to an all-zero
// key - a documented weak fallback, never the production path.
type Codec struct {
	keys *secrets.Store
}

// NewCodec creates a codec bound to the session signing-key store.
func NewCodec(keys *secrets.Store) *Codec {
	return &Codec{keys: keys}
}

// Encode produces the wire form of a raw token:
// base64url(token || HMAC-SHA256(newest_key, token)).
func (c *Codec) Encode(token []byte) string {
	key := c.newestKey()
	mac := computeMAC(key, token)

	buf := make([]byte, 0, len(token)+len(mac))
	buf = append(buf, token...)
	buf = append(buf, mac...)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Decode authenticates a wire-form token and returns the raw token bytes.
//
// The keyed-hash comparison uses hmac.Equal; never a custom byte compare.
// Errors: ErrInvalidSession for malformed encoding or wrong length,
// ErrInvalidHash when no stored key (nor the zero fallback) matches.
func (c *Codec) Decode(encoded string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}

	if len(raw) != TokenLength+macLength {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSession, len(raw))
	}

	token, mac := raw[:TokenLength], raw[TokenLength:]

	// Newest first: the common case is a token issued under the current
	// key. Older keys keep sessions issued before a rotation alive.
	all := c.keys.All()
	for i := len(all) - 1; i >= 0; i-- {
		if hmac.Equal(mac, computeMAC(all[i].Key.Data, token)) {
			return token, nil
		}
	}

	// Zero-key fallback for symmetry with encoding against an empty store.
	if hmac.Equal(mac, computeMAC(zeroKey(), token)) {
		return token, nil
	}

	return nil, ErrInvalidHash
}

// NewUniqueToken draws a random token and verifies it is unused, retrying a
// bounded number of times before failing closed with ErrTokenExhausted.
func NewUniqueToken(ctx context.Context, repo Repository) ([]byte, error) {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token := make([]byte, TokenLength)
		if _, err := rand.Read(token); err != nil {
			return nil, fmt.Errorf("generating session token: %w", err)
		}

		exists, err := repo.Exists(ctx, StorageKey(token))
		if err != nil {
			return nil, fmt.Errorf("checking token uniqueness: %w", err)
		}
		if !exists {
			return token, nil
		}
	}
	return nil, ErrTokenExhausted
}

// StorageKey converts a raw token to its database key form.
func StorageKey(token []byte) string {
	return base64.RawURLEncoding.EncodeToString(token)
}

// computeMAC computes the keyed hash binding a token to server knowledge.
func computeMAC(key, token []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(token)
	return mac.Sum(nil)
}

// newestKey returns the newest signing key, or the all-zero fallback.
func (c *Codec) newestKey() []byte {
	if _, key, ok := c.keys.Newest(); ok {
		return key.Data
	}
	return zeroKey()
}

// zeroKey is the documented unkeyed fallback for an empty store.
func zeroKey() []byte {
	return make([]byte, 32)
}
