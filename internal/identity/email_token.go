package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cairnfs/cairnfs/internal/secrets"
)

// tokenPurposeEmailVerify is the purpose claim carried by verification tokens,
// so a session artefact can never be replayed as a verification link.
const tokenPurposeEmailVerify = "email-verify"

// verifyClaims extends JWT standard claims with the token purpose.
type verifyClaims struct {
	jwt.RegisteredClaims
	Purpose string `json:"purpose"`
}

// NewVerificationToken creates a signed email-verification token for a user.
// It is signed with the newest session signing key; the all-zero fallback key
// is used only when the store is empty, matching session token encoding.
func NewVerificationToken(user *User, keys *secrets.Store, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := verifyClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Purpose: tokenPurposeEmailVerify,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey(keys))
	if err != nil {
		return "", fmt.Errorf("signing verification token: %w", err)
	}
	return signed, nil
}

// ParseVerificationToken validates a verification token and returns the user
// ID it was issued for. Every stored key version is tried newest-first so a
// signing key rotation does not invalidate links already sent.
func ParseVerificationToken(tokenString string, keys *secrets.Store) (string, error) {
	candidates := verificationKeys(keys)

	var lastErr error
	for _, key := range candidates {
		claims := &verifyClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			lastErr = err
			continue
		}

		if !token.Valid || claims.Purpose != tokenPurposeEmailVerify || claims.Subject == "" {
			return "", ErrTokenInvalid
		}
		return claims.Subject, nil
	}

	return "", fmt.Errorf("%w: %w", ErrTokenInvalid, lastErr)
}

// signingKey returns the newest session key, or the all-zero fallback.
func signingKey(keys *secrets.Store) []byte {
	if _, key, ok := keys.Newest(); ok {
		return key.Data
	}
	return make([]byte, 32)
}

// verificationKeys returns every stored key newest-first, with the all-zero
// fallback appended for symmetry with signingKey.
func verificationKeys(keys *secrets.Store) [][]byte {
	all := keys.All()
	candidates := make([][]byte, 0, len(all)+1)
	for i := len(all) - 1; i >= 0; i-- {
		candidates = append(candidates, all[i].Key.Data)
	}
	candidates = append(candidates, make([]byte, 32))
	return candidates
}
