package token

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns a short, log-safe identifier for a token ("" for an empty token).
func Fingerprint(tok string) string {
	if tok == "" {
		return ""
	}
	return HashSHA256Hex(tok)[:12]
}

// Claims are the access-token claims the SDK reads.
type Claims struct {
	SessionID string `json:"sid,omitempty"`
	OrgID     string `json:"oid,omitempty"`
	Tenant    string `json:"tid,omitempty"`
	jwt.RegisteredClaims
}

// Parse decodes claims without verifying the signature.
func Parse(tok string) (Claims, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return Claims{}, ErrEmptyText
	}

	var c Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &c); err != nil {
		return Claims{}, ErrNotJWT
	}
	return c, nil
}

// ExpiresAt returns the exp claim of an access token.
func ExpiresAt(tok string) (time.Time, error) {
	c, err := Parse(tok)
	if err != nil {
		return time.Time{}, err
	}
	if c.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return c.ExpiresAt.Time, nil
}

// ExpiresWithin reports whether tok expires before now+skew.
// Opaque tokens (non-JWT or without exp) report false with the inspection error.
func ExpiresWithin(tok string, now time.Time, skew time.Duration) (bool, error) {
	exp, err := ExpiresAt(tok)
	if err != nil {
		return false, err
	}
	return !now.Add(skew).Before(exp), nil
}

// Sign mints an HS256 token. It backs the in-process test backend and local tooling.
func Sign(c Claims, key []byte) (string, error) {
	if len(key) == 0 {
		return "", ErrEmptyKey
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(key)
}

// Verify checks an HS256 signature and the time-based claims.
func Verify(tok string, key []byte) (Claims, error) {
	if len(key) == 0 {
		return Claims{}, ErrEmptyKey
	}
	var c Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(tok), &c, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, err
	}
	return c, nil
}
