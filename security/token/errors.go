package token

import "errors"

// Public, stable errors for callers.
var (
	ErrNotJWT    = errors.New("token is not a JWT")
	ErrNoExpiry  = errors.New("token has no exp claim")
	ErrEmptyKey  = errors.New("token signing key empty")
	ErrEmptyText = errors.New("token empty")
)
