// Package service implements the live, HTTP-backed domain services on top of apiclient.
package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/entityauth/EntityKit-sub003/apiclient"
	"github.com/entityauth/EntityKit-sub003/identity"
	"github.com/entityauth/EntityKit-sub003/refresher"
)

const (
	pathLogin     = "/api/auth/login"
	pathRegister  = "/api/auth/register"
	pathRefresh   = "/api/auth/refresh"
	pathLogout    = "/api/auth/logout"
	pathBootstrap = "/api/auth/bootstrap"
)

// Auth covers login, registration, logout, refresh and bootstrap.
type Auth struct {
	api apiclient.Sender
}

// NewAuth constructs the auth service.
func NewAuth(api apiclient.Sender) *Auth {
	return &Auth{api: api}
}

// Login exchanges credentials for a session.
func (s *Auth) Login(ctx context.Context, c Credentials) (LoginResponse, error) {
	c, err := normalizeCredentials("auth.Login", c)
	if err != nil {
		return LoginResponse{}, err
	}
	return apiclient.Do[LoginResponse](ctx, s.api, apiclient.Post(pathLogin, c).Public())
}

// Register creates an account and returns its first session.
func (s *Auth) Register(ctx context.Context, c Credentials) (LoginResponse, error) {
	c, err := normalizeCredentials("auth.Register", c)
	if err != nil {
		return LoginResponse{}, err
	}
	return apiclient.Do[LoginResponse](ctx, s.api, apiclient.Post(pathRegister, c).Public())
}

// Logout revokes the session server-side.
func (s *Auth) Logout(ctx context.Context, req LogoutRequest) error {
	_, err := s.api.Send(ctx, apiclient.Post(pathLogout, req))
	return err
}

// Bootstrap fetches identity and memberships for the current token.
func (s *Auth) Bootstrap(ctx context.Context) (BootstrapResponse, error) {
	return apiclient.Do[BootstrapResponse](ctx, s.api, apiclient.Get(pathBootstrap, nil))
}

// Refresh implements refresher.Service. Rejections (400/401/403) become
// RefreshError; transport and 5xx errors pass through so callers do not log out
// on a network blip.
func (s *Auth) Refresh(ctx context.Context, refreshToken string) (refresher.Result, error) {
	if refreshToken == "" {
		return refresher.Result{}, refresher.ErrRefreshTokenMissing
	}

	res, err := apiclient.Do[refresher.Result](ctx, s.api,
		apiclient.Post(pathRefresh, RefreshRequest{RefreshToken: refreshToken}).Public())
	if err != nil {
		if isRejection(err) {
			return refresher.Result{}, &refresher.RefreshError{Err: err}
		}
		return refresher.Result{}, err
	}
	return res, nil
}

func isRejection(err error) bool {
	if errors.Is(err, apiclient.ErrUnauthorized) {
		return true
	}
	switch apiclient.StatusCode(err) {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

func normalizeCredentials(op string, c Credentials) (Credentials, error) {
	c.Email = identity.NormalizeEmail(c.Email)
	if err := identity.ValidateEmail(op, c.Email); err != nil {
		return Credentials{}, err
	}
	if c.Password == "" {
		return Credentials{}, identity.Invalid(op, "password required")
	}
	return c, nil
}
