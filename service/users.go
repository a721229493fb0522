package service

import (
	"context"

	"github.com/entityauth/EntityKit-sub003/apiclient"
	"github.com/entityauth/EntityKit-sub003/identity"
)

// Users manages the signed-in user's profile.
type Users struct {
	api apiclient.Sender
}

// NewUsers constructs the users service.
func NewUsers(api apiclient.Sender) *Users {
	return &Users{api: api}
}

// SetUsername normalizes, validates and stores a new username.
func (s *Users) SetUsername(ctx context.Context, username string) (SetUsernameResponse, error) {
	username = identity.NormalizeUsername(username)
	if err := identity.ValidateUsername("users.SetUsername", username); err != nil {
		return SetUsernameResponse{}, err
	}
	return apiclient.Do[SetUsernameResponse](ctx, s.api, apiclient.Post("/api/user/username",
		SetUsernameRequest{Username: username}))
}
