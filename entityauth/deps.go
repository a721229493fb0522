package entityauth

import (
	"context"

	"github.com/entityauth/EntityKit-sub003/authstate"
	"github.com/entityauth/EntityKit-sub003/config"
	"github.com/entityauth/EntityKit-sub003/identity"
	"github.com/entityauth/EntityKit-sub003/realtime"
	"github.com/entityauth/EntityKit-sub003/service"
)

// AuthService covers credential exchange and the bootstrap call. *service.Auth satisfies it.
type AuthService interface {
	Login(ctx context.Context, c service.Credentials) (service.LoginResponse, error)
	Register(ctx context.Context, c service.Credentials) (service.LoginResponse, error)
	Logout(ctx context.Context, req service.LogoutRequest) error
	Bootstrap(ctx context.Context) (service.BootstrapResponse, error)
}

// OrganizationService is satisfied by *service.Organizations.
type OrganizationService interface {
	Create(ctx context.Context, name, slug, ownerID string) (identity.OrganizationSummary, error)
	Switch(ctx context.Context, orgID string) (service.SwitchOrganizationResponse, error)
	List(ctx context.Context) ([]identity.OrganizationSummary, error)
}

// UserService is satisfied by *service.Users.
type UserService interface {
	SetUsername(ctx context.Context, username string) (service.SetUsernameResponse, error)
}

// EntityService is satisfied by *service.Entities.
type EntityService interface {
	Get(ctx context.Context, id string) (identity.Entity, error)
	List(ctx context.Context, kind string, limit int) ([]identity.Entity, error)
	Upsert(ctx context.Context, e identity.Entity) (identity.Entity, error)
}

// InvitationService is satisfied by *service.Invitations.
type InvitationService interface {
	Send(ctx context.Context, orgID, inviteeUserID, role string) (identity.Invitation, error)
	Accept(ctx context.Context, token string) (identity.Invitation, error)
	Decline(ctx context.Context, invitationID string) (identity.Invitation, error)
	Revoke(ctx context.Context, invitationID string) (identity.Invitation, error)
	List(ctx context.Context, userID string) ([]identity.Invitation, error)
}

// TokenRefresher refreshes the session, joining any refresh in flight. *refresher.Refresher satisfies it.
type TokenRefresher interface {
	Refresh(ctx context.Context) (authstate.TokenPair, error)
}

// Realtime is the push event source. *realtime.Coordinator satisfies it.
type Realtime interface {
	Start(ctx context.Context, userID, sessionID string) error
	Stop()
	Events() <-chan realtime.Event
}

// Authenticator runs an external sign-in ceremony (a passkey, SSO) and returns the
// credentials it produced. The facade treats it as opaque.
type Authenticator interface {
	Authenticate(ctx context.Context) (service.LoginResponse, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) (service.LoginResponse, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context) (service.LoginResponse, error) {
	return f(ctx)
}

// Dependencies are the collaborators a Facade orchestrates. It holds them, it does not own them.
// Config, Realtime, Entities and Invitations are optional.
type Dependencies struct {
	Config        *config.Provider
	State         *authstate.State
	Refresher     TokenRefresher
	Auth          AuthService
	Organizations OrganizationService
	Users         UserService
	Entities      EntityService
	Invitations   InvitationService
	Realtime      Realtime
}
