package service

import (
	"context"
	"net/url"
	"strings"

	"github.com/entityauth/EntityKit-sub003/apiclient"
	"github.com/entityauth/EntityKit-sub003/identity"
)

// Invitations manages organization invitations.
type Invitations struct {
	api apiclient.Sender
}

// NewInvitations constructs the invitations service.
func NewInvitations(api apiclient.Sender) *Invitations {
	return &Invitations{api: api}
}

// Send invites inviteeUserID into orgID with role.
func (s *Invitations) Send(ctx context.Context, orgID, inviteeUserID, role string) (identity.Invitation, error) {
	if orgID == "" || inviteeUserID == "" {
		return identity.Invitation{}, identity.Invalid("invitations.Send", "orgId and inviteeUserId required")
	}
	if role = strings.TrimSpace(role); role == "" {
		role = "member"
	}
	return apiclient.Do[identity.Invitation](ctx, s.api, apiclient.Post("/api/invitations/send",
		SendInvitationRequest{OrgID: orgID, InviteeUserID: inviteeUserID, Role: role}))
}

// Accept consumes an invitation token.
func (s *Invitations) Accept(ctx context.Context, token string) (identity.Invitation, error) {
	if strings.TrimSpace(token) == "" {
		return identity.Invitation{}, identity.Invalid("invitations.Accept", "token required")
	}
	return apiclient.Do[identity.Invitation](ctx, s.api, apiclient.Post("/api/invitations/accept",
		invitationTokenRequest{Token: token}))
}

// Decline rejects an invitation addressed to the caller.
func (s *Invitations) Decline(ctx context.Context, invitationID string) (identity.Invitation, error) {
	return s.byID(ctx, "invitations.Decline", "/api/invitations/decline", invitationID)
}

// Revoke withdraws an invitation sent by the caller's organization.
func (s *Invitations) Revoke(ctx context.Context, invitationID string) (identity.Invitation, error) {
	return s.byID(ctx, "invitations.Revoke", "/api/invitations/revoke", invitationID)
}

// List returns invitations addressed to userID.
func (s *Invitations) List(ctx context.Context, userID string) ([]identity.Invitation, error) {
	if userID == "" {
		return nil, identity.Invalid("invitations.List", "userId required")
	}
	res, err := apiclient.Do[invitationsResponse](ctx, s.api,
		apiclient.Get("/api/invitations/list", url.Values{"userId": {userID}}))
	if err != nil {
		return nil, err
	}
	return res.Invitations, nil
}

func (s *Invitations) byID(ctx context.Context, op, path, id string) (identity.Invitation, error) {
	if strings.TrimSpace(id) == "" {
		return identity.Invitation{}, identity.Invalid(op, "invitationId required")
	}
	return apiclient.Do[identity.Invitation](ctx, s.api, apiclient.Post(path, invitationIDRequest{InvitationID: id}))
}
