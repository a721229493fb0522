package service

import "github.com/entityauth/EntityKit-sub003/identity"

// Wire DTOs. Field names are part of the API contract.

type Credentials struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	WorkspaceTenantID string `json:"workspaceTenantId,omitempty"`
}

// LoginResponse is returned by login, register and external authenticators.
type LoginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type LogoutRequest struct {
	SessionID    string `json:"sessionId,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// BootstrapResponse is the identity + membership payload fetched once tokens exist.
type BootstrapResponse struct {
	UserID             string                         `json:"userId"`
	SessionID          string                         `json:"sessionId,omitempty"`
	Username           *string                        `json:"username,omitempty"`
	Email              *string                        `json:"email,omitempty"`
	ImageURL           *string                        `json:"imageUrl,omitempty"`
	Organizations      []identity.OrganizationSummary `json:"organizations"`
	ActiveOrganization *identity.ActiveOrganization   `json:"activeOrganization,omitempty"`
}

type CreateOrganizationRequest struct {
	Name    string `json:"name"`
	Slug    string `json:"slug"`
	OwnerID string `json:"ownerId"`
}

type SwitchOrganizationRequest struct {
	OrgID string `json:"orgId"`
}

// SwitchOrganizationResponse carries the access token scoped to the new org.
type SwitchOrganizationResponse struct {
	AccessToken string `json:"accessToken"`
	OrgID       string `json:"orgId"`
}

type organizationsResponse struct {
	Organizations []identity.OrganizationSummary `json:"organizations"`
}

type SetUsernameRequest struct {
	Username string `json:"username"`
}

type SetUsernameResponse struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type entitiesResponse struct {
	Entities []identity.Entity `json:"entities"`
}

type SendInvitationRequest struct {
	OrgID         string `json:"orgId"`
	InviteeUserID string `json:"inviteeUserId"`
	Role          string `json:"role"`
}

type invitationTokenRequest struct {
	Token string `json:"token"`
}

type invitationIDRequest struct {
	InvitationID string `json:"invitationId"`
}

type invitationsResponse struct {
	Invitations []identity.Invitation `json:"invitations"`
}
