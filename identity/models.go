// Package identity holds the SDK's domain records: users, organization
// memberships, entities and invitations, as they travel over the wire.
//
// Optional fields are pointers. Values reachable from a published Snapshot are
// treated as immutable; mutate copies only.
package identity

import "slices"

// User is the signed-in principal as reported by the server.
type User struct {
	ID       string  `json:"id"`
	Email    *string `json:"email,omitempty"`
	Username *string `json:"username,omitempty"`
	ImageURL *string `json:"imageUrl,omitempty"`
}

// OrganizationSummary is one membership of the user. JoinedAt is epoch milliseconds.
type OrganizationSummary struct {
	OrgID             string  `json:"orgId"`
	Name              *string `json:"name,omitempty"`
	Slug              *string `json:"slug,omitempty"`
	MemberCount       *int    `json:"memberCount,omitempty"`
	Role              string  `json:"role"`
	JoinedAt          int64   `json:"joinedAt"`
	WorkspaceTenantID *string `json:"workspaceTenantId,omitempty"`
}

// ActiveOrganization is the membership the server designates active for the session.
type ActiveOrganization struct {
	OrganizationSummary
	Description *string `json:"description,omitempty"`
}

// Activate promotes a membership to the active organization.
func (o OrganizationSummary) Activate() *ActiveOrganization {
	return &ActiveOrganization{OrganizationSummary: o}
}

// FindOrganization returns the membership with orgID.
func FindOrganization(orgs []OrganizationSummary, orgID string) (OrganizationSummary, bool) {
	i := slices.IndexFunc(orgs, func(o OrganizationSummary) bool { return o.OrgID == orgID })
	if i < 0 {
		return OrganizationSummary{}, false
	}
	return orgs[i], true
}

// Entity is a tenant-scoped record managed through the entities API.
type Entity struct {
	ID                string         `json:"id"`
	Kind              string         `json:"kind"`
	WorkspaceTenantID string         `json:"workspaceTenantId,omitempty"`
	Properties        map[string]any `json:"properties,omitempty"`
	Status            string         `json:"status,omitempty"`
	CreatedAt         int64          `json:"createdAt,omitempty"`
	UpdatedAt         int64          `json:"updatedAt,omitempty"`
}

// InvitationStatus is the lifecycle state of an invitation.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationRevoked  InvitationStatus = "revoked"
	InvitationExpired  InvitationStatus = "expired"
)

// Invitation invites a user into an organization with a role.
type Invitation struct {
	ID            string           `json:"id"`
	OrgID         string           `json:"orgId"`
	InviteeUserID string           `json:"inviteeUserId"`
	InviterID     string           `json:"inviterId,omitempty"`
	Role          string           `json:"role"`
	Status        InvitationStatus `json:"status"`
	Token         string           `json:"token,omitempty"`
	ExpiresAt     int64            `json:"expiresAt,omitempty"`
	CreatedAt     int64            `json:"createdAt,omitempty"`
}

// Ptr returns a pointer to v. Handy for optional wire fields.
func Ptr[T any](v T) *T { return &v }

// Deref returns *p or the zero value.
func Deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
