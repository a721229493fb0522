package service

import (
	"context"
	"strings"

	"github.com/entityauth/EntityKit-sub003/apiclient"
	"github.com/entityauth/EntityKit-sub003/identity"
)

// Organizations manages memberships and the active organization.
type Organizations struct {
	api apiclient.Sender
}

// NewOrganizations constructs the organizations service.
func NewOrganizations(api apiclient.Sender) *Organizations {
	return &Organizations{api: api}
}

// Create creates an organization owned by ownerID. An empty slug is derived from name.
func (s *Organizations) Create(ctx context.Context, name, slug, ownerID string) (identity.OrganizationSummary, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return identity.OrganizationSummary{}, identity.Invalid("orgs.Create", "name required")
	}
	if slug = strings.TrimSpace(slug); slug == "" {
		slug = identity.Slugify(name)
	}
	if slug == "" {
		return identity.OrganizationSummary{}, identity.Invalid("orgs.Create", "slug required")
	}
	if ownerID == "" {
		return identity.OrganizationSummary{}, identity.Invalid("orgs.Create", "owner required")
	}

	return apiclient.Do[identity.OrganizationSummary](ctx, s.api, apiclient.Post("/api/org/create",
		CreateOrganizationRequest{Name: name, Slug: slug, OwnerID: ownerID}))
}

// Switch asks the server to make orgID active and returns the re-scoped access token.
func (s *Organizations) Switch(ctx context.Context, orgID string) (SwitchOrganizationResponse, error) {
	if strings.TrimSpace(orgID) == "" {
		return SwitchOrganizationResponse{}, identity.Invalid("orgs.Switch", "orgId required")
	}
	return apiclient.Do[SwitchOrganizationResponse](ctx, s.api, apiclient.Post("/api/org/switch",
		SwitchOrganizationRequest{OrgID: orgID}))
}

// List returns the caller's memberships.
func (s *Organizations) List(ctx context.Context) ([]identity.OrganizationSummary, error) {
	res, err := apiclient.Do[organizationsResponse](ctx, s.api, apiclient.Get("/api/org/list", nil))
	if err != nil {
		return nil, err
	}
	return res.Organizations, nil
}
