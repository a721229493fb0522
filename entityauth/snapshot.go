package entityauth

import (
	"log/slog"
	"slices"

	"github.com/entityauth/EntityKit-sub003/identity"
	"github.com/entityauth/EntityKit-sub003/security/token"
)

// Snapshot is the consolidated session view. A new value replaces the old one on
// every transition; published values are never mutated.
type Snapshot struct {
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`

	SessionID string  `json:"sessionId,omitempty"`
	UserID    string  `json:"userId,omitempty"`
	Username  *string `json:"username,omitempty"`
	Email     *string `json:"email,omitempty"`
	ImageURL  *string `json:"imageUrl,omitempty"`

	Organizations      []identity.OrganizationSummary `json:"organizations"`
	ActiveOrganization *identity.ActiveOrganization   `json:"activeOrganization,omitempty"`
}

// IsAuthenticated reports whether the snapshot carries an access token.
func (s Snapshot) IsAuthenticated() bool { return s.AccessToken != "" }

// IsZero reports whether s is the cleared value.
func (s Snapshot) IsZero() bool {
	return s.AccessToken == "" && s.RefreshToken == "" && s.SessionID == "" && s.UserID == "" &&
		s.Username == nil && s.Email == nil && s.ImageURL == nil &&
		len(s.Organizations) == 0 && s.ActiveOrganization == nil
}

// LogValue keeps raw tokens out of structured logs.
func (s Snapshot) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("user_id", s.UserID),
		slog.String("session_id", s.SessionID),
		slog.String("access_fp", token.Fingerprint(s.AccessToken)),
		slog.Int("organizations", len(s.Organizations)),
	}
	if s.ActiveOrganization != nil {
		attrs = append(attrs, slog.String("org_id", s.ActiveOrganization.OrgID))
	}
	return slog.GroupValue(attrs...)
}

// clone deep-copies every reference so the result can be edited freely.
func (s Snapshot) clone() Snapshot {
	out := s
	out.Username = clonePtr(s.Username)
	out.Email = clonePtr(s.Email)
	out.ImageURL = clonePtr(s.ImageURL)
	out.Organizations = cloneOrgs(s.Organizations)
	if s.ActiveOrganization != nil {
		a := *s.ActiveOrganization
		a.OrganizationSummary = cloneOrg(a.OrganizationSummary)
		a.Description = clonePtr(a.Description)
		out.ActiveOrganization = &a
	}
	return out
}

func (s Snapshot) equal(o Snapshot) bool {
	return s.AccessToken == o.AccessToken &&
		s.RefreshToken == o.RefreshToken &&
		s.SessionID == o.SessionID &&
		s.UserID == o.UserID &&
		ptrEqual(s.Username, o.Username) &&
		ptrEqual(s.Email, o.Email) &&
		ptrEqual(s.ImageURL, o.ImageURL) &&
		slices.EqualFunc(s.Organizations, o.Organizations, orgEqual) &&
		activeEqual(s.ActiveOrganization, o.ActiveOrganization)
}

// hasActiveIn reports whether the active org is still one of orgs.
func (s Snapshot) hasActiveIn(orgs []identity.OrganizationSummary) bool {
	if s.ActiveOrganization == nil {
		return false
	}
	_, ok := identity.FindOrganization(orgs, s.ActiveOrganization.OrgID)
	return ok
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneOrg(o identity.OrganizationSummary) identity.OrganizationSummary {
	o.Name = clonePtr(o.Name)
	o.Slug = clonePtr(o.Slug)
	o.MemberCount = clonePtr(o.MemberCount)
	o.WorkspaceTenantID = clonePtr(o.WorkspaceTenantID)
	return o
}

func cloneOrgs(in []identity.OrganizationSummary) []identity.OrganizationSummary {
	if in == nil {
		return nil
	}
	out := make([]identity.OrganizationSummary, len(in))
	for i, o := range in {
		out[i] = cloneOrg(o)
	}
	return out
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func orgEqual(a, b identity.OrganizationSummary) bool {
	return a.OrgID == b.OrgID &&
		a.Role == b.Role &&
		a.JoinedAt == b.JoinedAt &&
		ptrEqual(a.Name, b.Name) &&
		ptrEqual(a.Slug, b.Slug) &&
		ptrEqual(a.MemberCount, b.MemberCount) &&
		ptrEqual(a.WorkspaceTenantID, b.WorkspaceTenantID)
}

func activeEqual(a, b *identity.ActiveOrganization) bool {
	if a == nil || b == nil {
		return a == b
	}
	return orgEqual(a.OrganizationSummary, b.OrganizationSummary) && ptrEqual(a.Description, b.Description)
}
