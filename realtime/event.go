package realtime

import "github.com/entityauth/EntityKit-sub003/identity"

// EventKind names a realtime event.
type EventKind string

const (
	UsernameChanged           EventKind = "username_changed"
	OrganizationsChanged      EventKind = "organizations_changed"
	ActiveOrganizationChanged EventKind = "active_organization_changed"
	SessionInvalidated        EventKind = "session_invalidated"
)

// Event is one push notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// UsernameChanged. Nil means the username was removed.
	Username *string

	// OrganizationsChanged. Never nil for that kind, possibly empty.
	Organizations []identity.OrganizationSummary

	// ActiveOrganizationChanged. Fallback is true when the value was inferred
	// from the first membership rather than chosen explicitly.
	ActiveOrganization *identity.OrganizationSummary
	Fallback           bool

	// SessionInvalidated.
	SessionID string
	Status    string
}
