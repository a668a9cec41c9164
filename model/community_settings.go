package model

// DefaultCommandPrefix is used when neither the community nor the process
// configuration sets a prefix.
const DefaultCommandPrefix = "!"

// CommunitySettings holds per-community configuration. An empty
// AuditDestination or RestrictedRoleID disables the dependent feature.
type CommunitySettings struct {
	CommunityID      string `json:"community_id"`
	CommandPrefix    string `json:"command_prefix"`
	AuditDestination string `json:"audit_destination,omitempty"`
	RestrictedRoleID string `json:"restricted_role_id,omitempty"`
}

// GranteeKind distinguishes user and role entries in a permission allow-list.
type GranteeKind string

const (
	GranteeUser GranteeKind = "user"
	GranteeRole GranteeKind = "role"
)

// AllowList is the set of users and roles granted a permission key in a
// community.
type AllowList struct {
	UserIDs []string
	RoleIDs []string
}

// Empty reports whether nobody has been granted the key explicitly.
func (l AllowList) Empty() bool {
	return len(l.UserIDs) == 0 && len(l.RoleIDs) == 0
}

// Capability is a coarse platform-level privilege, distinct from the
// per-key permission system.
type Capability string

const CapabilityAdministrator Capability = "administrator"
