package model

import "context"

// PlatformGateway is the chat-platform collaborator the core calls into.
// LiftBan and RevokeRole must be idempotent: lifting a restriction that is
// already gone succeeds.
type PlatformGateway interface {
	LiftBan(ctx context.Context, communityID, subjectID string) error
	RevokeRole(ctx context.Context, communityID, subjectID, roleID string) error
	SendAuditNotification(ctx context.Context, destinationID string, record CaseRecord) error
}

// RestrictionProbe answers whether a restriction is currently in place with
// an explicit result instead of a platform fault.
type RestrictionProbe interface {
	IsBanned(ctx context.Context, communityID, subjectID string) (bool, error)
	HasRole(ctx context.Context, communityID, subjectID, roleID string) (bool, error)
}

// RestrictedRoleResolver looks up the role used to restrict (mute) members.
type RestrictedRoleResolver interface {
	ResolveRestrictedRole(ctx context.Context, communityID string) (string, bool, error)
}

// AuditDestinationResolver looks up where audit notifications go.
type AuditDestinationResolver interface {
	AuditDestination(ctx context.Context, communityID string) (string, bool, error)
}

// AllowListSource returns the per-key allow-list for a community.
type AllowListSource interface {
	AllowList(ctx context.Context, communityID, permissionKey string) (AllowList, error)
}
