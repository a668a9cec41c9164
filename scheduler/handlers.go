package scheduler

import (
	"context"

	"zealot/model"
)

// DefaultHandlers returns the reversal table for the built-in kinds: unban
// lifts the ban and unmute removes the community's restricted role. An
// unmute in a community without a restricted role does nothing.
func DefaultHandlers(gateway model.PlatformGateway, roles model.RestrictedRoleResolver) map[model.ActionKind]ReversalFunc {
	return map[model.ActionKind]ReversalFunc{
		model.ActionUnban: func(ctx context.Context, a model.ScheduledAction) error {
			return gateway.LiftBan(ctx, a.CommunityID, a.SubjectID)
		},
		model.ActionUnmute: func(ctx context.Context, a model.ScheduledAction) error {
			roleID, ok, err := roles.ResolveRestrictedRole(ctx, a.CommunityID)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			return gateway.RevokeRole(ctx, a.CommunityID, a.SubjectID, roleID)
		},
	}
}
