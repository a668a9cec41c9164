// Package permission decides whether an actor may invoke a capability in a
// community.
package permission

import (
	"context"
	"log/slog"

	"zealot/metrics"
	"zealot/model"
)

// Deny reasons shown to the actor.
const (
	ReasonDeveloperOnly = "developer-only"
	ReasonNoPermission  = "no permission"
)

// Request describes one authorization question.
type Request struct {
	ActorID       string
	ActorRoleIDs  []string
	CommunityID   string
	PermissionKey string
	// DeveloperOnly restricts the key to the process-wide developer list.
	DeveloperOnly bool
	// UserBypass allows everyone when the key has no configured allow-list.
	UserBypass   bool
	Capabilities []model.Capability
}

// Decision is the verdict for a Request.
type Decision struct {
	Allowed bool
	Reason  string
}

// Err returns nil for an allow and an authorization error carrying the
// reason for a deny.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return model.NewAuthorizationError(d.Reason)
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Gate evaluates permission requests.
type Gate struct {
	developers map[string]struct{}
	lists      model.AllowListSource
	log        *slog.Logger
}

// NewGate copies developerIDs; later changes to the slice have no effect.
func NewGate(developerIDs []string, lists model.AllowListSource, logger *slog.Logger) *Gate {
	developers := make(map[string]struct{}, len(developerIDs))
	for _, id := range developerIDs {
		if id != "" {
			developers[id] = struct{}{}
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{developers: developers, lists: lists, log: logger.With("module", "permission")}
}

// IsDeveloper reports whether id is on the developer list.
func (g *Gate) IsDeveloper(id string) bool {
	_, ok := g.developers[id]
	return ok
}

// Check evaluates req. Tiers are tried in order: developer-only keys,
// administrator capability, then the community's allow-list for the key.
// An error means the allow-list could not be read; no decision was made.
func (g *Gate) Check(ctx context.Context, req Request) (Decision, error) {
	d, err := g.check(ctx, req)
	if err != nil {
		metrics.PermissionDecisions.WithLabelValues("error").Inc()
		return Decision{}, err
	}
	if d.Allowed {
		metrics.PermissionDecisions.WithLabelValues("allow").Inc()
	} else {
		metrics.PermissionDecisions.WithLabelValues("deny").Inc()
		g.log.Debug("permission denied",
			"community_id", req.CommunityID,
			"actor_id", req.ActorID,
			"permission_key", req.PermissionKey,
			"reason", d.Reason)
	}
	return d, nil
}

func (g *Gate) check(ctx context.Context, req Request) (Decision, error) {
	if req.DeveloperOnly {
		if g.IsDeveloper(req.ActorID) {
			return allow(), nil
		}
		return deny(ReasonDeveloperOnly), nil
	}

	if hasCapability(req.Capabilities, model.CapabilityAdministrator) {
		return allow(), nil
	}

	if g.lists == nil {
		if req.UserBypass {
			return allow(), nil
		}
		return deny(ReasonNoPermission), nil
	}

	list, err := g.lists.AllowList(ctx, req.CommunityID, req.PermissionKey)
	if err != nil {
		if model.IsPersistence(err) {
			return Decision{}, err
		}
		return Decision{}, model.NewPersistenceError("failed to load allow-list", err)
	}

	if list.Empty() {
		if req.UserBypass {
			return allow(), nil
		}
		return deny(ReasonNoPermission), nil
	}

	if contains(list.UserIDs, req.ActorID) {
		return allow(), nil
	}
	for _, roleID := range req.ActorRoleIDs {
		if contains(list.RoleIDs, roleID) {
			return allow(), nil
		}
	}
	return deny(ReasonNoPermission), nil
}

func hasCapability(caps []model.Capability, want model.Capability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// contains checks if a slice of strings contains an element.
func contains(slice []string, item string) bool {
	for _, a := range slice {
		if a == item {
			return true
		}
	}
	return false
}
