package database

import (
	"context"
	"fmt"

	"zealot/model"

	"github.com/jmoiron/sqlx"
)

// PermissionStore persists per-community allow-lists keyed by permission key.
type PermissionStore struct {
	db *sqlx.DB
}

func NewPermissionStore(db *sqlx.DB) *PermissionStore {
	return &PermissionStore{db: db}
}

// Grant adds the grantee to the key's allow-list. Granting twice is a no-op.
func (s *PermissionStore) Grant(ctx context.Context, communityID, permissionKey string, kind model.GranteeKind, granteeID string) error {
	query := `INSERT OR IGNORE INTO permission_grants (community_id, permission_key, grantee_kind, grantee_id)
		VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, communityID, permissionKey, string(kind), granteeID); err != nil {
		return fmt.Errorf("failed to grant %s to %s %s in community %s: %w", permissionKey, kind, granteeID, communityID, err)
	}
	return nil
}

// Revoke removes the grantee from the key's allow-list. It reports whether
// an entry was removed.
func (s *PermissionStore) Revoke(ctx context.Context, communityID, permissionKey string, kind model.GranteeKind, granteeID string) (bool, error) {
	query := `DELETE FROM permission_grants
		WHERE community_id = ? AND permission_key = ? AND grantee_kind = ? AND grantee_id = ?`
	result, err := s.db.ExecContext(ctx, query, communityID, permissionKey, string(kind), granteeID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke %s from %s %s in community %s: %w", permissionKey, kind, granteeID, communityID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected for revoke: %w", err)
	}
	return rowsAffected > 0, nil
}

// AllowList returns everyone granted permissionKey in communityID.
func (s *PermissionStore) AllowList(ctx context.Context, communityID, permissionKey string) (model.AllowList, error) {
	var grants []struct {
		Kind string `db:"grantee_kind"`
		ID   string `db:"grantee_id"`
	}
	query := `SELECT grantee_kind, grantee_id FROM permission_grants
		WHERE community_id = ? AND permission_key = ? ORDER BY grantee_kind, grantee_id`
	if err := s.db.SelectContext(ctx, &grants, query, communityID, permissionKey); err != nil {
		return model.AllowList{}, fmt.Errorf("failed to get allow-list %s for community %s: %w", permissionKey, communityID, err)
	}

	var list model.AllowList
	for _, g := range grants {
		switch model.GranteeKind(g.Kind) {
		case model.GranteeUser:
			list.UserIDs = append(list.UserIDs, g.ID)
		case model.GranteeRole:
			list.RoleIDs = append(list.RoleIDs, g.ID)
		}
	}
	return list, nil
}
