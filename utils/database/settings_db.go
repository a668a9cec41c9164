package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"zealot/model"

	"github.com/jmoiron/sqlx"
)

type settingsRow struct {
	CommunityID      string         `db:"community_id"`
	CommandPrefix    sql.NullString `db:"command_prefix"`
	AuditDestination sql.NullString `db:"audit_destination"`
	RestrictedRoleID sql.NullString `db:"restricted_role_id"`
	UpdatedAt        int64          `db:"updated_at"`
}

// SettingsStore persists community_settings rows. Absent columns are stored
// as NULL and read back as empty strings.
type SettingsStore struct {
	db *sqlx.DB
}

func NewSettingsStore(db *sqlx.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get returns the stored settings for communityID. found is false when the
// community has never been configured.
func (s *SettingsStore) Get(ctx context.Context, communityID string) (model.CommunitySettings, bool, error) {
	var row settingsRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM community_settings WHERE community_id = ?", communityID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CommunitySettings{CommunityID: communityID}, false, nil
	}
	if err != nil {
		return model.CommunitySettings{}, false, fmt.Errorf("failed to get settings for community %s: %w", communityID, err)
	}
	return model.CommunitySettings{
		CommunityID:      row.CommunityID,
		CommandPrefix:    row.CommandPrefix.String,
		AuditDestination: row.AuditDestination.String,
		RestrictedRoleID: row.RestrictedRoleID.String,
	}, true, nil
}

// SetCommandPrefix stores prefix for the community. An empty value resets it.
func (s *SettingsStore) SetCommandPrefix(ctx context.Context, communityID, prefix string) error {
	return s.setColumn(ctx, communityID, "command_prefix", prefix)
}

// SetAuditDestination stores the audit channel. An empty value clears it.
func (s *SettingsStore) SetAuditDestination(ctx context.Context, communityID, destinationID string) error {
	return s.setColumn(ctx, communityID, "audit_destination", destinationID)
}

// SetRestrictedRole stores the mute role. An empty value clears it.
func (s *SettingsStore) SetRestrictedRole(ctx context.Context, communityID, roleID string) error {
	return s.setColumn(ctx, communityID, "restricted_role_id", roleID)
}

// column is one of the fixed names above, never user input.
func (s *SettingsStore) setColumn(ctx context.Context, communityID, column, value string) error {
	query := fmt.Sprintf(`INSERT INTO community_settings (community_id, %[1]s, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(community_id) DO UPDATE SET %[1]s = excluded.%[1]s, updated_at = excluded.updated_at`, column)
	_, err := s.db.ExecContext(ctx, query, communityID, nullString(value), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set %s for community %s: %w", column, communityID, err)
	}
	return nil
}
