// Package settings is the per-community configuration store. Reads go
// through an optional Redis cache; every write invalidates it.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"zealot/model"
	"zealot/utils/database"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

const (
	maxPrefixLength = 5
	cacheKeyPrefix  = "settings:community:"
)

// Store reads and writes CommunitySettings and permission allow-lists.
type Store struct {
	settings      *database.SettingsStore
	grants        *database.PermissionStore
	cache         *redis.Client
	cacheTTL      time.Duration
	defaultPrefix string
	log           *slog.Logger
}

// New returns a Store over db. cache may be nil to disable caching.
func New(db *sqlx.DB, defaultPrefix string, cache *redis.Client, cacheTTL time.Duration, logger *slog.Logger) *Store {
	if defaultPrefix == "" {
		defaultPrefix = model.DefaultCommandPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		settings:      database.NewSettingsStore(db),
		grants:        database.NewPermissionStore(db),
		cache:         cache,
		cacheTTL:      cacheTTL,
		defaultPrefix: defaultPrefix,
		log:           logger.With("module", "settings"),
	}
}

// Get returns the community's settings with defaults applied.
func (s *Store) Get(ctx context.Context, communityID string) (model.CommunitySettings, error) {
	if cached, ok := s.fromCache(ctx, communityID); ok {
		return s.withDefaults(cached), nil
	}

	gen, fill := s.cacheGeneration(ctx, communityID)
	stored, _, err := s.settings.Get(ctx, communityID)
	if err != nil {
		return model.CommunitySettings{}, model.NewPersistenceError("failed to load community settings", err)
	}
	if fill {
		s.toCache(ctx, stored, gen)
	}
	return s.withDefaults(stored), nil
}

func (s *Store) withDefaults(cs model.CommunitySettings) model.CommunitySettings {
	if cs.CommandPrefix == "" {
		cs.CommandPrefix = s.defaultPrefix
	}
	return cs
}

// Prefix returns the command prefix in effect for the community.
func (s *Store) Prefix(ctx context.Context, communityID string) (string, error) {
	cs, err := s.Get(ctx, communityID)
	if err != nil {
		return "", err
	}
	return cs.CommandPrefix, nil
}

// AuditDestination returns the channel audit entries are sent to. ok is
// false when none is configured.
func (s *Store) AuditDestination(ctx context.Context, communityID string) (string, bool, error) {
	cs, err := s.Get(ctx, communityID)
	if err != nil {
		return "", false, err
	}
	return cs.AuditDestination, cs.AuditDestination != "", nil
}

// ResolveRestrictedRole returns the role used for mutes. ok is false when
// none is configured.
func (s *Store) ResolveRestrictedRole(ctx context.Context, communityID string) (string, bool, error) {
	cs, err := s.Get(ctx, communityID)
	if err != nil {
		return "", false, err
	}
	return cs.RestrictedRoleID, cs.RestrictedRoleID != "", nil
}

// SetPrefix changes the command prefix.
func (s *Store) SetPrefix(ctx context.Context, communityID, prefix string) error {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return model.NewValidationError("prefix must not be empty")
	}
	if utf8.RuneCountInString(prefix) > maxPrefixLength {
		return model.NewValidationError("prefix must be at most 5 characters")
	}
	return s.write(ctx, communityID, func() error {
		return s.settings.SetCommandPrefix(ctx, communityID, prefix)
	})
}

// SetAuditDestination sets the audit channel. An empty id disables audit
// notifications.
func (s *Store) SetAuditDestination(ctx context.Context, communityID, destinationID string) error {
	return s.write(ctx, communityID, func() error {
		return s.settings.SetAuditDestination(ctx, communityID, strings.TrimSpace(destinationID))
	})
}

// SetRestrictedRole sets the mute role. An empty id disables role-based
// mute reversal.
func (s *Store) SetRestrictedRole(ctx context.Context, communityID, roleID string) error {
	return s.write(ctx, communityID, func() error {
		return s.settings.SetRestrictedRole(ctx, communityID, strings.TrimSpace(roleID))
	})
}

func (s *Store) write(ctx context.Context, communityID string, fn func() error) error {
	if communityID == "" {
		return model.NewValidationError("community id is required")
	}
	if err := fn(); err != nil {
		return model.NewPersistenceError("failed to save community settings", err)
	}
	s.invalidate(ctx, communityID)
	return nil
}

// GrantPermission adds a user or role to the allow-list of permissionKey.
func (s *Store) GrantPermission(ctx context.Context, communityID, permissionKey string, kind model.GranteeKind, granteeID string) error {
	if err := validateGrant(communityID, permissionKey, kind, granteeID); err != nil {
		return err
	}
	if err := s.grants.Grant(ctx, communityID, permissionKey, kind, granteeID); err != nil {
		return model.NewPersistenceError("failed to grant permission", err)
	}
	return nil
}

// RevokePermission removes a user or role from the allow-list of
// permissionKey. Revoking an absent grant is not an error.
func (s *Store) RevokePermission(ctx context.Context, communityID, permissionKey string, kind model.GranteeKind, granteeID string) error {
	if err := validateGrant(communityID, permissionKey, kind, granteeID); err != nil {
		return err
	}
	if _, err := s.grants.Revoke(ctx, communityID, permissionKey, kind, granteeID); err != nil {
		return model.NewPersistenceError("failed to revoke permission", err)
	}
	return nil
}

// AllowList returns the users and roles granted permissionKey.
func (s *Store) AllowList(ctx context.Context, communityID, permissionKey string) (model.AllowList, error) {
	list, err := s.grants.AllowList(ctx, communityID, permissionKey)
	if err != nil {
		return model.AllowList{}, model.NewPersistenceError("failed to load allow-list", err)
	}
	return list, nil
}

func validateGrant(communityID, permissionKey string, kind model.GranteeKind, granteeID string) error {
	switch {
	case communityID == "":
		return model.NewValidationError("community id is required")
	case permissionKey == "":
		return model.NewValidationError("permission key is required")
	case kind != model.GranteeUser && kind != model.GranteeRole:
		return model.NewValidationError("grantee kind must be user or role")
	case granteeID == "":
		return model.NewValidationError("grantee id is required")
	}
	return nil
}

var errStaleFill = errors.New("settings changed during cache fill")

func cacheKey(communityID string) string {
	return cacheKeyPrefix + communityID
}

// generationKey counts writes to a community's settings. A cache fill only
// lands if no write happened since the fill read the database.
func generationKey(communityID string) string {
	return cacheKeyPrefix + communityID + ":gen"
}

// Cache errors never fail a read or write; the database stays authoritative.
func (s *Store) fromCache(ctx context.Context, communityID string) (model.CommunitySettings, bool) {
	if s.cache == nil {
		return model.CommunitySettings{}, false
	}
	raw, err := s.cache.Get(ctx, cacheKey(communityID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("settings cache read failed", "community_id", communityID, "error", err)
		}
		return model.CommunitySettings{}, false
	}
	var cs model.CommunitySettings
	if err := json.Unmarshal(raw, &cs); err != nil {
		s.log.Warn("discarding corrupt settings cache entry", "community_id", communityID, "error", err)
		return model.CommunitySettings{}, false
	}
	return cs, true
}

// cacheGeneration returns the write generation to fill against. ok is false
// when there is no cache or it cannot be read.
func (s *Store) cacheGeneration(ctx context.Context, communityID string) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	gen, err := readGeneration(ctx, s.cache, communityID)
	if err != nil {
		s.log.Warn("settings cache read failed", "community_id", communityID, "error", err)
		return 0, false
	}
	return gen, true
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGeneration(ctx context.Context, c getter, communityID string) (int64, error) {
	gen, err := c.Get(ctx, generationKey(communityID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// toCache stores cs unless a write bumped the generation after gen was read.
func (s *Store) toCache(ctx context.Context, cs model.CommunitySettings, gen int64) {
	raw, err := json.Marshal(cs)
	if err != nil {
		return
	}

	err = s.cache.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(ctx, tx, cs.CommunityID)
		if err != nil {
			return err
		}
		if current != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cacheKey(cs.CommunityID), raw, s.cacheTTL)
			return nil
		})
		return err
	}, generationKey(cs.CommunityID))

	switch {
	case err == nil:
	case errors.Is(err, errStaleFill) || errors.Is(err, redis.TxFailedErr):
		s.log.Debug("skipped stale settings cache fill", "community_id", cs.CommunityID)
	default:
		s.log.Warn("settings cache write failed", "community_id", cs.CommunityID, "error", err)
	}
}

func (s *Store) invalidate(ctx context.Context, communityID string) {
	if s.cache == nil {
		return
	}
	_, err := s.cache.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(communityID))
		pipe.Del(ctx, cacheKey(communityID))
		return nil
	})
	if err != nil {
		s.log.Warn("settings cache invalidation failed", "community_id", communityID, "error", err)
	}
}
