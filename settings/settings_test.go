package settings

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"zealot/model"
	"zealot/utils/database"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "zealot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestStore_DefaultsForUnconfiguredCommunity(t *testing.T) {
	store := New(openTestDB(t), "!", nil, 0, nil)
	ctx := context.Background()

	cs, err := store.Get(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "!", cs.CommandPrefix)

	_, ok, err := store.AuditDestination(ctx, "100")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.ResolveRestrictedRole(ctx, "100")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Setters(t *testing.T) {
	store := New(openTestDB(t), "!", nil, 0, nil)
	ctx := context.Background()

	require.NoError(t, store.SetPrefix(ctx, "100", " ?? "))
	require.NoError(t, store.SetAuditDestination(ctx, "100", "900"))
	require.NoError(t, store.SetRestrictedRole(ctx, "100", "555"))

	prefix, err := store.Prefix(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "??", prefix)

	dest, ok, err := store.AuditDestination(ctx, "100")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "900", dest)

	role, ok, err := store.ResolveRestrictedRole(ctx, "100")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "555", role)

	require.NoError(t, store.SetRestrictedRole(ctx, "100", ""))
	_, ok, err = store.ResolveRestrictedRole(ctx, "100")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SetPrefixValidation(t *testing.T) {
	store := New(openTestDB(t), "!", nil, 0, nil)
	ctx := context.Background()

	err := store.SetPrefix(ctx, "100", "   ")
	assert.True(t, model.IsValidation(err))

	err = store.SetPrefix(ctx, "100", "toolong")
	assert.True(t, model.IsValidation(err))

	err = store.SetPrefix(ctx, "", "!")
	assert.True(t, model.IsValidation(err))
}

func TestStore_CacheIsReadThroughAndInvalidated(t *testing.T) {
	mr, client := setupRedis(t)
	store := New(openTestDB(t), "!", client, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, store.SetAuditDestination(ctx, "100", "900"))
	assert.False(t, mr.Exists(cacheKey("100")), "write must invalidate")

	_, err := store.Get(ctx, "100")
	require.NoError(t, err)
	require.True(t, mr.Exists(cacheKey("100")))
	assert.Equal(t, time.Minute, mr.TTL(cacheKey("100")))

	require.NoError(t, mr.Set(cacheKey("100"), `{"community_id":"100","audit_destination":"cached"}`))
	dest, _, err := store.AuditDestination(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "cached", dest, "reads are served from cache")

	require.NoError(t, store.SetAuditDestination(ctx, "100", "901"))
	dest, _, err = store.AuditDestination(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "901", dest)
}

func TestStore_CacheFillRacingWriteIsDiscarded(t *testing.T) {
	mr, client := setupRedis(t)
	store := New(openTestDB(t), "!", client, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, store.SetRestrictedRole(ctx, "100", "555"))

	gen, ok := store.cacheGeneration(ctx, "100")
	require.True(t, ok)
	before, _, err := store.settings.Get(ctx, "100")
	require.NoError(t, err)

	require.NoError(t, store.SetRestrictedRole(ctx, "100", "556"))
	store.toCache(ctx, before, gen)
	assert.False(t, mr.Exists(cacheKey("100")), "fill read before the write must not land")

	role, ok, err := store.ResolveRestrictedRole(ctx, "100")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "556", role)

	role, _, err = store.ResolveRestrictedRole(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "556", role)
	assert.True(t, mr.Exists(cacheKey("100")))
}

func TestStore_CacheFailureFallsBackToDatabase(t *testing.T) {
	mr, client := setupRedis(t)
	store := New(openTestDB(t), "!", client, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, store.SetRestrictedRole(ctx, "100", "555"))
	mr.Close()

	role, ok, err := store.ResolveRestrictedRole(ctx, "100")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "555", role)
}

func TestStore_CorruptCacheEntryIgnored(t *testing.T) {
	mr, client := setupRedis(t)
	store := New(openTestDB(t), "!", client, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, store.SetPrefix(ctx, "100", "$"))
	require.NoError(t, mr.Set(cacheKey("100"), "not json"))

	prefix, err := store.Prefix(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "$", prefix)
}

func TestStore_PermissionGrants(t *testing.T) {
	store := New(openTestDB(t), "!", nil, 0, nil)
	ctx := context.Background()

	require.NoError(t, store.GrantPermission(ctx, "100", "punish", model.GranteeRole, "42"))
	list, err := store.AllowList(ctx, "100", "punish")
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, list.RoleIDs)

	require.NoError(t, store.RevokePermission(ctx, "100", "punish", model.GranteeRole, "42"))
	require.NoError(t, store.RevokePermission(ctx, "100", "punish", model.GranteeRole, "42"))
	list, err = store.AllowList(ctx, "100", "punish")
	require.NoError(t, err)
	assert.True(t, list.Empty())

	err = store.GrantPermission(ctx, "100", "punish", model.GranteeKind("channel"), "1")
	assert.True(t, model.IsValidation(err))
}

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := ConnectRedis(context.Background(), mr.Addr())
	require.NoError(t, err)
	client.Close()

	client, err = ConnectRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	client.Close()

	_, err = ConnectRedis(context.Background(), "redis://%zz")
	assert.Error(t, err)
}
