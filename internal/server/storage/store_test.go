package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client)
}

func TestRedisStore_SaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := map[string]string{"a": "1", "b": "2"}
	require.NoError(t, store.Save(ctx, "test", in))

	out := make(map[string]string)
	require.NoError(t, store.Load(ctx, "test", &out))
	assert.Equal(t, in, out)
}

func TestRedisStore_LoadMissingCollectionIsZero(t *testing.T) {
	store := newTestStore(t)

	out := make(map[string]string)
	require.NoError(t, store.Load(context.Background(), "absent", &out))
	assert.Empty(t, out)
}

func TestRedisStore_CacheInvalidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "c", map[string]int{"x": 1}))

	out := make(map[string]int)
	require.NoError(t, store.Load(ctx, "c", &out))
	assert.Equal(t, 1, out["x"])

	// 写入刷新缓存
	require.NoError(t, store.Save(ctx, "c", map[string]int{"x": 2}))
	out = make(map[string]int)
	require.NoError(t, store.Load(ctx, "c", &out))
	assert.Equal(t, 2, out["x"])
}

func TestStaffManager_SeedAndAuthenticate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sm := NewStaffManager(store)
	require.NoError(t, sm.SeedAdmin(ctx, "s3cret"))

	// 重复种子不覆盖
	require.NoError(t, sm.SeedAdmin(ctx, "autre"))

	token, err := sm.Authenticate(ctx, "admin", "s3cret")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	account, ok := sm.Resolve(ctx, token)
	require.True(t, ok)
	assert.Equal(t, RoleAdmin, account.Role)

	_, err = sm.Authenticate(ctx, "admin", "faux")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = sm.Authenticate(ctx, "inconnu", "s3cret")
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, ok = sm.Resolve(ctx, "jeton-invalide")
	assert.False(t, ok)
}

func TestStaffManager_CreateDeleteList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sm := NewStaffManager(store)
	require.NoError(t, sm.Create(ctx, "momo", "motdepasse", RoleModerator))
	assert.ErrorIs(t, sm.Create(ctx, "momo", "x", RoleModerator), ErrStaffExists)

	list, err := sm.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].PasswordHash, "列表不得携带口令哈希")

	token, err := sm.Authenticate(ctx, "momo", "motdepasse")
	require.NoError(t, err)

	require.NoError(t, sm.Delete(ctx, "momo"))
	_, ok := sm.Resolve(ctx, token)
	assert.False(t, ok, "删除账号后会话应失效")
}

func TestBanManager_BanUnbanPersists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bm, err := NewBanManager(ctx, store)
	require.NoError(t, err)

	assert.False(t, bm.IsBanned("1.2.3.4"))
	require.NoError(t, bm.Ban(ctx, "1.2.3.4", "scraping", "admin"))
	assert.True(t, bm.IsBanned("1.2.3.4"))

	// 持久化：新实例从存储加载
	store.Invalidate("bans")
	bm2, err := NewBanManager(ctx, store)
	require.NoError(t, err)
	assert.True(t, bm2.IsBanned("1.2.3.4"))

	require.NoError(t, bm2.Unban(ctx, "1.2.3.4"))
	assert.False(t, bm2.IsBanned("1.2.3.4"))
}

func TestUserLog_RecordAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ul := NewUserLog(store)
	require.NoError(t, ul.Record(ctx, "1.2.3.4", "Rémi"))
	require.NoError(t, ul.Record(ctx, "1.2.3.4", ""))
	require.NoError(t, ul.Record(ctx, "5.6.7.8", "Léa"))

	records, err := ul.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	for _, rec := range records {
		if rec.IP == "1.2.3.4" {
			assert.Equal(t, 2, rec.Visits)
			assert.Equal(t, "Rémi", rec.LastName)
		}
	}
}
