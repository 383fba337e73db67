package hotstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFromClient(client, time.Second), mr
}

func TestKeys_SetGetDel(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "k", "v"))

	val, ok, err := svc.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", val)

	require.NoError(t, svc.Del(ctx, "k"))

	_, ok, err = svc.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetEx_Expires(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetEx(ctx, "k", "v", 30*time.Second))

	mr.FastForward(31 * time.Second)

	_, ok, err := svc.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.HSetAll(ctx, "h", map[string]interface{}{"lat": "45.9", "lon": "6.8"}))

	fields, err := svc.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"lat": "45.9", "lon": "6.8"}, fields)

	fields, err = svc.HGetAll(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestGeo_AddPosRadius(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Three users on the mountain; alice is the query origin.
	require.NoError(t, svc.GeoAdd(ctx, "geo:users", 6.8694, 45.9237, "alice"))
	require.NoError(t, svc.GeoAdd(ctx, "geo:users", 6.8700, 45.9240, "bob"))   // ~60 m
	require.NoError(t, svc.GeoAdd(ctx, "geo:users", 6.8800, 45.9300, "carol")) // ~1.1 km

	lon, lat, ok, err := svc.GeoPos(ctx, "geo:users", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 6.8694, lon, 0.001)
	assert.InDelta(t, 45.9237, lat, 0.001)

	_, _, ok, err = svc.GeoPos(ctx, "geo:users", "dave")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := svc.GeoRadius(ctx, "geo:users", 6.8694, 45.9237, 500)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].Member)
	assert.Equal(t, "bob", entries[1].Member)
	assert.Less(t, entries[0].Distance, entries[1].Distance)
	assert.Less(t, entries[1].Distance, 100.0)

	require.NoError(t, svc.GeoRemove(ctx, "geo:users", "alice"))
	_, _, ok, err = svc.GeoPos(ctx, "geo:users", "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPushCapped_BoundsList(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, svc.PushCapped(ctx, "chat:r:messages", fmt.Sprintf("m%d", i), 5, time.Hour))
	}

	items, err := svc.ListRange(ctx, "chat:r:messages", 0, -1)
	require.NoError(t, err)
	// Head is the newest; trimmed to the cap.
	assert.Equal(t, []string{"m6", "m5", "m4", "m3", "m2"}, items)

	ttl := mr.TTL("chat:r:messages")
	assert.Equal(t, time.Hour, ttl)
}

func TestFillCapped_ReplacesAndOrders(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.PushCapped(ctx, "k", "stale", 5, time.Hour))

	// Oldest first in; the last push lands at the head.
	require.NoError(t, svc.FillCapped(ctx, "k", []string{"old", "mid", "new"}, 5, time.Hour))

	items, err := svc.ListRange(ctx, "k", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "mid", "old"}, items)
}

func TestFillCapped_EmptyIsNoop(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.FillCapped(ctx, "k", nil, 5, time.Hour))

	items, err := svc.ListRange(ctx, "k", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSets(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SAdd(ctx, "s", "a"))
	require.NoError(t, svc.SAdd(ctx, "s", "b"))

	n, err := svc.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	members, err := svc.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, svc.SRem(ctx, "s", "a"))
	n, err = svc.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDo_ErrorSurfaces(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	mr.Close()

	err := svc.Set(ctx, "k", "v")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hot set")
}

func TestPing(t *testing.T) {
	svc, _ := newTestService(t)
	assert.NoError(t, svc.Ping(context.Background()))
}
