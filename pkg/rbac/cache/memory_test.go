package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(user, perm string) Key {
	return Key{UserID: user, OrganizationID: "org-1", PermissionSlug: perm}
}

func TestMemoryCache_PutGet(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(100, time.Minute)

	key := testKey("u1", "courses.view")
	stamp, err := c.Stamp(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, key, Entry{Allowed: true, Reason: "role_binding", Stamp: stamp}, time.Minute))

	entry, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.Allowed)
	assert.Equal(t, "role_binding", entry.Reason)
	assert.False(t, entry.ExpiresAt.IsZero())
}

func TestMemoryCache_Miss(t *testing.T) {
	c := NewMemoryCache(100, time.Minute)

	_, ok, err := c.Get(context.Background(), testKey("u1", "courses.view"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestMemoryCache_InvalidateUser(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(100, time.Minute)

	for _, user := range []string{"u1", "u2"} {
		stamp, _ := c.Stamp(ctx, user)
		require.NoError(t, c.Put(ctx, testKey(user, "courses.view"), Entry{Allowed: true, Stamp: stamp}, time.Minute))
	}

	require.NoError(t, c.Invalidate(ctx, ForUser("u1")))

	_, ok, _ := c.Get(ctx, testKey("u1", "courses.view"))
	assert.False(t, ok, "invalidated user must miss")

	_, ok, _ = c.Get(ctx, testKey("u2", "courses.view"))
	assert.True(t, ok, "other users are unaffected")
}

func TestMemoryCache_InvalidateAll(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(100, time.Minute)

	stamp, _ := c.Stamp(ctx, "u1")
	require.NoError(t, c.Put(ctx, testKey("u1", "courses.view"), Entry{Allowed: true, Stamp: stamp}, time.Minute))
	require.NoError(t, c.Invalidate(ctx, All()))

	_, ok, _ := c.Get(ctx, testKey("u1", "courses.view"))
	assert.False(t, ok)

	after, _ := c.Stamp(ctx, "u1")
	assert.NotEqual(t, stamp, after)
}

// A decision whose stamp predates an invalidation must never be served,
// even when it is stored after the invalidation completes.
func TestMemoryCache_LatePutAfterInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(100, time.Minute)
	key := testKey("u1", "billing.manage")

	stale, _ := c.Stamp(ctx, "u1")
	require.NoError(t, c.Invalidate(ctx, ForUser("u1")))
	require.NoError(t, c.Put(ctx, key, Entry{Allowed: true, Stamp: stale}, time.Minute))

	_, ok, _ := c.Get(ctx, key)
	assert.False(t, ok)
}

func TestMemoryCache_EntryTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(100, time.Hour)
	now := time.Now()
	c.now = func() time.Time { return now }

	key := testKey("u1", "courses.view")
	require.NoError(t, c.Put(ctx, key, Entry{Allowed: true}, time.Second))

	_, ok, _ := c.Get(ctx, key)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = c.Get(ctx, key)
	assert.False(t, ok)
}

func TestMemoryCache_Stats(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(100, time.Minute)
	key := testKey("u1", "courses.view")

	c.Get(ctx, key)
	require.NoError(t, c.Put(ctx, key, Entry{Allowed: false}, time.Minute))
	c.Get(ctx, key)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.ItemCount)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestKeyString(t *testing.T) {
	key := Key{UserID: "u", OrganizationID: "o", PermissionSlug: "cases.edit", ResourceKey: "case:42"}
	assert.Equal(t, "1:u|1:o|10:cases.edit|7:case:42|", key.String())
	assert.True(t, strings.HasPrefix(key.String(), UserPrefix("u")))
	assert.False(t, strings.HasPrefix(Key{UserID: "u1"}.String(), UserPrefix("u")))
}

func TestKeyString_FieldsNeverAlias(t *testing.T) {
	tests := []struct {
		name string
		a, b Key
	}{
		{
			name: "separator moved between user and organization",
			a:    Key{UserID: "a|b", OrganizationID: "c", PermissionSlug: "p.v"},
			b:    Key{UserID: "a", OrganizationID: "b|c", PermissionSlug: "p.v"},
		},
		{
			name: "separator moved into the resource",
			a:    Key{UserID: "u", OrganizationID: "o", PermissionSlug: "p.v|x", ResourceKey: ""},
			b:    Key{UserID: "u", OrganizationID: "o", PermissionSlug: "p.v", ResourceKey: "x"},
		},
		{
			name: "length prefix forged inside a value",
			a:    Key{UserID: "1:a|1:b", OrganizationID: "o"},
			b:    Key{UserID: "1:a", OrganizationID: "1:b|1:o"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, tt.a.String(), tt.b.String())

			c := NewMemoryCache(10, time.Minute)
			ctx := context.Background()
			require.NoError(t, c.Put(ctx, tt.a, Entry{Allowed: true}, time.Minute))
			_, ok, err := c.Get(ctx, tt.b)
			require.NoError(t, err)
			assert.False(t, ok, "a decision for one key is never served for another")
		})
	}
}

func TestNoopCache(t *testing.T) {
	ctx := context.Background()
	c := NewNoopCache()
	require.NoError(t, c.Put(ctx, testKey("u1", "x.y"), Entry{Allowed: true}, time.Minute))
	_, ok, err := c.Get(ctx, testKey("u1", "x.y"))
	require.NoError(t, err)
	assert.False(t, ok)
}
