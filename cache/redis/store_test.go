package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/tiercache/cache"
)

const (
	testKey   = "user:123"
	testValue = "serialized-entry"
)

// setupTestStore creates a miniredis server and store for testing.
func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := &Config{
		Host:     mr.Host(),
		Port:     mr.Server().Addr().Port,
		Database: 0,
		PoolSize: 10,
	}

	store, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func TestNew(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		store, _ := setupTestStore(t)
		assert.NotNil(t, store.client)
		assert.False(t, store.closed.Load())
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		store, err := New(&Config{Host: "", Port: 6379})
		assert.Error(t, err)
		assert.Nil(t, store)

		var cerr *cache.ConfigError
		assert.True(t, errors.As(err, &cerr))
	})

	t.Run("UnreachableServer", func(t *testing.T) {
		store, err := New(&Config{Host: "127.0.0.1", Port: 1, DialTimeout: 100 * time.Millisecond})
		assert.Error(t, err)
		assert.Nil(t, store)

		var cerr *cache.ConnectionError
		assert.True(t, errors.As(err, &cerr))
	})
}

func TestGetSet(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, testKey, []byte(testValue), time.Minute))

		got, err := store.Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, []byte(testValue), got)
	})

	t.Run("MissReturnsErrNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "absent")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("TTLApplied", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "expiring", []byte("v"), time.Second))

		mr.FastForward(2 * time.Second)

		_, err := store.Get(ctx, "expiring")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})
}

func TestDelete(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), time.Minute))

	t.Run("CountsExistingOnly", func(t *testing.T) {
		deleted, err := store.Delete(ctx, "a", "b", "ghost")
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)
	})

	t.Run("EmptyKeysNoOp", func(t *testing.T) {
		deleted, err := store.Delete(ctx)
		require.NoError(t, err)
		assert.Zero(t, deleted)
	})

	t.Run("MissingKeysIdempotent", func(t *testing.T) {
		deleted, err := store.Delete(ctx, "ghost")
		require.NoError(t, err)
		assert.Zero(t, deleted)
	})
}

func TestGetManySetMany(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	entries := map[string][]byte{
		"m:1": []byte("one"),
		"m:2": []byte("two"),
	}
	require.NoError(t, store.SetMany(ctx, entries, time.Minute))

	t.Run("PresentAndMissing", func(t *testing.T) {
		got, err := store.GetMany(ctx, []string{"m:1", "m:2", "m:3"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Equal(t, []byte("one"), got["m:1"])
		assert.Equal(t, []byte("two"), got["m:2"])
		assert.NotContains(t, got, "m:3")
	})

	t.Run("EmptyKeys", func(t *testing.T) {
		got, err := store.GetMany(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestExists(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "present", []byte("v"), time.Minute))

	exists, err := store.Exists(ctx, "present")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Exists(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeleteByPrefix(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "app:a", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "app:b", []byte("2"), time.Minute))
	require.NoError(t, store.Set(ctx, "other:c", []byte("3"), time.Minute))

	deleted, err := store.DeleteByPrefix(ctx, "app:")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, err = store.Get(ctx, "app:a")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	got, err := store.Get(ctx, "other:c")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), got)

	t.Run("EmptyPrefixRejected", func(t *testing.T) {
		_, err := store.DeleteByPrefix(ctx, "")
		assert.Error(t, err)
	})
}

func TestTagInvalidation(t *testing.T) {
	ctx := context.Background()
	usersTag := cache.MustTag("users")

	t.Run("RemovesAllMembersAndIndex", func(t *testing.T) {
		store, mr := setupTestStore(t)

		require.NoError(t, store.Set(ctx, "k1", []byte("v1"), time.Minute))
		require.NoError(t, store.Set(ctx, "k2", []byte("v2"), time.Minute))
		require.NoError(t, store.AddTagMembers(ctx, usersTag, time.Minute, "k1", "k2"))

		deleted, err := store.InvalidateTag(ctx, usersTag)
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		_, err = store.Get(ctx, "k1")
		assert.ErrorIs(t, err, cache.ErrNotFound)
		_, err = store.Get(ctx, "k2")
		assert.ErrorIs(t, err, cache.ErrNotFound)

		assert.False(t, mr.Exists(TagIndexKey(usersTag)), "tag index itself must be deleted")
	})

	t.Run("StaleMembersAreNoOps", func(t *testing.T) {
		store, _ := setupTestStore(t)

		// Index references a key that never existed and one that expired.
		require.NoError(t, store.Set(ctx, "live", []byte("v"), time.Minute))
		require.NoError(t, store.AddTagMembers(ctx, usersTag, time.Minute, "live", "ghost"))

		deleted, err := store.InvalidateTag(ctx, usersTag)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted, "only the live member counts")
	})

	t.Run("CallerKeyResemblingIndexUntouched", func(t *testing.T) {
		store, _ := setupTestStore(t)

		// A caller may legitimately own the literal key "tag:users"; the
		// index for the tag lives under a brace-marked key and wiping the
		// tag must not destroy the caller's entry.
		require.NoError(t, store.Set(ctx, "tag:users", []byte("caller data"), time.Minute))
		require.NoError(t, store.Set(ctx, "k1", []byte("v"), time.Minute))
		require.NoError(t, store.AddTagMembers(ctx, usersTag, time.Minute, "k1"))

		deleted, err := store.InvalidateTag(ctx, usersTag)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		got, err := store.Get(ctx, "tag:users")
		require.NoError(t, err)
		assert.Equal(t, []byte("caller data"), got)
	})

	t.Run("EmptyIndex", func(t *testing.T) {
		store, _ := setupTestStore(t)

		deleted, err := store.InvalidateTag(ctx, cache.MustTag("nobody"))
		require.NoError(t, err)
		assert.Zero(t, deleted)
	})

	t.Run("IndexTTLApplied", func(t *testing.T) {
		store, mr := setupTestStore(t)

		require.NoError(t, store.AddTagMembers(ctx, usersTag, time.Second, "k1"))
		require.True(t, mr.Exists(TagIndexKey(usersTag)))

		mr.FastForward(2 * time.Second)
		assert.False(t, mr.Exists(TagIndexKey(usersTag)))
	})
}

func TestHealthAndStats(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	assert.NoError(t, store.Health(ctx))

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Contains(t, stats, "pool_total_conns")
}

func TestClosedStore(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Close(), cache.ErrClosed, "second close reports closed")

	_, err := store.Get(ctx, testKey)
	assert.ErrorIs(t, err, cache.ErrClosed)
	assert.ErrorIs(t, store.Set(ctx, testKey, nil, time.Minute), cache.ErrClosed)
	_, err = store.Delete(ctx, testKey)
	assert.ErrorIs(t, err, cache.ErrClosed)
	_, err = store.InvalidateTag(ctx, cache.MustTag("t"))
	assert.ErrorIs(t, err, cache.ErrClosed)
	assert.ErrorIs(t, store.Health(ctx), cache.ErrClosed)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{Host: "localhost", Port: 6379, PoolSize: 10}
	}

	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
		assert.Equal(t, "localhost:6379", valid().Address())
	})

	t.Run("BadPort", func(t *testing.T) {
		cfg := valid()
		cfg.Port = 70000
		assert.Error(t, cfg.Validate())
	})

	t.Run("BadDatabase", func(t *testing.T) {
		cfg := valid()
		cfg.Database = 16
		assert.Error(t, cfg.Validate())
	})

	t.Run("NegativeDialTimeout", func(t *testing.T) {
		cfg := valid()
		cfg.DialTimeout = -time.Second
		assert.Error(t, cfg.Validate())
	})
}
