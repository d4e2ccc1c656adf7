package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/indexsync/pkg/types"
)

func managers(t *testing.T) map[string]Manager {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Manager{
		"memory": NewMemoryManager(),
		"redis":  NewRedisManager(client, "test"),
	}
}

func TestAcquireAndRelease(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, m.Acquire(ctx, "reindex", "node1", 0))
			require.NoError(t, m.Acquire(ctx, "reindex", "node1", time.Minute))

			err := m.Acquire(ctx, "reindex", "node2", 0)
			assert.ErrorIs(t, err, types.ErrLockHeld)

			owner, ok, err := m.Owner(ctx, "reindex")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "node1", owner)

			// Releasing someone else's lock is a no-op
			require.NoError(t, m.Release(ctx, "reindex", "node2"))
			_, ok, _ = m.Owner(ctx, "reindex")
			assert.True(t, ok)

			require.NoError(t, m.Release(ctx, "reindex", "node1"))
			_, ok, err = m.Owner(ctx, "reindex")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, m.Acquire(ctx, "reindex", "node2", 0))
		})
	}
}

func TestDeleteLocksHeldByNode(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, m.Acquire(ctx, "a", "dead", 0))
			require.NoError(t, m.Acquire(ctx, "b", "dead", 0))
			require.NoError(t, m.Acquire(ctx, "c", "alive", 0))

			n, err := m.DeleteLocksHeldByNode(ctx, "dead")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			// A second sweep finds nothing left to delete
			n, err = m.DeleteLocksHeldByNode(ctx, "dead")
			require.NoError(t, err)
			assert.Zero(t, n)

			owner, ok, err := m.Owner(ctx, "c")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "alive", owner)

			_, ok, _ = m.Owner(ctx, "a")
			assert.False(t, ok)
		})
	}
}

func TestRedisDeleteKeepsRetakenLock(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewRedisManager(client, "test")

	require.NoError(t, m.Acquire(ctx, "a", "dead", 50*time.Millisecond))
	mr.FastForward(time.Second)
	require.NoError(t, m.Acquire(ctx, "a", "node2", 0))

	n, err := m.DeleteLocksHeldByNode(ctx, "dead")
	require.NoError(t, err)
	assert.Zero(t, n)

	owner, _, err := m.Owner(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "node2", owner)
}

func TestMemoryLockExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()
	clock := time.Now()
	m.now = func() time.Time { return clock }

	require.NoError(t, m.Acquire(ctx, "a", "node1", time.Second))
	clock = clock.Add(2 * time.Second)

	_, ok, err := m.Owner(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, m.Acquire(ctx, "a", "node2", 0))
}
