package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meftunca/indexsync/pkg/types"
)

// acquireScript sets KEYS[1] to ARGV[1] unless another owner holds it.
// ARGV[2] is the ttl in milliseconds, 0 for none.
var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= ARGV[1] then
	return cur
end
if tonumber(ARGV[2]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('SADD', KEYS[2], ARGV[3])
return ''
`)

// releaseScript deletes KEYS[1] only while ARGV[1] owns it
var releaseScript = redis.NewScript(`
redis.call('SREM', KEYS[2], ARGV[2])
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisManager keeps locks in Redis so every node sees the same owners.
// Each owner also has a set of lock names used by DeleteLocksHeldByNode.
type RedisManager struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisManager creates a lock manager namespaced by keyPrefix
func NewRedisManager(client redis.UniversalClient, keyPrefix string) *RedisManager {
	if keyPrefix == "" {
		keyPrefix = "indexsync"
	}
	return &RedisManager{client: client, prefix: keyPrefix}
}

func (r *RedisManager) lockKey(name string) string {
	return fmt.Sprintf("%s:lock:%s", r.prefix, name)
}

func (r *RedisManager) ownerKey(owner string) string {
	return fmt.Sprintf("%s:locks-by:%s", r.prefix, owner)
}

func (r *RedisManager) Acquire(ctx context.Context, name, owner string, ttl time.Duration) error {
	holder, err := acquireScript.Run(ctx, r.client,
		[]string{r.lockKey(name), r.ownerKey(owner)},
		owner, ttl.Milliseconds(), name).Text()
	if err != nil {
		return types.ErrStoreUnavailableCause("acquire lock", err)
	}
	if holder != "" {
		return types.ErrLockHeldBy(name, holder)
	}
	return nil
}

func (r *RedisManager) Release(ctx context.Context, name, owner string) error {
	err := releaseScript.Run(ctx, r.client,
		[]string{r.lockKey(name), r.ownerKey(owner)},
		owner, name).Err()
	if err != nil {
		return types.ErrStoreUnavailableCause("release lock", err)
	}
	return nil
}

func (r *RedisManager) Owner(ctx context.Context, name string) (string, bool, error) {
	owner, err := r.client.Get(ctx, r.lockKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.ErrStoreUnavailableCause("lock owner", err)
	}
	return owner, true, nil
}

// DeleteLocksHeldByNode runs a delete-if-owner per lock, so concurrent sweeps
// over the same dead node are harmless.
func (r *RedisManager) DeleteLocksHeldByNode(ctx context.Context, nodeID string) (int, error) {
	names, err := r.client.SMembers(ctx, r.ownerKey(nodeID)).Result()
	if err != nil {
		return 0, types.ErrStoreUnavailableCause("list locks", err)
	}

	deleted := 0
	for _, name := range names {
		n, err := releaseScript.Run(ctx, r.client,
			[]string{r.lockKey(name), r.ownerKey(nodeID)},
			nodeID, name).Int()
		if err != nil {
			return deleted, types.ErrStoreUnavailableCause("delete lock", err)
		}
		deleted += n
	}
	return deleted, nil
}
