package lock

import (
	"context"
	"sync"
	"time"

	"github.com/meftunca/indexsync/pkg/types"
)

// Manager is the cluster lock collaborator. Every lock is owned by a node id.
type Manager interface {
	// Acquire takes name for owner. Re-acquiring an owned lock refreshes its
	// ttl; a lock held by another node fails with LockHeld. A zero ttl never expires.
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) error

	// Release drops name if owner still holds it
	Release(ctx context.Context, name, owner string) error

	// Owner returns the current holder of name
	Owner(ctx context.Context, name string) (string, bool, error)

	// DeleteLocksHeldByNode removes every lock owned by nodeID and returns how
	// many were removed. Locks re-taken by another node meanwhile are kept.
	DeleteLocksHeldByNode(ctx context.Context, nodeID string) (int, error)
}

type entry struct {
	owner   string
	expires time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// MemoryManager keeps locks in process memory
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]entry
	now   func() time.Time
}

// NewMemoryManager creates an empty lock manager
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		locks: make(map[string]entry),
		now:   time.Now,
	}
}

func (m *MemoryManager) Acquire(ctx context.Context, name, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.locks[name]; ok && cur.owner != owner && !cur.expired(now) {
		return types.ErrLockHeldBy(name, cur.owner)
	}

	e := entry{owner: owner}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	m.locks[name] = e
	return nil
}

func (m *MemoryManager) Release(ctx context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.locks[name]; ok && cur.owner == owner {
		delete(m.locks, name)
	}
	return nil
}

func (m *MemoryManager) Owner(ctx context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[name]
	if !ok || cur.expired(m.now()) {
		return "", false, nil
	}
	return cur.owner, true, nil
}

func (m *MemoryManager) DeleteLocksHeldByNode(ctx context.Context, nodeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for name, cur := range m.locks {
		if cur.owner == nodeID {
			delete(m.locks, name)
			deleted++
		}
	}
	return deleted, nil
}
