package storage

import (
	"context"
	"fmt"

	"github.com/meftunca/indexsync/pkg/config"
	"github.com/meftunca/indexsync/pkg/types"
)

// OperationLog is the durable, append-only, cluster-wide log of index mutations.
// Records are never modified or deleted by normal operation.
type OperationLog interface {
	// Append assigns the next global id, stores the record and returns the id.
	Append(ctx context.Context, record *types.IndexOperationRecord) (int64, error)

	// Contains reports whether a record with id has been durably written.
	Contains(ctx context.Context, id int64) (bool, error)

	// Find returns records with id > fromID in ascending id order.
	// A limit <= 0 returns everything.
	Find(ctx context.Context, fromID int64, limit int) ([]*types.IndexOperationRecord, error)

	// LastID returns the highest written id, or 0 for an empty log.
	LastID(ctx context.Context) (int64, error)
}

// ProgressStore keeps per (observer, source) replay watermarks.
type ProgressStore interface {
	Get(ctx context.Context, observer, source string) (int64, bool, error)

	// Advance stores max(existing, value). A lower value is ignored, not an error.
	Advance(ctx context.Context, observer, source string, value int64) error

	// Reset overwrites the watermark unconditionally. Only valid after the
	// observer has rebuilt its index from scratch.
	Reset(ctx context.Context, observer, source string, value int64) error

	// List returns every watermark the observer holds, keyed by source node.
	List(ctx context.Context, observer string) (map[string]int64, error)
}

// Sequence hands out cluster-wide ids by name
type Sequence interface {
	NextID(ctx context.Context, name string) (int64, error)
}

// Store bundles everything the entity persistence collaborator provides
type Store interface {
	OperationLog
	ProgressStore
	Sequence

	Ping(ctx context.Context) error
	Close() error
}

// Open creates the configured backend
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case config.StorageMemory:
		return NewMemoryStore(), nil
	case config.StorageSQLite:
		return NewSQLiteStore(ctx, cfg.SQLite.Path)
	case config.StorageRedis:
		return NewRedisStore(ctx, NewRedisClient(cfg), cfg.Redis.KeyPrefix)
	default:
		return nil, types.ErrInvalidConfig(fmt.Sprintf("unsupported storage type %q", cfg.Type))
	}
}
