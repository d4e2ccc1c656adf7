package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/meftunca/indexsync/pkg/common"
	"github.com/meftunca/indexsync/pkg/compression"
	"github.com/meftunca/indexsync/pkg/types"
)

// RecoveryManager replaces the local index with the contents of a snapshot.
// Indexing and searching are stopped for the duration of the call.
type RecoveryManager interface {
	RecoverIndexFromBackup(ctx context.Context, snapshotPath string) error
}

// DirectoryRecoveryManager restores an Engine by swapping its root directory
type DirectoryRecoveryManager struct {
	engine Engine
	logger *slog.Logger
}

// NewDirectoryRecoveryManager creates a recovery manager for engine
func NewDirectoryRecoveryManager(engine Engine, logger *slog.Logger) *DirectoryRecoveryManager {
	return &DirectoryRecoveryManager{
		engine: engine,
		logger: common.OrDefault(logger).With("component", "recovery-manager"),
	}
}

func (m *DirectoryRecoveryManager) RecoverIndexFromBackup(ctx context.Context, snapshotPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(snapshotPath); err != nil {
		return types.ErrSnapshotMissing(snapshotPath)
	}

	root := m.engine.Root()
	stamp := time.Now().UnixNano()
	staging := fmt.Sprintf("%s.restore-%d", root, stamp)
	previous := fmt.Sprintf("%s.previous-%d", root, stamp)
	defer os.RemoveAll(staging)

	// Unpack before holding the engine so searches keep running meanwhile
	if err := compression.ExtractArchive(snapshotPath, staging); err != nil {
		return types.ErrSnapshotInvalidCause(snapshotPath, err)
	}

	start := time.Now()
	m.engine.Hold()
	defer m.engine.Release()
	m.logger.Info("Index held for restore", "snapshot", snapshotPath)

	if err := os.Rename(root, previous); err != nil && !os.IsNotExist(err) {
		return types.ErrTransferFailureCause("restore", err)
	}
	if err := os.Rename(staging, root); err != nil {
		os.Rename(previous, root)
		return types.ErrTransferFailureCause("restore", err)
	}

	if err := m.engine.Reload(); err != nil {
		m.logger.Error("Restored index unreadable, rolling back", "snapshot", snapshotPath, "error", err)
		os.RemoveAll(root)
		os.Rename(previous, root)
		if rerr := m.engine.Reload(); rerr != nil {
			m.logger.Error("Previous index unreadable after rollback", "error", rerr)
		}
		return types.ErrSnapshotInvalidCause(snapshotPath, err)
	}

	os.RemoveAll(previous)
	m.logger.Info("Index restored from snapshot", "snapshot", snapshotPath, "duration", time.Since(start))
	return nil
}
