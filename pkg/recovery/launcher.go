package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/meftunca/indexsync/pkg/common"
	"github.com/meftunca/indexsync/pkg/lock"
	"github.com/meftunca/indexsync/pkg/metrics"
	"github.com/meftunca/indexsync/pkg/snapshot"
	"github.com/meftunca/indexsync/pkg/types"
)

// Heartbeat lists the nodes that have recently reported in
type Heartbeat interface {
	NodeID() string
	LiveNodeIDs(ctx context.Context) ([]string, error)
}

// Restorer loads a snapshot archive into the local index
type Restorer interface {
	RestoreFromPath(ctx context.Context, path string) error
}

// Options configures a Launcher
type Options struct {
	// DisasterRecovery is the persisted recovery flag
	DisasterRecovery bool
	// ImportDir holds snapshots staged for a cold start
	ImportDir string
	// ArchiveDir receives consumed import snapshots
	ArchiveDir string
}

// Launcher runs the node's disaster recovery startup sequence. One instance
// lives for the whole process and is shared by everything that needs the mode.
type Launcher struct {
	opts      Options
	heartbeat Heartbeat
	locks     lock.Manager
	restorer  Restorer
	metrics   *metrics.PrometheusMetrics
	logger    *slog.Logger

	recovered atomic.Bool
}

// NewLauncher creates a launcher. restorer may be nil, in which case imported
// snapshots are only archived.
func NewLauncher(opts Options, heartbeat Heartbeat, locks lock.Manager, restorer Restorer,
	m *metrics.PrometheusMetrics, logger *slog.Logger) *Launcher {
	return &Launcher{
		opts:      opts,
		heartbeat: heartbeat,
		locks:     locks,
		restorer:  restorer,
		metrics:   m,
		logger:    common.OrDefault(logger).With("component", "recovery"),
	}
}

// RecoveryMode reports PRIMARY without the recovery flag, otherwise COLD until
// Start has completed once and SECONDARY from then on.
func (l *Launcher) RecoveryMode() types.RecoveryMode {
	if !l.opts.DisasterRecovery {
		return types.RecoveryModePrimary
	}
	if l.recovered.Load() {
		return types.RecoveryModeSecondary
	}
	return types.RecoveryModeCold
}

// EarlyStart reclaims locks held by every other node the heartbeat knows
// about. It must run before this node takes cluster traffic.
func (l *Launcher) EarlyStart(ctx context.Context) error {
	if l.RecoveryMode() != types.RecoveryModeCold {
		return nil
	}

	self := l.heartbeat.NodeID()
	nodes, err := l.heartbeat.LiveNodeIDs(ctx)
	if err != nil {
		return err
	}

	for _, nodeID := range nodes {
		if nodeID == self {
			continue
		}
		n, err := l.locks.DeleteLocksHeldByNode(ctx, nodeID)
		if err != nil {
			return err
		}
		l.metrics.RecordLocksReclaimed(nodeID)
		l.logger.Info("Reclaimed locks", "node", nodeID, "count", n)
	}
	return nil
}

// Start imports pending snapshots on a cold start. Every archive in the
// import directory must validate before any is moved; the newest one is then
// restored when a restorer is configured. Other files in the import directory
// are archived alongside so the directory is left empty.
func (l *Launcher) Start(ctx context.Context) error {
	if l.RecoveryMode() != types.RecoveryModeCold {
		return nil
	}

	pending, others, err := l.pendingFiles()
	if err != nil {
		return err
	}
	for _, path := range pending {
		if err := snapshot.ValidateArchive(path); err != nil {
			l.logger.Error("Import snapshot rejected", "snapshot", path, "error", err)
			return err
		}
	}

	if len(pending)+len(others) > 0 {
		if err := os.MkdirAll(l.opts.ArchiveDir, 0755); err != nil {
			return types.ErrTransferFailureCause("create archive dir", err)
		}
	}

	archived := make([]string, 0, len(pending))
	for _, path := range pending {
		target := filepath.Join(l.opts.ArchiveDir, filepath.Base(path))
		if err := moveFile(path, target); err != nil {
			return types.ErrTransferFailureCause("archive import snapshot", err).WithDetail("path", path)
		}
		archived = append(archived, target)
		l.logger.Info("Import snapshot archived", "snapshot", target)
	}
	for _, path := range others {
		target := filepath.Join(l.opts.ArchiveDir, filepath.Base(path))
		if err := moveFile(path, target); err != nil {
			return types.ErrTransferFailureCause("archive import file", err).WithDetail("path", path)
		}
		l.logger.Warn("Archived unrelated file from import dir", "path", target)
	}

	if l.restorer != nil && len(archived) > 0 {
		newest, err := newestFile(archived)
		if err != nil {
			return err
		}
		if err := l.restorer.RestoreFromPath(ctx, newest); err != nil {
			return err
		}
	}

	l.recovered.Store(true)
	l.logger.Info("Disaster recovery start complete", "imported", len(archived))
	return nil
}

// pendingFiles splits the import directory's regular files into snapshot
// archives and everything else
func (l *Launcher) pendingFiles() (snapshots, others []string, err error) {
	entries, err := os.ReadDir(l.opts.ImportDir)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, types.ErrTransferFailureCause("scan import dir", err)
	}

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(l.opts.ImportDir, e.Name())
		if snapshot.IsSnapshotFile(e.Name()) {
			snapshots = append(snapshots, path)
		} else {
			others = append(others, path)
		}
	}
	return snapshots, others, nil
}

func newestFile(paths []string) (string, error) {
	type stamped struct {
		path    string
		modTime time.Time
	}
	files := make([]stamped, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return "", types.ErrSnapshotMissing(p)
		}
		files = append(files, stamped{path: p, modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return snapshot.Newer(files[i].path, files[i].modTime, files[j].path, files[j].modTime)
	})
	return files[0].path, nil
}

// moveFile renames src to dst, copying when they sit on different devices
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, info.Mode().Perm()); err != nil {
		return err
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("preserve mtime: %w", err)
	}
	return os.Remove(src)
}
