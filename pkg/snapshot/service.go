package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/meftunca/indexsync/pkg/cluster"
	"github.com/meftunca/indexsync/pkg/common"
	"github.com/meftunca/indexsync/pkg/compression"
	"github.com/meftunca/indexsync/pkg/index"
	"github.com/meftunca/indexsync/pkg/metrics"
	"github.com/meftunca/indexsync/pkg/storage"
	"github.com/meftunca/indexsync/pkg/types"
)

const (
	filePrefix = "IndexSnapshot_"
	fileSuffix = ".zip"
	timeLayout = "20060102-150405"

	// SequenceName is the shared sequence snapshot ids are drawn from
	SequenceName = "IndexSnapshot"

	DefaultRetain = 3
)

// SnapshotFilename builds IndexSnapshot_<timestamp>_<sequence>.zip
func SnapshotFilename(t time.Time, id int64) string {
	return fmt.Sprintf("%s%s_%d%s", filePrefix, t.Format(timeLayout), id, fileSuffix)
}

// IsSnapshotFile reports whether name follows the snapshot naming convention
func IsSnapshotFile(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) &&
		len(name) > len(filePrefix)+len(fileSuffix)
}

// ParseSnapshotFilename extracts the timestamp and sequence id of a snapshot
// written by SnapshotFilename.
func ParseSnapshotFilename(name string) (time.Time, int64, bool) {
	if !IsSnapshotFile(name) {
		return time.Time{}, 0, false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	sep := strings.LastIndex(core, "_")
	if sep < 0 {
		return time.Time{}, 0, false
	}
	t, err := time.Parse(timeLayout, core[:sep])
	if err != nil {
		return time.Time{}, 0, false
	}
	id, err := strconv.ParseInt(core[sep+1:], 10, 64)
	if err != nil {
		return time.Time{}, 0, false
	}
	return t, id, true
}

// Newer orders snapshot files newest first: by mtime, then by sequence id for
// equal mtimes. Names that do not parse sort after those that do.
func Newer(nameA string, modA time.Time, nameB string, modB time.Time) bool {
	if !modA.Equal(modB) {
		return modA.After(modB)
	}
	_, seqA, okA := ParseSnapshotFilename(filepath.Base(nameA))
	_, seqB, okB := ParseSnapshotFilename(filepath.Base(nameB))
	switch {
	case okA && okB && seqA != seqB:
		return seqA > seqB
	case okA != okB:
		return okA
	}
	return nameA > nameB
}

// Options configures a Service
type Options struct {
	NodeID    string
	SharedDir string // cluster-visible snapshot directory
	Retain    int
	Level     int
}

// Service takes, restores and transfers index snapshots
type Service struct {
	opts      Options
	engine    index.Engine
	recovery  index.RecoveryManager
	sequence  storage.Sequence
	messenger cluster.Messenger
	metrics   *metrics.PrometheusMetrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates the snapshot service. When messenger is non-nil the
// service answers BACKUP_INDEX_DONE messages by restoring the named snapshot.
func NewService(opts Options, engine index.Engine, recovery index.RecoveryManager, sequence storage.Sequence,
	messenger cluster.Messenger, m *metrics.PrometheusMetrics, logger *slog.Logger) *Service {
	if opts.Retain <= 0 {
		opts.Retain = DefaultRetain
	}
	if opts.Level == 0 {
		opts.Level = compression.DefaultLevel
	}

	s := &Service{
		opts:      opts,
		engine:    engine,
		recovery:  recovery,
		sequence:  sequence,
		messenger: messenger,
		metrics:   m,
		logger:    common.OrDefault(logger).With("component", "snapshot", "node", opts.NodeID),
		now:       time.Now,
	}
	if messenger != nil {
		messenger.Register(types.MessageTypeBackupIndexDone, s.handleBackupDone)
	}
	return s
}

// SharedDir returns the cluster-visible snapshot directory
func (s *Service) SharedDir() string { return s.opts.SharedDir }

// BackupIndex snapshots the local index into the shared directory and tells
// targetNodeID which file to restore. An empty target only takes the snapshot.
func (s *Service) BackupIndex(ctx context.Context, targetNodeID string) (string, error) {
	id, err := s.sequence.NextID(ctx, SequenceName)
	if err != nil {
		return "", err
	}

	filename, err := s.CopyIndex(ctx, s.engine.Root(), s.opts.SharedDir, id)
	if err != nil {
		return "", err
	}
	if targetNodeID == "" {
		return filename, nil
	}

	msg := types.NewClusterMessage(types.MessageTypeBackupIndexDone, s.opts.NodeID, targetNodeID, []byte(filename))
	if err := s.messenger.Send(ctx, msg); err != nil {
		return filename, types.ErrTransferFailureCause("notify "+targetNodeID, err)
	}
	s.logger.Info("Backup announced", "snapshot", filename, "target", targetNodeID)
	return filename, nil
}

// CopyIndex archives sourcePath into destinationPath under a snapshot name
// carrying id, prunes old snapshots there and returns the name written.
func (s *Service) CopyIndex(ctx context.Context, sourcePath, destinationPath string, id int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	filename := SnapshotFilename(s.now(), id)
	target := filepath.Join(destinationPath, filename)

	// Keep writers out while the live index is archived
	if s.engine != nil && filepath.Clean(sourcePath) == filepath.Clean(s.engine.Root()) {
		s.engine.Hold()
		defer s.engine.Release()
	}

	start := time.Now()
	stats, err := compression.WriteArchive(target, sourcePath, s.opts.Level)
	if err != nil {
		return "", types.ErrTransferFailureCause("snapshot", err).WithDetail("path", target)
	}
	s.metrics.RecordSnapshotCreated(stats.Bytes)
	s.logger.Info("Snapshot written", "snapshot", filename, "files", stats.Files, "bytes", stats.Bytes,
		"duration", time.Since(start))

	if err := s.DeleteOldSnapshots(destinationPath, s.opts.Retain); err != nil {
		s.logger.Warn("Snapshot retention sweep incomplete", "dir", destinationPath, "error", err)
	}
	return filename, nil
}

// RestoreIndex restores the named snapshot from the shared directory. It
// blocks until the recovery manager has finished.
func (s *Service) RestoreIndex(ctx context.Context, snapshotFilename string) error {
	name := filepath.Base(snapshotFilename)
	path := filepath.Join(s.opts.SharedDir, name)
	if _, err := os.Stat(path); err != nil {
		return types.ErrSnapshotMissing(path)
	}
	return s.RestoreFromPath(ctx, path)
}

// RestoreFromPath validates and restores the snapshot at path
func (s *Service) RestoreFromPath(ctx context.Context, path string) error {
	if err := ValidateArchive(path); err != nil {
		s.metrics.RecordSnapshotRestored(false)
		return err
	}

	start := time.Now()
	err := s.recovery.RecoverIndexFromBackup(ctx, path)
	s.metrics.RecordSnapshotRestored(err == nil)
	if err != nil {
		s.logger.Error("Snapshot restore failed", "snapshot", path, "error", err)
		return err
	}
	s.logger.Info("Snapshot restored", "snapshot", path, "duration", time.Since(start))
	return nil
}

func (s *Service) handleBackupDone(ctx context.Context, msg *types.ClusterMessage) error {
	filename := string(msg.Payload)
	s.logger.Info("Backup received", "snapshot", filename, "from", msg.From)
	return s.RestoreIndex(ctx, filename)
}

// DeleteOldSnapshots keeps the keep most recently modified snapshot files in
// dir and deletes the rest. Other files are never touched.
func (s *Service) DeleteOldSnapshots(dir string, keep int) error {
	if keep < 0 {
		return types.ErrInvalidConfig(fmt.Sprintf("snapshot retain count %d", keep))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type candidate struct {
		name    string
		modTime time.Time
	}
	var snapshots []candidate
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsSnapshotFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, candidate{name: e.Name(), modTime: info.ModTime()})
	}
	if len(snapshots) <= keep {
		return nil
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return Newer(snapshots[i].name, snapshots[i].modTime, snapshots[j].name, snapshots[j].modTime)
	})

	errs := types.NewErrorCollector()
	pruned := 0
	for _, c := range snapshots[keep:] {
		if err := os.Remove(filepath.Join(dir, c.name)); err != nil && !os.IsNotExist(err) {
			errs.Add(err)
			continue
		}
		pruned++
	}
	s.metrics.RecordSnapshotsPruned(pruned)
	if pruned > 0 {
		s.logger.Debug("Old snapshots deleted", "dir", dir, "count", pruned)
	}
	return errs.ToError()
}

// ValidateArchive checks that path is a readable zip archive
func ValidateArchive(path string) error {
	if err := compression.ValidateArchive(path); err != nil {
		return types.ErrSnapshotInvalidCause(path, err)
	}
	return nil
}
