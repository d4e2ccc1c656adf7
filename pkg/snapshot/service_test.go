package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/indexsync/pkg/cluster"
	"github.com/meftunca/indexsync/pkg/index"
	"github.com/meftunca/indexsync/pkg/storage"
	"github.com/meftunca/indexsync/pkg/types"
)

type node struct {
	engine  *index.ManifestEngine
	service *Service
}

func newNode(t *testing.T, id, shared string, seq storage.Sequence, messenger cluster.Messenger) *node {
	t.Helper()
	engine, err := index.NewManifestEngine(filepath.Join(t.TempDir(), id, "indexes"), 0, nil)
	require.NoError(t, err)
	require.NoError(t, engine.ReindexAll(context.Background(), storage.NewMemoryStore()))

	svc := NewService(Options{NodeID: id, SharedDir: shared}, engine,
		index.NewDirectoryRecoveryManager(engine, nil), seq, messenger, nil, nil)
	return &node{engine: engine, service: svc}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestSnapshotFilename(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	name := SnapshotFilename(ts, 42)
	assert.Equal(t, "IndexSnapshot_20240309-140507_42.zip", name)
	assert.True(t, IsSnapshotFile(name))

	parsed, id, ok := ParseSnapshotFilename(name)
	require.True(t, ok)
	assert.Equal(t, int64(42), id)
	assert.True(t, parsed.Equal(ts))

	assert.True(t, IsSnapshotFile("IndexSnapshot_test.zip"))
	_, _, ok = ParseSnapshotFilename("IndexSnapshot_test.zip")
	assert.False(t, ok)

	for _, name := range []string{"IndexSnapshot_.zip", "Snapshot_1.zip", "IndexSnapshot_1.tar", "notes.txt"} {
		assert.False(t, IsSnapshotFile(name), name)
	}
}

func TestDeleteOldSnapshotsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)

	var snapshots []string
	for i := 1; i <= 6; i++ {
		name := SnapshotFilename(base, int64(i))
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("zip"), 0644))
		mtime := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
		snapshots = append(snapshots, name)
	}

	unrelated := []string{"README.txt", "backup.zip", "IndexSnapshot_notes.txt"}
	for _, name := range unrelated {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
		// Older than every snapshot
		require.NoError(t, os.Chtimes(path, base, base))
	}

	svc := NewService(Options{SharedDir: dir}, nil, nil, nil, nil, nil, nil)
	require.NoError(t, svc.DeleteOldSnapshots(dir, 3))

	expected := append(append([]string{}, unrelated...), snapshots[3:]...)
	sort.Strings(expected)
	assert.Equal(t, expected, listDir(t, dir))
}

func TestDeleteOldSnapshotsSameMtimeUsesSequence(t *testing.T) {
	dir := t.TempDir()
	stamp := time.Now().Add(-time.Hour).Truncate(time.Second)
	for _, seq := range []int64{8, 9, 10, 11} {
		path := filepath.Join(dir, SnapshotFilename(stamp, seq))
		require.NoError(t, os.WriteFile(path, []byte("zip"), 0644))
		require.NoError(t, os.Chtimes(path, stamp, stamp))
	}

	svc := NewService(Options{SharedDir: dir}, nil, nil, nil, nil, nil, nil)
	require.NoError(t, svc.DeleteOldSnapshots(dir, 2))

	assert.Equal(t, []string{SnapshotFilename(stamp, 10), SnapshotFilename(stamp, 11)}, listDir(t, dir))
}

func TestNewer(t *testing.T) {
	now := time.Now()
	assert.True(t, Newer("IndexSnapshot_20240101-000000_1.zip", now, "IndexSnapshot_20240101-000000_2.zip", now.Add(-time.Second)))
	assert.True(t, Newer("/a/IndexSnapshot_20240101-000000_10.zip", now, "/a/IndexSnapshot_20240101-000000_9.zip", now))
	assert.False(t, Newer("IndexSnapshot_20240101-000000_9.zip", now, "IndexSnapshot_20240101-000000_10.zip", now))
	assert.True(t, Newer("IndexSnapshot_20240101-000000_1.zip", now, "IndexSnapshot_test.zip", now))
}

func TestDeleteOldSnapshotsEdgeCases(t *testing.T) {
	svc := NewService(Options{}, nil, nil, nil, nil, nil, nil)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "IndexSnapshot_a.zip"), nil, 0644))

	require.NoError(t, svc.DeleteOldSnapshots(dir, 3))
	assert.Len(t, listDir(t, dir), 1)

	assert.Error(t, svc.DeleteOldSnapshots(dir, -1))
	assert.Error(t, svc.DeleteOldSnapshots(filepath.Join(dir, "missing"), 3))

	require.NoError(t, svc.DeleteOldSnapshots(dir, 0))
	assert.Empty(t, listDir(t, dir))
}

func TestBackupIndexNotifiesTarget(t *testing.T) {
	ctx := context.Background()
	shared := t.TempDir()
	store := storage.NewMemoryStore()
	bus := cluster.NewLocalBus(nil)

	source := newNode(t, "node1", shared, store, bus.Endpoint("node1"))
	target := newNode(t, "node2", shared, store, bus.Endpoint("node2"))

	require.NoError(t, source.engine.Apply(ctx, types.NewOperationRecord("node1", types.AffectedIndexIssue, types.EntityTypeNone, types.OperationAdd, 3, 4)))

	filename, err := source.service.BackupIndex(ctx, "node2")
	require.NoError(t, err)
	assert.True(t, IsSnapshotFile(filename))
	_, id, ok := ParseSnapshotFilename(filename)
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
	assert.FileExists(t, filepath.Join(shared, filename))

	bus.Wait()
	assert.Equal(t, []int64{3, 4}, target.engine.Documents(types.AffectedIndexIssue))
}

func TestBackupIndexWithoutTarget(t *testing.T) {
	shared := t.TempDir()
	n := newNode(t, "node1", shared, storage.NewMemoryStore(), nil)

	filename, err := n.service.BackupIndex(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{filename}, listDir(t, shared))
}

func TestBackupIndexStoreUnavailable(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetUnavailable(errors.New("connection refused"))
	shared := t.TempDir()
	n := newNode(t, "node1", shared, store, nil)

	_, err := n.service.BackupIndex(context.Background(), "node2")
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
	assert.Empty(t, listDir(t, shared))
}

func TestBackupIndexUnknownTarget(t *testing.T) {
	bus := cluster.NewLocalBus(nil)
	n := newNode(t, "node1", t.TempDir(), storage.NewMemoryStore(), bus.Endpoint("node1"))

	filename, err := n.service.BackupIndex(context.Background(), "ghost")
	assert.ErrorIs(t, err, types.ErrTransferFailure)
	assert.NotEmpty(t, filename)
}

func TestCopyIndexAppliesRetention(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "segment"), []byte("data"), 0644))
	dst := t.TempDir()

	svc := NewService(Options{Retain: 2}, nil, nil, nil, nil, nil, nil)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	var written []string
	for id := int64(1); id <= 3; id++ {
		clock = clock.Add(time.Minute)
		name, err := svc.CopyIndex(ctx, src, dst, id)
		require.NoError(t, err)
		assert.Equal(t, SnapshotFilename(clock, id), name)

		mtime := clock
		require.NoError(t, os.Chtimes(filepath.Join(dst, name), mtime, mtime))
		written = append(written, name)
	}

	// Settled timestamps must not change the outcome
	require.NoError(t, svc.DeleteOldSnapshots(dst, 2))
	assert.Equal(t, written[1:], listDir(t, dst))

	_, err := svc.CopyIndex(ctx, filepath.Join(src, "missing"), dst, 9)
	assert.ErrorIs(t, err, types.ErrTransferFailure)
}

func TestRestoreIndexFailures(t *testing.T) {
	ctx := context.Background()
	shared := t.TempDir()
	n := newNode(t, "node1", shared, storage.NewMemoryStore(), nil)

	err := n.service.RestoreIndex(ctx, "IndexSnapshot_20240101-000000_1.zip")
	assert.ErrorIs(t, err, types.ErrSnapshotNotFound)

	bad := SnapshotFilename(time.Now(), 2)
	require.NoError(t, os.WriteFile(filepath.Join(shared, bad), []byte("not a zip"), 0644))
	err = n.service.RestoreIndex(ctx, bad)
	assert.ErrorIs(t, err, types.ErrSnapshotInvalid)
	assert.True(t, n.engine.IsIndexConsistent())
}

func TestRestoreIndexIgnoresDirectoryComponents(t *testing.T) {
	ctx := context.Background()
	shared := t.TempDir()
	n := newNode(t, "node1", shared, storage.NewMemoryStore(), nil)

	filename, err := n.service.BackupIndex(ctx, "")
	require.NoError(t, err)

	require.NoError(t, n.service.RestoreIndex(ctx, fmt.Sprintf("../../%s", filename)))
}
