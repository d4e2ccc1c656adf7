package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/indexsync/pkg/compression"
	"github.com/meftunca/indexsync/pkg/storage"
	"github.com/meftunca/indexsync/pkg/types"
)

func newEngine(t *testing.T) *ManifestEngine {
	t.Helper()
	e, err := NewManifestEngine(filepath.Join(t.TempDir(), "indexes"), 2, nil)
	require.NoError(t, err)
	return e
}

func TestFreshEngineIsNotConsistent(t *testing.T) {
	e := newEngine(t)
	assert.False(t, e.IsIndexConsistent())
	assert.Len(t, e.Paths(), len(types.AllAffectedIndexes()))
}

func TestApplyAndReload(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	require.NoError(t, e.ReindexAll(ctx, storage.NewMemoryStore()))
	assert.True(t, e.IsIndexConsistent())

	add := types.NewOperationRecord("node1", types.AffectedIndexIssue, types.EntityTypeNone, types.OperationAdd, 1, 2, 3)
	add.ID = 7
	require.NoError(t, e.Apply(ctx, add))
	remove := types.NewOperationRecord("node1", types.AffectedIndexIssue, types.EntityTypeNone, types.OperationRemove, 2)
	remove.ID = 8
	require.NoError(t, e.Apply(ctx, remove))

	assert.Equal(t, []int64{1, 3}, e.Documents(types.AffectedIndexIssue))
	assert.Equal(t, int64(8), e.Version(types.AffectedIndexIssue))

	reopened, err := NewManifestEngine(e.Root(), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, reopened.Documents(types.AffectedIndexIssue))
	assert.True(t, reopened.IsIndexConsistent())
}

func TestApplyToAllIndexesAndWholeIndexRemove(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	require.NoError(t, e.Apply(ctx, types.NewOperationRecord("n", types.AffectedIndexAll, types.EntityTypeNone, types.OperationAdd, 5)))
	for _, idx := range types.AllAffectedIndexes() {
		assert.Equal(t, []int64{5}, e.Documents(idx))
	}

	require.NoError(t, e.Apply(ctx, types.NewOperationRecord("n", types.AffectedIndexComment, types.EntityTypeNone, types.OperationRemove)))
	assert.Empty(t, e.Documents(types.AffectedIndexComment))
	assert.Equal(t, []int64{5}, e.Documents(types.AffectedIndexIssue))
}

func TestBackupRecordsAreNotApplied(t *testing.T) {
	e := newEngine(t)
	rec := types.NewOperationRecord("n", types.AffectedIndexIssue, types.EntityTypeNone, types.OperationAdd, 9)
	rec.BackupFilename = "IndexSnapshot_20240101-000000_1.zip"

	require.NoError(t, e.Apply(context.Background(), rec))
	assert.Empty(t, e.Documents(types.AffectedIndexIssue))
}

func TestCorruptManifestIsInconsistent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	require.NoError(t, e.ReindexAll(ctx, storage.NewMemoryStore()))

	path := filepath.Join(e.Root(), "issue", manifestFile)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	assert.False(t, e.IsIndexConsistent())
	assert.Error(t, e.Reload())
}

func TestReindexAllReplaysLogInBatches(t *testing.T) {
	ctx := context.Background()
	log := storage.NewMemoryStore()
	for _, rec := range []*types.IndexOperationRecord{
		types.NewOperationRecord("node1", types.AffectedIndexIssue, types.EntityTypeNone, types.OperationAdd, 1, 2),
		types.NewOperationRecord("node2", types.AffectedIndexIssue, types.EntityTypeNone, types.OperationAdd, 3),
		types.NewOperationRecord("node2", types.AffectedIndexIssue, types.EntityTypeNone, types.OperationRemove, 1),
		types.NewOperationRecord("node1", types.AffectedIndexSharedEntity, types.EntityTypeSearchRequest, types.OperationUpdate, 40),
		types.NewOperationRecord("node1", types.AffectedIndexComment, types.EntityTypeNone, types.OperationAdd, 100),
	} {
		_, err := log.Append(ctx, rec)
		require.NoError(t, err)
	}

	e := newEngine(t)
	require.NoError(t, e.Apply(ctx, types.NewOperationRecord("x", types.AffectedIndexChangeHistory, types.EntityTypeNone, types.OperationAdd, 77)))

	require.NoError(t, e.ReindexAll(ctx, log))
	assert.Equal(t, []int64{2, 3}, e.Documents(types.AffectedIndexIssue))
	assert.Equal(t, []int64{40}, e.Documents(types.AffectedIndexSharedEntity))
	assert.Equal(t, []int64{100}, e.Documents(types.AffectedIndexComment))
	assert.Empty(t, e.Documents(types.AffectedIndexChangeHistory))
}

func TestReindexAllPropagatesStoreErrors(t *testing.T) {
	log := storage.NewMemoryStore()
	log.SetUnavailable(errors.New("down"))

	err := newEngine(t).ReindexAll(context.Background(), log)
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
}

func TestRecoverIndexFromBackup(t *testing.T) {
	ctx := context.Background()

	source := newEngine(t)
	require.NoError(t, source.ReindexAll(ctx, storage.NewMemoryStore()))
	require.NoError(t, source.Apply(ctx, types.NewOperationRecord("n", types.AffectedIndexIssue, types.EntityTypeNone, types.OperationAdd, 11, 12)))

	snapshot := filepath.Join(t.TempDir(), "IndexSnapshot_20240101-000000_1.zip")
	_, err := compression.WriteArchive(snapshot, source.Root(), compression.DefaultLevel)
	require.NoError(t, err)

	target := newEngine(t)
	require.NoError(t, target.Apply(ctx, types.NewOperationRecord("n", types.AffectedIndexIssue, types.EntityTypeNone, types.OperationAdd, 99)))

	rm := NewDirectoryRecoveryManager(target, nil)
	require.NoError(t, rm.RecoverIndexFromBackup(ctx, snapshot))

	assert.Equal(t, []int64{11, 12}, target.Documents(types.AffectedIndexIssue))
	assert.True(t, target.IsIndexConsistent())

	leftovers, err := filepath.Glob(target.Root() + ".*")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestRecoverIndexFromBackupFailures(t *testing.T) {
	ctx := context.Background()
	target := newEngine(t)
	require.NoError(t, target.Apply(ctx, types.NewOperationRecord("n", types.AffectedIndexIssue, types.EntityTypeNone, types.OperationAdd, 1)))
	rm := NewDirectoryRecoveryManager(target, nil)

	err := rm.RecoverIndexFromBackup(ctx, filepath.Join(t.TempDir(), "missing.zip"))
	assert.ErrorIs(t, err, types.ErrSnapshotNotFound)

	bad := filepath.Join(t.TempDir(), "IndexSnapshot_bad.zip")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0644))
	err = rm.RecoverIndexFromBackup(ctx, bad)
	assert.ErrorIs(t, err, types.ErrSnapshotInvalid)

	assert.Equal(t, []int64{1}, target.Documents(types.AffectedIndexIssue))
}

func TestReplicatedIndexManagerLogsMutations(t *testing.T) {
	ctx := context.Background()
	log := storage.NewMemoryStore()
	e := newEngine(t)
	m := NewReplicatedIndexManager("node1", e, log, nil, nil)

	id1, err := m.Add(ctx, types.AffectedIndexIssue, types.EntityTypeNone, 1, 2)
	require.NoError(t, err)
	id2, err := m.Deindex(ctx, types.AffectedIndexIssue, types.EntityTypeNone, 1)
	require.NoError(t, err)
	_, err = m.Reindex(ctx, types.AffectedIndexSharedEntity, types.EntityTypePortalPage, 8)
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	assert.Equal(t, []int64{2}, e.Documents(types.AffectedIndexIssue))
	assert.Equal(t, id2, e.Version(types.AffectedIndexIssue))

	records, err := log.Find(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "node1", records[1].NodeID)
	assert.Equal(t, types.OperationRemove, records[1].Operation)
	assert.Equal(t, types.EntityTypePortalPage, records[2].EntityType)

	require.NoError(t, m.ReindexAll(ctx))
	assert.Equal(t, []int64{2}, e.Documents(types.AffectedIndexIssue))
	assert.Equal(t, []int64{8}, e.Documents(types.AffectedIndexSharedEntity))
}

func TestReplicatedIndexManagerRejectsInvalid(t *testing.T) {
	m := NewReplicatedIndexManager("", newEngine(t), storage.NewMemoryStore(), nil, nil)
	_, err := m.Add(context.Background(), types.AffectedIndexIssue, types.EntityTypeNone, 1)
	assert.Error(t, err)
}
