package replication

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/indexsync/pkg/cluster"
	"github.com/meftunca/indexsync/pkg/storage"
	"github.com/meftunca/indexsync/pkg/types"
)

type fakeIndex struct {
	mu         sync.Mutex
	consistent bool
	applied    []int64
	failOn     int64
}

func (f *fakeIndex) IsIndexConsistent() bool { return f.consistent }

func (f *fakeIndex) Apply(ctx context.Context, rec *types.IndexOperationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.ID == f.failOn {
		return errors.New("disk full")
	}
	f.applied = append(f.applied, rec.ID)
	return nil
}

func membership(self string, peers ...string) *cluster.StaticMembership {
	m := cluster.NewStaticMembership(types.Node{ID: self})
	nodes := make([]types.Node, len(peers))
	for i, p := range peers {
		nodes[i] = types.Node{ID: p}
	}
	m.SetNodes(nodes)
	return m
}

func appendFrom(t *testing.T, s storage.OperationLog, node string, ids ...int64) int64 {
	t.Helper()
	id, err := s.Append(context.Background(),
		types.NewOperationRecord(node, types.AffectedIndexIssue, types.EntityTypeNone, types.OperationUpdate, ids...))
	require.NoError(t, err)
	return id
}

func TestCheckerTrustsFreshNode(t *testing.T) {
	store := storage.NewMemoryStore()
	c := NewChecker(&fakeIndex{consistent: true}, membership("A", "B", "C"), store, store, nil, nil)

	ok, err := c.CanIndexBeRebuilt(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckerRejectsMalformedIndex(t *testing.T) {
	store := storage.NewMemoryStore()
	c := NewChecker(&fakeIndex{consistent: false}, membership("A", "B"), store, store, nil, nil)

	v, err := c.Check(context.Background(), "A")
	require.NoError(t, err)
	assert.False(t, v.Consistent)
	assert.ErrorIs(t, v.Err(), types.ErrInconsistentIndex)
}

func TestCheckerRejectsWatermarkMissingFromLog(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := NewChecker(&fakeIndex{consistent: true}, membership("A", "B", "C"), store, store, nil, nil)

	first := appendFrom(t, store, "B", 1)
	second := appendFrom(t, store, "C", 2)
	require.NoError(t, store.Advance(ctx, "A", "B", first))
	require.NoError(t, store.Advance(ctx, "A", "C", second))

	ok, err := c.CanIndexBeRebuilt(ctx, "A")
	require.NoError(t, err)
	assert.True(t, ok)

	store.Compact(first)

	v, err := c.Check(ctx, "A")
	require.NoError(t, err)
	assert.False(t, v.Consistent)
	assert.Equal(t, "B", v.StalePeer)
	assert.Equal(t, first, v.Watermark)
	assert.NoError(t, Verdict{Consistent: true}.Err())
}

func TestCheckerWatermarkBeyondLog(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Advance(ctx, "A", "B", 42))

	c := NewChecker(&fakeIndex{consistent: true}, membership("A", "B"), store, store, nil, nil)
	ok, err := c.CanIndexBeRebuilt(ctx, "A")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckerIgnoresOwnWatermark(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Advance(ctx, "A", "A", 42))

	c := NewChecker(&fakeIndex{consistent: true}, membership("A", "B"), store, store, nil, nil)
	ok, err := c.CanIndexBeRebuilt(ctx, "A")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckerPropagatesStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.SetUnavailable(errors.New("connection refused"))

	c := NewChecker(&fakeIndex{consistent: true}, membership("A", "B"), store, store, nil, nil)
	_, err := c.CanIndexBeRebuilt(ctx, "A")
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
}

func TestReplayerAppliesPeerRecordsOnly(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	idx := &fakeIndex{}
	r := NewReplayer(idx, membership("A", "B", "C"), store, store, 2, nil, nil)

	b1 := appendFrom(t, store, "B", 1)
	appendFrom(t, store, "A", 2)
	c1 := appendFrom(t, store, "C", 3)
	b2 := appendFrom(t, store, "B", 4)

	n, err := r.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{b1, c1, b2}, idx.applied)

	wm, _, err := store.Get(ctx, "A", "B")
	require.NoError(t, err)
	assert.Equal(t, b2, wm)
	wm, _, err = store.Get(ctx, "A", "C")
	require.NoError(t, err)
	assert.Equal(t, c1, wm)

	n, err = r.CatchUp(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c2 := appendFrom(t, store, "C", 5)
	n, err = r.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, c2, idx.applied[len(idx.applied)-1])
}

func TestReplayerResumesAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	b1 := appendFrom(t, store, "B", 1)
	b2 := appendFrom(t, store, "B", 2)

	idx := &fakeIndex{failOn: b2}
	r := NewReplayer(idx, membership("A", "B"), store, store, 10, nil, nil)

	n, err := r.CatchUp(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	wm, _, _ := store.Get(ctx, "A", "B")
	assert.Equal(t, b1, wm)

	// a fresh process starts from the stored watermark
	idx.failOn = 0
	r = NewReplayer(idx, membership("A", "B"), store, store, 10, nil, nil)
	n, err = r.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{b1, b2}, idx.applied)
}

func TestResetWatermarksPinsToHead(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	appendFrom(t, store, "B", 1)
	head := appendFrom(t, store, "C", 2)
	require.NoError(t, store.Advance(ctx, "A", "B", 500))

	idx := &fakeIndex{}
	r := NewReplayer(idx, membership("A", "B", "C"), store, store, 10, nil, nil)
	require.NoError(t, r.ResetWatermarks(ctx))

	listed, err := store.List(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"B": head, "C": head}, listed)

	n, err := r.CatchUp(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c := NewChecker(&fakeIndex{consistent: true}, membership("A", "B", "C"), store, store, nil, nil)
	ok, err := c.CanIndexBeRebuilt(ctx, "A")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReplayerStandalone(t *testing.T) {
	store := storage.NewMemoryStore()
	appendFrom(t, store, "solo", 1)

	r := NewReplayer(&fakeIndex{}, membership("solo"), store, store, 10, nil, nil)
	n, err := r.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// lateLog hides ids that were assigned but not yet written
type lateLog struct {
	storage.OperationLog
	mu     sync.Mutex
	hidden map[int64]bool
}

func (l *lateLog) reveal(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hidden, id)
}

func (l *lateLog) Find(ctx context.Context, fromID int64, limit int) ([]*types.IndexOperationRecord, error) {
	records, err := l.OperationLog.Find(ctx, fromID, limit)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	visible := records[:0:0]
	for _, rec := range records {
		if !l.hidden[rec.ID] {
			visible = append(visible, rec)
		}
	}
	return visible, nil
}

func TestReplayerAppliesLateVisibleRecord(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	b1 := appendFrom(t, store, "B", 1)
	c1 := appendFrom(t, store, "C", 2)

	log := &lateLog{OperationLog: store, hidden: map[int64]bool{b1: true}}
	idx := &fakeIndex{}
	r := NewReplayer(idx, membership("A", "B", "C"), store, log, 10, nil, nil)

	n, err := r.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{c1}, idx.applied)

	log.reveal(b1)
	n, err = r.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ElementsMatch(t, []int64{b1, c1}, idx.applied)

	wm, _, err := store.Get(ctx, "A", "B")
	require.NoError(t, err)
	assert.Equal(t, b1, wm)
}
