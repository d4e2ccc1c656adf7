package reindex

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/indexsync/pkg/cluster"
	"github.com/meftunca/indexsync/pkg/replication"
	"github.com/meftunca/indexsync/pkg/types"
)

type fakeChecker struct {
	verdict replication.Verdict
	err     error
}

func (f *fakeChecker) Check(ctx context.Context, nodeID string) (replication.Verdict, error) {
	return f.verdict, f.err
}

type fakeReplayer struct {
	catchUps atomic.Int32
	resets   atomic.Int32
}

func (f *fakeReplayer) CatchUp(ctx context.Context) (int, error) {
	f.catchUps.Add(1)
	return 0, nil
}

func (f *fakeReplayer) ResetWatermarks(ctx context.Context) error {
	f.resets.Add(1)
	return nil
}

type fakeRebuilder struct {
	rebuilds atomic.Int32
}

func (f *fakeRebuilder) ReindexAll(ctx context.Context) error {
	f.rebuilds.Add(1)
	return nil
}

func clustered() *cluster.StaticMembership {
	m := cluster.NewStaticMembership(types.Node{ID: "A"})
	m.SetNodes([]types.Node{{ID: "B"}})
	return m
}

func newService(t *testing.T, m cluster.Membership, checker *fakeChecker) (*Service, *fakeReplayer, *fakeRebuilder) {
	t.Helper()
	replayer := &fakeReplayer{}
	rebuilder := &fakeRebuilder{}
	s := NewService(m, checker, replayer, rebuilder, 10*time.Millisecond, nil, nil)
	t.Cleanup(s.Cancel)
	return s, replayer, rebuilder
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	s, _, _ := newService(t, clustered(), &fakeChecker{verdict: replication.Verdict{Consistent: true}})

	first, err := s.Start()
	require.NoError(t, err)
	second, err := s.Start()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, StateRunning, s.State())

	task, ok := s.IndexerService()
	assert.True(t, ok)
	assert.Same(t, first, task)
}

func TestStartAfterPauseCreatesNewTask(t *testing.T) {
	s, _, _ := newService(t, clustered(), &fakeChecker{verdict: replication.Verdict{Consistent: true}})

	first, err := s.Start()
	require.NoError(t, err)

	s.Pause()
	assert.Equal(t, StatePaused, s.State())
	_, ok := s.IndexerService()
	assert.False(t, ok)

	// Pause returns only after the old loop exited
	select {
	case <-first.Done():
	default:
		t.Fatal("paused task still running")
	}

	second, err := s.Start()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestStartAfterCancelIsRejected(t *testing.T) {
	s, _, _ := newService(t, clustered(), &fakeChecker{verdict: replication.Verdict{Consistent: true}})

	task, err := s.Start()
	require.NoError(t, err)
	s.Cancel()
	assert.Equal(t, StateCancelled, s.State())

	_, err = s.Start()
	assert.ErrorIs(t, err, types.ErrServiceTerminated)

	<-task.Done()
	assert.NoError(t, task.Err())

	// Pause and Cancel are no-ops once cancelled
	s.Pause()
	s.Cancel()
	assert.Equal(t, StateCancelled, s.State())
}

func TestCancelFromIdle(t *testing.T) {
	s, _, _ := newService(t, clustered(), &fakeChecker{})
	assert.Equal(t, StateIdle, s.State())

	s.Cancel()
	_, err := s.Start()
	assert.ErrorIs(t, err, types.ErrServiceTerminated)
}

func TestConcurrentStartsShareOneTask(t *testing.T) {
	s, _, _ := newService(t, clustered(), &fakeChecker{verdict: replication.Verdict{Consistent: true}})

	var wg sync.WaitGroup
	tasks := make([]*Task, 16)
	for i := range tasks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := s.Start()
			assert.NoError(t, err)
			tasks[i] = task
		}(i)
	}
	wg.Wait()

	for _, task := range tasks[1:] {
		assert.Same(t, tasks[0], task)
	}
}

func TestRunningTaskReplaysPeers(t *testing.T) {
	s, replayer, rebuilder := newService(t, clustered(), &fakeChecker{verdict: replication.Verdict{Consistent: true}})
	assert.True(t, s.Clustered())

	_, err := s.Start()
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return replayer.catchUps.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, rebuilder.rebuilds.Load())
	assert.Zero(t, replayer.resets.Load())
}

func TestUntrustedIndexIsRebuiltFirst(t *testing.T) {
	s, replayer, rebuilder := newService(t, clustered(), &fakeChecker{verdict: replication.Verdict{Reason: "stale"}})

	_, err := s.Start()
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return replayer.catchUps.Load() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), rebuilder.rebuilds.Load())
	assert.Equal(t, int32(1), replayer.resets.Load())
}

func TestStandaloneNeverReplays(t *testing.T) {
	m := cluster.NewStaticMembership(types.Node{ID: "solo"})
	s, replayer, rebuilder := newService(t, m, &fakeChecker{verdict: replication.Verdict{Reason: "missing manifest"}})
	assert.False(t, s.Clustered())

	_, err := s.Start()
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return rebuilder.rebuilds.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, replayer.catchUps.Load())
	assert.Zero(t, replayer.resets.Load())
}

func TestClusteredModeCapturedAtConstruction(t *testing.T) {
	m := cluster.NewStaticMembership(types.Node{ID: "A"})
	s, _, _ := newService(t, m, &fakeChecker{})

	m.SetNodes([]types.Node{{ID: "B"}})
	assert.False(t, s.Clustered())
}

func TestCheckFailureStopsTask(t *testing.T) {
	checker := &fakeChecker{err: types.ErrStoreUnavailableCause("list watermarks", context.DeadlineExceeded)}
	s, _, rebuilder := newService(t, clustered(), checker)

	task, err := s.Start()
	require.NoError(t, err)

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not stop")
	}
	assert.ErrorIs(t, task.Err(), types.ErrStoreUnavailable)
	assert.Zero(t, rebuilder.rebuilds.Load())

	assert.Equal(t, StatePaused, s.State())
	_, ok := s.IndexerService()
	assert.False(t, ok)

	// the next Start gets a fresh task once the store is back
	checker.err = nil
	checker.verdict = replication.Verdict{Consistent: true}
	again, err := s.Start()
	require.NoError(t, err)
	assert.NotSame(t, task, again)
	assert.Equal(t, StateRunning, s.State())
	select {
	case <-again.Done():
		t.Fatal("restarted task exited")
	case <-time.After(30 * time.Millisecond):
	}
}

type blockingReplayer struct {
	fakeReplayer
	entered  chan struct{}
	finished atomic.Bool
}

func (b *blockingReplayer) CatchUp(ctx context.Context) (int, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	b.finished.Store(true)
	return 0, ctx.Err()
}

func TestPauseWaitsForRunningPass(t *testing.T) {
	replayer := &blockingReplayer{entered: make(chan struct{}, 1)}
	s := NewService(clustered(), &fakeChecker{verdict: replication.Verdict{Consistent: true}},
		replayer, &fakeRebuilder{}, 10*time.Millisecond, nil, nil)
	t.Cleanup(s.Cancel)

	_, err := s.Start()
	require.NoError(t, err)
	<-replayer.entered

	s.Pause()
	assert.True(t, replayer.finished.Load())
}
