package reindex

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meftunca/indexsync/pkg/cluster"
	"github.com/meftunca/indexsync/pkg/common"
	"github.com/meftunca/indexsync/pkg/metrics"
	"github.com/meftunca/indexsync/pkg/replication"
	"github.com/meftunca/indexsync/pkg/types"
)

// State is the lifecycle state of the reindex service
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "IDLE"
	}
}

// ConsistencyChecker decides whether the local index can be caught up
// incrementally
type ConsistencyChecker interface {
	Check(ctx context.Context, nodeID string) (replication.Verdict, error)
}

// Replayer brings the local index up to date with peers
type Replayer interface {
	CatchUp(ctx context.Context) (int, error)
	ResetWatermarks(ctx context.Context) error
}

// Rebuilder rebuilds the whole local index
type Rebuilder interface {
	ReindexAll(ctx context.Context) error
}

// Task is one run of the indexer. A new Task is created every time the
// service leaves IDLE or PAUSED.
type Task struct {
	ID        string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed when the task loop has exited
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns why the task loop stopped. Only valid after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Service drives the node's indexer: a full rebuild when the local index
// cannot be trusted, then periodic replay of peer operations.
type Service struct {
	nodeID    string
	clustered bool
	checker   ConsistencyChecker
	replayer  Replayer
	rebuilder Rebuilder
	interval  time.Duration
	metrics   *metrics.PrometheusMetrics
	logger    *slog.Logger

	mu    sync.Mutex
	state State
	task  *Task
}

// NewService creates the reindex service. Membership is read once here, so it
// must already hold the final node list.
func NewService(membership cluster.Membership, checker ConsistencyChecker, replayer Replayer, rebuilder Rebuilder,
	interval time.Duration, m *metrics.PrometheusMetrics, logger *slog.Logger) *Service {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Service{
		nodeID:    membership.NodeID(),
		clustered: membership.IsClustered(),
		checker:   checker,
		replayer:  replayer,
		rebuilder: rebuilder,
		interval:  interval,
		metrics:   m,
		logger:    common.OrDefault(logger).With("component", "reindex", "node", membership.NodeID()),
	}
	m.SetReindexState(int(StateIdle))
	return s
}

// Clustered reports the mode captured at construction
func (s *Service) Clustered() bool { return s.clustered }

// State returns the current state
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the indexer. While RUNNING it returns the current task
// unchanged; after Cancel it fails with ServiceTerminated.
func (s *Service) Start() (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCancelled:
		return nil, types.ErrServiceTerminatedFor("node reindex service")
	case StateRunning:
		return s.task, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.task = task
	s.setState(StateRunning)
	s.metrics.RecordReindexTaskStart()
	s.logger.Info("Indexer task started", "task", task.ID, "clustered", s.clustered)

	go s.run(ctx, task)
	return task, nil
}

// Pause stops the running task and forgets it. It returns once the task loop
// has exited, so a later Start never overlaps the old task.
func (s *Service) Pause() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	task := s.stopTask()
	s.setState(StatePaused)
	s.mu.Unlock()

	waitFor(task)
	s.logger.Info("Indexer paused")
}

// Cancel stops the service for good and waits for the running task to exit
func (s *Service) Cancel() {
	s.mu.Lock()
	if s.state == StateCancelled {
		s.mu.Unlock()
		return
	}
	task := s.stopTask()
	s.setState(StateCancelled)
	s.mu.Unlock()

	waitFor(task)
	s.logger.Info("Indexer cancelled")
}

// IndexerService returns the running task, if any
func (s *Service) IndexerService() (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task, s.task != nil
}

func (s *Service) stopTask() *Task {
	task := s.task
	if task != nil {
		task.cancel()
		s.task = nil
	}
	return task
}

func waitFor(task *Task) {
	if task != nil {
		<-task.done
	}
}

func (s *Service) setState(state State) {
	s.state = state
	s.metrics.SetReindexState(int(state))
}

func (s *Service) run(ctx context.Context, task *Task) {
	defer close(task.done)
	task.err = s.loop(ctx)
	if task.err != nil && ctx.Err() == nil {
		s.logger.Error("Indexer task stopped", "task", task.ID, "error", task.err)
	}

	// A task that died on its own leaves the service startable again
	s.mu.Lock()
	if s.task == task {
		task.cancel()
		s.task = nil
		s.setState(StatePaused)
	}
	s.mu.Unlock()
}

func (s *Service) loop(ctx context.Context) error {
	verdict, err := s.checker.Check(ctx, s.nodeID)
	if err != nil {
		return err
	}

	if !verdict.Consistent {
		s.logger.Warn("Rebuilding local index", "reason", verdict.Reason)
		if err := s.rebuilder.ReindexAll(ctx); err != nil {
			return err
		}
		if s.clustered {
			if err := s.replayer.ResetWatermarks(ctx); err != nil {
				return err
			}
		}
	}

	if !s.clustered {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if n, err := s.replayer.CatchUp(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("Replay pass failed", "applied", n, "error", err)
		} else if n > 0 {
			s.logger.Debug("Replay pass", "applied", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
