package index

import (
	"context"
	"log/slog"

	"github.com/meftunca/indexsync/pkg/common"
	"github.com/meftunca/indexsync/pkg/metrics"
	"github.com/meftunca/indexsync/pkg/storage"
	"github.com/meftunca/indexsync/pkg/types"
)

// ReplicatedIndexManager mutates the local index and records each mutation in
// the operation log so that peers replay it.
type ReplicatedIndexManager struct {
	nodeID  string
	engine  Engine
	log     storage.OperationLog
	metrics *metrics.PrometheusMetrics
	logger  *slog.Logger
}

// NewReplicatedIndexManager creates a manager writing as nodeID
func NewReplicatedIndexManager(nodeID string, engine Engine, log storage.OperationLog, m *metrics.PrometheusMetrics, logger *slog.Logger) *ReplicatedIndexManager {
	return &ReplicatedIndexManager{
		nodeID:  nodeID,
		engine:  engine,
		log:     log,
		metrics: m,
		logger:  common.OrDefault(logger).With("component", "index-manager"),
	}
}

// Reindex (re)indexes the given entities
func (m *ReplicatedIndexManager) Reindex(ctx context.Context, idx types.AffectedIndex, entity types.EntityType, ids ...int64) (int64, error) {
	return m.mutate(ctx, types.NewOperationRecord(m.nodeID, idx, entity, types.OperationUpdate, ids...))
}

// Add indexes newly created entities
func (m *ReplicatedIndexManager) Add(ctx context.Context, idx types.AffectedIndex, entity types.EntityType, ids ...int64) (int64, error) {
	return m.mutate(ctx, types.NewOperationRecord(m.nodeID, idx, entity, types.OperationAdd, ids...))
}

// Deindex removes entities; with no ids the whole index is cleared
func (m *ReplicatedIndexManager) Deindex(ctx context.Context, idx types.AffectedIndex, entity types.EntityType, ids ...int64) (int64, error) {
	return m.mutate(ctx, types.NewOperationRecord(m.nodeID, idx, entity, types.OperationRemove, ids...))
}

// ReindexAll rebuilds the local index from the log. Peers share the log, so
// nothing is appended.
func (m *ReplicatedIndexManager) ReindexAll(ctx context.Context) error {
	err := m.engine.ReindexAll(ctx, m.log)
	m.metrics.RecordFullRebuild(err == nil)
	return err
}

// mutate logs the record first so the local apply carries its assigned id
func (m *ReplicatedIndexManager) mutate(ctx context.Context, record *types.IndexOperationRecord) (int64, error) {
	if err := record.Validate(); err != nil {
		return 0, err
	}

	id, err := m.log.Append(ctx, record)
	if err != nil {
		return 0, err
	}
	record.ID = id
	m.metrics.RecordOperationAppended(record.AffectedIndex.String(), record.Operation.String())

	if err := m.engine.Apply(ctx, record); err != nil {
		m.logger.Error("Operation logged but local index not updated",
			"id", id, "index", record.AffectedIndex, "operation", record.Operation, "error", err)
		return id, err
	}

	m.logger.Debug("Operation logged", "id", id, "index", record.AffectedIndex, "operation", record.Operation)
	return id, nil
}
