package replication

import (
	"context"
	"log/slog"
	"sync"

	"github.com/meftunca/indexsync/pkg/cluster"
	"github.com/meftunca/indexsync/pkg/common"
	"github.com/meftunca/indexsync/pkg/metrics"
	"github.com/meftunca/indexsync/pkg/storage"
	"github.com/meftunca/indexsync/pkg/types"
)

// Applier applies one log record to the local index
type Applier interface {
	Apply(ctx context.Context, record *types.IndexOperationRecord) error
}

// Replayer applies peers' log records to the local index and advances this
// node's watermark for each source as it goes.
type Replayer struct {
	index      Applier
	membership cluster.Membership
	progress   storage.ProgressStore
	log        storage.OperationLog
	batchSize  int
	metrics    *metrics.PrometheusMetrics
	logger     *slog.Logger

	// serializes CatchUp and ResetWatermarks
	mu sync.Mutex
}

// NewReplayer creates a replayer for the node identified by membership
func NewReplayer(index Applier, membership cluster.Membership, progress storage.ProgressStore,
	log storage.OperationLog, batchSize int, m *metrics.PrometheusMetrics, logger *slog.Logger) *Replayer {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Replayer{
		index:      index,
		membership: membership,
		progress:   progress,
		log:        log,
		batchSize:  batchSize,
		metrics:    m,
		logger:     common.OrDefault(logger).With("component", "replayer"),
	}
}

// CatchUp applies every peer record newer than this node's watermark for that
// peer and returns how many were applied. A failed apply stops the pass with
// the watermark left at the last success, so the record is retried next time.
//
// Ids become visible out of order when appends race, so every pass scans from
// the lowest watermark rather than from the highest id seen so far.
func (r *Replayer) CatchUp(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	self := r.membership.NodeID()
	watermarks, err := r.progress.List(ctx, self)
	if err != nil {
		return 0, err
	}
	peers, err := cluster.PeerIDs(ctx, r.membership)
	if err != nil {
		return 0, err
	}
	if len(peers) == 0 && len(watermarks) == 0 {
		return 0, nil
	}
	if watermarks == nil {
		watermarks = make(map[string]int64)
	}

	from := lowestWatermark(peers, watermarks)

	applied := 0
	for {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		records, err := r.log.Find(ctx, from, r.batchSize)
		if err != nil {
			return applied, err
		}
		if len(records) == 0 {
			break
		}

		for _, rec := range records {
			if rec.NodeID != self && rec.ID > watermarks[rec.NodeID] {
				if err := r.index.Apply(ctx, rec); err != nil {
					r.logger.Error("Replay failed", "id", rec.ID, "source", rec.NodeID, "error", err)
					return applied, err
				}
				if err := r.progress.Advance(ctx, self, rec.NodeID, rec.ID); err != nil {
					return applied, err
				}
				watermarks[rec.NodeID] = rec.ID
				applied++
				r.metrics.RecordOperationReplayed(rec.NodeID, rec.AffectedIndex.String(), rec.ID)
			}
			from = rec.ID
		}
	}

	if applied > 0 {
		r.logger.Info("Replayed peer operations", "count", applied)
	}
	return applied, nil
}

// ResetWatermarks pins every peer watermark to the current log head. Only valid
// right after the local index was rebuilt from the whole log.
func (r *Replayer) ResetWatermarks(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.log.LastID(ctx)
	if err != nil {
		return err
	}
	peers, err := cluster.PeerIDs(ctx, r.membership)
	if err != nil {
		return err
	}

	self := r.membership.NodeID()
	for _, peer := range peers {
		if err := r.progress.Reset(ctx, self, peer, head); err != nil {
			return err
		}
		r.metrics.SetWatermark(peer, head)
	}
	r.logger.Info("Watermarks reset to log head", "head", head, "peers", len(peers))
	return nil
}

func lowestWatermark(peers []string, watermarks map[string]int64) int64 {
	var lowest int64 = -1
	for _, p := range peers {
		if v := watermarks[p]; lowest < 0 || v < lowest {
			lowest = v
		}
	}
	for _, v := range watermarks {
		if lowest < 0 || v < lowest {
			lowest = v
		}
	}
	if lowest < 0 {
		return 0
	}
	return lowest
}
