package replication

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meftunca/indexsync/pkg/cluster"
	"github.com/meftunca/indexsync/pkg/common"
	"github.com/meftunca/indexsync/pkg/metrics"
	"github.com/meftunca/indexsync/pkg/storage"
	"github.com/meftunca/indexsync/pkg/types"
)

// IndexHealth reports whether the local index files are well formed
type IndexHealth interface {
	IsIndexConsistent() bool
}

// Verdict is the outcome of a consistency check
type Verdict struct {
	Consistent bool   `json:"consistent"`
	Reason     string `json:"reason,omitempty"`
	StalePeer  string `json:"stale_peer,omitempty"`
	Watermark  int64  `json:"watermark,omitempty"`
}

// Err returns nil for a consistent verdict and an InconsistentIndex error otherwise
func (v Verdict) Err() error {
	if v.Consistent {
		return nil
	}
	err := types.ErrInconsistentIndexReason(v.Reason)
	if v.StalePeer != "" {
		err = err.WithDetail("peer", v.StalePeer).WithDetail("watermark", v.Watermark)
	}
	return err
}

// Checker decides whether a node's local index can be trusted for
// incremental catch-up or must be rebuilt in full.
type Checker struct {
	index      IndexHealth
	membership cluster.Membership
	progress   storage.ProgressStore
	log        storage.OperationLog
	metrics    *metrics.PrometheusMetrics
	logger     *slog.Logger
}

// NewChecker creates a consistency checker
func NewChecker(index IndexHealth, membership cluster.Membership, progress storage.ProgressStore,
	log storage.OperationLog, m *metrics.PrometheusMetrics, logger *slog.Logger) *Checker {
	return &Checker{
		index:      index,
		membership: membership,
		progress:   progress,
		log:        log,
		metrics:    m,
		logger:     common.OrDefault(logger).With("component", "consistency-checker"),
	}
}

// CanIndexBeRebuilt reports whether nodeID's index can be brought up to date
// by replaying the log. False means a full reindex is required.
func (c *Checker) CanIndexBeRebuilt(ctx context.Context, nodeID string) (bool, error) {
	v, err := c.Check(ctx, nodeID)
	if err != nil {
		return false, err
	}
	return v.Consistent, nil
}

// Check runs the consistency check and explains a negative result.
// A watermark is only trusted while the record it points at is still in the log.
func (c *Checker) Check(ctx context.Context, nodeID string) (Verdict, error) {
	if !c.index.IsIndexConsistent() {
		return c.verdict(nodeID, Verdict{Reason: "local index is not well formed"}), nil
	}

	nodes, err := c.membership.Nodes(ctx)
	if err != nil {
		return Verdict{}, err
	}

	for _, peer := range nodes {
		if peer.ID == nodeID {
			continue
		}
		watermark, ok, err := c.progress.Get(ctx, nodeID, peer.ID)
		if err != nil {
			return Verdict{}, err
		}
		// Nothing replayed from this peer yet
		if !ok || watermark == 0 {
			continue
		}

		present, err := c.log.Contains(ctx, watermark)
		if err != nil {
			return Verdict{}, err
		}
		if !present {
			return c.verdict(nodeID, Verdict{
				Reason:    fmt.Sprintf("watermark %d for %s is no longer in the operation log", watermark, peer.ID),
				StalePeer: peer.ID,
				Watermark: watermark,
			}), nil
		}
	}

	return c.verdict(nodeID, Verdict{Consistent: true}), nil
}

func (c *Checker) verdict(nodeID string, v Verdict) Verdict {
	c.metrics.RecordConsistencyCheck(v.Consistent)
	if v.Consistent {
		c.logger.Debug("Local index is consistent", "node", nodeID)
	} else {
		c.logger.Warn("Local index cannot be trusted", "node", nodeID, "reason", v.Reason)
	}
	return v
}
