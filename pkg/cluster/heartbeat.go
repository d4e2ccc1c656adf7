package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meftunca/indexsync/pkg/common"
	"github.com/meftunca/indexsync/pkg/types"
)

// RedisHeartbeat publishes this node's heartbeat to Redis and derives liveness
// from the heartbeats of every node sharing the key prefix.
type RedisHeartbeat struct {
	client    redis.UniversalClient
	self      types.Node
	clustered bool
	interval  time.Duration
	ttl       time.Duration
	logger    *slog.Logger

	heartbeatKey string
	nodesKey     string

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running int32
}

// NewRedisHeartbeat creates a heartbeat publisher for self
func NewRedisHeartbeat(client redis.UniversalClient, self types.Node, keyPrefix string, clustered bool,
	interval, ttl time.Duration, logger *slog.Logger) *RedisHeartbeat {
	if keyPrefix == "" {
		keyPrefix = "indexsync"
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if ttl <= interval {
		ttl = 3 * interval
	}
	return &RedisHeartbeat{
		client:       client,
		self:         self,
		clustered:    clustered,
		interval:     interval,
		ttl:          ttl,
		logger:       common.OrDefault(logger).With("component", "heartbeat", "node", self.ID),
		heartbeatKey: fmt.Sprintf("%s:heartbeat", keyPrefix),
		nodesKey:     fmt.Sprintf("%s:nodes", keyPrefix),
		stopCh:       make(chan struct{}),
	}
}

// Start publishes one heartbeat synchronously and then keeps beating until Stop
func (h *RedisHeartbeat) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.running, 0, 1) {
		return fmt.Errorf("heartbeat already running")
	}
	if err := h.Beat(ctx); err != nil {
		atomic.StoreInt32(&h.running, 0)
		return err
	}

	h.wg.Add(1)
	go h.heartbeatLoop()
	return nil
}

// Stop ends the heartbeat loop. The last heartbeat ages out after the TTL.
func (h *RedisHeartbeat) Stop() {
	if !atomic.CompareAndSwapInt32(&h.running, 1, 0) {
		return
	}
	close(h.stopCh)
	h.wg.Wait()
}

func (h *RedisHeartbeat) heartbeatLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.interval)
			if err := h.Beat(ctx); err != nil {
				h.logger.Warn("Heartbeat failed", "error", err)
			}
			cancel()
		case <-h.stopCh:
			return
		}
	}
}

// Beat records a heartbeat for this node now
func (h *RedisHeartbeat) Beat(ctx context.Context) error {
	now := time.Now()
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, h.heartbeatKey, redis.Z{Score: float64(now.UnixMilli()), Member: h.self.ID})
		pipe.HSet(ctx, h.nodesKey, h.self.ID, h.self.Addr())
		return nil
	})
	if err != nil {
		return types.ErrStoreUnavailableCause("heartbeat", err)
	}
	return nil
}

func (h *RedisHeartbeat) NodeID() string { return h.self.ID }

func (h *RedisHeartbeat) IsClustered() bool { return h.clustered }

func (h *RedisHeartbeat) LiveNodeIDs(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-h.ttl).UnixMilli()
	ids, err := h.client.ZRangeByScore(ctx, h.heartbeatKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, types.ErrStoreUnavailableCause("live nodes", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (h *RedisHeartbeat) Nodes(ctx context.Context) ([]types.Node, error) {
	beats, err := h.client.ZRangeWithScores(ctx, h.heartbeatKey, 0, -1).Result()
	if err != nil {
		return nil, types.ErrStoreUnavailableCause("nodes", err)
	}
	addrs, err := h.client.HGetAll(ctx, h.nodesKey).Result()
	if err != nil {
		return nil, types.ErrStoreUnavailableCause("nodes", err)
	}

	cutoff := time.Now().Add(-h.ttl)
	nodes := make([]types.Node, 0, len(beats))
	for _, z := range beats {
		id, _ := z.Member.(string)
		n := types.Node{
			ID:            id,
			LastHeartbeat: time.UnixMilli(int64(z.Score)),
			State:         types.NodeStateInactive,
		}
		if n.LastHeartbeat.After(cutoff) {
			n.State = types.NodeStateActive
		}
		if host, port, err := net.SplitHostPort(addrs[id]); err == nil {
			n.Host = host
			n.Port, _ = strconv.Atoi(port)
		}
		nodes = append(nodes, n)
	}
	sortNodes(nodes)
	return nodes, nil
}

// Forget removes a node from the registry, e.g. after it left the cluster for good
func (h *RedisHeartbeat) Forget(ctx context.Context, nodeID string) error {
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, h.heartbeatKey, nodeID)
		pipe.HDel(ctx, h.nodesKey, nodeID)
		return nil
	})
	if err != nil {
		return types.ErrStoreUnavailableCause("forget node", err)
	}
	return nil
}
