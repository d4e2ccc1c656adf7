package cluster

import (
	"context"
	"net/http"
	"time"

	"github.com/meftunca/indexsync/pkg/types"
)

// HealthChecker probes peers over their /health endpoint.
type HealthChecker struct {
	client http.Client
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		client: http.Client{
			Timeout: timeout,
		},
	}
}

// CheckNode checks the health of a given node.
func (hc *HealthChecker) CheckNode(ctx context.Context, node types.Node) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+node.Addr()+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := hc.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}

// Probe checks every peer of m and records the result
func (hc *HealthChecker) Probe(ctx context.Context, m *StaticMembership) {
	nodes, _ := m.Nodes(ctx)
	for _, n := range nodes {
		if n.ID == m.NodeID() {
			continue
		}
		state := types.NodeStateInactive
		if ok, err := hc.CheckNode(ctx, n); err == nil && ok {
			state = types.NodeStateActive
		}
		m.MarkNode(n.ID, state)
	}
}
