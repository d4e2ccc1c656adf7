package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meftunca/indexsync/pkg/config"
	"github.com/meftunca/indexsync/pkg/types"
)

// Membership is the read side of cluster membership and liveness
type Membership interface {
	// NodeID returns this node's id
	NodeID() string

	// IsClustered reports whether more than one node takes part
	IsClustered() bool

	// Nodes returns every known node including this one
	Nodes(ctx context.Context) ([]types.Node, error)

	// LiveNodeIDs returns the ids of nodes currently considered alive
	LiveNodeIDs(ctx context.Context) ([]string, error)
}

// StaticMembership holds a configured node list. Peers are considered live
// until a probe marks them otherwise.
type StaticMembership struct {
	self  types.Node
	mu    sync.RWMutex
	peers map[string]types.Node
}

// NewStaticMembership creates a membership containing only self
func NewStaticMembership(self types.Node) *StaticMembership {
	self.State = types.NodeStateActive
	self.LastHeartbeat = time.Now()
	return &StaticMembership{
		self:  self,
		peers: make(map[string]types.Node),
	}
}

// NewStaticMembershipFromConfig builds the membership from node.id and node.peers
func NewStaticMembershipFromConfig(cfg config.NodeConfig) (*StaticMembership, error) {
	m := NewStaticMembership(types.Node{ID: cfg.ID, Host: cfg.Host, Port: cfg.Port})

	nodes := make([]types.Node, 0, len(cfg.Peers))
	for _, peer := range cfg.Peers {
		id, host, port, err := config.ParsePeer(peer)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, types.Node{ID: id, Host: host, Port: port})
	}
	m.SetNodes(nodes)
	return m, nil
}

// SetNodes replaces the peer list. Entries with this node's id are ignored.
func (m *StaticMembership) SetNodes(nodes []types.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peers = make(map[string]types.Node, len(nodes))
	for _, n := range nodes {
		if n.ID == m.self.ID {
			continue
		}
		if n.State == types.NodeStateUnknown {
			n.State = types.NodeStateActive
		}
		m.peers[n.ID] = n
	}
}

// MarkNode records a liveness observation for a peer
func (m *StaticMembership) MarkNode(id string, state types.NodeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.peers[id]
	if !ok {
		return types.ErrUnknownNodeID(id)
	}
	n.State = state
	if state == types.NodeStateActive {
		n.LastHeartbeat = time.Now()
	}
	m.peers[id] = n
	return nil
}

func (m *StaticMembership) NodeID() string { return m.self.ID }

func (m *StaticMembership) IsClustered() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers) > 0
}

func (m *StaticMembership) Nodes(ctx context.Context) ([]types.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]types.Node, 0, len(m.peers)+1)
	nodes = append(nodes, m.self)
	for _, n := range m.peers {
		nodes = append(nodes, n)
	}
	sortNodes(nodes)
	return nodes, nil
}

func (m *StaticMembership) LiveNodeIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := []string{m.self.ID}
	for id, n := range m.peers {
		if n.State == types.NodeStateActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func sortNodes(nodes []types.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// PeerIDs returns the ids of every known node other than self
func PeerIDs(ctx context.Context, m Membership) ([]string, error) {
	nodes, err := m.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	self := m.NodeID()
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != self {
			ids = append(ids, n.ID)
		}
	}
	return ids, nil
}
