package types

import (
	"fmt"
	"time"
)

// NodeState represents the lifecycle state of a cluster member
type NodeState int

const (
	NodeStateUnknown NodeState = iota
	NodeStateActive
	NodeStateInactive
)

func (s NodeState) String() string {
	switch s {
	case NodeStateActive:
		return "ACTIVE"
	case NodeStateInactive:
		return "INACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Node is a cluster member as seen by the membership collaborator
type Node struct {
	ID            string    `json:"id"`
	State         NodeState `json:"state"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Addr returns host:port
func (n Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// RecoveryMode is the node's startup posture for the life of the process
type RecoveryMode int

const (
	RecoveryModePrimary RecoveryMode = iota
	RecoveryModeCold
	RecoveryModeSecondary
)

func (m RecoveryMode) String() string {
	switch m {
	case RecoveryModeCold:
		return "COLD"
	case RecoveryModeSecondary:
		return "SECONDARY"
	default:
		return "PRIMARY"
	}
}
