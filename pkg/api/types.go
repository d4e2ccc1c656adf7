package api

import "time"

// APIResponse is the envelope every admin endpoint answers with
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status       string            `json:"status"`
	NodeID       string            `json:"node_id"`
	Version      map[string]string `json:"version"`
	Uptime       string            `json:"uptime"`
	RecoveryMode string            `json:"recovery_mode"`
	Reindex      string            `json:"reindex"`
}

// ConsistencyResponse is returned by GET /consistency
type ConsistencyResponse struct {
	NodeID     string `json:"node_id"`
	Consistent bool   `json:"consistent"`
	Reason     string `json:"reason,omitempty"`
	StalePeer  string `json:"stale_peer,omitempty"`
	Watermark  int64  `json:"watermark,omitempty"`
}

// ReindexResponse describes the reindex service after a control call
type ReindexResponse struct {
	State     string     `json:"state"`
	TaskID    string     `json:"task_id,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// SnapshotResponse is returned by the snapshot endpoints
type SnapshotResponse struct {
	Snapshot string `json:"snapshot"`
	Target   string `json:"target,omitempty"`
}
