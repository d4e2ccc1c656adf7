package types

import (
	"time"

	"github.com/google/uuid"
)

// MessageType names an inter-node message
type MessageType string

const (
	// MessageTypeBackupIndexDone tells the target node a snapshot is ready.
	// The payload is the snapshot filename.
	MessageTypeBackupIndexDone MessageType = "BACKUP_INDEX_DONE"
)

// ClusterMessage is the point-to-point envelope exchanged between nodes
type ClusterMessage struct {
	ID      string      `cbor:"i" json:"id" msgpack:"i"`
	Type    MessageType `cbor:"t" json:"type" msgpack:"t"`
	From    string      `cbor:"f" json:"from" msgpack:"f"`
	To      string      `cbor:"to" json:"to" msgpack:"to"`
	Payload []byte      `cbor:"p" json:"payload" msgpack:"p"`
	SentAt  int64       `cbor:"ts" json:"sent_at" msgpack:"ts"` // Unix nanoseconds
}

// NewClusterMessage creates a message stamped with a fresh id and the current time
func NewClusterMessage(msgType MessageType, from, to string, payload []byte) *ClusterMessage {
	return &ClusterMessage{
		ID:      uuid.NewString(),
		Type:    msgType,
		From:    from,
		To:      to,
		Payload: payload,
		SentAt:  time.Now().UnixNano(),
	}
}

// Validate checks the routing fields
func (m *ClusterMessage) Validate() error {
	if m == nil || m.Type == "" {
		return NewIndexError(ErrCodeInvalidRecord, "message type is required")
	}
	if m.To == "" {
		return NewIndexError(ErrCodeInvalidRecord, "message target is required").WithDetail("type", m.Type)
	}
	return nil
}

// SentTime returns SentAt as a time.Time
func (m *ClusterMessage) SentTime() time.Time {
	return time.Unix(0, m.SentAt)
}
