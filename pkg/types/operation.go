package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AffectedIndex identifies which local index an operation touches
type AffectedIndex uint8

const (
	AffectedIndexAll AffectedIndex = iota
	AffectedIndexIssue
	AffectedIndexComment
	AffectedIndexChangeHistory
	AffectedIndexSharedEntity
)

var affectedIndexCodes = map[AffectedIndex]string{
	AffectedIndexAll:           "ALL",
	AffectedIndexIssue:         "ISSUE",
	AffectedIndexComment:       "COMMENT",
	AffectedIndexChangeHistory: "CHANGEHISTORY",
	AffectedIndexSharedEntity:  "SHAREDENTITY",
}

// AllAffectedIndexes lists every concrete index, excluding the ALL marker
func AllAffectedIndexes() []AffectedIndex {
	return []AffectedIndex{
		AffectedIndexIssue,
		AffectedIndexComment,
		AffectedIndexChangeHistory,
		AffectedIndexSharedEntity,
	}
}

func (a AffectedIndex) String() string {
	if code, ok := affectedIndexCodes[a]; ok {
		return code
	}
	return "UNKNOWN"
}

// ParseAffectedIndex maps a persisted code to its variant
func ParseAffectedIndex(code string) (AffectedIndex, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for idx, c := range affectedIndexCodes {
		if c == code {
			return idx, nil
		}
	}
	return 0, ErrInvalidRecord(fmt.Sprintf("unknown affected index %q", code))
}

// EntityType is the shareable entity kind an operation refers to
type EntityType uint8

const (
	EntityTypeNone EntityType = iota
	EntityTypeSearchRequest
	EntityTypePortalPage
)

func (e EntityType) String() string {
	switch e {
	case EntityTypeSearchRequest:
		return "SEARCH_REQUEST"
	case EntityTypePortalPage:
		return "PORTAL_PAGE"
	default:
		return "NONE"
	}
}

// ParseEntityType never fails: absent or unknown codes map to EntityTypeNone.
func ParseEntityType(code string) EntityType {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "SEARCH_REQUEST", "SEARCHREQUEST":
		return EntityTypeSearchRequest
	case "PORTAL_PAGE", "PORTALPAGE":
		return EntityTypePortalPage
	default:
		return EntityTypeNone
	}
}

// Operation is the mutation kind of a log record
type Operation uint8

const (
	OperationAdd Operation = iota + 1
	OperationUpdate
	OperationRemove
)

func (o Operation) String() string {
	switch o {
	case OperationAdd:
		return "ADD"
	case OperationUpdate:
		return "UPDATE"
	case OperationRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// ParseOperation maps a persisted code to its variant
func ParseOperation(code string) (Operation, error) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "ADD":
		return OperationAdd, nil
	case "UPDATE":
		return OperationUpdate, nil
	case "REMOVE", "DELETE":
		return OperationRemove, nil
	default:
		return 0, ErrInvalidRecord(fmt.Sprintf("unknown operation %q", code))
	}
}

// IndexOperationRecord is one immutable entry of the cluster-wide operation log
type IndexOperationRecord struct {
	ID             int64         `json:"id" msgpack:"id"`
	NodeID         string        `json:"node_id" msgpack:"node_id"`
	IndexTime      time.Time     `json:"index_time" msgpack:"index_time"`
	AffectedIndex  AffectedIndex `json:"affected_index" msgpack:"affected_index"`
	EntityType     EntityType    `json:"entity_type" msgpack:"entity_type"`
	Operation      Operation     `json:"operation" msgpack:"operation"`
	AffectedIDs    []int64       `json:"affected_ids,omitempty" msgpack:"affected_ids,omitempty"`
	BackupFilename string        `json:"backup_filename,omitempty" msgpack:"backup_filename,omitempty"`
}

// NewOperationRecord builds an unsaved record; the log store assigns ID
func NewOperationRecord(nodeID string, index AffectedIndex, entity EntityType, op Operation, ids ...int64) *IndexOperationRecord {
	return &IndexOperationRecord{
		NodeID:        nodeID,
		IndexTime:     time.Now(),
		AffectedIndex: index,
		EntityType:    entity,
		Operation:     op,
		AffectedIDs:   ids,
	}
}

// IsBackup reports whether the record means "apply this snapshot"
func (r *IndexOperationRecord) IsBackup() bool {
	return r.BackupFilename != ""
}

// IsWholeIndex reports whether the record targets an entire index
func (r *IndexOperationRecord) IsWholeIndex() bool {
	return len(r.AffectedIDs) == 0
}

// Validate checks the fields a writer must supply
func (r *IndexOperationRecord) Validate() error {
	if r == nil {
		return ErrInvalidRecord("nil record")
	}
	if r.NodeID == "" {
		return ErrInvalidRecord("node id is required")
	}
	if _, ok := affectedIndexCodes[r.AffectedIndex]; !ok {
		return ErrInvalidRecord("affected index out of range")
	}
	if r.Operation < OperationAdd || r.Operation > OperationRemove {
		return ErrInvalidRecord("operation out of range")
	}
	return nil
}

// FormatAffectedIDs renders ids in the persisted comma-joined form
func FormatAffectedIDs(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// ParseAffectedIDs parses the persisted comma-joined form
func ParseAffectedIDs(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, ErrInvalidRecord(fmt.Sprintf("bad affected id %q", p))
		}
		ids = append(ids, id)
	}
	return ids, nil
}
