package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meftunca/indexsync/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS replicated_index_operation (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	node_id         TEXT      NOT NULL,
	index_time      TIMESTAMP NOT NULL,
	affected_index  TEXT      NOT NULL,
	entity_type     TEXT      NOT NULL,
	operation       TEXT      NOT NULL,
	affected_ids    TEXT      NOT NULL DEFAULT '',
	backup_filename TEXT      NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS node_index_counter (
	node_id            TEXT    NOT NULL,
	sending_node_id    TEXT    NOT NULL,
	index_operation_id INTEGER NOT NULL,
	PRIMARY KEY (node_id, sending_node_id)
);

CREATE TABLE IF NOT EXISTS sequence_value_item (
	seq_name TEXT PRIMARY KEY,
	seq_id   INTEGER NOT NULL
);
`

// SQLiteStore implements Store on a relational SQLite database
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, types.ErrStoreUnavailableCause("open", err)
	}
	// One writer keeps AUTOINCREMENT and upserts serialized within this process.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, types.ErrStoreUnavailableCause("ping", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, types.ErrStoreUnavailableCause("create schema", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, record *types.IndexOperationRecord) (int64, error) {
	if err := record.Validate(); err != nil {
		return 0, err
	}

	indexTime := record.IndexTime
	if indexTime.IsZero() {
		indexTime = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO replicated_index_operation
			(node_id, index_time, affected_index, entity_type, operation, affected_ids, backup_filename)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.NodeID,
		indexTime.UTC(),
		record.AffectedIndex.String(),
		record.EntityType.String(),
		record.Operation.String(),
		types.FormatAffectedIDs(record.AffectedIDs),
		record.BackupFilename,
	)
	if err != nil {
		return 0, types.ErrStoreUnavailableCause("append", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, types.ErrStoreUnavailableCause("append", err)
	}
	record.ID = id
	return id, nil
}

func (s *SQLiteStore) Contains(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM replicated_index_operation WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, types.ErrStoreUnavailableCause("contains", err)
	}
	return true, nil
}

func (s *SQLiteStore) Find(ctx context.Context, fromID int64, limit int) ([]*types.IndexOperationRecord, error) {
	query := `SELECT id, node_id, index_time, affected_index, entity_type, operation, affected_ids, backup_filename
		FROM replicated_index_operation WHERE id > ? ORDER BY id ASC`
	args := []interface{}{fromID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.ErrStoreUnavailableCause("find", err)
	}
	defer rows.Close()

	var records []*types.IndexOperationRecord
	for rows.Next() {
		var (
			rec                                  types.IndexOperationRecord
			affectedIndex, entityType, operation string
			affectedIDs                          string
		)
		if err := rows.Scan(&rec.ID, &rec.NodeID, &rec.IndexTime, &affectedIndex, &entityType,
			&operation, &affectedIDs, &rec.BackupFilename); err != nil {
			return nil, types.ErrStoreUnavailableCause("find", err)
		}
		if err := decodeRecordFields(&rec, affectedIndex, entityType, operation, affectedIDs); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.ErrStoreUnavailableCause("find", err)
	}
	return records, nil
}

func (s *SQLiteStore) LastID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM replicated_index_operation`).Scan(&id); err != nil {
		return 0, types.ErrStoreUnavailableCause("last id", err)
	}
	return id.Int64, nil
}

func (s *SQLiteStore) Get(ctx context.Context, observer, source string) (int64, bool, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT index_operation_id FROM node_index_counter WHERE node_id = ? AND sending_node_id = ?`,
		observer, source).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, types.ErrStoreUnavailableCause("get counter", err)
	}
	return v, true, nil
}

func (s *SQLiteStore) Advance(ctx context.Context, observer, source string, value int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_index_counter (node_id, sending_node_id, index_operation_id) VALUES (?, ?, ?)
		 ON CONFLICT (node_id, sending_node_id)
		 DO UPDATE SET index_operation_id = MAX(index_operation_id, excluded.index_operation_id)`,
		observer, source, value)
	if err != nil {
		return types.ErrStoreUnavailableCause("advance counter", err)
	}
	return nil
}

func (s *SQLiteStore) Reset(ctx context.Context, observer, source string, value int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_index_counter (node_id, sending_node_id, index_operation_id) VALUES (?, ?, ?)
		 ON CONFLICT (node_id, sending_node_id)
		 DO UPDATE SET index_operation_id = excluded.index_operation_id`,
		observer, source, value)
	if err != nil {
		return types.ErrStoreUnavailableCause("reset counter", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, observer string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sending_node_id, index_operation_id FROM node_index_counter WHERE node_id = ?`, observer)
	if err != nil {
		return nil, types.ErrStoreUnavailableCause("list counters", err)
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var source string
		var v int64
		if err := rows.Scan(&source, &v); err != nil {
			return nil, types.ErrStoreUnavailableCause("list counters", err)
		}
		result[source] = v
	}
	if err := rows.Err(); err != nil {
		return nil, types.ErrStoreUnavailableCause("list counters", err)
	}
	return result, nil
}

func (s *SQLiteStore) NextID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sequence_value_item (seq_name, seq_id) VALUES (?, 1)
		 ON CONFLICT (seq_name) DO UPDATE SET seq_id = seq_id + 1
		 RETURNING seq_id`, name).Scan(&id)
	if err != nil {
		return 0, types.ErrStoreUnavailableCause("next id", err)
	}
	return id, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return types.ErrStoreUnavailableCause("ping", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeRecordFields(rec *types.IndexOperationRecord, affectedIndex, entityType, operation, affectedIDs string) error {
	idx, err := types.ParseAffectedIndex(affectedIndex)
	if err != nil {
		return err
	}
	op, err := types.ParseOperation(operation)
	if err != nil {
		return err
	}
	ids, err := types.ParseAffectedIDs(affectedIDs)
	if err != nil {
		return err
	}
	rec.AffectedIndex = idx
	rec.EntityType = types.ParseEntityType(entityType)
	rec.Operation = op
	rec.AffectedIDs = ids
	return nil
}
