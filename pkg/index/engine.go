package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/meftunca/indexsync/pkg/common"
	"github.com/meftunca/indexsync/pkg/compression"
	"github.com/meftunca/indexsync/pkg/storage"
	"github.com/meftunca/indexsync/pkg/types"
)

const manifestFile = "manifest.msgpack.zst"

// Engine is the local full-text index as seen by the replication subsystem
type Engine interface {
	// IsIndexConsistent reports whether the on-disk index is well formed
	IsIndexConsistent() bool

	// Apply performs one logged mutation against the local index
	Apply(ctx context.Context, record *types.IndexOperationRecord) error

	// ReindexAll discards the local index and rebuilds it from source
	ReindexAll(ctx context.Context, source storage.OperationLog) error

	// Reload re-reads the index from disk after its files were replaced
	Reload() error

	// Hold blocks new indexing and searching until Release.
	Hold()
	Release()

	// Root is the directory holding every index
	Root() string
	Paths() []string
}

type manifest struct {
	Index     string    `msgpack:"index"`
	Version   int64     `msgpack:"version"`
	IDs       []int64   `msgpack:"ids"`
	UpdatedAt time.Time `msgpack:"updated_at"`
}

// ManifestEngine is a directory-backed Engine. Each affected index keeps a
// zstd-compressed msgpack manifest of the entity ids it holds.
type ManifestEngine struct {
	root      string
	batchSize int
	logger    *slog.Logger
	zstd      *compression.ZstdCompressor

	// gate is held exclusively by Hold; Apply and reads share it
	gate sync.RWMutex

	mu      sync.Mutex
	docs    map[types.AffectedIndex]map[int64]struct{}
	version map[types.AffectedIndex]int64
}

// NewManifestEngine opens the index rooted at root. Unreadable manifests are
// logged and left for IsIndexConsistent to report.
func NewManifestEngine(root string, batchSize int, logger *slog.Logger) (*ManifestEngine, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	zc, err := compression.NewZstdCompressor(0)
	if err != nil {
		return nil, err
	}

	if batchSize <= 0 {
		batchSize = 500
	}

	e := &ManifestEngine{
		root:      root,
		batchSize: batchSize,
		logger:    common.OrDefault(logger).With("component", "index"),
		zstd:      zc,
	}
	e.resetLocked()

	if err := e.Reload(); err != nil {
		e.logger.Warn("Local index could not be loaded", "root", root, "error", err)
	}
	return e, nil
}

func (e *ManifestEngine) resetLocked() {
	e.docs = make(map[types.AffectedIndex]map[int64]struct{})
	e.version = make(map[types.AffectedIndex]int64)
	for _, idx := range types.AllAffectedIndexes() {
		e.docs[idx] = make(map[int64]struct{})
	}
}

func (e *ManifestEngine) Root() string { return e.root }

func (e *ManifestEngine) indexDir(idx types.AffectedIndex) string {
	return filepath.Join(e.root, strings.ToLower(idx.String()))
}

func (e *ManifestEngine) manifestPath(idx types.AffectedIndex) string {
	return filepath.Join(e.indexDir(idx), manifestFile)
}

func (e *ManifestEngine) Paths() []string {
	indexes := types.AllAffectedIndexes()
	paths := make([]string, len(indexes))
	for i, idx := range indexes {
		paths[i] = e.indexDir(idx)
	}
	return paths
}

func (e *ManifestEngine) Hold() { e.gate.Lock() }

func (e *ManifestEngine) Release() { e.gate.Unlock() }

func (e *ManifestEngine) IsIndexConsistent() bool {
	e.gate.RLock()
	defer e.gate.RUnlock()

	for _, idx := range types.AllAffectedIndexes() {
		if _, err := e.readManifest(idx); err != nil {
			e.logger.Debug("Index manifest unusable", "index", idx, "error", err)
			return false
		}
	}
	return true
}

func (e *ManifestEngine) Apply(ctx context.Context, record *types.IndexOperationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Snapshot records are applied by restoring the archive, not here
	if record.IsBackup() {
		return nil
	}

	e.gate.RLock()
	defer e.gate.RUnlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	touched := e.applyLocked(record)
	for _, idx := range touched {
		if err := e.writeManifestLocked(idx); err != nil {
			return err
		}
	}
	return nil
}

func (e *ManifestEngine) applyLocked(record *types.IndexOperationRecord) []types.AffectedIndex {
	targets := []types.AffectedIndex{record.AffectedIndex}
	if record.AffectedIndex == types.AffectedIndexAll {
		targets = types.AllAffectedIndexes()
	}

	for _, idx := range targets {
		docs := e.docs[idx]
		switch record.Operation {
		case types.OperationAdd, types.OperationUpdate:
			for _, id := range record.AffectedIDs {
				docs[id] = struct{}{}
			}
		case types.OperationRemove:
			if record.IsWholeIndex() {
				e.docs[idx] = make(map[int64]struct{})
				continue
			}
			for _, id := range record.AffectedIDs {
				delete(docs, id)
			}
		}
		if record.ID > e.version[idx] {
			e.version[idx] = record.ID
		}
	}
	return targets
}

func (e *ManifestEngine) ReindexAll(ctx context.Context, source storage.OperationLog) error {
	e.gate.RLock()
	defer e.gate.RUnlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	e.resetLocked()

	var from int64
	applied := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := source.Find(ctx, from, e.batchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			if !rec.IsBackup() {
				e.applyLocked(rec)
				applied++
			}
			from = rec.ID
		}
	}

	for _, idx := range types.AllAffectedIndexes() {
		if err := e.writeManifestLocked(idx); err != nil {
			return err
		}
	}

	e.logger.Info("Full reindex completed", "records", applied, "duration", time.Since(start))
	return nil
}

func (e *ManifestEngine) Reload() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetLocked()
	var errs []error
	for _, idx := range types.AllAffectedIndexes() {
		m, err := e.readManifest(idx)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, id := range m.IDs {
			e.docs[idx][id] = struct{}{}
		}
		e.version[idx] = m.Version
	}
	return errors.Join(errs...)
}

// Documents returns the sorted entity ids held by an index
func (e *ManifestEngine) Documents(idx types.AffectedIndex) []int64 {
	e.gate.RLock()
	defer e.gate.RUnlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedIDs(e.docs[idx])
}

// Version returns the highest record id applied to an index
func (e *ManifestEngine) Version(idx types.AffectedIndex) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version[idx]
}

func (e *ManifestEngine) readManifest(idx types.AffectedIndex) (*manifest, error) {
	raw, err := os.ReadFile(e.manifestPath(idx))
	if err != nil {
		return nil, err
	}
	data, err := e.zstd.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("%s manifest: %w", idx, err)
	}
	var m manifest
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%s manifest: %w", idx, err)
	}
	if m.Index != idx.String() {
		return nil, fmt.Errorf("%s manifest belongs to %q", idx, m.Index)
	}
	return &m, nil
}

func (e *ManifestEngine) writeManifestLocked(idx types.AffectedIndex) error {
	data, err := msgpack.Marshal(&manifest{
		Index:     idx.String(),
		Version:   e.version[idx],
		IDs:       sortedIDs(e.docs[idx]),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	compressed, err := e.zstd.Compress(data)
	if err != nil {
		return err
	}

	dir := e.indexDir(idx)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, manifestFile+".tmp")
	if err := os.WriteFile(tmp, compressed, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, e.manifestPath(idx))
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
