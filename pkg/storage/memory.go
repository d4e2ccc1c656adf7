package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/meftunca/indexsync/pkg/types"
)

type counterKey struct {
	observer string
	source   string
}

// MemoryStore is a non-persistent Store for tests and single-process setups.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[int64]*types.IndexOperationRecord
	lastID    int64
	counters  map[counterKey]int64
	sequences map[string]int64
	failure   error
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[int64]*types.IndexOperationRecord),
		counters:  make(map[counterKey]int64),
		sequences: make(map[string]int64),
	}
}

// SetUnavailable makes every subsequent call fail with StoreUnavailable
// wrapping cause. Passing nil restores service.
func (s *MemoryStore) SetUnavailable(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = cause
}

// Compact drops records with id <= upTo, simulating log archival.
func (s *MemoryStore) Compact(upTo int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.records {
		if id <= upTo {
			delete(s.records, id)
		}
	}
}

func (s *MemoryStore) check(op string) error {
	if s.failure != nil {
		return types.ErrStoreUnavailableCause(op, s.failure)
	}
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, record *types.IndexOperationRecord) (int64, error) {
	if err := record.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("append"); err != nil {
		return 0, err
	}

	s.lastID++
	stored := cloneRecord(record)
	stored.ID = s.lastID
	s.records[stored.ID] = stored
	record.ID = stored.ID
	return stored.ID, nil
}

func (s *MemoryStore) Contains(ctx context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("contains"); err != nil {
		return false, err
	}
	_, ok := s.records[id]
	return ok, nil
}

func (s *MemoryStore) Find(ctx context.Context, fromID int64, limit int) ([]*types.IndexOperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("find"); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(s.records))
	for id := range s.records {
		if id > fromID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	result := make([]*types.IndexOperationRecord, len(ids))
	for i, id := range ids {
		result[i] = cloneRecord(s.records[id])
	}
	return result, nil
}

func (s *MemoryStore) LastID(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("last id"); err != nil {
		return 0, err
	}
	return s.lastID, nil
}

func (s *MemoryStore) Get(ctx context.Context, observer, source string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("get counter"); err != nil {
		return 0, false, err
	}
	v, ok := s.counters[counterKey{observer, source}]
	return v, ok, nil
}

func (s *MemoryStore) Advance(ctx context.Context, observer, source string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("advance counter"); err != nil {
		return err
	}
	key := counterKey{observer, source}
	if cur, ok := s.counters[key]; !ok || value > cur {
		s.counters[key] = value
	}
	return nil
}

func (s *MemoryStore) Reset(ctx context.Context, observer, source string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("reset counter"); err != nil {
		return err
	}
	s.counters[counterKey{observer, source}] = value
	return nil
}

func (s *MemoryStore) List(ctx context.Context, observer string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("list counters"); err != nil {
		return nil, err
	}
	result := make(map[string]int64)
	for k, v := range s.counters {
		if k.observer == observer {
			result[k.source] = v
		}
	}
	return result, nil
}

func (s *MemoryStore) NextID(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("next id"); err != nil {
		return 0, err
	}
	s.sequences[name]++
	return s.sequences[name], nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check("ping")
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneRecord(r *types.IndexOperationRecord) *types.IndexOperationRecord {
	c := *r
	if r.AffectedIDs != nil {
		c.AffectedIDs = append([]int64(nil), r.AffectedIDs...)
	}
	return &c
}
