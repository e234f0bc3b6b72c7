package saga

import (
	"context"
	"sync"
)

type MemoryJournal struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{records: make(map[string]Record)}
}

func (m *MemoryJournal) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.records[rec.ID] = cloneRecord(rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryJournal) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryJournal) List(_ context.Context, openOnly bool) ([]Record, error) {
	m.mu.RLock()
	result := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if openOnly && rec.Status != StatusOpen {
			continue
		}
		result = append(result, cloneRecord(rec))
	}
	m.mu.RUnlock()

	sortRecords(result)
	return result, nil
}

func (m *MemoryJournal) Close() error { return nil }
