package session

import (
	"context"
	"sync"
)

type record struct {
	state string
	data  map[string]any
}

// MemoryStore keeps dialog state in process memory. State does not
// survive a restart, which is fine for single-instance deployments
// and for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*record)}
}

func (m *MemoryStore) SetState(ctx context.Context, key, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[key]
	if rec == nil {
		if state == "" {
			return nil
		}
		rec = &record{}
		m.records[key] = rec
	}
	rec.state = state
	m.dropIfEmptyLocked(key, rec)
	return nil
}

func (m *MemoryStore) State(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec := m.records[key]
	if rec == nil {
		return "", nil
	}
	return rec.state, nil
}

func (m *MemoryStore) SetData(ctx context.Context, key string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[key]
	if rec == nil {
		if len(data) == 0 {
			return nil
		}
		rec = &record{}
		m.records[key] = rec
	}
	rec.data = copyData(data)
	m.dropIfEmptyLocked(key, rec)
	return nil
}

func (m *MemoryStore) Data(ctx context.Context, key string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec := m.records[key]
	if rec == nil {
		return map[string]any{}, nil
	}
	return copyData(rec.data), nil
}

func (m *MemoryStore) Clear(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Len reports how many scopes currently hold state.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) dropIfEmptyLocked(key string, rec *record) {
	if rec.state == "" && len(rec.data) == 0 {
		delete(m.records, key)
	}
}

// copyData shields stored maps from caller mutation. Values are shared,
// handlers store plain scalars and fresh slices in practice.
func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
