package persist

import (
	"context"
	"sync"
)

// MemoryStore keeps snapshots in process memory. Used in tests and when no
// database path is configured.
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[string]Record
	pending map[string][][]byte
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:    make(map[string]Record),
		pending: make(map[string][][]byte),
	}
}

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.State = append([]byte(nil), rec.State...)
	m.rows[rec.RoomID] = rec
	return nil
}

func (m *MemoryStore) Load(_ context.Context, roomID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[roomID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.State = append([]byte(nil), rec.State...)
	return rec, nil
}

func (m *MemoryStore) Delete(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, roomID)
	return nil
}

func (m *MemoryStore) QueueAction(_ context.Context, playerID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[playerID] = append(m.pending[playerID], append([]byte(nil), payload...))
	return nil
}

func (m *MemoryStore) PendingActions(_ context.Context, playerID string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queued := m.pending[playerID]
	out := make([][]byte, len(queued))
	for i, p := range queued {
		out[i] = append([]byte(nil), p...)
	}
	return out, nil
}

func (m *MemoryStore) ClearActions(_ context.Context, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, playerID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
