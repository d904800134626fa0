package storage

import (
	"context"
	"slices"
	"sync"

	"github.com/atinyakov/FlashKeeper/internal/models"
)

// MemoryStore keeps the client state in process memory. It is used when the
// on-disk store cannot be opened, so the session keeps working without
// persistence across restarts.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot *models.UserSnapshot
	tokens   *models.TokenPair
	queue    []models.SyncQueueItem
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// GetSnapshot returns a copy of the stored snapshot, or nil.
func (m *MemoryStore) GetSnapshot(context.Context) (*models.UserSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return nil, nil
	}
	snap := m.snapshot.Clone()
	return &snap, nil
}

// PutSnapshot replaces the stored snapshot.
func (m *MemoryStore) PutSnapshot(_ context.Context, snap models.UserSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := snap.Clone()
	m.snapshot = &c
	return nil
}

// GetTokens returns the stored token pair, or nil.
func (m *MemoryStore) GetTokens(context.Context) (*models.TokenPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		return nil, nil
	}
	t := *m.tokens
	return &t, nil
}

// PutTokens stores the token pair.
func (m *MemoryStore) PutTokens(_ context.Context, tokens models.TokenPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = &tokens
	return nil
}

// ClearTokens forgets the token pair.
func (m *MemoryStore) ClearTokens(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = nil
	return nil
}

// GetQueue returns the pending items in insertion order.
func (m *MemoryStore) GetQueue(context.Context) ([]models.SyncQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SyncQueueItem, len(m.queue))
	for i, item := range m.queue {
		out[i] = item
		out[i].Payload = slices.Clone(item.Payload)
	}
	return out, nil
}

// Enqueue appends item, or replaces an item with the same id in place.
func (m *MemoryStore) Enqueue(_ context.Context, item models.SyncQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.Payload = slices.Clone(item.Payload)
	if i := slices.IndexFunc(m.queue, func(q models.SyncQueueItem) bool { return q.ID == item.ID }); i >= 0 {
		m.queue[i] = item
		return nil
	}
	m.queue = append(m.queue, item)
	return nil
}

// RemoveByIDs deletes the queue items with the given ids.
func (m *MemoryStore) RemoveByIDs(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = slices.DeleteFunc(m.queue, func(q models.SyncQueueItem) bool { return slices.Contains(ids, q.ID) })
	return nil
}

// ClearAll removes the snapshot and every queue item.
func (m *MemoryStore) ClearAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = nil
	m.queue = nil
	return nil
}
