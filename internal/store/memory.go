package store

import (
	"context"
	"sync"
)

// memoryBackend keeps encoded documents in a map. Documents still go through
// the codec so the in-memory store behaves exactly like the durable ones.
type memoryBackend struct {
	mu   sync.RWMutex
	docs map[string]memoryDocument
}

type memoryDocument struct {
	data    []byte
	version int64
}

// NewInMemoryStore creates a store that lives only as long as the process.
func NewInMemoryStore(defs []Definition) (*Store, error) {
	return newStore(newMemoryBackend(), defs)
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{docs: make(map[string]memoryDocument)}
}

func (m *memoryBackend) readDocument(_ context.Context, storeID string) ([]byte, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[storeID]
	if !ok {
		return nil, noDocument, nil
	}
	return append([]byte(nil), doc.data...), doc.version, nil
}

func (m *memoryBackend) writeDocument(_ context.Context, storeID string, data []byte, base int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.docs[storeID].version
	if base != anyVersion && base != stored {
		return 0, errStaleDocument
	}
	m.docs[storeID] = memoryDocument{data: append([]byte(nil), data...), version: stored + 1}
	return stored + 1, nil
}

func (m *memoryBackend) location(storeID string) string { return "memory:" + storeID }

func (m *memoryBackend) kind() string { return "memory" }

func (m *memoryBackend) close() error { return nil }
