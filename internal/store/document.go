package store

import (
	"context"
	"sort"
	"sync"
)

// DocumentStore persists one opaque document per owner.
//
// Save must replace the document atomically: a reader sees either the old or
// the new bytes, never a mix.
type DocumentStore interface {
	// Load returns the owner's document or ErrDocumentNotFound.
	Load(ctx context.Context, owner string) ([]byte, error)

	// Save atomically replaces the owner's document.
	Save(ctx context.Context, owner string, data []byte) error

	// Owners lists every owner with a stored document.
	Owners(ctx context.Context) ([]string, error)
}

// MemoryDocumentStore keeps documents in process memory.
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryDocumentStore creates an empty in-memory document store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string][]byte)}
}

// Load returns a copy of the stored bytes.
func (m *MemoryDocumentStore) Load(ctx context.Context, owner string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.docs[owner]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Save stores a copy of data.
func (m *MemoryDocumentStore) Save(ctx context.Context, owner string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[owner] = buf
	return nil
}

// Owners returns the stored owners in lexical order.
func (m *MemoryDocumentStore) Owners(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	owners := make([]string, 0, len(m.docs))
	for owner := range m.docs {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners, nil
}
