package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore is an in-memory DocumentStore used by tests and local
// development when no Firestore project is configured. Documents are
// deep-copied on the way in and out so callers never share state with
// the store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*SessionDocument // keyed by id; scenario verified on reads
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*SessionDocument)}
}

func copyDoc(doc *SessionDocument) *SessionDocument {
	// Round-trip through JSON; the document is small and this guarantees
	// the copy has no shared slices.
	b, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	var out SessionDocument
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return &out
}

// Get implements DocumentStore.
func (m *MemoryStore) Get(ctx context.Context, id, partitionKey string) (*SessionDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[id]
	if !ok || doc.DocType != DocTypeSession {
		return nil, ErrNotFound
	}
	if partitionKey != "" && doc.Scenario != partitionKey {
		return nil, ErrNotFound
	}
	return copyDoc(doc), nil
}

// Upsert implements DocumentStore.
func (m *MemoryStore) Upsert(ctx context.Context, doc *SessionDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := copyDoc(doc)
	stored.DocType = DocTypeSession
	m.docs[doc.ID] = stored
	return nil
}

// Delete implements DocumentStore.
func (m *MemoryStore) Delete(ctx context.Context, id, partitionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs, id)
	return nil
}

// List implements DocumentStore.
func (m *MemoryStore) List(ctx context.Context, q Query) ([]*SessionDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*SessionDocument, 0, len(m.docs))
	for _, doc := range m.docs {
		if doc.DocType != DocTypeSession {
			continue
		}
		if q.Status != "" && doc.Status != q.Status {
			continue
		}
		if q.Scenario != "" && doc.Scenario != q.Scenario {
			continue
		}
		out = append(out, copyDoc(doc))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt > out[j].UpdatedAt
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
