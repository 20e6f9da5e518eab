package driftsync

import (
	"context"
	"sync"
	"time"
)

// MemoryRemoteStore implements RemoteStore using in-memory storage.
// Useful for testing and for collaborators that prototype against the sync
// core without a hosted profile service.
type MemoryRemoteStore struct {
	docs map[string]Document
	mu   sync.Mutex
	now  func() time.Time
}

// NewMemoryRemoteStore creates a new in-memory remote store.
func NewMemoryRemoteStore() *MemoryRemoteStore {
	return &MemoryRemoteStore{
		docs: make(map[string]Document),
		now:  time.Now,
	}
}

// Get fetches the full document. Returns ErrNotFound for unknown IDs.
func (m *MemoryRemoteStore) Get(ctx context.Context, docID string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[docID]
	if !ok {
		return nil, newRemoteError(RemoteErrorTypeNotFound, "document not found", docID, nil)
	}
	return doc.Clone(), nil
}

// ApplyBatch applies one atomic multi-field write, creating the document if
// it does not exist yet.
func (m *MemoryRemoteStore) ApplyBatch(ctx context.Context, docID string, batch WriteBatch) error {
	if batch.Empty() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[docID]
	if !ok {
		doc = Document{}
	}
	next := doc.Clone()
	if err := applyBatchTo(next, batch, m.now().UnixMilli()); err != nil {
		return err
	}
	m.docs[docID] = next
	return nil
}

// RunTransaction executes fn against the current document under the store
// lock; a single mutex makes transactions trivially serializable, so fn
// never needs a retry here.
func (m *MemoryRemoteStore) RunTransaction(ctx context.Context, docID string, fn func(tx *Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[docID]
	if !ok {
		doc = Document{}
	}

	tx := newTxn(doc.Clone())
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.writes()) == 0 {
		return nil
	}
	m.docs[docID] = tx.doc
	return nil
}

// Seed replaces the stored document, bypassing batch semantics. Intended for
// test setup.
func (m *MemoryRemoteStore) Seed(docID string, doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docID] = doc.Clone()
}

// Close releases no resources; it exists to satisfy RemoteStore.
func (m *MemoryRemoteStore) Close() error {
	return nil
}
