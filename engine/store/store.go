// Package store holds the authoritative in-memory view of active documents,
// refreshed from an external persistent source.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/poolai/knowledge-engine/engine/domain"
)

// Source is the external persistent origin of documents.
type Source interface {
	LoadActiveDocuments(ctx context.Context) ([]domain.Document, error)
}

// DocumentStore maps document id to document. Reload swaps a whole new map
// into place, so concurrent readers never observe a partially replaced
// mapping. Upsert always overwrites: there are never two entries per id.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string]domain.Document
}

// New creates an empty document store.
func New() *DocumentStore {
	return &DocumentStore{docs: make(map[string]domain.Document)}
}

// Reload replaces the entire mapping from the source.
func (s *DocumentStore) Reload(ctx context.Context, src Source) error {
	docs, err := src.LoadActiveDocuments(ctx)
	if err != nil {
		return fmt.Errorf("store: reload: %w", err)
	}

	next := make(map[string]domain.Document, len(docs))
	for _, doc := range docs {
		next[doc.ID] = doc
	}

	s.mu.Lock()
	s.docs = next
	s.mu.Unlock()
	return nil
}

// Upsert inserts or overwrites by id. Index maintenance is the caller's
// responsibility; the store never mutates the vector index on its own.
func (s *DocumentStore) Upsert(doc domain.Document) error {
	if err := domain.ValidateDocument(doc); err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[doc.ID] = doc
	s.mu.Unlock()
	return nil
}

// Remove deletes the document if present. Idempotent.
func (s *DocumentStore) Remove(id string) {
	s.mu.Lock()
	delete(s.docs, id)
	s.mu.Unlock()
}

// Get returns the document and whether it exists.
func (s *DocumentStore) Get(id string) (domain.Document, bool) {
	s.mu.RLock()
	doc, ok := s.docs[id]
	s.mu.RUnlock()
	return doc, ok
}

// All returns a snapshot of every document. Order is unspecified.
func (s *DocumentStore) All() []domain.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc)
	}
	return out
}

// Len returns the number of active documents.
func (s *DocumentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
