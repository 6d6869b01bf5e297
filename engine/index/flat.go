package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/poolai/knowledge-engine/engine/domain"
)

// Flat is a brute-force in-memory index over Euclidean distance.
//
// The dimensionality is fixed by the first Build or Add; records with a
// different dimension are rejected. Build replaces the record slice wholesale
// under the write lock, so readers never observe a half-built index. Ties in
// distance are broken by insertion order (stable sort), which keeps rankings
// repeatable for a given index state.
type Flat struct {
	mu      sync.RWMutex
	dim     int
	records []Record
}

// NewFlat creates an empty in-memory index.
func NewFlat() *Flat { return &Flat{} }

// Build replaces the entire index content.
func (f *Flat) Build(_ context.Context, records []Record) error {
	if len(records) == 0 {
		return fmt.Errorf("index: build: %w", domain.ErrEmptyCorpus)
	}
	dim := len(records[0].Vector)
	if dim == 0 {
		return fmt.Errorf("index: build: record %s has an empty vector", records[0].DocumentID)
	}
	for _, r := range records {
		if len(r.Vector) != dim {
			return fmt.Errorf("index: build: record %s has dimension %d, index has %d",
				r.DocumentID, len(r.Vector), dim)
		}
	}

	next := make([]Record, len(records))
	copy(next, records)

	f.mu.Lock()
	f.dim = dim
	f.records = next
	f.mu.Unlock()
	return nil
}

// Add upserts one record: a document id already present has its record
// replaced in place, so the index never holds two embeddings for one
// document. Safe to call on an index produced by Build; the first Add on an
// empty index fixes the dimensionality.
func (f *Flat) Add(_ context.Context, rec Record) error {
	if len(rec.Vector) == 0 {
		return fmt.Errorf("index: add %s: empty vector", rec.DocumentID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dim == 0 {
		f.dim = len(rec.Vector)
	}
	if len(rec.Vector) != f.dim {
		return fmt.Errorf("index: add %s: vector dimension %d, index has %d",
			rec.DocumentID, len(rec.Vector), f.dim)
	}
	for i, r := range f.records {
		if r.DocumentID == rec.DocumentID {
			f.records[i] = rec
			return nil
		}
	}
	f.records = append(f.records, rec)
	return nil
}

// Search returns up to k hits by ascending Euclidean distance.
func (f *Flat) Search(_ context.Context, vector []float32, k int) ([]Hit, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.records) == 0 {
		return nil, fmt.Errorf("index: search: %w", domain.ErrIndexNotReady)
	}
	if len(vector) != f.dim {
		return nil, fmt.Errorf("index: search: query dimension %d, index has %d", len(vector), f.dim)
	}
	if k <= 0 {
		return nil, fmt.Errorf("index: search: %w", domain.ErrInvalidTopK)
	}

	hits := make([]Hit, len(f.records))
	for i, r := range f.records {
		hits[i] = Hit{
			DocumentID: r.DocumentID,
			Distance:   euclidean(r.Vector, vector),
			Meta:       r.Meta,
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })

	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// Len returns the number of stored records.
func (f *Flat) Len(_ context.Context) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.records), nil
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
