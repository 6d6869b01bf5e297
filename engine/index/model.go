// Package index provides nearest-neighbor retrieval over embedding vectors.
//
// Two implementations share the Index interface: Flat, a brute-force in-memory
// index sized for hundreds to low-thousands of documents, and Qdrant, a
// remote collection for corpora that outgrow a single process. Both use
// Euclidean (L2) distance so their scores are the same quantity.
package index

import "context"

// Metadata is the denormalized per-record copy of document fields needed at
// search time, so filtering never requires a document-store lookup.
type Metadata struct {
	Title    string   `json:"title"`
	Language string   `json:"language"`
	Tags     []string `json:"tags,omitempty"`
}

// Record is one embedding entry. DocumentID is a weak reference: the document
// it names may have been removed from the store, in which case the record is
// skipped at result time.
type Record struct {
	DocumentID string
	Vector     []float32
	Meta       Metadata
}

// Hit is a single nearest-neighbor match, ordered by ascending distance.
type Hit struct {
	DocumentID string
	Distance   float64
	Meta       Metadata
}

// Index is the vector index contract.
//
// Build replaces the entire index content and fails with domain.ErrEmptyCorpus
// on zero records. Add appends one record without disturbing existing entries.
// Search returns up to k hits by ascending distance; it fails with
// domain.ErrIndexNotReady when the index holds zero records, and returns all
// records when k exceeds the record count.
type Index interface {
	Build(ctx context.Context, records []Record) error
	Add(ctx context.Context, rec Record) error
	Search(ctx context.Context, vector []float32, k int) ([]Hit, error)
	Len(ctx context.Context) (int, error)
}

// Similarity maps a distance to a bounded relevance score in (0, 1].
// The transform is monotonic, not a probability.
func Similarity(distance float64) float64 {
	if distance > 0 {
		return 1.0 / (1.0 + distance)
	}
	return 1.0
}
