// Package domain defines the core types, validation, and error taxonomy for
// the knowledge engine. It acts as the validation gate at service entry points.
package domain

import "time"

// DefaultLanguage is applied to documents that do not declare one.
const DefaultLanguage = "zh-CN"

// Document is a single retrievable unit of knowledge.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// SearchResult is one ranked hit returned by the retrieval engine.
type SearchResult struct {
	DocumentID     string  `json:"document_id"`
	Title          string  `json:"title"`
	RelevanceScore float64 `json:"relevance_score"`
	MatchedSnippet string  `json:"matched_snippet"`
	Reason         string  `json:"reason"`
}

// Query status values consumed by the answer composer.
const (
	StatusFound    = "found"
	StatusNotFound = "not_found"
)

// QueryResponse is the outcome of AnswerQuery: a status plus ranked results.
// StatusNotFound is a legitimate empty result set, never an error.
type QueryResponse struct {
	Status  string         `json:"status"`
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// Found reports whether the query produced at least one result.
func (r QueryResponse) Found() bool { return r.Status == StatusFound }
