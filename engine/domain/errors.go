package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers use errors.Is to distinguish the categories and
// decide between retrying, alerting an operator, or treating the outcome as a
// legitimate empty result.
var (
	// ErrProviderUnavailable means the embedding provider cannot be used at
	// all, e.g. a missing credential.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	// ErrProviderRequest means a single embedding request failed, e.g. a
	// network error or an exhausted quota.
	ErrProviderRequest = errors.New("embedding request failed")
	// ErrEmptyCorpus means an index build was attempted with zero records.
	ErrEmptyCorpus = errors.New("empty corpus")
	// ErrIndexNotReady means a search was issued before any successful build.
	ErrIndexNotReady = errors.New("index not ready")
)

// ValidationError wraps a sentinel with the offending field and value.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// Validation sentinels.
var (
	ErrMissingID       = errors.New("missing document id")
	ErrMissingTitle    = errors.New("missing title")
	ErrMissingContent  = errors.New("missing content")
	ErrMissingLanguage = errors.New("missing language")
	ErrInvalidTopK     = errors.New("top_k must be positive")
)
