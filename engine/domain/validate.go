package domain

import "strings"

// ValidateDocument checks a document before it enters the store or index.
// The language default is applied by NewDocument, not here; an empty language
// is still rejected so half-constructed documents cannot slip through.
func ValidateDocument(doc Document) error {
	if strings.TrimSpace(doc.ID) == "" {
		return &ValidationError{Field: "id", Value: doc.ID, Wrapped: ErrMissingID}
	}
	if strings.TrimSpace(doc.Title) == "" {
		return &ValidationError{Field: "title", Value: doc.Title, Wrapped: ErrMissingTitle}
	}
	if strings.TrimSpace(doc.Content) == "" {
		return &ValidationError{Field: "content", Value: truncateValue(doc.Content), Wrapped: ErrMissingContent}
	}
	if strings.TrimSpace(doc.Language) == "" {
		return &ValidationError{Field: "language", Value: doc.Language, Wrapped: ErrMissingLanguage}
	}
	return nil
}

// NewDocument builds a validated document, applying the language default.
func NewDocument(id, title, content string, tags []string, language string) (Document, error) {
	if language == "" {
		language = DefaultLanguage
	}
	doc := Document{
		ID:       id,
		Title:    title,
		Content:  content,
		Tags:     tags,
		Language: language,
	}
	if err := ValidateDocument(doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// EmbeddingText is the canonical text embedded for a document: title and
// content joined the same way at build time and at incremental-add time, so
// both paths produce comparable vectors.
func EmbeddingText(doc Document) string {
	return doc.Title + ". " + doc.Content
}

func truncateValue(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
