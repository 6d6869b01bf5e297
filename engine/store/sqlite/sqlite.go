// Package sqlite persists documents in a local SQLite database and implements
// the store.Source contract for reloads. Deletes are soft: rows are marked
// inactive so the write path stays reversible and LoadActiveDocuments simply
// filters them out.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/poolai/knowledge-engine/engine/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '[]',
	language   TEXT NOT NULL,
	created_at TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1
);
`

// DB is a SQLite-backed document source.
type DB struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path. WAL mode keeps
// concurrent readers from blocking the write path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// LoadActiveDocuments implements store.Source.
func (d *DB) LoadActiveDocuments(ctx context.Context) ([]domain.Document, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, title, content, tags, language, created_at FROM documents WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load documents: %w", err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		var doc domain.Document
		var tags, createdAt string
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Content, &tags, &doc.Language, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
			return nil, fmt.Errorf("sqlite: decode tags for %s: %w", doc.ID, err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			doc.CreatedAt = t
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Save inserts or overwrites a document and reactivates it if it had been
// soft-deleted.
func (d *DB) Save(ctx context.Context, doc domain.Document) error {
	if err := domain.ValidateDocument(doc); err != nil {
		return err
	}
	tags, err := json.Marshal(doc.Tags)
	if err != nil {
		return fmt.Errorf("sqlite: encode tags: %w", err)
	}
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, tags, language, created_at, active)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			tags = excluded.tags,
			language = excluded.language,
			active = 1`,
		doc.ID, doc.Title, doc.Content, string(tags), doc.Language, createdAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("sqlite: save %s: %w", doc.ID, err)
	}
	return nil
}

// Delete soft-deletes a document. Deleting an absent id is not an error.
func (d *DB) Delete(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE documents SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", id, err)
	}
	return nil
}

// Get returns a single active document by id.
func (d *DB) Get(ctx context.Context, id string) (domain.Document, bool, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, title, content, tags, language, created_at FROM documents WHERE id = ? AND active = 1`, id)

	var doc domain.Document
	var tags, createdAt string
	err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &tags, &doc.Language, &createdAt)
	if err == sql.ErrNoRows {
		return domain.Document{}, false, nil
	}
	if err != nil {
		return domain.Document{}, false, fmt.Errorf("sqlite: get %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
		return domain.Document{}, false, fmt.Errorf("sqlite: decode tags for %s: %w", id, err)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		doc.CreatedAt = t
	}
	return doc, true, nil
}
