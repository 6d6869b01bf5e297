// Package graph maintains a Neo4j graph of documents linked through shared
// tags. It is an optional enrichment layer: callers treat every failure here
// as "no related documents", never as a query failure.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/poolai/knowledge-engine/engine/domain"
)

// RelatedDocument is a document connected to another through shared tags.
type RelatedDocument struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	SharedTags int64  `json:"shared_tags"`
}

// Store provides tag-graph operations.
type Store struct {
	driver neo4j.DriverWithContext
}

// New creates a tag-graph store.
func New(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver}
}

// SaveDocument upserts the document node and rewrites its tag edges to match
// the document's current tags. Tags removed from the document are detached;
// orphaned tag nodes are left in place.
func (g *Store) SaveDocument(ctx context.Context, doc domain.Document) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		cypher := `MERGE (d:Document {id: $id})
			SET d.title = $title, d.language = $language
			WITH d
			OPTIONAL MATCH (d)-[r:TAGGED]->(:Tag)
			DELETE r`
		if _, err := tx.Run(ctx, cypher, map[string]any{
			"id":       doc.ID,
			"title":    doc.Title,
			"language": doc.Language,
		}); err != nil {
			return nil, err
		}
		if len(doc.Tags) == 0 {
			return nil, nil
		}
		cypher = `MATCH (d:Document {id: $id})
			UNWIND $tags AS tag
			MERGE (t:Tag {name: tag})
			MERGE (d)-[:TAGGED]->(t)`
		_, err := tx.Run(ctx, cypher, map[string]any{"id": doc.ID, "tags": doc.Tags})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graph: save document %s: %w", doc.ID, err)
	}
	return nil
}

// RemoveDocument deletes the document node and its edges. Removing an absent
// id is not an error.
func (g *Store) RemoveDocument(ctx context.Context, id string) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.Run(ctx, `MATCH (d:Document {id: $id}) DETACH DELETE d`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("graph: remove document %s: %w", id, err)
	}
	return nil
}

// Related returns up to limit documents sharing at least one tag with the
// given document, ordered by the number of shared tags.
func (g *Store) Related(ctx context.Context, id string, limit int) ([]RelatedDocument, error) {
	if limit <= 0 {
		limit = 5
	}
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (d:Document {id: $id})-[:TAGGED]->(t:Tag)<-[:TAGGED]-(o:Document)
		RETURN o.id AS id, o.title AS title, count(t) AS shared
		ORDER BY shared DESC, id
		LIMIT $limit`
	result, err := sess.Run(ctx, cypher, map[string]any{"id": id, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("graph: related for %s: %w", id, err)
	}

	var related []RelatedDocument
	for result.Next(ctx) {
		rec := result.Record()
		var r RelatedDocument
		if v, ok := rec.Get("id"); ok {
			r.ID, _ = v.(string)
		}
		if v, ok := rec.Get("title"); ok {
			r.Title, _ = v.(string)
		}
		if v, ok := rec.Get("shared"); ok {
			r.SharedTags, _ = v.(int64)
		}
		related = append(related, r)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("graph: related for %s: %w", id, err)
	}
	return related, nil
}
