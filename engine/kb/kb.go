// Package kb composes the knowledge-base service: the query path (retrieve,
// compose, optionally enrich from the tag graph) and the write path with its
// index maintenance policy.
//
// The policy is deliberately asymmetric. Creates are incremental: persist,
// upsert the in-memory store, add one index record. Updates and deletes
// trigger a full reload from the source and an index rebuild, so the index
// never serves a vector for content that changed. Rebuilds are serialized by
// a mutex; the query path stays lock-free against them because both the store
// and the index swap whole snapshots.
package kb

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/poolai/knowledge-engine/engine/answer"
	"github.com/poolai/knowledge-engine/engine/domain"
	"github.com/poolai/knowledge-engine/engine/embed"
	"github.com/poolai/knowledge-engine/engine/graph"
	"github.com/poolai/knowledge-engine/engine/index"
	"github.com/poolai/knowledge-engine/engine/retrieval"
	"github.com/poolai/knowledge-engine/engine/store"
	"github.com/poolai/knowledge-engine/pkg/fn"
	"github.com/poolai/knowledge-engine/pkg/metrics"
)

const (
	// EmbedBatchSize is the max texts per embedding request during rebuilds.
	EmbedBatchSize = 64
	// EmbedWorkers bounds concurrent embedding requests during a rebuild.
	EmbedWorkers = 4
)

// SourceWriter is a document source that also accepts writes and single-document reads.
type SourceWriter interface {
	store.Source
	Get(ctx context.Context, id string) (domain.Document, bool, error)
	Save(ctx context.Context, doc domain.Document) error
	Delete(ctx context.Context, id string) error
}

// TagGraph is the optional related-document enrichment.
type TagGraph interface {
	SaveDocument(ctx context.Context, doc domain.Document) error
	RemoveDocument(ctx context.Context, id string) error
	Related(ctx context.Context, id string, limit int) ([]graph.RelatedDocument, error)
}

// Deps holds the external dependencies of the service. Graph may be nil.
type Deps struct {
	Provider  embed.Provider
	Index     index.Index
	Docs      *store.DocumentStore
	Source    SourceWriter
	Retrieval *retrieval.Engine
	Composer  answer.Composer
	Graph     TagGraph
	Logger    *slog.Logger
	Metrics   *metrics.Registry
}

// Answer is the reply for one query.
type Answer struct {
	Response domain.QueryResponse    `json:"response"`
	Reply    string                  `json:"reply"`
	Related  []graph.RelatedDocument `json:"related,omitempty"`
}

// Service is the knowledge-base facade.
type Service struct {
	deps   Deps
	logger *slog.Logger

	rebuildMu sync.Mutex

	mRebuilds   *metrics.Counter
	mRebuildDur *metrics.Histogram
	mDocEvents  *metrics.Counter
}

// New creates the service.
func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := deps.Metrics
	if reg == nil {
		reg = metrics.New()
	}
	return &Service{
		deps:        deps,
		logger:      logger,
		mRebuilds:   reg.Counter("knowledge_rebuilds_total", "Full index rebuilds"),
		mRebuildDur: reg.Histogram("knowledge_rebuild_duration_seconds", "Rebuild latency", nil),
		mDocEvents:  reg.Counter("knowledge_document_events_total", "Document mutations processed"),
	}
}

// AnswerQuery runs the query path: retrieve, compose a reply, and when a tag
// graph is configured attach documents related to the best match. Graph
// failures degrade to no enrichment.
func (s *Service) AnswerQuery(ctx context.Context, query string, topK int, language string) (Answer, error) {
	resp, err := s.deps.Retrieval.Query(ctx, query, topK, language)
	if err != nil {
		return Answer{}, err
	}

	reply, err := s.deps.Composer.Compose(ctx, resp)
	if err != nil {
		return Answer{}, fmt.Errorf("kb: compose: %w", err)
	}

	ans := Answer{Response: resp, Reply: reply}
	if s.deps.Graph != nil && resp.Found() {
		related, err := s.deps.Graph.Related(ctx, resp.Results[0].DocumentID, 3)
		if err != nil {
			s.logger.Warn("kb: graph enrichment failed, continuing without", "err", err)
		} else if len(related) > 0 {
			ans.Related = related
			ans.Reply += "\n\nRelated documents: " + renderRelated(related)
		}
	}
	return ans, nil
}

func renderRelated(related []graph.RelatedDocument) string {
	parts := make([]string, len(related))
	for i, r := range related {
		parts[i] = fmt.Sprintf("%s [%s]", r.Title, r.ID)
	}
	return strings.Join(parts, ", ")
}

// OnDocumentCreated persists the document and adds it to the index
// incrementally.
func (s *Service) OnDocumentCreated(ctx context.Context, doc domain.Document) error {
	s.mDocEvents.Inc()
	if doc.Language == "" {
		doc.Language = domain.DefaultLanguage
	}
	if err := domain.ValidateDocument(doc); err != nil {
		return err
	}

	if err := s.deps.Source.Save(ctx, doc); err != nil {
		return fmt.Errorf("kb: persist %s: %w", doc.ID, err)
	}
	if err := s.deps.Docs.Upsert(doc); err != nil {
		return err
	}

	vector, err := s.deps.Provider.Embed(ctx, domain.EmbeddingText(doc))
	if err != nil {
		return fmt.Errorf("kb: embed %s: %w", doc.ID, err)
	}
	rec := index.Record{
		DocumentID: doc.ID,
		Vector:     vector,
		Meta:       index.Metadata{Title: doc.Title, Language: doc.Language, Tags: doc.Tags},
	}
	if err := s.deps.Index.Add(ctx, rec); err != nil {
		return fmt.Errorf("kb: index %s: %w", doc.ID, err)
	}

	s.saveToGraph(ctx, doc)
	s.logger.Info("document created", "document_id", doc.ID, "language", doc.Language)
	return nil
}

// OnDocumentUpdated persists the new content and rebuilds the index from the
// source, so no stale vector survives the update.
func (s *Service) OnDocumentUpdated(ctx context.Context, doc domain.Document) error {
	s.mDocEvents.Inc()
	if doc.Language == "" {
		doc.Language = domain.DefaultLanguage
	}
	if err := domain.ValidateDocument(doc); err != nil {
		return err
	}

	if err := s.deps.Source.Save(ctx, doc); err != nil {
		return fmt.Errorf("kb: persist %s: %w", doc.ID, err)
	}
	if err := s.Rebuild(ctx); err != nil {
		return err
	}
	s.saveToGraph(ctx, doc)
	s.logger.Info("document updated", "document_id", doc.ID)
	return nil
}

// OnDocumentDeleted removes the document from the source and rebuilds.
// Deleting an unknown id is a no-op. When the last document goes away the old
// index records remain until the next rebuild; the query path skips them as
// stale references.
func (s *Service) OnDocumentDeleted(ctx context.Context, id string) error {
	s.mDocEvents.Inc()
	if err := s.deps.Source.Delete(ctx, id); err != nil {
		return fmt.Errorf("kb: delete %s: %w", id, err)
	}
	if err := s.Rebuild(ctx); err != nil {
		return err
	}
	if s.deps.Graph != nil {
		if err := s.deps.Graph.RemoveDocument(ctx, id); err != nil {
			s.logger.Warn("kb: graph remove failed", "document_id", id, "err", err)
		}
	}
	s.logger.Info("document deleted", "document_id", id)
	return nil
}

// GetDocument reads a single active document from the source. The bool is
// false when the id is unknown or soft-deleted.
func (s *Service) GetDocument(ctx context.Context, id string) (domain.Document, bool, error) {
	doc, ok, err := s.deps.Source.Get(ctx, id)
	if err != nil {
		return domain.Document{}, false, fmt.Errorf("kb: get %s: %w", id, err)
	}
	return doc, ok, nil
}

func (s *Service) saveToGraph(ctx context.Context, doc domain.Document) {
	if s.deps.Graph == nil {
		return
	}
	if err := s.deps.Graph.SaveDocument(ctx, doc); err != nil {
		s.logger.Warn("kb: graph save failed", "document_id", doc.ID, "err", err)
	}
}

// Rebuild reloads all active documents from the source, re-embeds them, and
// replaces the index content. Rebuilds are serialized; an empty corpus after
// reload leaves the previous index in place and is not an error.
func (s *Service) Rebuild(ctx context.Context) error {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	start := time.Now()
	s.mRebuilds.Inc()

	pipeline := fn.Then(
		fn.TracedStage("kb.load", s.loadStage()),
		fn.Then(
			fn.TracedStage("kb.embed", s.embedStage()),
			fn.TracedStage("kb.build", s.buildStage()),
		),
	)

	result := pipeline(ctx, struct{}{})
	if _, err := result.Unwrap(); err != nil {
		return err
	}

	s.mRebuildDur.Since(start)
	s.logger.Info("index rebuilt", "documents", s.deps.Docs.Len(), "duration", time.Since(start))
	return nil
}

// loadStage reloads the store and snapshots the corpus in a stable order, so
// distance ties rank the same way across rebuilds.
func (s *Service) loadStage() fn.Stage[struct{}, []domain.Document] {
	return func(ctx context.Context, _ struct{}) fn.Result[[]domain.Document] {
		if err := s.deps.Docs.Reload(ctx, s.deps.Source); err != nil {
			return fn.Err[[]domain.Document](err)
		}
		docs := s.deps.Docs.All()
		sort.Slice(docs, func(i, j int) bool {
			if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
				return docs[i].CreatedAt.Before(docs[j].CreatedAt)
			}
			return docs[i].ID < docs[j].ID
		})
		return fn.Ok(docs)
	}
}

// embedStage turns documents into index records. Batches of EmbedBatchSize
// are embedded with at most EmbedWorkers in-flight requests; batch order is
// preserved in the output and the first failing batch aborts the stage.
func (s *Service) embedStage() fn.Stage[[]domain.Document, []index.Record] {
	perBatch := fn.BatchStage(EmbedWorkers, s.embedBatch())
	return func(ctx context.Context, docs []domain.Document) fn.Result[[]index.Record] {
		batches, err := perBatch(ctx, fn.Chunk(docs, EmbedBatchSize)).Unwrap()
		if err != nil {
			return fn.Err[[]index.Record](err)
		}
		records := make([]index.Record, 0, len(docs))
		for _, b := range batches {
			records = append(records, b...)
		}
		return fn.Ok(records)
	}
}

// embedBatch embeds one batch of documents into index records.
func (s *Service) embedBatch() fn.Stage[[]domain.Document, []index.Record] {
	return func(ctx context.Context, batch []domain.Document) fn.Result[[]index.Record] {
		texts := fn.Map(batch, func(d domain.Document) string { return domain.EmbeddingText(d) })
		vectors, err := s.deps.Provider.EmbedBatch(ctx, texts)
		if err != nil {
			return fn.Err[[]index.Record](fmt.Errorf("kb: rebuild embed: %w", err))
		}
		if len(vectors) != len(batch) {
			return fn.Errf[[]index.Record]("kb: rebuild embed: got %d vectors for %d documents", len(vectors), len(batch))
		}
		records := make([]index.Record, len(batch))
		for i, doc := range batch {
			records[i] = index.Record{
				DocumentID: doc.ID,
				Vector:     vectors[i],
				Meta:       index.Metadata{Title: doc.Title, Language: doc.Language, Tags: doc.Tags},
			}
		}
		return fn.Ok(records)
	}
}

// buildStage swaps the new records into the index. Zero records is reported
// as ok without touching the index.
func (s *Service) buildStage() fn.Stage[[]index.Record, int] {
	return func(ctx context.Context, records []index.Record) fn.Result[int] {
		if len(records) == 0 {
			s.logger.Warn("rebuild skipped: no active documents, index left unchanged")
			return fn.Ok(0)
		}
		if err := s.deps.Index.Build(ctx, records); err != nil {
			return fn.Err[int](fmt.Errorf("kb: rebuild index: %w", err))
		}
		return fn.Ok(len(records))
	}
}
