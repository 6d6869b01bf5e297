// Package retrieval ranks documents against a natural-language query.
// It embeds the query, runs a nearest-neighbor search over the vector index,
// optionally filters by language, and joins the surviving hits back to the
// document store to build the final results.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/poolai/knowledge-engine/engine/domain"
	"github.com/poolai/knowledge-engine/engine/embed"
	"github.com/poolai/knowledge-engine/engine/index"
	"github.com/poolai/knowledge-engine/engine/store"
	"github.com/poolai/knowledge-engine/pkg/metrics"
)

// Options configures ranking behaviour.
type Options struct {
	// TopK is the default result count when the caller passes k <= 0.
	TopK int
	// SnippetLength is the maximum snippet size in runes before truncation.
	SnippetLength int
	// OverFetch multiplies k on the index query when a language filter is
	// active, so post-filtering still has enough candidates to fill k slots.
	OverFetch int
	// SearchTimeout bounds the index query.
	SearchTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:          3,
		SnippetLength: 200,
		OverFetch:     3,
		SearchTimeout: 5 * time.Second,
	}
}

// Engine is the query-side service. It never mutates the index or the store.
type Engine struct {
	provider embed.Provider
	index    index.Index
	docs     *store.DocumentStore
	opts     Options
	logger   *slog.Logger

	mQueries    *metrics.Counter
	mJoinMisses *metrics.Counter
	mLatency    *metrics.Histogram
}

// New creates a retrieval engine.
func New(provider embed.Provider, idx index.Index, docs *store.DocumentStore, opts Options, logger *slog.Logger, reg *metrics.Registry) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	if opts.SnippetLength <= 0 {
		opts.SnippetLength = DefaultOptions().SnippetLength
	}
	if opts.OverFetch <= 0 {
		opts.OverFetch = DefaultOptions().OverFetch
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = DefaultOptions().SearchTimeout
	}
	return &Engine{
		provider:    provider,
		index:       idx,
		docs:        docs,
		opts:        opts,
		logger:      logger,
		mQueries:    reg.Counter("knowledge_queries_total", "Queries answered"),
		mJoinMisses: reg.Counter("knowledge_join_misses_total", "Index hits whose document was gone from the store"),
		mLatency:    reg.Histogram("knowledge_query_duration_seconds", "Query latency", nil),
	}
}

// Query embeds the query text, searches the index, and returns a response
// with up to topK results ordered by descending relevance. language, when
// non-empty, restricts results to documents in that language. topK <= 0
// falls back to the configured default.
//
// An empty result set is a not_found response, not an error; errors are
// reserved for embedding and index failures.
func (e *Engine) Query(ctx context.Context, query string, topK int, language string) (domain.QueryResponse, error) {
	start := time.Now()
	defer e.mLatency.Since(start)
	e.mQueries.Inc()

	if topK <= 0 {
		topK = e.opts.TopK
	}
	resp := domain.QueryResponse{Status: domain.StatusNotFound, Query: query}

	vector, err := e.provider.Embed(ctx, query)
	if err != nil {
		return resp, fmt.Errorf("retrieval: embed query: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, e.opts.SearchTimeout)
	defer cancel()

	hits, err := e.search(searchCtx, vector, topK, language)
	if err != nil {
		return resp, err
	}

	results := e.join(hits, topK, language)
	e.logger.Info("query done",
		"query_len", len(query),
		"top_k", topK,
		"language", language,
		"hits", len(hits),
		"results", len(results),
		"duration", time.Since(start))

	if len(results) > 0 {
		resp.Status = domain.StatusFound
		resp.Results = results
	}
	return resp, nil
}

// search fetches candidates from the index. With a language filter active it
// over-fetches so that post-filtering can still fill topK slots; the
// candidate count is capped at the index size.
func (e *Engine) search(ctx context.Context, vector []float32, topK int, language string) ([]index.Hit, error) {
	k := topK
	if language != "" {
		n, err := e.index.Len(ctx)
		if err != nil {
			return nil, fmt.Errorf("retrieval: index size: %w", err)
		}
		k = topK * e.opts.OverFetch
		if k > n {
			k = n
		}
		if k < topK {
			k = topK
		}
	}

	hits, err := e.index.Search(ctx, vector, k)
	if err != nil {
		return nil, fmt.Errorf("retrieval: index search: %w", err)
	}
	return hits, nil
}

// join walks hits in rank order, drops language mismatches and stale
// references, and builds up to topK results. Hits arrive by ascending
// distance, so the output is already in descending relevance order.
func (e *Engine) join(hits []index.Hit, topK int, language string) []domain.SearchResult {
	results := make([]domain.SearchResult, 0, topK)
	for _, hit := range hits {
		if len(results) == topK {
			break
		}
		if language != "" && hit.Meta.Language != language {
			continue
		}
		doc, ok := e.docs.Get(hit.DocumentID)
		if !ok {
			// The index entry outlived its document. Skip it; the next
			// rebuild will drop the record.
			e.mJoinMisses.Inc()
			e.logger.Debug("stale index reference skipped", "document_id", hit.DocumentID)
			continue
		}
		results = append(results, domain.SearchResult{
			DocumentID:     doc.ID,
			Title:          doc.Title,
			RelevanceScore: index.Similarity(hit.Distance),
			MatchedSnippet: Snippet(doc.Content, e.opts.SnippetLength),
			Reason:         Reason(hit.Distance, doc.Tags),
		})
	}
	return results
}

// Snippet truncates content to at most limit runes and marks the cut
// with "...". Content at or under the limit is returned unchanged.
// Truncation counts runes, not bytes, so multibyte text is never split
// mid-character.
func Snippet(content string, limit int) string {
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "..."
}

// Reason renders a human-readable explanation of why a document matched:
// the similarity score to three decimals, plus the document's tags when
// it has any.
func Reason(distance float64, tags []string) string {
	reason := fmt.Sprintf("semantic similarity: %.3f", index.Similarity(distance))
	if len(tags) > 0 {
		reason += "; tags: " + strings.Join(tags, ", ")
	}
	return reason
}
