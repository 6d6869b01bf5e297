package kb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/poolai/knowledge-engine/engine/answer"
	"github.com/poolai/knowledge-engine/engine/domain"
	"github.com/poolai/knowledge-engine/engine/graph"
	"github.com/poolai/knowledge-engine/engine/index"
	"github.com/poolai/knowledge-engine/engine/retrieval"
	"github.com/poolai/knowledge-engine/engine/store"
)

// fakeProvider returns canned vectors keyed by embedding text.
type fakeProvider struct {
	vectors map[string][]float32
}

func (f *fakeProvider) Embed(_ context.Context, text string) ([]float32, error) {
	v, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no canned vector for %q", text)
	}
	return v, nil
}

func (f *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// memSource is an in-memory SourceWriter.
type memSource struct {
	mu   sync.Mutex
	docs map[string]domain.Document
}

func newMemSource() *memSource { return &memSource{docs: make(map[string]domain.Document)} }

func (m *memSource) LoadActiveDocuments(context.Context) ([]domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Document, 0, len(m.docs))
	for _, d := range m.docs {
		out = append(out, d)
	}
	return out, nil
}

func (m *memSource) Get(_ context.Context, id string) (domain.Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	return doc, ok, nil
}

func (m *memSource) Save(_ context.Context, doc domain.Document) error {
	m.mu.Lock()
	m.docs[doc.ID] = doc
	m.mu.Unlock()
	return nil
}

func (m *memSource) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.docs, id)
	m.mu.Unlock()
	return nil
}

// spyIndex counts Build and Add calls on top of a real flat index.
type spyIndex struct {
	*index.Flat
	builds int
	adds   int
}

func (s *spyIndex) Build(ctx context.Context, records []index.Record) error {
	s.builds++
	return s.Flat.Build(ctx, records)
}

func (s *spyIndex) Add(ctx context.Context, rec index.Record) error {
	s.adds++
	return s.Flat.Add(ctx, rec)
}

// fakeGraph records saves/removes and returns canned related docs.
type fakeGraph struct {
	related []graph.RelatedDocument
	err     error
	saved   []string
	removed []string
}

func (f *fakeGraph) SaveDocument(_ context.Context, doc domain.Document) error {
	f.saved = append(f.saved, doc.ID)
	return f.err
}

func (f *fakeGraph) RemoveDocument(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return f.err
}

func (f *fakeGraph) Related(context.Context, string, int) ([]graph.RelatedDocument, error) {
	return f.related, f.err
}

func testVectors() map[string][]float32 {
	return map[string][]float32{
		"Venv Guide. isolate deps":          {1, 0},
		"Venv Guide. virtualenv isolation":  {1.5, 0},
		"路由入门. FastAPI 路由":                  {2, 0},
		"how do I isolate deps?":            {0, 0},
	}
}

type harness struct {
	svc    *Service
	idx    *spyIndex
	source *memSource
	graph  *fakeGraph
}

func newHarness(t *testing.T, g *fakeGraph) *harness {
	t.Helper()
	p := &fakeProvider{vectors: testVectors()}
	idx := &spyIndex{Flat: index.NewFlat()}
	docs := store.New()
	src := newMemSource()

	var tg TagGraph
	if g != nil {
		tg = g
	}
	svc := New(Deps{
		Provider:  p,
		Index:     idx,
		Docs:      docs,
		Source:    src,
		Retrieval: retrieval.New(p, idx, docs, retrieval.DefaultOptions(), nil, nil),
		Composer:  answer.Static{},
		Graph:     tg,
	})
	return &harness{svc: svc, idx: idx, source: src, graph: g}
}

func venvDoc() domain.Document {
	return domain.Document{ID: "d1", Title: "Venv Guide", Content: "isolate deps", Tags: []string{"python"}, Language: "en"}
}

func routeDoc() domain.Document {
	return domain.Document{ID: "d2", Title: "路由入门", Content: "FastAPI 路由", Language: "zh-CN"}
}

func TestCreateIsIncremental(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.svc.OnDocumentCreated(ctx, venvDoc()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if h.idx.adds != 1 || h.idx.builds != 0 {
		t.Errorf("adds=%d builds=%d, want incremental add without rebuild", h.idx.adds, h.idx.builds)
	}

	ans, err := h.svc.AnswerQuery(ctx, "how do I isolate deps?", 3, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !ans.Response.Found() || ans.Response.Results[0].DocumentID != "d1" {
		t.Fatalf("response = %+v", ans.Response)
	}
}

func TestCreateDefaultsLanguage(t *testing.T) {
	h := newHarness(t, nil)
	doc := venvDoc()
	doc.Language = ""
	// The embedding text is unchanged by the language default.
	if err := h.svc.OnDocumentCreated(context.Background(), doc); err != nil {
		t.Fatalf("create: %v", err)
	}
	got := h.source.docs["d1"]
	if got.Language != domain.DefaultLanguage {
		t.Errorf("persisted language = %q, want default", got.Language)
	}
}

func TestCreateValidates(t *testing.T) {
	h := newHarness(t, nil)
	err := h.svc.OnDocumentCreated(context.Background(), domain.Document{ID: "d1"})
	if !errors.Is(err, domain.ErrMissingTitle) {
		t.Fatalf("got %v, want ErrMissingTitle", err)
	}
	if len(h.source.docs) != 0 {
		t.Error("invalid document was persisted")
	}
}

func TestUpdateRebuilds(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.svc.OnDocumentCreated(ctx, venvDoc()); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.OnDocumentCreated(ctx, routeDoc()); err != nil {
		t.Fatal(err)
	}

	updated := venvDoc()
	updated.Content = "virtualenv isolation"
	if err := h.svc.OnDocumentUpdated(ctx, updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	if h.idx.builds != 1 {
		t.Errorf("builds = %d, want full rebuild on update", h.idx.builds)
	}

	n, _ := h.idx.Len(ctx)
	if n != 2 {
		t.Errorf("index len = %d, want 2 after rebuild", n)
	}

	ans, err := h.svc.AnswerQuery(ctx, "how do I isolate deps?", 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ans.Reply, "virtualenv isolation") {
		t.Errorf("reply serves stale content: %q", ans.Reply)
	}
}

func TestDeleteRebuilds(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.svc.OnDocumentCreated(ctx, venvDoc())
	h.svc.OnDocumentCreated(ctx, routeDoc())

	if err := h.svc.OnDocumentDeleted(ctx, "d1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if h.idx.builds != 1 {
		t.Errorf("builds = %d, want rebuild on delete", h.idx.builds)
	}

	ans, err := h.svc.AnswerQuery(ctx, "how do I isolate deps?", 3, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range ans.Response.Results {
		if r.DocumentID == "d1" {
			t.Error("deleted document still returned")
		}
	}
}

func TestDeleteLastDocumentLeavesStaleIndex(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.svc.OnDocumentCreated(ctx, venvDoc())
	if err := h.svc.OnDocumentDeleted(ctx, "d1"); err != nil {
		t.Fatalf("deleting the last document must not error, got %v", err)
	}

	// The stale index record is skipped at join time.
	ans, err := h.svc.AnswerQuery(ctx, "how do I isolate deps?", 3, "")
	if err != nil {
		t.Fatal(err)
	}
	if ans.Response.Found() {
		t.Errorf("response = %+v, want not_found", ans.Response)
	}
}

func TestDeleteUnknownIDIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.svc.OnDocumentCreated(ctx, venvDoc())

	if err := h.svc.OnDocumentDeleted(ctx, "missing"); err != nil {
		t.Fatalf("delete unknown id: %v", err)
	}
	ans, err := h.svc.AnswerQuery(ctx, "how do I isolate deps?", 3, "")
	if err != nil {
		t.Fatal(err)
	}
	if !ans.Response.Found() {
		t.Error("existing document lost after no-op delete")
	}
}

func TestGetDocument(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.svc.OnDocumentCreated(ctx, venvDoc())

	doc, ok, err := h.svc.GetDocument(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("get d1: ok=%v err=%v", ok, err)
	}
	if doc.Title != "Venv Guide" {
		t.Errorf("title = %q", doc.Title)
	}

	if _, ok, err := h.svc.GetDocument(ctx, "missing"); err != nil || ok {
		t.Errorf("get missing: ok=%v err=%v, want absent without error", ok, err)
	}
}

func TestAnswerQueryAppendsRelated(t *testing.T) {
	g := &fakeGraph{related: []graph.RelatedDocument{{ID: "d9", Title: "Pip Basics", SharedTags: 1}}}
	h := newHarness(t, g)
	ctx := context.Background()
	h.svc.OnDocumentCreated(ctx, venvDoc())

	ans, err := h.svc.AnswerQuery(ctx, "how do I isolate deps?", 3, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ans.Reply, "Related documents: Pip Basics [d9]") {
		t.Errorf("reply missing enrichment: %q", ans.Reply)
	}
	if len(g.saved) != 1 || g.saved[0] != "d1" {
		t.Errorf("graph saves = %v", g.saved)
	}
}

func TestGraphFailureDegrades(t *testing.T) {
	g := &fakeGraph{err: errors.New("neo4j down")}
	h := newHarness(t, g)
	ctx := context.Background()

	// Create succeeds despite the graph failure.
	if err := h.svc.OnDocumentCreated(ctx, venvDoc()); err != nil {
		t.Fatalf("create: %v", err)
	}

	ans, err := h.svc.AnswerQuery(ctx, "how do I isolate deps?", 3, "")
	if err != nil {
		t.Fatalf("graph failure must not fail the query, got %v", err)
	}
	if strings.Contains(ans.Reply, "Related documents") {
		t.Errorf("enrichment appended despite graph failure: %q", ans.Reply)
	}
}

// gateProvider wraps fakeProvider and holds every EmbedBatch call until the
// expected number of calls are in flight, so a rebuild that embeds batches
// one at a time is caught instead of silently passing.
type gateProvider struct {
	*fakeProvider
	pending sync.WaitGroup

	mu          sync.Mutex
	sizes       []int
	overlapMiss bool
}

func newGateProvider(p *fakeProvider, expected int) *gateProvider {
	g := &gateProvider{fakeProvider: p}
	g.pending.Add(expected)
	return g
}

func (g *gateProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	g.mu.Lock()
	g.sizes = append(g.sizes, len(texts))
	g.mu.Unlock()

	g.pending.Done()
	opened := make(chan struct{})
	go func() { g.pending.Wait(); close(opened) }()
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		g.mu.Lock()
		g.overlapMiss = true
		g.mu.Unlock()
	}
	return g.fakeProvider.EmbedBatch(ctx, texts)
}

func TestRebuildEmbedsBatchesConcurrently(t *testing.T) {
	ctx := context.Background()
	const docCount = EmbedBatchSize*2 + 22

	p := &fakeProvider{vectors: make(map[string][]float32)}
	src := newMemSource()
	for i := 0; i < docCount; i++ {
		doc := domain.Document{
			ID:       fmt.Sprintf("d%03d", i),
			Title:    fmt.Sprintf("Doc %03d", i),
			Content:  "body",
			Language: "en",
		}
		p.vectors[domain.EmbeddingText(doc)] = []float32{float32(i), 0}
		if err := src.Save(ctx, doc); err != nil {
			t.Fatal(err)
		}
	}
	p.vectors["find doc 117"] = []float32{117, 0}

	wantBatches := (docCount + EmbedBatchSize - 1) / EmbedBatchSize
	gp := newGateProvider(p, wantBatches)
	idx := &spyIndex{Flat: index.NewFlat()}
	docs := store.New()
	svc := New(Deps{
		Provider:  gp,
		Index:     idx,
		Docs:      docs,
		Source:    src,
		Retrieval: retrieval.New(gp, idx, docs, retrieval.DefaultOptions(), nil, nil),
		Composer:  answer.Static{},
	})

	if err := svc.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	gp.mu.Lock()
	sizes, overlapMiss := gp.sizes, gp.overlapMiss
	gp.mu.Unlock()
	if overlapMiss {
		t.Error("embedding batches ran one at a time")
	}
	if len(sizes) != wantBatches {
		t.Fatalf("EmbedBatch calls = %d, want %d", len(sizes), wantBatches)
	}
	total := 0
	for _, n := range sizes {
		if n > EmbedBatchSize {
			t.Errorf("batch of %d texts exceeds limit %d", n, EmbedBatchSize)
		}
		total += n
	}
	if total != docCount {
		t.Errorf("embedded %d texts, want %d", total, docCount)
	}
	if n, _ := idx.Len(ctx); n != docCount {
		t.Errorf("index len = %d, want %d", n, docCount)
	}

	// Each record keeps its own vector regardless of which batch carried it.
	ans, err := svc.AnswerQuery(ctx, "find doc 117", 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if !ans.Response.Found() || ans.Response.Results[0].DocumentID != "d117" {
		t.Fatalf("response = %+v, want d117 first", ans.Response)
	}
	if ans.Response.Results[0].RelevanceScore != 1.0 {
		t.Errorf("score = %v, want 1.0 for exact match", ans.Response.Results[0].RelevanceScore)
	}
}

func TestRebuildEmbedFailureKeepsIndex(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.svc.OnDocumentCreated(ctx, venvDoc())

	// Make the source serve a document the provider cannot embed.
	h.source.Save(ctx, domain.Document{ID: "d3", Title: "Unknown", Content: "no vector", Language: "en"})
	err := h.svc.Rebuild(ctx)
	if err == nil {
		t.Fatal("expected rebuild error")
	}

	// The previous index still answers.
	ans, qerr := h.svc.AnswerQuery(ctx, "how do I isolate deps?", 3, "")
	if qerr != nil {
		t.Fatalf("query after failed rebuild: %v", qerr)
	}
	if !ans.Response.Found() {
		t.Error("index lost after failed rebuild")
	}
}
