package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/homepro/internal/chunker"
	"github.com/kalambet/homepro/internal/embedding"
	"github.com/kalambet/homepro/internal/events"
	"github.com/kalambet/homepro/internal/extract"
	"github.com/kalambet/homepro/internal/retry"
	"github.com/kalambet/homepro/internal/storage"
	"github.com/kalambet/homepro/internal/vectorindex"
)

const testDim = 3

type staticSource struct {
	files []SourceFile
	err   error
}

func (s staticSource) Files(context.Context) ([]SourceFile, error) { return s.files, s.err }

func pdfs(names ...string) staticSource {
	var s staticSource
	for _, n := range names {
		s.files = append(s.files, SourceFile{Name: n, Path: "/kb/" + n})
	}
	return s
}

type mockExtractor struct {
	texts map[string]string
	errs  map[string]error
}

func (m *mockExtractor) Extract(_ context.Context, path string) (extract.Document, error) {
	if err := m.errs[path]; err != nil {
		return extract.Document{Path: path}, err
	}
	return extract.Document{Path: path, Text: m.texts[path], Pages: 1}, nil
}

type mockEmbedder struct {
	mu       sync.Mutex
	calls    int
	queries  []string
	embedErr error
	queryErr error
	short    bool
}

func (m *mockEmbedder) EmbedAll(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	n := len(texts)
	if m.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{1, float32(i), 0}
	}
	return out, nil
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.queries = append(m.queries, text)
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return []float32{1, 0, 0}, nil
}

type mockIndex struct {
	ensureErr error
	upsertErr error
	queryErr  error
	records   []vectorindex.Record
	queries   []vectorindex.Filter
}

func (m *mockIndex) EnsureIndex(context.Context, vectorindex.IndexSpec) (bool, error) {
	return m.ensureErr == nil, m.ensureErr
}

func (m *mockIndex) Upsert(_ context.Context, _ string, records []vectorindex.Record) (int, error) {
	if m.upsertErr != nil {
		return 0, m.upsertErr
	}
	m.records = append(m.records, records...)
	return 1, nil
}

func (m *mockIndex) Query(_ context.Context, _ string, _ []float32, _ int, f vectorindex.Filter) ([]vectorindex.Match, error) {
	m.queries = append(m.queries, f)
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return []vectorindex.Match{{ID: "x", Score: 0.9}}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) Close() {}

func (r *recordingPublisher) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.File == "" {
			out = append(out, e.State)
		}
	}
	return out
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.Chunker == nil {
		c, err := chunker.New(chunker.DefaultSize, chunker.DefaultOverlap)
		if err != nil {
			t.Fatal(err)
		}
		opts.Chunker = c
	}
	if opts.Spec.Name == "" {
		opts.Spec = vectorindex.IndexSpec{Name: "homepro", Dimension: testDim, Metric: vectorindex.MetricCosine}
	}
	opts.Logger = discard()
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New(Options{}) should fail")
	}
}

// countingBackend records every upsert batch the client sends.
type countingBackend struct {
	vectorindex.Backend
	batches []int
}

func (c *countingBackend) Upsert(ctx context.Context, index string, records []vectorindex.Record) error {
	c.batches = append(c.batches, len(records))
	return c.Backend.Upsert(ctx, index, records)
}

func TestRunSingleSmallDocument(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	backend := &countingBackend{Backend: vectorindex.NewSQLite(store.DB())}
	index := vectorindex.NewClient(backend, vectorindex.WithSettleWait(0), vectorindex.WithLogger(discard()))
	embedder := &mockEmbedder{}
	pub := &recordingPublisher{}

	o := newTestOrchestrator(t, Options{
		Source:    pdfs("intro-ALEX.pdf"),
		Extractor: &mockExtractor{texts: map[string]string{"/kb/intro-ALEX.pdf": "Hello world"}},
		Embedder:  embedder,
		Index:     index,
		Verify:    Verification{Query: "What is pricebook?", Agent: "ALEX", TopK: 3},
		Events:    pub,
	})

	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.State != StateDone {
		t.Errorf("State = %s, want Done", rep.State)
	}
	if rep.Chunks != 1 || rep.Embeddings != 1 || rep.UpsertBatches != 1 {
		t.Errorf("report = %+v, want 1 chunk, 1 embedding, 1 batch", rep)
	}
	if embedder.calls != 1 {
		t.Errorf("embedding calls = %d, want 1", embedder.calls)
	}
	if len(backend.batches) != 1 || backend.batches[0] != 1 {
		t.Errorf("upsert batches = %v, want [1]", backend.batches)
	}
	if len(rep.Files) != 1 || rep.Files[0].Agent != "ALEX" {
		t.Errorf("files = %+v, want one ALEX file", rep.Files)
	}
	if len(rep.Verification) != 1 || rep.Verification[0].ID != "intro-ALEX.pdf_chunk_0" {
		t.Errorf("verification = %+v", rep.Verification)
	}
	m := rep.Verification[0].Metadata
	if m.Text != "Hello world" || m.AgentName == nil || *m.AgentName != "ALEX" {
		t.Errorf("stored metadata = %+v", m)
	}

	want := []string{"Init", "IndexReady", "Scanning", "PerFileProcessing", "Embedding", "Upserting", "Verifying", "Done"}
	if got := pub.states(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestRunNoSourceFilesAborts(t *testing.T) {
	idx := &mockIndex{}
	o := newTestOrchestrator(t, Options{
		Source:    staticSource{},
		Extractor: &mockExtractor{},
		Embedder:  &mockEmbedder{},
		Index:     idx,
	})

	rep, err := o.Run(context.Background())
	if !errors.Is(err, ErrNoSourceFiles) {
		t.Fatalf("err = %v, want ErrNoSourceFiles", err)
	}
	if rep.State != StateAborted {
		t.Errorf("State = %s, want Aborted", rep.State)
	}
}

func TestRunIndexFailureAborts(t *testing.T) {
	boom := errors.New("forbidden")
	emb := &mockEmbedder{}
	o := newTestOrchestrator(t, Options{
		Source:    pdfs("a.pdf"),
		Extractor: &mockExtractor{},
		Embedder:  emb,
		Index:     &mockIndex{ensureErr: boom},
	})

	rep, err := o.Run(context.Background())
	if !errors.Is(err, boom) || rep.State != StateAborted {
		t.Fatalf("Run = %v, %s; want %v, Aborted", err, rep.State, boom)
	}
	if emb.calls != 0 {
		t.Error("embedding must not run when the index is unavailable")
	}
}

func TestRunFileFailuresAreSkipped(t *testing.T) {
	idx := &mockIndex{}
	o := newTestOrchestrator(t, Options{
		Source: pdfs("broken-BEN.pdf", "empty.pdf", "good-LUCY.pdf"),
		Extractor: &mockExtractor{
			texts: map[string]string{"/kb/good-LUCY.pdf": strings.Repeat("pricebook ", 100)},
			errs: map[string]error{
				"/kb/broken-BEN.pdf": &extract.Error{Path: "/kb/broken-BEN.pdf", Err: errors.New("bad header")},
				"/kb/empty.pdf":      extract.ErrNoText,
			},
		},
		Embedder: &mockEmbedder{},
		Index:    idx,
	})

	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.State != StateDone {
		t.Errorf("State = %s", rep.State)
	}
	if !rep.Files[0].Skipped || rep.Files[0].Err == "" {
		t.Errorf("broken file = %+v, want skipped with error", rep.Files[0])
	}
	if !rep.Files[1].Skipped || rep.Files[1].Err != "" {
		t.Errorf("empty file = %+v, want skipped without error", rep.Files[1])
	}
	if rep.Files[2].Skipped || rep.Files[2].Chunks == 0 {
		t.Errorf("good file = %+v", rep.Files[2])
	}
	for _, r := range idx.records {
		if r.Metadata.Source != "good-LUCY.pdf" {
			t.Errorf("unexpected record from %s", r.Metadata.Source)
		}
	}
}

func TestRunNoChunksIsSuccess(t *testing.T) {
	emb := &mockEmbedder{}
	idx := &mockIndex{}
	o := newTestOrchestrator(t, Options{
		Source:    pdfs("scan.pdf"),
		Extractor: &mockExtractor{errs: map[string]error{"/kb/scan.pdf": extract.ErrNoText}},
		Embedder:  emb,
		Index:     idx,
		Verify:    Verification{Query: "q"},
	})

	rep, err := o.Run(context.Background())
	if err != nil || rep.State != StateDone {
		t.Fatalf("Run = %v, %s; want nil, Done", err, rep.State)
	}
	if emb.calls != 0 || len(idx.records) != 0 || len(idx.queries) != 0 {
		t.Error("no embedding, upsert or verification expected")
	}
}

func TestRunEmbeddingMismatchAbortsBeforeUpsert(t *testing.T) {
	idx := &mockIndex{}
	o := newTestOrchestrator(t, Options{
		Source:    pdfs("a-ALEX.pdf"),
		Extractor: &mockExtractor{texts: map[string]string{"/kb/a-ALEX.pdf": "Hello"}},
		Embedder:  &mockEmbedder{embedErr: fmt.Errorf("batch 1: %w", embedding.ErrCountMismatch)},
		Index:     idx,
	})

	rep, err := o.Run(context.Background())
	if !errors.Is(err, embedding.ErrCountMismatch) || rep.State != StateAborted {
		t.Fatalf("Run = %v, %s", err, rep.State)
	}
	if len(idx.records) != 0 {
		t.Error("nothing may be upserted after a count mismatch")
	}
}

func TestRunShortEmbeddingResultAborts(t *testing.T) {
	idx := &mockIndex{}
	o := newTestOrchestrator(t, Options{
		Source:    pdfs("a.pdf"),
		Extractor: &mockExtractor{texts: map[string]string{"/kb/a.pdf": "Hello"}},
		Embedder:  &mockEmbedder{short: true},
		Index:     idx,
	})

	if _, err := o.Run(context.Background()); err == nil {
		t.Fatal("want error for short embedding result")
	}
	if len(idx.records) != 0 {
		t.Error("nothing may be upserted")
	}
}

func TestRunUpsertFailureAborts(t *testing.T) {
	bErr := &vectorindex.BatchError{Batch: 2, Total: 3, Err: errors.New("503")}
	o := newTestOrchestrator(t, Options{
		Source:    pdfs("a.pdf"),
		Extractor: &mockExtractor{texts: map[string]string{"/kb/a.pdf": "Hello"}},
		Embedder:  &mockEmbedder{},
		Index:     &mockIndex{upsertErr: bErr},
	})

	rep, err := o.Run(context.Background())
	var be *vectorindex.BatchError
	if !errors.As(err, &be) || rep.State != StateAborted {
		t.Fatalf("Run = %v, %s; want BatchError, Aborted", err, rep.State)
	}
}

func TestRunVerificationFailureStillDone(t *testing.T) {
	idx := &mockIndex{queryErr: retry.Transient(errors.New("timeout"))}
	o := newTestOrchestrator(t, Options{
		Source:    pdfs("a-LUCY.pdf"),
		Extractor: &mockExtractor{texts: map[string]string{"/kb/a-LUCY.pdf": "Hello"}},
		Embedder:  &mockEmbedder{},
		Index:     idx,
		Verify:    Verification{Query: "What is pricebook?", Agent: "LUCY", TopK: 3},
	})

	rep, err := o.Run(context.Background())
	if err != nil || rep.State != StateDone {
		t.Fatalf("Run = %v, %s; want nil, Done", err, rep.State)
	}
	if rep.VerifyErr == "" {
		t.Error("VerifyErr should record the failure")
	}
	if len(idx.queries) != 1 || idx.queries[0]["agentName"] != "LUCY" {
		t.Errorf("queries = %v, want one filtered by LUCY", idx.queries)
	}
}

func TestRunSkipsCollidingChunkIDs(t *testing.T) {
	src := staticSource{files: []SourceFile{
		{Name: "guide-ALEX.pdf", Path: "/kb/one/guide-ALEX.pdf"},
		{Name: "guide-ALEX.pdf", Path: "/kb/two/guide-ALEX.pdf"},
	}}
	idx := &mockIndex{}
	o := newTestOrchestrator(t, Options{
		Source: src,
		Extractor: &mockExtractor{texts: map[string]string{
			"/kb/one/guide-ALEX.pdf": "first",
			"/kb/two/guide-ALEX.pdf": "second",
		}},
		Embedder: &mockEmbedder{},
		Index:    idx,
	})

	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(idx.records) != 1 || idx.records[0].Metadata.Text != "first" {
		t.Errorf("records = %+v, want only the first file", idx.records)
	}
	if !rep.Files[1].Skipped {
		t.Errorf("second file should be skipped: %+v", rep.Files[1])
	}
}

func TestRunWorkersKeepSourceOrder(t *testing.T) {
	var names []string
	texts := map[string]string{}
	for i := range 12 {
		n := fmt.Sprintf("doc%02d-JAKE.pdf", i)
		names = append(names, n)
		texts["/kb/"+n] = fmt.Sprintf("content %d", i)
	}
	idx := &mockIndex{}
	o := newTestOrchestrator(t, Options{
		Source:    pdfs(names...),
		Extractor: &mockExtractor{texts: texts},
		Embedder:  &mockEmbedder{},
		Index:     idx,
		Workers:   4,
	})

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(idx.records) != 12 {
		t.Fatalf("records = %d, want 12", len(idx.records))
	}
	for i, r := range idx.records {
		if r.Metadata.Source != names[i] {
			t.Errorf("records[%d] from %s, want %s", i, r.Metadata.Source, names[i])
		}
	}
}
