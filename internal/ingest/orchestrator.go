// Package ingest runs the batch pipeline that turns a directory of PDFs into
// vector index records: extract, chunk, embed, upsert, verify.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/homepro/internal/chunker"
	"github.com/kalambet/homepro/internal/events"
	"github.com/kalambet/homepro/internal/extract"
	"github.com/kalambet/homepro/internal/vectorindex"
)

// State is a stage of an ingestion run.
type State string

const (
	StateInit              State = "Init"
	StateIndexReady        State = "IndexReady"
	StateScanning          State = "Scanning"
	StatePerFileProcessing State = "PerFileProcessing"
	StateEmbedding         State = "Embedding"
	StateUpserting         State = "Upserting"
	StateVerifying         State = "Verifying"
	StateDone              State = "Done"
	StateAborted           State = "Aborted"
)

// ErrNoSourceFiles aborts a run whose source holds no PDF files.
var ErrNoSourceFiles = errors.New("no source files found")

// Extractor reads one file's text.
type Extractor interface {
	Extract(ctx context.Context, path string) (extract.Document, error)
}

// Embedder turns chunk texts into vectors, in input order.
type Embedder interface {
	EmbedAll(ctx context.Context, texts []string) ([][]float32, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the vector index the run writes to.
type Index interface {
	EnsureIndex(ctx context.Context, spec vectorindex.IndexSpec) (bool, error)
	Upsert(ctx context.Context, index string, records []vectorindex.Record) (int, error)
	Query(ctx context.Context, index string, vector []float32, topK int, filter vectorindex.Filter) ([]vectorindex.Match, error)
}

// Verification is the sample query issued after a successful upsert.
// An empty Query disables it.
type Verification struct {
	Query string
	Agent string
	TopK  int
}

// Options configures an Orchestrator. Source, Extractor, Embedder, Index
// and Chunker are required.
type Options struct {
	Spec      vectorindex.IndexSpec
	Source    Source
	Extractor Extractor
	Embedder  Embedder
	Index     Index
	Chunker   *chunker.Chunker
	Verify    Verification
	// Workers bounds how many files are extracted at once. Values below 2
	// process files one at a time.
	Workers int
	Events  events.Publisher
	Logger  *slog.Logger
}

// FileResult is the outcome of extracting and chunking one file.
type FileResult struct {
	Name    string `json:"name"`
	Pages   int    `json:"pages"`
	Chunks  int    `json:"chunks"`
	Agent   string `json:"agent,omitempty"`
	Skipped bool   `json:"skipped"`
	Err     string `json:"error,omitempty"`
}

// Report summarizes a run.
type Report struct {
	RunID         string              `json:"runId"`
	State         State               `json:"state"`
	FilesFound    int                 `json:"filesFound"`
	Files         []FileResult        `json:"files"`
	Chunks        int                 `json:"chunks"`
	Embeddings    int                 `json:"embeddings"`
	UpsertBatches int                 `json:"upsertBatches"`
	IndexCreated  bool                `json:"indexCreated"`
	Verification  []vectorindex.Match `json:"verification,omitempty"`
	VerifyErr     string              `json:"verifyError,omitempty"`
	StartedAt     time.Time           `json:"startedAt"`
	FinishedAt    time.Time           `json:"finishedAt"`
}

// Duration is how long the run took.
func (r *Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Orchestrator drives one or more ingestion runs with the same
// dependencies.
type Orchestrator struct {
	opts   Options
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Source == nil || opts.Extractor == nil || opts.Embedder == nil || opts.Index == nil || opts.Chunker == nil {
		return nil, errors.New("ingest: source, extractor, embedder, index and chunker are required")
	}
	o := &Orchestrator{
		opts:   opts,
		events: opts.Events,
		logger: opts.Logger,
		now:    time.Now,
	}
	if o.events == nil {
		o.events = events.Nop{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o, nil
}

// run carries the mutable state of a single Run call.
type run struct {
	*Orchestrator
	report *Report
	logger *slog.Logger
}

// Run executes the pipeline once. The returned report is never nil; on a
// run-fatal error its State is StateAborted and the error says why.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	r := &run{
		Orchestrator: o,
		report: &Report{
			RunID:     uuid.NewString(),
			State:     StateInit,
			StartedAt: o.now(),
		},
	}
	r.logger = o.logger.With("run_id", r.report.RunID)
	r.transition(ctx, StateInit, "ingestion started")

	err := r.execute(ctx)
	r.report.FinishedAt = o.now()
	if err != nil {
		r.abort(ctx, err)
		return r.report, err
	}
	return r.report, nil
}

func (r *run) execute(ctx context.Context) error {
	spec := r.opts.Spec
	created, err := r.opts.Index.EnsureIndex(ctx, spec)
	if err != nil {
		return fmt.Errorf("ensuring index %s: %w", spec.Name, err)
	}
	r.report.IndexCreated = created
	r.transition(ctx, StateIndexReady, "index ready", "index", spec.Name, "created", created)

	files, err := r.opts.Source.Files(ctx)
	if err != nil {
		return fmt.Errorf("listing source files: %w", err)
	}
	r.report.FilesFound = len(files)
	if len(files) == 0 {
		return ErrNoSourceFiles
	}
	r.transition(ctx, StateScanning, "source scanned", "files", len(files))

	r.transition(ctx, StatePerFileProcessing, "processing files")
	chunks, err := r.processFiles(ctx, files)
	if err != nil {
		return err
	}
	r.report.Chunks = len(chunks)
	if len(chunks) == 0 {
		r.logger.Info("no chunks generated, nothing to embed")
		r.transition(ctx, StateDone, "ingestion finished with no chunks")
		return nil
	}

	r.transition(ctx, StateEmbedding, "embedding chunks", "chunks", len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := r.opts.Embedder.EmbedAll(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedding chunks: got %d vectors for %d chunks", len(vectors), len(chunks))
	}
	r.report.Embeddings = len(vectors)

	r.transition(ctx, StateUpserting, "upserting records", "records", len(chunks))
	records := make([]vectorindex.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vectorindex.Record{
			ID:     c.ID,
			Values: vectors[i],
			Metadata: vectorindex.Metadata{
				Text:       c.Text,
				Source:     c.Source,
				ChunkIndex: c.Index,
				AgentName:  c.AgentName,
			},
		}
	}
	batches, err := r.opts.Index.Upsert(ctx, spec.Name, records)
	r.report.UpsertBatches = batches
	if err != nil {
		return fmt.Errorf("upserting records: %w", err)
	}

	r.verify(ctx)
	r.transition(ctx, StateDone, "ingestion finished",
		"chunks", r.report.Chunks, "batches", r.report.UpsertBatches)
	return nil
}

// processFiles extracts and chunks every file. Per-file failures are
// recorded and contribute no chunks. Results keep source order whatever the
// worker count.
func (r *run) processFiles(ctx context.Context, files []SourceFile) ([]chunker.Chunk, error) {
	results := make([]FileResult, len(files))
	perFile := make([][]chunker.Chunk, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.opts.Workers, 1))
	for i, f := range files {
		g.Go(func() error {
			results[i], perFile[i] = r.processFile(gctx, f)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]string)
	var all []chunker.Chunk
	for i := range files {
		res := &results[i]
		if dup, ok := firstDuplicate(perFile[i], seen); ok {
			r.logger.Warn("skipping file with colliding chunk ids",
				"file", res.Name, "chunk_id", dup, "first_seen_in", seen[dup])
			res.Skipped = true
			res.Err = fmt.Sprintf("chunk id %s already produced by %s", dup, seen[dup])
			res.Chunks = 0
			continue
		}
		for _, c := range perFile[i] {
			seen[c.ID] = res.Name
		}
		all = append(all, perFile[i]...)
	}
	r.report.Files = results
	return all, nil
}

func firstDuplicate(chunks []chunker.Chunk, seen map[string]string) (string, bool) {
	for _, c := range chunks {
		if _, ok := seen[c.ID]; ok {
			return c.ID, true
		}
	}
	return "", false
}

func (r *run) processFile(ctx context.Context, f SourceFile) (FileResult, []chunker.Chunk) {
	res := FileResult{Name: f.Name}
	logger := r.logger.With("file", f.Name)

	doc, err := r.opts.Extractor.Extract(ctx, f.Path)
	res.Pages = doc.Pages
	switch {
	case errors.Is(err, extract.ErrNoText):
		logger.Warn("no text extracted, skipping file")
		res.Skipped = true
		return res, nil
	case err != nil:
		logger.Error("extraction failed, skipping file", "error", err)
		res.Skipped = true
		res.Err = err.Error()
		return res, nil
	}

	chunks := r.opts.Chunker.ChunkDocument(f.Name, doc.Text)
	if len(chunks) == 0 {
		logger.Warn("no chunks generated, skipping file")
		res.Skipped = true
		return res, nil
	}
	if chunks[0].AgentName == nil {
		logger.Warn("filename carries no agent name; chunks are unclassified")
	} else {
		res.Agent = *chunks[0].AgentName
	}
	res.Chunks = len(chunks)
	logger.Info("file processed", "pages", doc.Pages, "chunks", len(chunks), "agent", res.Agent)
	r.publish(ctx, events.Event{
		State:   string(StatePerFileProcessing),
		File:    f.Name,
		Message: "file processed",
		Counts:  map[string]int{"pages": doc.Pages, "chunks": len(chunks)},
	})
	return res, chunks
}

// verify runs the sample query. Its outcome is informational only.
func (r *run) verify(ctx context.Context) {
	v := r.opts.Verify
	if v.Query == "" {
		return
	}
	r.transition(ctx, StateVerifying, "running verification query", "query", v.Query, "agent", v.Agent)

	vec, err := r.opts.Embedder.Embed(ctx, v.Query)
	if err != nil {
		r.verifyFailed(err)
		return
	}
	var filter vectorindex.Filter
	if v.Agent != "" {
		filter = vectorindex.Filter{"agentName": v.Agent}
	}
	topK := v.TopK
	if topK <= 0 {
		topK = 3
	}
	matches, err := r.opts.Index.Query(ctx, r.opts.Spec.Name, vec, topK, filter)
	if err != nil {
		r.verifyFailed(err)
		return
	}
	r.report.Verification = matches
	for _, m := range matches {
		r.logger.Info("verification match",
			"id", m.ID, "score", m.Score, "source", m.Metadata.Source, "chunk", m.Metadata.ChunkIndex)
	}
}

func (r *run) verifyFailed(err error) {
	r.report.VerifyErr = err.Error()
	r.logger.Warn("verification query failed; ingestion still succeeded", "error", err)
}

func (r *run) transition(ctx context.Context, s State, msg string, args ...any) {
	r.report.State = s
	r.logger.Info(msg, append([]any{"state", string(s)}, args...)...)
	r.publish(ctx, events.Event{State: string(s), Message: msg})
}

func (r *run) abort(ctx context.Context, err error) {
	r.report.State = StateAborted
	r.logger.Error("ingestion aborted", "error", err)
	r.publish(context.WithoutCancel(ctx), events.Event{
		State: string(StateAborted),
		Error: err.Error(),
	})
}

func (r *run) publish(ctx context.Context, e events.Event) {
	e.RunID = r.report.RunID
	e.Time = r.now()
	if err := r.events.Publish(ctx, e); err != nil {
		r.logger.Warn("publishing event failed", "state", e.State, "error", err)
	}
}
