package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/homepro/internal/chunker"
	"github.com/kalambet/homepro/internal/config"
	"github.com/kalambet/homepro/internal/events"
	"github.com/kalambet/homepro/internal/extract"
	"github.com/kalambet/homepro/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Extract, chunk, embed and index the knowledge base",
	Long: `Extract, chunk, embed and index every PDF of the knowledge base.

The source is the knowledge directory (ingest.knowledge_dir) unless
ingest.s3_bucket is set and --dir is not given.

Examples:
  homepro ingest
  homepro ingest --dir ./Knowledge --json
  homepro ingest --watch`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		watch, _ := cmd.Flags().GetBool("watch")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level, cfg.Log.Format)
		if err := cfg.Require(cfg.IngestRequirements()...); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runIngest(ctx, cfg, ingestFlags{dir: dir, watch: watch, json: asJSON}, cmd.OutOrStdout())
	},
}

func init() {
	ingestCmd.Flags().String("dir", "", "knowledge directory (default ingest.knowledge_dir)")
	ingestCmd.Flags().Bool("watch", false, "re-run whenever PDFs in the directory change")
	ingestCmd.Flags().Bool("json", false, "print the run report as JSON")
}

type ingestFlags struct {
	dir   string
	watch bool
	json  bool
}

func runIngest(ctx context.Context, cfg config.Config, flags ingestFlags, out io.Writer) error {
	logger := slog.Default()
	var cl closers
	defer cl.close(logger)

	spec, err := indexSpec(cfg)
	if err != nil {
		return err
	}
	ch, err := chunker.New(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	if err != nil {
		return err
	}

	source, dir, err := ingestSource(ctx, cfg, flags.dir, &cl)
	if err != nil {
		return err
	}
	if flags.watch && dir == "" {
		return errors.New("--watch needs a local knowledge directory")
	}

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	cl.add(func() error { publisher.Close(); return nil })

	embedder, err := newEmbedder(ctx, cfg, logger, &cl)
	if err != nil {
		return err
	}
	index, err := newIndex(ctx, cfg, opened{}, logger, &cl)
	if err != nil {
		return err
	}

	orch, err := ingest.New(ingest.Options{
		Spec:      spec,
		Source:    source,
		Extractor: extract.New(cfg.Ingest.PDFToTextFallback, logger),
		Embedder:  embedder,
		Index:     index,
		Chunker:   ch,
		Verify: ingest.Verification{
			Query: cfg.Ingest.VerifyQuery,
			Agent: cfg.Ingest.VerifyAgent,
			TopK:  cfg.Ingest.VerifyTopK,
		},
		Workers: cfg.Ingest.Workers,
		Events:  publisher,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	once := func(ctx context.Context) error {
		printStep("ingesting into index %s (%s)", spec.Name, cfg.Index.Backend)
		rep, err := orch.Run(ctx)
		printReport(out, rep, flags.json)
		if err != nil {
			return fmt.Errorf("ingestion aborted: %w", err)
		}
		return nil
	}

	if !flags.watch {
		return once(ctx)
	}
	if err := once(ctx); err != nil {
		printError("%v", err)
	}
	return ingest.Watch(ctx, dir, ingest.DefaultDebounce, logger, once)
}

// ingestSource picks S3 when a bucket is configured and no directory was
// given on the command line. dir is empty for S3.
func ingestSource(ctx context.Context, cfg config.Config, dirFlag string, cl *closers) (ingest.Source, string, error) {
	if dirFlag == "" && cfg.Ingest.S3Bucket != "" {
		src, err := ingest.NewS3Source(ctx, ingest.S3Config{
			Bucket:          cfg.Ingest.S3Bucket,
			Prefix:          cfg.Ingest.S3Prefix,
			Region:          cfg.Ingest.S3Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
		})
		if err != nil {
			return nil, "", err
		}
		cl.add(src.Close)
		return src, "", nil
	}
	dir := dirFlag
	if dir == "" {
		dir = cfg.Ingest.KnowledgeDir
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, "", fmt.Errorf("knowledge directory: %w", err)
	}
	return ingest.DirSource{Dir: dir}, dir, nil
}

func newPublisher(cfg config.Config, logger *slog.Logger) (events.Publisher, error) {
	if cfg.Events.NATSURL == "" {
		return events.Nop{}, nil
	}
	n, err := events.NewNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return n, nil
}

func printReport(out io.Writer, rep *ingest.Report, asJSON bool) {
	if rep == nil {
		return
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		enc.Encode(rep)
		return
	}

	for _, f := range rep.Files {
		switch {
		case f.Skipped:
			printWarning("%s skipped: %s", f.Name, f.Err)
		default:
			agent := f.Agent
			if agent == "" {
				agent = "-"
			}
			fmt.Fprintf(out, "  %s  pages=%d chunks=%d agent=%s\n", colorize(colorBold, f.Name), f.Pages, f.Chunks, agent)
		}
	}

	printStatus("Run", "%s", rep.RunID)
	printStatus("State", "%s", rep.State)
	printStatus("Files", "%d", rep.FilesFound)
	printStatus("Chunks", "%d", rep.Chunks)
	printStatus("Embeddings", "%d", rep.Embeddings)
	printStatus("Upsert batches", "%d", rep.UpsertBatches)
	printStatus("Duration", "%s", rep.Duration().Round(time.Millisecond))

	if rep.VerifyErr != "" {
		printWarning("verification query failed: %s", rep.VerifyErr)
	}
	for i, m := range rep.Verification {
		fmt.Fprintf(out, "  verify %d [score: %.3f] %s\n", i+1, m.Score, m.Metadata.Source)
	}

	if rep.State == ingest.StateDone {
		printSuccess("ingestion finished")
	}
}
