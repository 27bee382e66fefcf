// Command ingest watches a drop directory for documents and runs them through
// the ingestion pipeline into Qdrant and Neo4j. With -nats set it also
// consumes documents published on the ingest subject.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/QuillAI/quill-engine/engine/chunk"
	"github.com/QuillAI/quill-engine/engine/domain"
	"github.com/QuillAI/quill-engine/engine/ingest"
	"github.com/QuillAI/quill-engine/engine/lexical"
	"github.com/QuillAI/quill-engine/engine/parse"
	"github.com/QuillAI/quill-engine/engine/registry"
	"github.com/QuillAI/quill-engine/engine/semantic"
	"github.com/QuillAI/quill-engine/pkg/fn"
	"github.com/QuillAI/quill-engine/pkg/metrics"
	"github.com/QuillAI/quill-engine/pkg/ollama"
	"github.com/QuillAI/quill-engine/pkg/resilience"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

var met = metrics.New()

// Ingest metrics
var (
	mFilesProcessed = met.Counter("quill_ingest_files_processed_total", "Files run through the pipeline")
	mDocsIngested   = met.Counter("quill_ingest_docs_total", "Documents ingested")
	mDocsSkipped    = met.Counter("quill_ingest_docs_skipped_total", "Documents skipped as unchanged")
	mChunksTotal    = met.Counter("quill_ingest_chunks_total", "Chunks written to the stores")
	mErrorsTotal    = func(stage string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("quill_ingest_errors_total", "stage", stage), "Total ingestion errors")
	}
	mBytesProcessed = met.Counter("quill_ingest_bytes_processed_total", "Bytes of source files processed")
	mQueueDepth     = met.Gauge("quill_ingest_queue_depth", "Files waiting to process")
	mLastScan       = met.Gauge("quill_ingest_last_scan_timestamp", "Epoch of last directory scan")
	mPipelineDur    = met.Histogram("quill_ingest_pipeline_duration_seconds", "Per-doc pipeline time", nil)
)

const vectorDims = 768 // nomic-embed-text

func main() {
	var (
		dataDir      = flag.String("dir", "/var/lib/quill/inbox", "directory to watch for documents")
		ollamaURL    = flag.String("ollama", "http://localhost:11434", "Ollama base URL")
		embedModel   = flag.String("model", "nomic-embed-text", "Ollama embedding model")
		neo4jURL     = flag.String("neo4j", "neo4j://localhost:7687", "Neo4j bolt URL")
		neo4jUser    = flag.String("neo4j-user", "neo4j", "Neo4j username")
		neo4jPass    = flag.String("neo4j-pass", "password", "Neo4j password")
		qdrantAddr   = flag.String("qdrant", "localhost:6334", "Qdrant gRPC address")
		collection   = flag.String("collection", "quill", "Qdrant collection name")
		registryPath = flag.String("registry", "/var/lib/quill/registry.db", "document ledger path")
		natsURL      = flag.String("nats", "", "NATS URL for the ingest subject (empty disables)")
		interval     = flag.Duration("interval", 30*time.Second, "scan interval")
		embedRPS     = flag.Float64("embed-rps", 8, "max embedding calls per second")
		metricsPort  = flag.Int("metrics-port", 9091, "metrics listen port")
	)
	flag.Parse()

	// Start metrics server with runtime collection
	met.CollectRuntime("quill_ingest", 15*time.Second)
	met.ServeAsync(*metricsPort)

	log := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Connect Neo4j
	driver, err := neo4j.NewDriverWithContext(*neo4jURL, neo4j.BasicAuth(*neo4jUser, *neo4jPass, ""))
	if err != nil {
		log.Error("neo4j connect failed", "error", err)
		os.Exit(1)
	}
	defer driver.Close(ctx)
	// Neo4j may still be starting, verify with backoff.
	verify := func(ctx context.Context) fn.Result[bool] {
		if err := driver.VerifyConnectivity(ctx); err != nil {
			return fn.Err[bool](err)
		}
		return fn.Ok(true)
	}
	if _, err := fn.Retry(ctx, fn.DefaultRetry, verify).Unwrap(); err != nil {
		log.Error("neo4j verify failed", "error", err)
		os.Exit(1)
	}
	keywords := lexical.New(driver)
	if err := keywords.EnsureIndex(ctx); err != nil {
		log.Error("lexical index setup failed", "error", err)
		os.Exit(1)
	}
	log.Info("connected to Neo4j")

	// Connect Qdrant
	vs, err := semantic.New(*qdrantAddr, *collection)
	if err != nil {
		log.Error("qdrant connect failed", "error", err)
		os.Exit(1)
	}
	defer vs.Close()
	if err := vs.EnsureCollection(ctx, vectorDims); err != nil {
		log.Error("qdrant ensure collection failed", "error", err)
		os.Exit(1)
	}
	log.Info("connected to Qdrant", "collection", *collection, "dims", vectorDims)

	// Ollama embedder, throttled so bulk ingestion leaves the model server
	// headroom for interactive queries.
	embedder := &throttledEmbedder{
		inner:   ollama.NewEmbedClient(*ollamaURL, *embedModel),
		limiter: resilience.NewLimiter(resilience.LimiterOpts{Rate: *embedRPS, Burst: int(*embedRPS)}),
	}
	log.Info("using Ollama embeddings", "model", *embedModel, "rps", *embedRPS)

	// Document ledger
	ledger, err := registry.Open(*registryPath)
	if err != nil {
		log.Error("registry open failed", "error", err, "path", *registryPath)
		os.Exit(1)
	}
	defer ledger.Close()

	svc := ingest.NewService(ingest.Deps{
		Embedder: embedder,
		Vectors:  vs,
		Keywords: keywords,
		Ledger:   ledger,
		Parser:   parse.New(parse.DefaultOptions()),
		Chunker:  chunk.New(embedder, chunk.DefaultOptions()),
		Logger:   log,
	})

	// Optional NATS consumer
	if *natsURL != "" {
		nc, err := nats.Connect(*natsURL, nats.Name("quill-ingest"))
		if err != nil {
			log.Error("nats connect failed", "error", err)
			os.Exit(1)
		}
		defer nc.Drain()
		sub, err := ingest.StartConsumer(nc, svc)
		if err != nil {
			log.Error("nats subscribe failed", "error", err)
			os.Exit(1)
		}
		defer sub.Unsubscribe()
		log.Info("consuming ingest subject", "subject", ingest.IngestSubject, "url", *natsURL)
	}

	// Files already processed in this run, keyed name:size:mtime. The ledger
	// carries dedup across restarts, this just avoids re-parsing every tick.
	processed := make(map[string]bool)

	os.MkdirAll(*dataDir, 0o755)

	log.Info("watching for documents", "dir", *dataDir, "interval", *interval)

	scan := func() {
		mLastScan.Set(time.Now().Unix())
		entries, err := os.ReadDir(*dataDir)
		if err != nil {
			mErrorsTotal("scan").Inc()
			log.Error("readdir failed", "error", err)
			return
		}

		for _, e := range entries {
			if ctx.Err() != nil {
				return
			}
			if e.IsDir() || e.Name()[0] == '.' {
				continue
			}
			if _, ok := domain.FormatForPath(e.Name()); !ok {
				continue
			}
			path := filepath.Join(*dataDir, e.Name())
			info, err := e.Info()
			if err != nil {
				continue
			}
			key := fmt.Sprintf("%s:%d:%d", e.Name(), info.Size(), info.ModTime().Unix())
			if processed[key] {
				continue
			}

			mQueueDepth.Inc()
			title, uri := parse.DocMetadata(path)
			doc := domain.Document{Title: title, SourceURI: uri, Path: path}

			start := time.Now()
			receipt, err := svc.Ingest(ctx, doc)
			mPipelineDur.Since(start)
			mQueueDepth.Dec()

			if err != nil {
				mErrorsTotal("pipeline").Inc()
				log.Warn("ingest failed, will retry on next scan", "file", e.Name(), "error", err)
				continue
			}

			processed[key] = true
			mFilesProcessed.Inc()
			mBytesProcessed.Add(info.Size())
			if receipt.Skipped {
				mDocsSkipped.Inc()
				log.Info("file unchanged", "file", e.Name(), "doc_id", receipt.DocID)
				continue
			}
			mDocsIngested.Inc()
			mChunksTotal.Add(int64(receipt.Chunks))
			log.Info("file ingested", "file", e.Name(), "doc_id", receipt.DocID, "chunks", receipt.Chunks)
		}
	}

	// Initial scan
	scan()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-ticker.C:
			scan()
		}
	}
}

// --- Adapters ---

// throttledEmbedder paces embedding calls through a token bucket. Batch
// work blocks for a token rather than failing.
type throttledEmbedder struct {
	inner   *ollama.EmbedClient
	limiter *resilience.Limiter
}

func (e *throttledEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := e.limiter.CallWait(ctx, func(ctx context.Context) error {
		var err error
		vec, err = e.inner.Embed(ctx, text)
		return err
	})
	return vec, err
}

func (e *throttledEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := e.limiter.CallWait(ctx, func(ctx context.Context) error {
		var err error
		vecs, err = e.inner.EmbedBatch(ctx, texts)
		return err
	})
	return vecs, err
}
