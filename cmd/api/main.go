// Package main implements the Quill API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/QuillAI/quill-engine/engine/chunk"
	"github.com/QuillAI/quill-engine/engine/domain"
	"github.com/QuillAI/quill-engine/engine/ingest"
	"github.com/QuillAI/quill-engine/engine/lexical"
	"github.com/QuillAI/quill-engine/engine/parse"
	"github.com/QuillAI/quill-engine/engine/rag"
	"github.com/QuillAI/quill-engine/engine/registry"
	"github.com/QuillAI/quill-engine/engine/semantic"
	"github.com/QuillAI/quill-engine/pkg/metrics"
	"github.com/QuillAI/quill-engine/pkg/mid"
	"github.com/QuillAI/quill-engine/pkg/ollama"
	"github.com/QuillAI/quill-engine/pkg/repo"
	"github.com/QuillAI/quill-engine/pkg/resilience"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

var met = metrics.New()

// API metrics
var (
	mAskTotal     = met.Counter("quill_api_ask_total", "Questions answered")
	mAskErrors    = met.Counter("quill_api_ask_errors_total", "Ask pipeline failures")
	mAskDur       = met.Histogram("quill_api_ask_duration_seconds", "Ask pipeline latency", nil)
	mUploads      = met.Counter("quill_api_uploads_total", "Documents uploaded")
	mUploadErrors = met.Counter("quill_api_upload_errors_total", "Upload failures")
	mDeletes      = met.Counter("quill_api_deletes_total", "Documents removed")
)

const vectorDims = 768 // nomic-embed-text

const maxUploadBytes = 32 << 20

// Config holds all environment-based configuration.
type Config struct {
	Port         string
	OllamaURL    string
	EmbedModel   string
	ChatModel    string
	Neo4jURL     string
	Neo4jUser    string
	Neo4jPass    string
	QdrantURL    string
	Collection   string
	RegistryPath string
	CORSOrigin   string
}

func loadConfig() Config {
	return Config{
		Port:         envOr("PORT", "8080"),
		OllamaURL:    envOr("OLLAMA_URL", "http://localhost:11434"),
		EmbedModel:   envOr("EMBED_MODEL", "nomic-embed-text"),
		ChatModel:    envOr("CHAT_MODEL", "llama3.1"),
		Neo4jURL:     envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:    envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:    envOr("NEO4J_PASS", "password"),
		QdrantURL:    envOr("QDRANT_URL", "localhost:6334"),
		Collection:   envOr("QDRANT_COLLECTION", "quill"),
		RegistryPath: envOr("REGISTRY_PATH", "quill-registry.db"),
		CORSOrigin:   envOr("CORS_ORIGIN", "*"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Ollama clients, behind circuit breakers ---
	embedder := &breakerEmbedder{
		inner:   ollama.NewEmbedClient(cfg.OllamaURL, cfg.EmbedModel),
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
	generator := &breakerGenerator{
		inner:   ollama.NewChatClient(cfg.OllamaURL, cfg.ChatModel, ollama.WithIntentClassification()),
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}

	// --- Connect to Neo4j ---
	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)

	keywordIndex := lexical.New(neo4jDriver)
	if err := keywordIndex.EnsureIndex(ctx); err != nil {
		logger.Warn("lexical index setup failed, keyword search may degrade", "err", err)
	}

	// --- Connect to Qdrant ---
	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx, vectorDims); err != nil {
		return fmt.Errorf("qdrant ensure collection: %w", err)
	}

	// --- Open the document ledger ---
	ledger, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("registry open: %w", err)
	}
	defer ledger.Close()

	// --- Build services ---
	ingestSvc := ingest.NewService(ingest.Deps{
		Embedder: embedder,
		Vectors:  vectorStore,
		Keywords: keywordIndex,
		Ledger:   ledger,
		Parser:   parse.New(parse.DefaultOptions()),
		Chunker:  chunk.New(embedder, chunk.DefaultOptions()),
		Logger:   logger,
	})

	ragSvc := rag.New(embedder, generator, vectorStore, keywordIndex, rag.DefaultOptions(), logger)

	// --- Build HTTP server ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth(map[string]probe{
		"ollama": func(ctx context.Context) error { return ollama.Ping(ctx, cfg.OllamaURL) },
		"qdrant": func(ctx context.Context) error { _, err := vectorStore.Count(ctx); return err },
		"neo4j":  func(ctx context.Context) error { return neo4jDriver.VerifyConnectivity(ctx) },
	}))
	mux.HandleFunc("POST /api/ask", handleAsk(ragSvc, logger))
	mux.HandleFunc("POST /api/documents", handleUpload(ingestSvc, logger))
	mux.HandleFunc("GET /api/documents", handleListDocuments(ledger))
	mux.HandleFunc("DELETE /api/documents/{id}", handleDeleteDocument(ingestSvc, logger))
	mux.HandleFunc("GET /api/stats", handleStats(ledger, vectorStore, keywordIndex, logger))
	mux.Handle("GET /metrics", met.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("quill-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- Handlers ---

// asker is the slice of rag.Service the ask handler needs.
type asker interface {
	Ask(ctx context.Context, q domain.Question) (*rag.Answer, error)
}

// ingester is the slice of ingest.Service the document handlers need.
type ingester interface {
	Ingest(ctx context.Context, doc domain.Document) (ingest.Receipt, error)
	Remove(ctx context.Context, docID string) error
}

type probe func(context.Context) error

func handleHealth(probes map[string]probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		checks := make(map[string]string, len(probes))
		for name, p := range probes {
			if err := p(ctx); err != nil {
				checks[name] = err.Error()
				status = "degraded"
				continue
			}
			checks[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		if status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{"status": status, "checks": checks})
	}
}

// AskRequest is the JSON body for POST /api/ask.
type AskRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k,omitempty"`
}

func handleAsk(svc asker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if req.Question == "" {
			http.Error(w, `{"error":"question is required"}`, http.StatusBadRequest)
			return
		}

		start := time.Now()
		answer, err := svc.Ask(r.Context(), domain.Question{Text: req.Question, TopK: req.TopK})
		if err != nil {
			mAskErrors.Inc()
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, verr.Wrapped.Error())
				return
			}
			logger.Error("ask failed", "err", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		mAskTotal.Inc()
		mAskDur.Since(start)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(answer)
	}
}

func handleUpload(svc ingester, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "expected multipart form with a file field")
			return
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file field is required")
			return
		}
		defer file.Close()

		filename := filepath.Base(hdr.Filename)
		if _, ok := domain.FormatForPath(filename); !ok {
			writeError(w, http.StatusUnsupportedMediaType, "only .pdf, .txt and .md files are accepted")
			return
		}

		// The pipeline reads from disk, so spool the upload to a temp file
		// that keeps the original extension.
		tmp, err := os.CreateTemp("", "quill-upload-*"+filepath.Ext(filename))
		if err != nil {
			mUploadErrors.Inc()
			logger.Error("upload spool failed", "err", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		defer os.Remove(tmp.Name())
		if _, err := io.Copy(tmp, file); err != nil {
			tmp.Close()
			mUploadErrors.Inc()
			writeError(w, http.StatusBadRequest, "upload truncated")
			return
		}
		tmp.Close()

		title, _ := parse.DocMetadata(filename)
		receipt, err := svc.Ingest(r.Context(), domain.Document{
			Title:      title,
			SourceURI:  "upload/" + filename,
			Path:       tmp.Name(),
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil {
			mUploadErrors.Inc()
			var verr *domain.ValidationError
			switch {
			case errors.As(err, &verr):
				writeError(w, http.StatusBadRequest, verr.Wrapped.Error())
			case errors.Is(err, domain.ErrUnreadableDocument):
				writeError(w, http.StatusUnprocessableEntity, domain.ErrUnreadableDocument.Error())
			default:
				logger.Error("ingest failed", "source_uri", "upload/"+filename, "err", err)
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
			return
		}
		mUploads.Inc()

		w.Header().Set("Content-Type", "application/json")
		if !receipt.Skipped {
			w.WriteHeader(http.StatusCreated)
		}
		json.NewEncoder(w).Encode(receipt)
	}
}

func handleListDocuments(ledger *registry.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		entries, err := ledger.List(r.Context(), repo.ListOpts{Offset: offset, Limit: limit})
		if err != nil {
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		total, err := ledger.Count(r.Context())
		if err != nil {
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"documents": entries, "total": total})
	}
}

func handleDeleteDocument(svc ingester, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := svc.Remove(r.Context(), id); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				writeError(w, http.StatusNotFound, "document not found")
				return
			}
			logger.Error("document delete failed", "doc_id", id, "err", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		mDeletes.Inc()
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleStats(ledger *registry.Ledger, vectors *semantic.VectorStore, keywords *lexical.Index, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := ledger.Count(r.Context())
		if err != nil {
			logger.Warn("ledger count failed", "err", err)
		}
		points, err := vectors.Count(r.Context())
		if err != nil {
			logger.Warn("qdrant count failed", "err", err)
		}
		indexed, err := keywords.Count(r.Context())
		if err != nil {
			logger.Warn("lexical count failed", "err", err)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"documents":      docs,
			"vector_points":  points,
			"indexed_chunks": indexed,
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// --- Adapters ---

// breakerEmbedder wraps the Ollama embed client in a circuit breaker so a
// dead model server fails fast instead of stacking up timeouts.
type breakerEmbedder struct {
	inner   *ollama.EmbedClient
	breaker *resilience.Breaker
}

func (e *breakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := e.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		vec, err = e.inner.Embed(ctx, text)
		return err
	})
	return vec, err
}

func (e *breakerEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := e.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		vecs, err = e.inner.EmbedBatch(ctx, texts)
		return err
	})
	return vecs, err
}

// breakerGenerator wraps the Ollama chat client the same way.
type breakerGenerator struct {
	inner   *ollama.ChatClient
	breaker *resilience.Breaker
}

func (g *breakerGenerator) Generate(ctx context.Context, contextText, question string) (string, error) {
	var reply string
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		reply, err = g.inner.Generate(ctx, contextText, question)
		return err
	})
	return reply, err
}
