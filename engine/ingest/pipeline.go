// Package ingest runs documents through validation, parsing, chunking,
// embedding, and storage as composable fn stages.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/QuillAI/quill-engine/engine/chunk"
	"github.com/QuillAI/quill-engine/engine/domain"
	"github.com/QuillAI/quill-engine/engine/parse"
	"github.com/QuillAI/quill-engine/engine/registry"
	"github.com/QuillAI/quill-engine/engine/semantic"
	"github.com/QuillAI/quill-engine/pkg/fn"
)

const (
	// IngestSubject is the NATS subject for incoming ingest requests.
	IngestSubject = "quill.ingest"
	// DLQSubject is the dead letter queue subject for failed requests.
	DLQSubject = "quill.ingest.dlq"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
	// EmbedBatchSize is the max chunks per embedding request.
	EmbedBatchSize = 100
)

// VectorWriter is the slice of the vector store the pipeline writes through.
type VectorWriter interface {
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
	DeleteByDoc(ctx context.Context, sourceURI string) error
}

// KeywordIndexer mirrors chunk text into the full-text index.
type KeywordIndexer interface {
	IndexChunks(ctx context.Context, chunks []domain.Chunk) error
	DeleteByDoc(ctx context.Context, sourceURI string) error
}

// PDFParser extracts structured chunks from a PDF file.
type PDFParser interface {
	Parse(ctx context.Context, path string) ([]domain.Chunk, error)
}

// TextChunker splits plain text into chunk-sized spans.
type TextChunker interface {
	Chunk(ctx context.Context, text string) ([]string, error)
}

// Ledger records which documents have been ingested. *registry.Ledger
// satisfies it.
type Ledger interface {
	BySource(ctx context.Context, sourceURI string) (registry.Entry, error)
	Upsert(ctx context.Context, e registry.Entry) error
	Get(ctx context.Context, id string) (registry.Entry, error)
	Delete(ctx context.Context, id string) error
}

// Deps holds the external dependencies for the ingestion pipeline.
// Keywords and Ledger are optional: a nil Keywords disables full-text
// mirroring, a nil Ledger disables dedup bookkeeping. Chunker may be nil,
// in which case text is packed greedily by sentence without embeddings.
type Deps struct {
	Embedder domain.Embedder
	Vectors  VectorWriter
	Keywords KeywordIndexer
	Ledger   Ledger
	Parser   PDFParser
	Chunker  TextChunker
	Logger   *slog.Logger
}

// --- Pipeline stages ---

// Validate checks a Document via domain validation.
var Validate fn.Stage[domain.Document, domain.Document] = func(ctx context.Context, doc domain.Document) fn.Result[domain.Document] {
	if err := domain.ValidateDocument(doc); err != nil {
		return fn.Err[domain.Document](err)
	}
	return fn.Ok(doc)
}

// NewParse creates the stage that reduces a Document to chunks. PDF files go
// through the structured parser; text and markdown files are chunked from
// raw bytes, with markdown headings mapped to section paths. Inline text is
// treated as plain text.
func NewParse(parser PDFParser, chunker TextChunker) fn.Stage[domain.Document, ParsedDoc] {
	return func(ctx context.Context, doc domain.Document) fn.Result[ParsedDoc] {
		if doc.Path == "" {
			return parseInline(ctx, chunker, doc)
		}
		format, _ := domain.FormatForPath(doc.Path) // Validate vetted the extension
		if format == domain.FormatPDF {
			return parsePDF(ctx, parser, doc)
		}
		return parseFile(ctx, chunker, doc, format)
	}
}

// NewEmbed creates the stage that embeds parsed chunks in batches of
// EmbedBatchSize, one EmbedBatch call per batch.
func NewEmbed(embedder domain.Embedder) fn.Stage[ParsedDoc, EmbeddedDoc] {
	return func(ctx context.Context, doc ParsedDoc) fn.Result[EmbeddedDoc] {
		embeddings := make([][]float32, len(doc.Chunks))

		for i := 0; i < len(doc.Chunks); i += EmbedBatchSize {
			end := i + EmbedBatchSize
			if end > len(doc.Chunks) {
				end = len(doc.Chunks)
			}

			texts := make([]string, end-i)
			for j, c := range doc.Chunks[i:end] {
				texts[j] = c.Text
			}

			vecs, err := embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return fn.Err[EmbeddedDoc](fmt.Errorf("embed batch: %w", err))
			}
			if len(vecs) != len(texts) {
				return fn.Err[EmbeddedDoc](fmt.Errorf("embed batch: %d vectors for %d chunks", len(vecs), len(texts)))
			}
			copy(embeddings[i:end], vecs)
		}

		return fn.Ok(EmbeddedDoc{ParsedDoc: doc, Embeddings: embeddings})
	}
}

// NewStore creates the stage that writes an embedded document to the vector
// store, the keyword index, and the ledger. Previous chunks for the source
// are deleted first so a shrunk document leaves no stale tail.
func NewStore(vectors VectorWriter, keywords KeywordIndexer, ledger Ledger) fn.Stage[EmbeddedDoc, Receipt] {
	return func(ctx context.Context, doc EmbeddedDoc) fn.Result[Receipt] {
		if len(doc.Embeddings) != len(doc.Chunks) {
			return fn.Err[Receipt](fmt.Errorf("store: %d embeddings for %d chunks", len(doc.Embeddings), len(doc.Chunks)))
		}

		if err := vectors.DeleteByDoc(ctx, doc.SourceURI); err != nil {
			return fn.Err[Receipt](fmt.Errorf("vector delete: %w", err))
		}
		records := make([]semantic.VectorRecord, len(doc.Chunks))
		for i, c := range doc.Chunks {
			records[i] = semantic.Record(c, doc.Embeddings[i])
		}
		if err := vectors.Upsert(ctx, records); err != nil {
			return fn.Err[Receipt](fmt.Errorf("vector upsert: %w", err))
		}

		if keywords != nil {
			if err := keywords.DeleteByDoc(ctx, doc.SourceURI); err != nil {
				return fn.Err[Receipt](fmt.Errorf("keyword delete: %w", err))
			}
			if err := keywords.IndexChunks(ctx, doc.Chunks); err != nil {
				return fn.Err[Receipt](fmt.Errorf("keyword index: %w", err))
			}
		}

		docID := registry.DocumentID(doc.SourceURI)
		if ledger != nil {
			entry := registry.Entry{
				ID:            docID,
				Title:         doc.Title,
				SourceURI:     doc.SourceURI,
				ContentSHA256: doc.Hash,
				ChunkCount:    len(doc.Chunks),
				IngestedAt:    time.Now().UTC(),
			}
			if err := ledger.Upsert(ctx, entry); err != nil {
				return fn.Err[Receipt](fmt.Errorf("ledger upsert: %w", err))
			}
		}

		return fn.Ok(Receipt{
			DocID:     docID,
			Title:     doc.Title,
			SourceURI: doc.SourceURI,
			Chunks:    len(doc.Chunks),
		})
	}
}

// LoggedTap returns a pass-through stage that marks a pipeline boundary in
// the log.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return fn.TapStage(func(_ context.Context, _ T) {
		log.Debug("stage", "name", name)
	})
}

// Service owns a wired ingest pipeline plus the ledger bookkeeping around it.
type Service struct {
	deps  Deps
	front fn.Stage[domain.Document, ParsedDoc]
	back  fn.Stage[ParsedDoc, Receipt]
	log   *slog.Logger
}

// NewService composes the pipeline stages from deps. Each stage gets a
// named trace span and a log tap at its boundary.
func NewService(deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	validated := fn.Then(LoggedTap[domain.Document]("validate", log), fn.TracedStage("ingest.validate", Validate))
	parsed := fn.Then(LoggedTap[domain.Document]("parse", log), fn.TracedStage("ingest.parse", NewParse(deps.Parser, deps.Chunker)))
	front := fn.Then(validated, parsed)
	embedded := fn.Then(LoggedTap[ParsedDoc]("embed", log), fn.TracedStage("ingest.embed", NewEmbed(deps.Embedder)))
	stored := fn.Then(LoggedTap[EmbeddedDoc]("store", log), fn.TracedStage("ingest.store", NewStore(deps.Vectors, deps.Keywords, deps.Ledger)))
	back := fn.Then(embedded, stored)

	return &Service{deps: deps, front: front, back: back, log: log}
}

// Ingest runs a document through the full pipeline. When a ledger is wired
// and the document's content hash matches the recorded one, the expensive
// embed and store stages are skipped and the receipt is marked Skipped.
func (s *Service) Ingest(ctx context.Context, doc domain.Document) (Receipt, error) {
	parsed, err := s.front(ctx, doc).Unwrap()
	if err != nil {
		return Receipt{}, err
	}

	if s.deps.Ledger != nil {
		prev, err := s.deps.Ledger.BySource(ctx, doc.SourceURI)
		switch {
		case err == nil && prev.ContentSHA256 == parsed.Hash:
			s.log.Info("ingest: unchanged, skipping", "source_uri", doc.SourceURI, "doc_id", prev.ID)
			return Receipt{
				DocID:     prev.ID,
				Title:     prev.Title,
				SourceURI: prev.SourceURI,
				Chunks:    prev.ChunkCount,
				Skipped:   true,
			}, nil
		case err != nil && !errors.Is(err, registry.ErrNotFound):
			return Receipt{}, fmt.Errorf("ledger lookup: %w", err)
		}
	}

	return s.back(ctx, parsed).Unwrap()
}

// Remove deletes a document and its chunks from every store. The document
// is looked up in the ledger by ID.
func (s *Service) Remove(ctx context.Context, docID string) error {
	if s.deps.Ledger == nil {
		return errors.New("ingest: remove requires a ledger")
	}
	entry, err := s.deps.Ledger.Get(ctx, docID)
	if err != nil {
		return err
	}
	if err := s.deps.Vectors.DeleteByDoc(ctx, entry.SourceURI); err != nil {
		return fmt.Errorf("vector delete: %w", err)
	}
	if s.deps.Keywords != nil {
		if err := s.deps.Keywords.DeleteByDoc(ctx, entry.SourceURI); err != nil {
			return fmt.Errorf("keyword delete: %w", err)
		}
	}
	return s.deps.Ledger.Delete(ctx, docID)
}

// --- Parsing helpers ---

func parseInline(ctx context.Context, chunker TextChunker, doc domain.Document) fn.Result[ParsedDoc] {
	title := doc.Title
	if title == "" {
		title = doc.SourceURI
	}
	return parseText(ctx, chunker, doc, title, doc.Text)
}

func parsePDF(ctx context.Context, parser PDFParser, doc domain.Document) fn.Result[ParsedDoc] {
	if parser == nil {
		return fn.Err[ParsedDoc](errors.New("ingest: no pdf parser configured"))
	}
	raw, err := os.ReadFile(doc.Path)
	if err != nil {
		return fn.Err[ParsedDoc](fmt.Errorf("read %s: %w", doc.Path, err))
	}
	chunks, err := parser.Parse(ctx, doc.Path)
	if err != nil {
		return fn.Err[ParsedDoc](err)
	}

	title := doc.Title
	if title == "" && len(chunks) > 0 {
		title = chunks[0].DocTitle
	}
	if title == "" {
		title, _ = parse.DocMetadata(doc.Path)
	}

	// Rebind chunk identity to the document's canonical source URI; the
	// parser derived its own from the file path.
	for i := range chunks {
		chunks[i].DocTitle = title
		chunks[i].SourceURI = doc.SourceURI
		chunks[i].ID = domain.ChunkID(doc.SourceURI, chunks[i].ChunkIndex)
	}

	return fn.Ok(ParsedDoc{
		Title:     title,
		SourceURI: doc.SourceURI,
		Format:    domain.FormatPDF,
		Hash:      registry.ContentHash(string(raw)),
		Chunks:    chunks,
	})
}

func parseFile(ctx context.Context, chunker TextChunker, doc domain.Document, format domain.DocFormat) fn.Result[ParsedDoc] {
	raw, err := os.ReadFile(doc.Path)
	if err != nil {
		return fn.Err[ParsedDoc](fmt.Errorf("read %s: %w", doc.Path, err))
	}
	text := string(raw)

	title := doc.Title
	if title == "" {
		title, _ = parse.DocMetadata(doc.Path)
	}

	if format == domain.FormatMarkdown {
		return parseMarkdown(ctx, chunker, doc, title, text)
	}
	return parseText(ctx, chunker, doc, title, text)
}

func parseText(ctx context.Context, chunker TextChunker, doc domain.Document, title, text string) fn.Result[ParsedDoc] {
	texts, err := chunkText(ctx, chunker, text)
	if err != nil {
		return fn.Err[ParsedDoc](err)
	}
	chunks := make([]domain.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = newChunk(doc, title, t, nil, i)
	}
	return fn.Ok(ParsedDoc{
		Title:     title,
		SourceURI: doc.SourceURI,
		Format:    domain.FormatText,
		Hash:      registry.ContentHash(text),
		Chunks:    chunks,
	})
}

func parseMarkdown(ctx context.Context, chunker TextChunker, doc domain.Document, title, text string) fn.Result[ParsedDoc] {
	var chunks []domain.Chunk
	idx := 0
	for _, sec := range splitMarkdown(text) {
		texts, err := chunkText(ctx, chunker, sec.body)
		if err != nil {
			return fn.Err[ParsedDoc](err)
		}
		for _, t := range texts {
			chunks = append(chunks, newChunk(doc, title, t, sec.path, idx))
			idx++
		}
	}
	return fn.Ok(ParsedDoc{
		Title:     title,
		SourceURI: doc.SourceURI,
		Format:    domain.FormatMarkdown,
		Hash:      registry.ContentHash(text),
		Chunks:    chunks,
	})
}

func newChunk(doc domain.Document, title, text string, section []string, idx int) domain.Chunk {
	return domain.Chunk{
		ID:          domain.ChunkID(doc.SourceURI, idx),
		Text:        text,
		DocTitle:    title,
		SectionPath: section,
		ChunkIndex:  idx,
		SourceURI:   doc.SourceURI,
	}
}

// chunkText collapses whitespace and splits text with the configured
// chunker, or packs greedily by sentence when no chunker is wired.
func chunkText(ctx context.Context, chunker TextChunker, text string) ([]string, error) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil, nil
	}
	if chunker == nil {
		return chunk.Greedy(text, chunk.DefaultMaxChars), nil
	}
	return chunker.Chunk(ctx, text)
}

// --- Markdown sectioning ---

type mdSection struct {
	path []string
	body string
}

// splitMarkdown walks markdown lines keeping a heading stack: a heading of
// rank r truncates the stack to depth r and pushes itself. Body lines
// accumulate under the current path; text before the first heading gets an
// empty path.
func splitMarkdown(text string) []mdSection {
	var (
		sections []mdSection
		stack    []string
		body     []string
	)
	flush := func() {
		if s := strings.TrimSpace(strings.Join(body, "\n")); s != "" {
			sections = append(sections, mdSection{
				path: append([]string(nil), stack...),
				body: s,
			})
		}
		body = body[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		if rank, heading, ok := mdHeading(line); ok {
			flush()
			if rank > len(stack) {
				rank = len(stack)
			}
			stack = append(stack[:rank], heading)
			continue
		}
		body = append(body, line)
	}
	flush()
	return sections
}

// mdHeading parses an ATX heading line into its rank (0 for #, 1 for ##, ...)
// and text. Lines that are not headings return ok=false.
func mdHeading(line string) (rank int, text string, ok bool) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, "#") {
		return 0, "", false
	}
	level := 0
	for level < len(s) && s[level] == '#' {
		level++
	}
	if level > 6 || level == len(s) || s[level] != ' ' {
		return 0, "", false
	}
	heading := strings.TrimSpace(s[level+1:])
	if heading == "" {
		return 0, "", false
	}
	return level - 1, heading, true
}
