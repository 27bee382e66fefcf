package ingest

import (
	"github.com/QuillAI/quill-engine/engine/domain"
)

// ParsedDoc is a document reduced to retrieval chunks, plus the content hash
// the ledger uses for change detection.
type ParsedDoc struct {
	Title     string
	SourceURI string
	Format    domain.DocFormat
	Hash      string
	Chunks    []domain.Chunk
}

// EmbeddedDoc pairs parsed chunks with their embeddings, index-aligned.
type EmbeddedDoc struct {
	ParsedDoc
	Embeddings [][]float32
}

// Receipt summarizes a completed ingest.
type Receipt struct {
	DocID     string `json:"doc_id"`
	Title     string `json:"title"`
	SourceURI string `json:"source_uri"`
	Chunks    int    `json:"chunks"`
	Skipped   bool   `json:"skipped,omitempty"`
}
