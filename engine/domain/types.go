// Package domain defines core domain types, constants, and validation for the
// Quill engine pipeline. It acts as the validation gate at pipeline entry points.
package domain

import (
	"strings"
	"time"
)

// Chunk is the atomic unit of retrieval: a bounded span of document text plus
// the provenance needed to cite it. ChunkIndex is contiguous and 0-based
// within a document, in reading order.
type Chunk struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	DocTitle    string   `json:"doc_title"`
	SectionPath []string `json:"section_path,omitempty"`
	ChunkIndex  int      `json:"chunk_index"`
	SourceURI   string   `json:"source_uri"`
}

// Section returns the section path joined root to leaf, or "" for chunks
// without section structure.
func (c Chunk) Section() string {
	return strings.Join(c.SectionPath, " > ")
}

// Document is a unit of ingestion: a file on disk (Path) or inline Text.
// SourceURI identifies the document across stores.
type Document struct {
	Title      string    `json:"title"`
	SourceURI  string    `json:"source_uri"`
	Path       string    `json:"path,omitempty"`
	Text       string    `json:"text,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Hit is a provider search result normalized at the adapter boundary.
// Everything downstream of the search providers consumes Hits, never raw
// provider response types.
type Hit struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Candidate carries a chunk through query-time ranking. Score is the
// relevance reported by whichever search produced the candidate; the
// reranker attaches LexicalScore as a side channel so re-sorting never
// disturbs the chunk metadata. Rank is the candidate's position in the
// current ordering, 0-based.
type Candidate struct {
	Chunk
	Score        float64 `json:"score"`
	LexicalScore float64 `json:"lexical_score"`
	Rank         int     `json:"rank"`
}

// Question is a user query into the ask pipeline.
type Question struct {
	Text string `json:"text"`
	TopK int    `json:"top_k,omitempty"`
}

// DocFormat classifies ingestable file formats.
type DocFormat string

const (
	FormatPDF      DocFormat = "pdf"
	FormatText     DocFormat = "text"
	FormatMarkdown DocFormat = "markdown"
)

// ValidFormats is the set of recognised document formats.
var ValidFormats = map[DocFormat]bool{
	FormatPDF: true, FormatText: true, FormatMarkdown: true,
}

// FormatForPath maps a file extension to a DocFormat. The second return is
// false for extensions the pipeline cannot ingest.
func FormatForPath(path string) (DocFormat, bool) {
	dot := strings.LastIndex(path, ".")
	if dot < 0 {
		return "", false
	}
	switch strings.ToLower(path[dot:]) {
	case ".pdf":
		return FormatPDF, true
	case ".txt", ".text":
		return FormatText, true
	case ".md", ".markdown":
		return FormatMarkdown, true
	}
	return "", false
}
