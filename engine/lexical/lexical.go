// Package lexical maintains a full-text mirror of the chunk corpus in Neo4j
// and serves keyword search over it. Chunks are stored as (:Chunk) nodes and
// queried through a Lucene full-text index, complementing the vector search
// in engine/semantic.
package lexical

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/QuillAI/quill-engine/engine/domain"
)

// indexName is the Lucene full-text index over chunk content.
const indexName = "chunk_text"

// CypherResult is the minimal read surface of a query result.
type CypherResult interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

// CypherRunner runs parameterized cypher inside a session or transaction.
type CypherRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error)
}

// CypherSession is the slice of a Neo4j session the index uses.
type CypherSession interface {
	CypherRunner
	ExecuteWrite(ctx context.Context, work func(tx CypherRunner) (any, error)) (any, error)
	Close(ctx context.Context) error
}

// SessionOpener opens sessions. Production openers wrap the Neo4j driver;
// tests substitute mocks.
type SessionOpener interface {
	OpenSession(ctx context.Context) CypherSession
}

// Index mirrors chunks into Neo4j and serves full-text keyword search.
type Index struct {
	opener SessionOpener
}

// New creates an Index on top of a Neo4j driver.
func New(driver neo4j.DriverWithContext) *Index {
	return &Index{opener: &driverOpener{driver: driver}}
}

// NewWithOpener creates an Index with a custom session opener. Used by tests.
func NewWithOpener(opener SessionOpener) *Index {
	return &Index{opener: opener}
}

// EnsureIndex creates the full-text index if it doesn't exist.
func (ix *Index) EnsureIndex(ctx context.Context) error {
	sess := ix.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		"CREATE FULLTEXT INDEX %s IF NOT EXISTS FOR (c:Chunk) ON EACH [c.content, c.doc_title]",
		indexName)
	if _, err := sess.Run(ctx, cypher, nil); err != nil {
		return fmt.Errorf("lexical: ensure index: %w", err)
	}
	return nil
}

// IndexChunks mirrors chunks into the graph, one node per chunk, in a single
// write transaction. Re-indexing an existing chunk ID overwrites its
// properties.
func (ix *Index) IndexChunks(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	sess := ix.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
		cypher := `MERGE (c:Chunk {id: $id}) SET c += $props`
		for _, c := range chunks {
			if _, err := tx.Run(ctx, cypher, map[string]any{
				"id":    c.ID,
				"props": chunkProps(c),
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("lexical: index %d chunks: %w", len(chunks), err)
	}
	return nil
}

// DeleteByDoc removes all chunk nodes belonging to a source document.
func (ix *Index) DeleteByDoc(ctx context.Context, sourceURI string) error {
	sess := ix.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (c:Chunk {source_uri: $uri}) DETACH DELETE c`
	if _, err := sess.Run(ctx, cypher, map[string]any{"uri": sourceURI}); err != nil {
		return fmt.Errorf("lexical: delete by source %s: %w", sourceURI, err)
	}
	return nil
}

// Search runs a full-text query over the chunk mirror. The text is sanitized
// to a plain term query first so user punctuation cannot break the Lucene
// syntax. Scores are Lucene relevance scores and are not comparable to
// cosine similarities.
func (ix *Index) Search(ctx context.Context, text string, topK int) ([]domain.Hit, error) {
	q := sanitizeQuery(text)
	if q == "" {
		return nil, nil
	}
	sess := ix.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `CALL db.index.fulltext.queryNodes($index, $query) YIELD node, score
	           RETURN node, score LIMIT $limit`
	result, err := sess.Run(ctx, cypher, map[string]any{
		"index": indexName,
		"query": q,
		"limit": topK,
	})
	if err != nil {
		return nil, fmt.Errorf("lexical: search: %w", err)
	}
	return collectHits(ctx, result), nil
}

// Count reports the number of mirrored chunks.
func (ix *Index) Count(ctx context.Context) (int64, error) {
	sess := ix.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, `MATCH (c:Chunk) RETURN count(c) AS cnt`, nil)
	if err != nil {
		return 0, fmt.Errorf("lexical: count: %w", err)
	}
	if !result.Next(ctx) {
		return 0, nil
	}
	if v, ok := result.Record().Get("cnt"); ok {
		if n, ok := v.(int64); ok {
			return n, nil
		}
	}
	return 0, nil
}

func chunkProps(c domain.Chunk) map[string]any {
	return map[string]any{
		"id":           c.ID,
		"content":      c.Text,
		"doc_title":    c.DocTitle,
		"section_path": c.SectionPath,
		"chunk_index":  c.ChunkIndex,
		"source_uri":   c.SourceURI,
	}
}

func collectHits(ctx context.Context, result CypherResult) []domain.Hit {
	var hits []domain.Hit
	for result.Next(ctx) {
		rec := result.Record()
		nVal, ok := rec.Get("node")
		if !ok {
			continue
		}
		node, ok := nVal.(dbtype.Node)
		if !ok {
			continue
		}
		score := 0.0
		if sVal, ok := rec.Get("score"); ok {
			if f, ok := sVal.(float64); ok {
				score = f
			}
		}
		hits = append(hits, domain.Hit{Chunk: chunkFromProps(node.Props), Score: score})
	}
	return hits
}

func chunkFromProps(p map[string]any) domain.Chunk {
	c := domain.Chunk{
		ID:        strProp(p, "id"),
		Text:      strProp(p, "content"),
		DocTitle:  strProp(p, "doc_title"),
		SourceURI: strProp(p, "source_uri"),
	}
	if v, ok := p["chunk_index"].(int64); ok {
		c.ChunkIndex = int(v)
	}
	if vs, ok := p["section_path"].([]any); ok {
		for _, v := range vs {
			if s, ok := v.(string); ok {
				c.SectionPath = append(c.SectionPath, s)
			}
		}
	}
	return c
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// sanitizeQuery lowercases the text and strips everything but letters and
// digits, leaving a plain space-separated term query.
func sanitizeQuery(text string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}
