package lexical

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/QuillAI/quill-engine/engine/domain"
)

// --- Mocks ---

type fakeResult struct {
	recs []*neo4j.Record
	i    int
}

func (r *fakeResult) Next(_ context.Context) bool {
	r.i++
	return r.i <= len(r.recs)
}

func (r *fakeResult) Record() *neo4j.Record {
	return r.recs[r.i-1]
}

// fakeSession records queries and serves canned results. ExecuteWrite runs
// the work function against the session itself.
type fakeSession struct {
	queries []string
	params  []map[string]any
	result  CypherResult
	runErr  error
	closed  bool
}

func (s *fakeSession) Run(_ context.Context, cypher string, params map[string]any) (CypherResult, error) {
	s.queries = append(s.queries, cypher)
	s.params = append(s.params, params)
	if s.runErr != nil {
		return nil, s.runErr
	}
	if s.result != nil {
		return s.result, nil
	}
	return &fakeResult{}, nil
}

func (s *fakeSession) ExecuteWrite(_ context.Context, work func(tx CypherRunner) (any, error)) (any, error) {
	return work(s)
}

func (s *fakeSession) Close(_ context.Context) error {
	s.closed = true
	return nil
}

type fakeOpener struct {
	sess  *fakeSession
	opens int
}

func (o *fakeOpener) OpenSession(_ context.Context) CypherSession {
	o.opens++
	return o.sess
}

func newFakeIndex() (*Index, *fakeSession, *fakeOpener) {
	sess := &fakeSession{}
	opener := &fakeOpener{sess: sess}
	return NewWithOpener(opener), sess, opener
}

// --- Tests ---

func TestEnsureIndex(t *testing.T) {
	ix, sess, _ := newFakeIndex()
	if err := ix.EnsureIndex(context.Background()); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}
	if len(sess.queries) != 1 {
		t.Fatalf("expected 1 query, got %d", len(sess.queries))
	}
	q := sess.queries[0]
	if !strings.Contains(q, "CREATE FULLTEXT INDEX chunk_text IF NOT EXISTS") {
		t.Errorf("unexpected cypher: %s", q)
	}
	if !sess.closed {
		t.Error("session not closed")
	}
}

func TestEnsureIndex_Error(t *testing.T) {
	ix, sess, _ := newFakeIndex()
	sess.runErr = errors.New("boom")
	if err := ix.EnsureIndex(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestIndexChunks(t *testing.T) {
	ix, sess, _ := newFakeIndex()
	chunks := []domain.Chunk{
		{
			ID:          "c1",
			Text:        "Drain the coolant before removing the thermostat housing.",
			DocTitle:    "Service Manual",
			SectionPath: []string{"Engine", "Cooling"},
			ChunkIndex:  0,
			SourceURI:   "file:///manuals/service.pdf",
		},
		{
			ID:         "c2",
			Text:       "Refill with the coolant mix specified on the reservoir cap.",
			ChunkIndex: 1,
			SourceURI:  "file:///manuals/service.pdf",
		},
	}
	if err := ix.IndexChunks(context.Background(), chunks); err != nil {
		t.Fatalf("IndexChunks: %v", err)
	}
	if len(sess.queries) != 2 {
		t.Fatalf("expected 2 merge queries, got %d", len(sess.queries))
	}
	for _, q := range sess.queries {
		if !strings.Contains(q, "MERGE (c:Chunk {id: $id})") {
			t.Errorf("unexpected cypher: %s", q)
		}
	}
	props, ok := sess.params[0]["props"].(map[string]any)
	if !ok {
		t.Fatalf("props missing: %v", sess.params[0])
	}
	if props["content"] != chunks[0].Text {
		t.Errorf("content = %v", props["content"])
	}
	if props["source_uri"] != "file:///manuals/service.pdf" {
		t.Errorf("source_uri = %v", props["source_uri"])
	}
}

func TestIndexChunks_Empty(t *testing.T) {
	ix, _, opener := newFakeIndex()
	if err := ix.IndexChunks(context.Background(), nil); err != nil {
		t.Fatalf("IndexChunks: %v", err)
	}
	if opener.opens != 0 {
		t.Error("empty input should not open a session")
	}
}

func TestIndexChunks_Error(t *testing.T) {
	ix, sess, _ := newFakeIndex()
	sess.runErr = errors.New("merge fail")
	err := ix.IndexChunks(context.Background(), []domain.Chunk{{ID: "c1", Text: "x"}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDeleteByDoc(t *testing.T) {
	ix, sess, _ := newFakeIndex()
	if err := ix.DeleteByDoc(context.Background(), "file:///old.pdf"); err != nil {
		t.Fatalf("DeleteByDoc: %v", err)
	}
	if !strings.Contains(sess.queries[0], "DETACH DELETE") {
		t.Errorf("unexpected cypher: %s", sess.queries[0])
	}
	if sess.params[0]["uri"] != "file:///old.pdf" {
		t.Errorf("uri param = %v", sess.params[0]["uri"])
	}
}

func TestSearch_MapsHits(t *testing.T) {
	ix, sess, _ := newFakeIndex()
	sess.result = &fakeResult{recs: []*neo4j.Record{
		{
			Keys: []string{"node", "score"},
			Values: []any{
				dbtype.Node{Props: map[string]any{
					"id":           "c1",
					"content":      "Check the fuel pump relay first.",
					"doc_title":    "Service Manual",
					"section_path": []any{"Electrical", "Relays"},
					"chunk_index":  int64(4),
					"source_uri":   "file:///manuals/service.pdf",
				}},
				7.31,
			},
		},
		{
			Keys: []string{"node", "score"},
			Values: []any{
				dbtype.Node{Props: map[string]any{
					"id":      "c2",
					"content": "The relay box sits behind the glovebox.",
				}},
				2.02,
			},
		},
	}}

	hits, err := ix.Search(context.Background(), "fuel pump relay", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	h := hits[0]
	if h.Chunk.ID != "c1" || h.Score != 7.31 {
		t.Errorf("id/score = %s/%v", h.Chunk.ID, h.Score)
	}
	if h.Chunk.Section() != "Electrical > Relays" {
		t.Errorf("section = %q", h.Chunk.Section())
	}
	if h.Chunk.ChunkIndex != 4 {
		t.Errorf("chunk_index = %d", h.Chunk.ChunkIndex)
	}
	if sess.params[0]["limit"] != 5 {
		t.Errorf("limit param = %v", sess.params[0]["limit"])
	}
}

func TestSearch_SanitizesQuery(t *testing.T) {
	ix, sess, _ := newFakeIndex()
	if _, err := ix.Search(context.Background(), `Fuel pump? AND (relay:7)`, 3); err != nil {
		t.Fatalf("Search: %v", err)
	}
	got := sess.params[0]["query"]
	if got != "fuel pump and relay 7" {
		t.Errorf("query param = %q", got)
	}
}

func TestSearch_EmptyQuerySkipsNeo4j(t *testing.T) {
	ix, _, opener := newFakeIndex()
	hits, err := ix.Search(context.Background(), "?!*", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits != nil {
		t.Errorf("expected no hits, got %v", hits)
	}
	if opener.opens != 0 {
		t.Error("empty query should not open a session")
	}
}

func TestSearch_Error(t *testing.T) {
	ix, sess, _ := newFakeIndex()
	sess.runErr = errors.New("index gone")
	if _, err := ix.Search(context.Background(), "coolant", 3); err == nil {
		t.Fatal("expected error")
	}
}

func TestCount(t *testing.T) {
	ix, sess, _ := newFakeIndex()
	sess.result = &fakeResult{recs: []*neo4j.Record{
		{Keys: []string{"cnt"}, Values: []any{int64(42)}},
	}}
	n, err := ix.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 42 {
		t.Fatalf("count = %d, want 42", n)
	}
}

func TestCount_NoRows(t *testing.T) {
	ix, _, _ := newFakeIndex()
	n, err := ix.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

func TestSanitizeQuery(t *testing.T) {
	tests := []struct{ in, want string }{
		{"what's a relay?", "what s a relay"},
		{"FUSE BOX", "fuse box"},
		{`AND OR NOT`, "and or not"},
		{"   ", ""},
		{"+-&|!(){}[]^\"~*?:\\/", ""},
		{"opel astra 1.6", "opel astra 1 6"},
	}
	for _, tt := range tests {
		if got := sanitizeQuery(tt.in); got != tt.want {
			t.Errorf("sanitizeQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChunkFromProps_MissingFields(t *testing.T) {
	c := chunkFromProps(map[string]any{"id": "c9"})
	if c.ID != "c9" {
		t.Errorf("id = %q", c.ID)
	}
	if c.Text != "" || c.ChunkIndex != 0 || c.SectionPath != nil {
		t.Errorf("zero values expected, got %+v", c)
	}
}
