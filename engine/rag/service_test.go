package rag

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/QuillAI/quill-engine/engine/domain"
)

type mockEmbedder struct {
	vec []float32
	err error
}

func (m *mockEmbedder) Embed(context.Context, string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.vec, nil
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = m.vec
	}
	return out, nil
}

type mockGenerator struct {
	replies  []string
	err      error
	contexts []string
}

func (m *mockGenerator) Generate(_ context.Context, contextText, _ string) (string, error) {
	m.contexts = append(m.contexts, contextText)
	if m.err != nil {
		return "", m.err
	}
	if len(m.replies) == 0 {
		return "generated answer", nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}

type mockVector struct {
	hits  []domain.Hit
	err   error
	topKs []int
}

func (m *mockVector) Search(_ context.Context, _ []float32, topK int) ([]domain.Hit, error) {
	m.topKs = append(m.topKs, topK)
	return m.hits, m.err
}

type mockKeyword struct {
	hits    []domain.Hit
	err     error
	queries []string
}

func (m *mockKeyword) Search(_ context.Context, text string, _ int) ([]domain.Hit, error) {
	m.queries = append(m.queries, text)
	return m.hits, m.err
}

func hit(id string, idx int, title, text string, score float64) domain.Hit {
	return domain.Hit{
		Chunk: domain.Chunk{
			ID:         id,
			Text:       text,
			DocTitle:   title,
			ChunkIndex: idx,
			SourceURI:  "file:///" + title + ".pdf",
		},
		Score: score,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(emb domain.Embedder, gen domain.Generator, vec VectorSearcher, kw KeywordSearcher) *Service {
	return New(emb, gen, vec, kw, DefaultOptions(), testLogger())
}

func TestAsk_GroundedHybridFlow(t *testing.T) {
	emb := &mockEmbedder{vec: []float32{1, 0}}
	gen := &mockGenerator{replies: []string{"The fuel pressure is 3.0 bar."}}
	vec := &mockVector{hits: []domain.Hit{
		hit("v1", 0, "Pump Manual", "Fuel pressure must read 3.0 bar at idle.", 0.91),
		hit("v2", 1, "Pump Manual", "Check the regulator before adjusting pressure.", 0.74),
	}}
	kw := &mockKeyword{hits: []domain.Hit{
		hit("k1", 4, "Workshop Notes", "Pressure testing requires the correct gauge adapter.", 1.3),
	}}

	svc := newTestService(emb, gen, vec, kw)
	ans, err := svc.Ask(context.Background(), domain.Question{Text: "fuel pump pressure specification"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if !ans.Grounded || ans.GeneratedBy != "Hybrid (Docs + AI)" {
		t.Errorf("expected grounded hybrid answer, got %+v", ans)
	}
	if ans.Text != "The fuel pressure is 3.0 bar." {
		t.Errorf("answer = %q", ans.Text)
	}
	if ans.Confidence != 0.91 {
		t.Errorf("confidence = %f, want best vector score", ans.Confidence)
	}
	if len(ans.Sources) != 2 {
		t.Fatalf("sources = %+v", ans.Sources)
	}
	if len(ans.Blocks) == 0 {
		t.Errorf("expected context blocks for provenance")
	}

	if len(gen.contexts) != 1 || !strings.Contains(gen.contexts[0], "### Section:") {
		t.Errorf("generator context missing provenance headers: %q", gen.contexts)
	}
	if len(kw.queries) != 1 || kw.queries[0] == "" {
		t.Errorf("keyword search queries = %v", kw.queries)
	}
}

func TestAsk_FiltersWeakVectorHits(t *testing.T) {
	emb := &mockEmbedder{vec: []float32{1, 0}}
	gen := &mockGenerator{}
	vec := &mockVector{hits: []domain.Hit{
		hit("strong1", 0, "Manual", "Relevant passage one about the charging circuit.", 0.9),
		hit("strong2", 1, "Manual", "Relevant passage two about alternator output.", 0.8),
		hit("strong3", 2, "Manual", "Relevant passage three about battery drain.", 0.7),
		hit("weak", 9, "Manual", "Barely related passage about seat trim.", 0.31),
	}}

	svc := newTestService(emb, gen, vec, nil)
	ans, err := svc.Ask(context.Background(), domain.Question{Text: "alternator charging fault"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	for _, s := range ans.Sources {
		for _, idx := range s.ChunksUsed {
			if idx == 9 {
				t.Errorf("weak hit survived the relevance filter: %+v", ans.Sources)
			}
		}
	}
	if ans.Confidence != 0.9 {
		t.Errorf("confidence = %f", ans.Confidence)
	}
}

func TestAsk_RetriesWiderWhenThin(t *testing.T) {
	emb := &mockEmbedder{vec: []float32{1, 0}}
	gen := &mockGenerator{}
	vec := &mockVector{hits: []domain.Hit{
		hit("only", 0, "Manual", "The single relevant passage in the store.", 0.95),
	}}

	svc := newTestService(emb, gen, vec, nil)
	ans, err := svc.Ask(context.Background(), domain.Question{Text: "coolant capacity figure"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	want := []int{DefaultOptions().TopK, DefaultOptions().TopK * 2}
	if !reflect.DeepEqual(vec.topKs, want) {
		t.Errorf("search top_k sequence = %v, want %v", vec.topKs, want)
	}
	if !ans.Grounded {
		t.Errorf("single good candidate should still ground the answer: %+v", ans)
	}
}

func TestAsk_UngroundedWhenNoCandidates(t *testing.T) {
	emb := &mockEmbedder{vec: []float32{1, 0}}
	gen := &mockGenerator{replies: []string{"From general knowledge, roughly four litres."}}
	vec := &mockVector{} // nothing stored

	svc := newTestService(emb, gen, vec, nil)
	ans, err := svc.Ask(context.Background(), domain.Question{Text: "coolant capacity figure"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if ans.Grounded || ans.GeneratedBy != "AI-only" {
		t.Errorf("expected ungrounded fallback, got %+v", ans)
	}
	if ans.Confidence != 0 || len(ans.Sources) != 0 {
		t.Errorf("ungrounded answer carries retrieval artifacts: %+v", ans)
	}
	if len(gen.contexts) != 1 || gen.contexts[0] != "" {
		t.Errorf("generator contexts = %q, want one empty-context call", gen.contexts)
	}
}

func TestAsk_FallsBackWhenModelDeclines(t *testing.T) {
	emb := &mockEmbedder{vec: []float32{1, 0}}
	gen := &mockGenerator{replies: []string{"NO_ANSWER", "General knowledge answer instead."}}
	vec := &mockVector{hits: []domain.Hit{
		hit("v1", 0, "Manual", "A passage that turned out not to answer the question.", 0.8),
		hit("v2", 1, "Manual", "Another passage on an adjacent topic entirely.", 0.7),
		hit("v3", 2, "Manual", "A third passage with unrelated figures in it.", 0.65),
	}}

	svc := newTestService(emb, gen, vec, nil)
	ans, err := svc.Ask(context.Background(), domain.Question{Text: "obscure trim code meaning"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if ans.Grounded || ans.GeneratedBy != "AI-only" {
		t.Errorf("NO_ANSWER should trigger the ungrounded fallback: %+v", ans)
	}
	if ans.Text != "General knowledge answer instead." {
		t.Errorf("answer = %q", ans.Text)
	}
	if len(gen.contexts) != 2 || gen.contexts[0] == "" || gen.contexts[1] != "" {
		t.Errorf("generator call sequence wrong: %q", gen.contexts)
	}
}

func TestAsk_BlankReplyBecomesNoAnswer(t *testing.T) {
	emb := &mockEmbedder{vec: []float32{1, 0}}
	gen := &mockGenerator{replies: []string{"  ", "   "}}
	vec := &mockVector{}

	svc := newTestService(emb, gen, vec, nil)
	ans, err := svc.Ask(context.Background(), domain.Question{Text: "anything at all here"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Text != domain.NoAnswer {
		t.Errorf("answer = %q, want %q", ans.Text, domain.NoAnswer)
	}
}

func TestAsk_ValidationErrors(t *testing.T) {
	svc := newTestService(&mockEmbedder{}, &mockGenerator{}, &mockVector{}, nil)

	_, err := svc.Ask(context.Background(), domain.Question{Text: ""})
	if !errors.Is(err, domain.ErrEmptyQuestion) {
		t.Errorf("empty question: got %v", err)
	}
	_, err = svc.Ask(context.Background(), domain.Question{Text: "hi"})
	if !errors.Is(err, domain.ErrQuestionTooShort) {
		t.Errorf("short question: got %v", err)
	}
}

func TestAsk_EmbedErrorPropagates(t *testing.T) {
	wantErr := errors.New("embedder down")
	svc := newTestService(&mockEmbedder{err: wantErr}, &mockGenerator{}, &mockVector{}, nil)

	_, err := svc.Ask(context.Background(), domain.Question{Text: "fuel pump pressure"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v", err)
	}
}

func TestAsk_SearchErrorPropagates(t *testing.T) {
	wantErr := errors.New("store unreachable")
	emb := &mockEmbedder{vec: []float32{1, 0}}
	svc := newTestService(emb, &mockGenerator{}, &mockVector{err: wantErr}, &mockKeyword{})

	_, err := svc.Ask(context.Background(), domain.Question{Text: "fuel pump pressure"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v", err)
	}
}

func TestAsk_GeneratorErrorPropagates(t *testing.T) {
	wantErr := errors.New("model offline")
	emb := &mockEmbedder{vec: []float32{1, 0}}
	vec := &mockVector{hits: []domain.Hit{
		hit("v1", 0, "Manual", "Some relevant passage.", 0.9),
	}}
	svc := newTestService(emb, &mockGenerator{err: wantErr}, vec, nil)

	_, err := svc.Ask(context.Background(), domain.Question{Text: "fuel pump pressure"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v", err)
	}
}

func TestAsk_QuestionTopKOverride(t *testing.T) {
	emb := &mockEmbedder{vec: []float32{1, 0}}
	vec := &mockVector{hits: []domain.Hit{
		hit("a", 0, "Manual", "Passage one for the narrow search.", 0.9),
		hit("b", 1, "Manual", "Passage two for the narrow search.", 0.8),
		hit("c", 2, "Manual", "Passage three for the narrow search.", 0.7),
	}}
	svc := newTestService(emb, &mockGenerator{}, vec, nil)

	_, err := svc.Ask(context.Background(), domain.Question{Text: "wiring diagram legend", TopK: 3})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(vec.topKs) == 0 || vec.topKs[0] != 3 {
		t.Errorf("top_k sequence = %v, want first call with 3", vec.topKs)
	}
}

func TestBuildSources(t *testing.T) {
	cands := []domain.Candidate{
		{Chunk: domain.Chunk{DocTitle: "Manual A", ChunkIndex: 3}, Score: 0.7},
		{Chunk: domain.Chunk{DocTitle: "Manual A", ChunkIndex: 1}, Score: 0.9},
		{Chunk: domain.Chunk{DocTitle: "Manual A", ChunkIndex: 1}, Score: 0.9},
		{Chunk: domain.Chunk{DocTitle: "Manual B", ChunkIndex: 0}, Score: 0.8},
	}

	sources := buildSources(cands)
	if len(sources) != 2 {
		t.Fatalf("got %+v", sources)
	}
	if sources[0].Document != "Manual A" || sources[0].Relevance != 0.9 {
		t.Errorf("best document first: %+v", sources[0])
	}
	if !reflect.DeepEqual(sources[0].ChunksUsed, []int{1, 3}) {
		t.Errorf("chunk indices = %v, want deduplicated ascending", sources[0].ChunksUsed)
	}
}
